// Package backend defines the execution backend contract the orchestrator
// drives, plus the concrete local backends and the detection factory that
// picks between them.
package backend

import "context"

// ExitCallback is invoked once per agent when its session ends.
type ExitCallback func(agentID string, exitCode int, signal string)

// AgentConfig carries everything a backend needs to start one agent.
type AgentConfig struct {
	AgentID    string
	Model      string
	Launcher   string
	Prompt     string
	Workspace  string
	SessionDir string
	ExtraArgs  []string
}

// Backend runs agent sessions and exposes the interactive surface the UI
// passes through. Implementations are scoped to one orchestration session.
type Backend interface {
	Init(ctx context.Context) error
	SpawnAgent(ctx context.Context, cfg AgentConfig) error
	StopAgent(id string) error
	StopAll() error
	Cleanup() error
	SetOnAgentExit(cb ExitCallback)
	WaitForAll(ctx context.Context) error

	SwitchTo(id string) bool
	SwitchToNext() string
	SwitchToPrevious() string
	GetActiveAgentID() string
	GetActiveSnapshot() string
	GetAgentSnapshot(id string) string
	GetAgentScrollbackLength(id string) int
	ForwardInput(id string, data []byte) error
	WriteToAgent(id string, data []byte) error
	ResizeAll(cols, rows int) error
	GetAttachHint() string
}
