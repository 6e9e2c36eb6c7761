package backend

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QwenLM/qwen-code-sub006/internal/status"
)

// TmuxBackend runs each agent in a detached tmux session so the user can
// attach to any of them with a plain tmux client. Panes are created with
// remain-on-exit so the child's exit status survives until the poller reads
// it from pane_dead_status and tears the session down.
type TmuxBackend struct {
	log *zap.Logger

	mu      sync.Mutex
	agents  map[string]*tmuxAgent
	order   []string
	active  int
	onExit  ExitCallback
	wg      sync.WaitGroup
	stopped map[string]bool
}

type tmuxAgent struct {
	id      string
	session string
	done    chan struct{}
}

// NewTmuxBackend builds a tmux-based backend.
func NewTmuxBackend(log *zap.Logger) *TmuxBackend {
	if log == nil {
		log = zap.NewNop()
	}
	return &TmuxBackend{
		log:     log,
		agents:  make(map[string]*tmuxAgent),
		stopped: make(map[string]bool),
		active:  -1,
	}
}

// Init verifies the tmux binary is usable.
func (b *TmuxBackend) Init(ctx context.Context) error {
	if _, err := exec.LookPath("tmux"); err != nil {
		return fmt.Errorf("tmux not found in PATH: %w", err)
	}
	return nil
}

func (b *TmuxBackend) SetOnAgentExit(cb ExitCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExit = cb
}

func tmuxSessionName(agentID string) string {
	return "qswarm-" + status.SanitizeAgentID(agentID)
}

func tmux(args ...string) error {
	out, err := exec.Command("tmux", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func tmuxOutput(args ...string) (string, error) {
	out, err := exec.Command("tmux", args...).Output()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// SpawnAgent starts the agent's CLI inside a fresh detached tmux session
// rooted in its workspace.
func (b *TmuxBackend) SpawnAgent(ctx context.Context, cfg AgentConfig) error {
	launcher := NewLauncher(cfg.Launcher)
	name := tmuxSessionName(cfg.AgentID)

	args := []string{"new-session", "-d", "-s", name, "-c", cfg.Workspace,
		"-e", "QWEN_SWARM_AGENT_ID=" + cfg.AgentID,
		"-e", "QWEN_SWARM_SESSION_DIR=" + cfg.SessionDir,
		launcher.Command(),
	}
	args = append(args, launcher.BuildArgs(cfg.Prompt, cfg.Model)...)
	args = append(args, cfg.ExtraArgs...)
	// Chained in the same server pass so remain-on-exit applies before the
	// pane can die; the dead pane keeps the exit status readable.
	args = append(args, ";", "set-option", "-w", "-t", name, "remain-on-exit", "on")
	if err := tmux(args...); err != nil {
		return fmt.Errorf("spawn agent %s: %w", cfg.AgentID, err)
	}

	if launcher.UseStdin() {
		_ = tmux("send-keys", "-t", name, "-l", cfg.Prompt)
		_ = tmux("send-keys", "-t", name, "Enter")
	}

	a := &tmuxAgent{id: cfg.AgentID, session: name, done: make(chan struct{})}
	b.mu.Lock()
	b.agents[cfg.AgentID] = a
	b.order = append(b.order, cfg.AgentID)
	if b.active < 0 {
		b.active = 0
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.watch(ctx, a)

	b.log.Debug("agent spawned in tmux", zap.String("agent", cfg.AgentID), zap.String("session", name))
	return nil
}

// watch polls pane liveness and fires the exit callback once, reading the
// child's exit status from the dead pane before killing the session.
func (b *TmuxBackend) watch(ctx context.Context, a *tmuxAgent) {
	defer b.wg.Done()
	defer close(a.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := tmuxOutput("display-message", "-p", "-t", a.session, "#{pane_dead},#{pane_dead_status}")
			dead, code := parseDeadPane(out)
			if err == nil && !dead {
				continue
			}
			if err == nil {
				_ = tmux("kill-session", "-t", a.session)
			}
			// err != nil means the session is gone entirely (killed or the
			// server died); no status is left to read.
			b.mu.Lock()
			cb := b.onExit
			stopped := b.stopped[a.id]
			b.mu.Unlock()
			signal := ""
			if stopped {
				signal = "killed"
				if code == 0 {
					code = 1
				}
			}
			if cb != nil {
				cb(a.id, code, signal)
			}
			return
		}
	}
}

// parseDeadPane decodes "#{pane_dead},#{pane_dead_status}" display-message
// output. pane_dead_status is empty until the pane has died.
func parseDeadPane(out string) (dead bool, code int) {
	fields := strings.SplitN(strings.TrimSpace(out), ",", 2)
	if fields[0] != "1" {
		return false, 0
	}
	if len(fields) == 2 && fields[1] != "" {
		if n, err := strconv.Atoi(fields[1]); err == nil {
			code = n
		}
	}
	return true, code
}

func (b *TmuxBackend) StopAgent(id string) error {
	b.mu.Lock()
	a, ok := b.agents[id]
	if ok {
		b.stopped[id] = true
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	return tmux("kill-session", "-t", a.session)
}

func (b *TmuxBackend) StopAll() error {
	b.mu.Lock()
	ids := append([]string(nil), b.order...)
	b.mu.Unlock()
	for _, id := range ids {
		_ = b.StopAgent(id)
	}
	return nil
}

func (b *TmuxBackend) Cleanup() error {
	_ = b.StopAll()
	b.mu.Lock()
	b.agents = make(map[string]*tmuxAgent)
	b.order = nil
	b.stopped = make(map[string]bool)
	b.active = -1
	b.mu.Unlock()
	return nil
}

func (b *TmuxBackend) WaitForAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *TmuxBackend) SwitchTo(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, known := range b.order {
		if known == id {
			b.active = i
			// Best effort; fails harmlessly when no client is attached.
			_ = tmux("switch-client", "-t", b.agents[id].session)
			return true
		}
	}
	return false
}

func (b *TmuxBackend) SwitchToNext() string {
	b.mu.Lock()
	if len(b.order) == 0 {
		b.mu.Unlock()
		return ""
	}
	b.active = (b.active + 1) % len(b.order)
	id := b.order[b.active]
	b.mu.Unlock()
	b.SwitchTo(id)
	return id
}

func (b *TmuxBackend) SwitchToPrevious() string {
	b.mu.Lock()
	if len(b.order) == 0 {
		b.mu.Unlock()
		return ""
	}
	b.active = (b.active - 1 + len(b.order)) % len(b.order)
	id := b.order[b.active]
	b.mu.Unlock()
	b.SwitchTo(id)
	return id
}

func (b *TmuxBackend) GetActiveAgentID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active < 0 || b.active >= len(b.order) {
		return ""
	}
	return b.order[b.active]
}

func (b *TmuxBackend) GetActiveSnapshot() string {
	return b.GetAgentSnapshot(b.GetActiveAgentID())
}

func (b *TmuxBackend) GetAgentSnapshot(id string) string {
	b.mu.Lock()
	a, ok := b.agents[id]
	b.mu.Unlock()
	if !ok {
		return ""
	}
	out, err := tmuxOutput("capture-pane", "-p", "-t", a.session)
	if err != nil {
		return ""
	}
	return out
}

func (b *TmuxBackend) GetAgentScrollbackLength(id string) int {
	b.mu.Lock()
	a, ok := b.agents[id]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	out, err := tmuxOutput("capture-pane", "-p", "-S", "-", "-t", a.session)
	if err != nil {
		return 0
	}
	return len(strings.Split(strings.TrimRight(out, "\n"), "\n"))
}

func (b *TmuxBackend) ForwardInput(id string, data []byte) error {
	b.mu.Lock()
	a, ok := b.agents[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	return tmux("send-keys", "-t", a.session, "-l", string(data))
}

func (b *TmuxBackend) WriteToAgent(id string, data []byte) error {
	return b.ForwardInput(id, data)
}

func (b *TmuxBackend) ResizeAll(cols, rows int) error {
	b.mu.Lock()
	agents := make([]*tmuxAgent, 0, len(b.agents))
	for _, a := range b.agents {
		agents = append(agents, a)
	}
	b.mu.Unlock()
	for _, a := range agents {
		_ = tmux("resize-window", "-t", a.session, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	}
	return nil
}

func (b *TmuxBackend) GetAttachHint() string {
	id := b.GetActiveAgentID()
	if id == "" {
		return "no agent sessions running"
	}
	b.mu.Lock()
	a := b.agents[id]
	b.mu.Unlock()
	return "tmux attach -t " + a.session
}
