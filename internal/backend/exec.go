package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QwenLM/qwen-code-sub006/internal/status"
)

const scrollbackLimit = 2000

// ExecBackend runs each agent as a direct child process, streaming output to
// a per-agent log file and an in-memory scrollback. It is the fallback when
// no terminal multiplexer is available; there is no real PTY, so resize is a
// no-op and snapshots come from the scrollback buffer.
type ExecBackend struct {
	log *zap.Logger

	mu     sync.Mutex
	agents map[string]*execAgent
	order  []string
	active int
	onExit ExitCallback
	wg     sync.WaitGroup
}

type execAgent struct {
	id      string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logFile *os.File

	mu         sync.Mutex
	scrollback []string
	exited     bool
	exitCode   int
}

// NewExecBackend builds an in-process backend.
func NewExecBackend(log *zap.Logger) *ExecBackend {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExecBackend{log: log, agents: make(map[string]*execAgent), active: -1}
}

func (b *ExecBackend) Init(ctx context.Context) error { return nil }

// SetOnAgentExit registers the exit callback. Must be called before Spawn.
func (b *ExecBackend) SetOnAgentExit(cb ExitCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExit = cb
}

// SpawnAgent launches the agent's model CLI inside its workspace.
func (b *ExecBackend) SpawnAgent(ctx context.Context, cfg AgentConfig) error {
	launcher := NewLauncher(cfg.Launcher)

	logDir := filepath.Join(cfg.SessionDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.Create(filepath.Join(logDir, status.SanitizeAgentID(cfg.AgentID)+".log"))
	if err != nil {
		return fmt.Errorf("create agent log: %w", err)
	}

	args := append(launcher.BuildArgs(cfg.Prompt, cfg.Model), cfg.ExtraArgs...)
	cmd := exec.CommandContext(ctx, launcher.Command(), args...)
	cmd.Dir = cfg.Workspace
	cmd.Env = append(os.Environ(),
		"QWEN_SWARM_AGENT_ID="+cfg.AgentID,
		"QWEN_SWARM_SESSION_DIR="+cfg.SessionDir,
	)

	fmt.Fprintf(logFile, "[%s] %s starting\n", time.Now().Format(time.RFC3339), cfg.AgentID)
	fmt.Fprintf(logFile, "[%s] workdir: %s\n", time.Now().Format(time.RFC3339), cfg.Workspace)
	fmt.Fprintf(logFile, "[%s] command: %s %s\n\n", time.Now().Format(time.RFC3339), launcher.Command(), strings.Join(args, " "))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start agent %s: %w", cfg.AgentID, err)
	}

	a := &execAgent{id: cfg.AgentID, cmd: cmd, stdin: stdin, logFile: logFile}

	b.mu.Lock()
	if _, exists := b.agents[cfg.AgentID]; exists {
		b.mu.Unlock()
		_ = cmd.Process.Kill()
		logFile.Close()
		return fmt.Errorf("agent %s already running", cfg.AgentID)
	}
	b.agents[cfg.AgentID] = a
	b.order = append(b.order, cfg.AgentID)
	if b.active < 0 {
		b.active = 0
	}
	b.mu.Unlock()

	if launcher.UseStdin() {
		go func() {
			_, _ = io.WriteString(stdin, cfg.Prompt)
			// Leave stdin open for ForwardInput; the CLI reads until EOF on
			// Cleanup or process exit.
		}()
	}

	go a.stream(stdout)
	go a.stream(stderr)

	b.wg.Add(1)
	go b.wait(a)

	b.log.Debug("agent spawned", zap.String("agent", cfg.AgentID), zap.String("command", launcher.Command()))
	return nil
}

func (a *execAgent) stream(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		a.mu.Lock()
		if a.logFile != nil {
			_, _ = a.logFile.WriteString(line + "\n")
		}
		a.scrollback = append(a.scrollback, line)
		if len(a.scrollback) > scrollbackLimit {
			a.scrollback = a.scrollback[len(a.scrollback)-scrollbackLimit:]
		}
		a.mu.Unlock()
	}
}

func (b *ExecBackend) wait(a *execAgent) {
	defer b.wg.Done()

	err := a.cmd.Wait()
	exit := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exit = exitErr.ExitCode()
			if exit == -1 {
				exit = 1
				signal = "killed"
			}
		} else {
			exit = 1
		}
	}

	a.mu.Lock()
	a.exited = true
	a.exitCode = exit
	if a.logFile != nil {
		_ = a.logFile.Close()
		a.logFile = nil
	}
	a.mu.Unlock()

	b.mu.Lock()
	cb := b.onExit
	b.mu.Unlock()
	if cb != nil {
		cb(a.id, exit, signal)
	}
}

// StopAgent kills the agent's process. Exit is reported via the callback.
func (b *ExecBackend) StopAgent(id string) error {
	b.mu.Lock()
	a, ok := b.agents[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exited || a.cmd.Process == nil {
		return nil
	}
	return a.cmd.Process.Kill()
}

// StopAll kills every running agent in one pass.
func (b *ExecBackend) StopAll() error {
	b.mu.Lock()
	ids := append([]string(nil), b.order...)
	b.mu.Unlock()
	for _, id := range ids {
		_ = b.StopAgent(id)
	}
	return nil
}

// Cleanup stops everything and drops agent bookkeeping.
func (b *ExecBackend) Cleanup() error {
	_ = b.StopAll()
	b.wg.Wait()
	b.mu.Lock()
	b.agents = make(map[string]*execAgent)
	b.order = nil
	b.active = -1
	b.mu.Unlock()
	return nil
}

// WaitForAll blocks until every spawned agent has exited or ctx is done.
func (b *ExecBackend) WaitForAll(ctx context.Context) error {
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

func (b *ExecBackend) SwitchTo(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, known := range b.order {
		if known == id {
			b.active = i
			return true
		}
	}
	return false
}

func (b *ExecBackend) SwitchToNext() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.order) == 0 {
		return ""
	}
	b.active = (b.active + 1) % len(b.order)
	return b.order[b.active]
}

func (b *ExecBackend) SwitchToPrevious() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.order) == 0 {
		return ""
	}
	b.active = (b.active - 1 + len(b.order)) % len(b.order)
	return b.order[b.active]
}

func (b *ExecBackend) GetActiveAgentID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active < 0 || b.active >= len(b.order) {
		return ""
	}
	return b.order[b.active]
}

func (b *ExecBackend) GetActiveSnapshot() string {
	return b.GetAgentSnapshot(b.GetActiveAgentID())
}

func (b *ExecBackend) GetAgentSnapshot(id string) string {
	b.mu.Lock()
	a, ok := b.agents[id]
	b.mu.Unlock()
	if !ok {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.scrollback, "\n")
}

func (b *ExecBackend) GetAgentScrollbackLength(id string) int {
	b.mu.Lock()
	a, ok := b.agents[id]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.scrollback)
}

// ForwardInput writes raw bytes to the agent's stdin.
func (b *ExecBackend) ForwardInput(id string, data []byte) error {
	b.mu.Lock()
	a, ok := b.agents[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exited {
		return fmt.Errorf("agent %s has exited", id)
	}
	_, err := a.stdin.Write(data)
	return err
}

func (b *ExecBackend) WriteToAgent(id string, data []byte) error {
	return b.ForwardInput(id, data)
}

// ResizeAll is a no-op: child processes here have no PTY.
func (b *ExecBackend) ResizeAll(cols, rows int) error { return nil }

func (b *ExecBackend) GetAttachHint() string {
	return "agent output is streamed to <session>/logs/<agent>.log; tail -f to follow"
}
