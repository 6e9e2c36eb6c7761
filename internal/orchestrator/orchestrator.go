// Package orchestrator owns the session lifecycle: request validation,
// backend selection, workspace acquisition, concurrent agent startup,
// cancellation, and teardown. One Orchestrator instance carries one
// session's worth of state.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/QwenLM/qwen-code-sub006/internal/backend"
	"github.com/QwenLM/qwen-code-sub006/internal/events"
	"github.com/QwenLM/qwen-code-sub006/internal/session"
	"github.com/QwenLM/qwen-code-sub006/internal/status"
	"github.com/QwenLM/qwen-code-sub006/internal/workspace"
)

// Session agent-count bounds enforced by Start.
const (
	MinAgents = 2
	MaxAgents = 5
)

// Status is the session state machine.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// AgentSpec configures one participant in a session.
type AgentSpec struct {
	// Model doubles as the agent identifier; it must be unique in a session.
	Model     string
	Launcher  string
	ExtraArgs []string
}

// Request is a session start request.
type Request struct {
	Agents     []AgentSpec
	Task       string
	SourcePath string
	BaseRef    string
	TimeBudget time.Duration
	Backend    string
}

// ApplyResult is the structured outcome of applying one agent's changes.
type ApplyResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type slot struct {
	id        string
	spec      AgentSpec
	workspace workspace.Workspace
	state     status.State
	exitCode  int
	exited    bool
	lastErr   string
}

// Orchestrator coordinates workspaces, the execution backend, and the
// status channel for a single session.
type Orchestrator struct {
	log        *zap.Logger
	bus        *events.Bus
	workspaces *workspace.Manager
	detect     backend.DetectFunc

	mu        sync.Mutex
	sessionID string
	sess      *session.Session
	state     Status
	be        backend.Backend
	channel   *status.Channel
	slots     map[string]*slot
	order     []string
	cancelled bool
	cancelCh  chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkspaceManager overrides the repository isolation service.
func WithWorkspaceManager(m *workspace.Manager) Option {
	return func(o *Orchestrator) { o.workspaces = m }
}

// WithDetectFunc overrides backend detection, mainly for tests.
func WithDetectFunc(fn backend.DetectFunc) Option {
	return func(o *Orchestrator) { o.detect = fn }
}

// New builds an orchestrator with no active session.
func New(log *zap.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		log:    log,
		bus:    events.NewBus(),
		detect: backend.Detect,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.workspaces == nil {
		o.workspaces = workspace.NewManager(log)
	}
	return o
}

// Events exposes the orchestrator's event bus for UI subscription.
func (o *Orchestrator) Events() *events.Bus { return o.bus }

func validateRequest(req Request) error {
	if len(req.Agents) < MinAgents {
		return fmt.Errorf("a session requires at least %d models, got %d", MinAgents, len(req.Agents))
	}
	if len(req.Agents) > MaxAgents {
		return fmt.Errorf("a session supports a maximum of %d models, got %d", MaxAgents, len(req.Agents))
	}
	seen := make(map[string]bool, len(req.Agents))
	for _, a := range req.Agents {
		if a.Model == "" {
			return fmt.Errorf("every agent needs a model identifier")
		}
		if seen[a.Model] {
			return fmt.Errorf("model identifiers must be unique: %q appears more than once", a.Model)
		}
		seen[a.Model] = true
	}
	if strings.TrimSpace(req.Task) == "" {
		return fmt.Errorf("task description must not be empty")
	}
	return nil
}

// Start validates the request, acquires workspaces and a backend, launches
// every agent, and blocks until each agent reaches a terminal state or the
// session is cancelled. Validation failures are synchronous and leave no
// side effects.
func (o *Orchestrator) Start(ctx context.Context, req Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}

	o.mu.Lock()
	if o.sessionID != "" {
		id := o.sessionID
		o.mu.Unlock()
		return fmt.Errorf("session %s is still active; cancel and clean it up first", id)
	}
	id := uuid.NewString()
	o.sessionID = id
	o.state = StatusInitializing
	o.cancelled = false
	o.cancelCh = make(chan struct{})
	cancelCh := o.cancelCh
	o.slots = make(map[string]*slot)
	o.order = nil
	o.mu.Unlock()

	sel, err := o.detect(backend.Preferences{Backend: req.Backend}, o.log)
	if err == nil {
		err = sel.Backend.Init(ctx)
	}
	if err != nil {
		o.failSession(id, err)
		return err
	}
	if sel.Warning != "" {
		o.bus.Publish(events.SessionUpdate{SessionID: id, Level: events.LevelWarning, Message: sel.Warning})
	}
	o.mu.Lock()
	o.be = sel.Backend
	o.mu.Unlock()

	names := make([]string, len(req.Agents))
	for i, a := range req.Agents {
		names[i] = a.Model
	}
	res, err := o.workspaces.CreateWorkspaces(ctx, id, req.SourcePath, names, req.BaseRef)
	if err != nil {
		_ = sel.Backend.Cleanup()
		o.failSession(id, err)
		return err
	}
	sess := res.Session
	if req.TimeBudget > 0 {
		// Advisory only: recorded for the backend and UI, not enforced here.
		sess.TimeBudget = req.TimeBudget
		if err := sess.Save(); err != nil {
			o.log.Warn("persist time budget", zap.Error(err))
		}
	}
	if res.Initialized {
		o.bus.Publish(events.SessionUpdate{
			SessionID: id,
			Level:     events.LevelInfo,
			Message:   "source repository had no history; created an initial empty commit",
		})
	}

	ch := status.NewChannel(sess.Path, o.log)
	if err := ch.Init(); err != nil {
		o.log.Warn("init status channel", zap.Error(err))
	}

	o.mu.Lock()
	o.sess = sess
	o.channel = ch
	for i, spec := range req.Agents {
		s := &slot{id: spec.Model, spec: spec, workspace: res.Workspaces[i], state: status.StateStarting}
		o.slots[s.id] = s
		o.order = append(o.order, s.id)
	}
	slots := make([]*slot, 0, len(o.slots))
	for _, aid := range o.order {
		slots = append(slots, o.slots[aid])
	}
	o.state = StatusRunning
	o.mu.Unlock()

	o.bus.Publish(events.SessionUpdate{
		SessionID: id,
		Level:     events.LevelInfo,
		Message:   fmt.Sprintf("session started with %d agents", len(slots)),
	})
	o.log.Info("session started", zap.String("session", id), zap.Int("agents", len(slots)), zap.String("backend", sel.Name))

	var wg sync.WaitGroup
	wg.Add(len(slots))
	var exitOnce sync.Map
	settle := func(agentID string, code int, signal string, spawnErr error) {
		if _, dup := exitOnce.LoadOrStore(agentID, true); dup {
			return
		}
		o.mu.Lock()
		st := status.StateCompleted
		if s, ok := o.slots[agentID]; ok {
			s.exited = true
			s.exitCode = code
			if spawnErr != nil {
				s.lastErr = spawnErr.Error()
			}
			if code != 0 || spawnErr != nil {
				s.state = status.StateFailed
			} else {
				s.state = status.StateCompleted
			}
			st = s.state
		}
		o.mu.Unlock()
		o.bus.Publish(events.AgentExited{SessionID: id, AgentID: agentID, ExitCode: code, Signal: signal})
		o.bus.Publish(events.AgentStatusChanged{SessionID: id, AgentID: agentID, State: string(st)})
		wg.Done()
	}
	sel.Backend.SetOnAgentExit(func(agentID string, code int, signal string) {
		settle(agentID, code, signal, nil)
	})

	// Spawn every agent concurrently. A spawn failure is scoped to that
	// agent; the rest of the session keeps running.
	for _, s := range slots {
		go func(s *slot) {
			cfg := backend.AgentConfig{
				AgentID:    s.id,
				Model:      s.spec.Model,
				Launcher:   s.spec.Launcher,
				Prompt:     req.Task,
				Workspace:  s.workspace.Path,
				SessionDir: sess.Path,
				ExtraArgs:  s.spec.ExtraArgs,
			}
			if err := sel.Backend.SpawnAgent(ctx, cfg); err != nil {
				o.log.Warn("agent spawn failed", zap.String("agent", s.id), zap.Error(err))
				settle(s.id, 1, "", err)
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-cancelCh:
	case <-ctx.Done():
		_ = o.Cancel(context.WithoutCancel(ctx))
		return ctx.Err()
	}

	o.mu.Lock()
	if o.state == StatusRunning {
		o.state = StatusCompleted
	}
	final := o.state
	o.mu.Unlock()
	o.bus.Publish(events.SessionUpdate{
		SessionID: id,
		Level:     events.LevelInfo,
		Message:   fmt.Sprintf("session %s", final),
	})
	o.log.Info("session finished", zap.String("session", id), zap.String("status", string(final)))
	return nil
}

// failSession marks the session FAILED and emits exactly one session-error
// event carrying the original error message.
func (o *Orchestrator) failSession(id string, err error) {
	o.mu.Lock()
	o.state = StatusFailed
	o.mu.Unlock()
	o.bus.Publish(events.SessionError{SessionID: id, Message: err.Error()})
	o.log.Error("session failed", zap.String("session", id), zap.Error(err))
}

// Cancel cooperatively stops the session: a shutdown signal per agent, one
// stop-all call to the backend, status CANCELLED. Idempotent; resolves
// without error when nothing is running.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	if o.sessionID == "" || o.be == nil || o.cancelled ||
		(o.state != StatusRunning && o.state != StatusInitializing) {
		o.mu.Unlock()
		return nil
	}
	o.cancelled = true
	o.state = StatusCancelled
	id := o.sessionID
	be := o.be
	ch := o.channel
	ids := append([]string(nil), o.order...)
	cancelCh := o.cancelCh
	o.mu.Unlock()

	if ch != nil {
		for _, aid := range ids {
			if err := ch.SendSignal(aid, status.Signal{Type: status.SignalShutdown, Reason: "session cancelled"}); err != nil {
				o.log.Debug("send shutdown signal", zap.String("agent", aid), zap.Error(err))
			}
		}
	}
	if err := be.StopAll(); err != nil {
		o.log.Warn("backend stop-all", zap.Error(err))
	}
	if cancelCh != nil {
		close(cancelCh)
	}
	o.bus.Publish(events.SessionUpdate{SessionID: id, Level: events.LevelInfo, Message: "session cancelled"})
	return nil
}

// Cleanup releases the backend and removes every workspace and branch for
// the session. Idempotent; the session id is cleared first so a second call
// is a no-op.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	o.mu.Lock()
	id := o.sessionID
	be := o.be
	o.sessionID = ""
	o.sess = nil
	o.be = nil
	o.channel = nil
	o.slots = nil
	o.order = nil
	o.mu.Unlock()

	if id == "" {
		return nil
	}
	if be != nil {
		if err := be.Cleanup(); err != nil {
			o.log.Warn("backend cleanup", zap.Error(err))
		}
	}
	if err := o.workspaces.CleanupSession(ctx, id); err != nil {
		o.log.Warn("workspace cleanup", zap.String("session", id), zap.Error(err))
		return err
	}
	return nil
}

// GetSessionID returns the active session id, or "" when none.
func (o *Orchestrator) GetSessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// GetStatus returns the session state machine's current state.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ApplyAgentResult applies the agent's workspace changes onto the source
// repository, reporting failure as a structured result rather than an error.
func (o *Orchestrator) ApplyAgentResult(ctx context.Context, agentID string) ApplyResult {
	o.mu.Lock()
	s, ok := o.slots[agentID]
	o.mu.Unlock()
	if !ok {
		return ApplyResult{Success: false, Error: fmt.Sprintf("agent %q not found in current session", agentID)}
	}
	if err := o.workspaces.Apply(ctx, s.workspace.Path, ""); err != nil {
		return ApplyResult{Success: false, Error: err.Error()}
	}
	return ApplyResult{Success: true}
}

// GetAgentDiff returns the agent's patch text, or a human-readable message
// when the agent is unknown or the diff fails; this path feeds displays.
func (o *Orchestrator) GetAgentDiff(ctx context.Context, agentID string) string {
	o.mu.Lock()
	s, ok := o.slots[agentID]
	o.mu.Unlock()
	if !ok {
		return fmt.Sprintf("agent %q not found in current session", agentID)
	}
	diff, err := o.workspaces.Diff(ctx, s.workspace.Path, "")
	if err != nil {
		return fmt.Sprintf("diff failed: %v", err)
	}
	if strings.TrimSpace(diff) == "" {
		return "no changes"
	}
	return diff
}

// AgentStatuses returns the last published status record per agent. Agents
// that have not published yet fall back to orchestrator-side state.
func (o *Orchestrator) AgentStatuses() map[string]status.Record {
	o.mu.Lock()
	ch := o.channel
	id := o.sessionID
	fallback := make(map[string]status.Record, len(o.slots))
	for aid, s := range o.slots {
		fallback[aid] = status.Record{AgentID: aid, State: s.state, Error: s.lastErr}
	}
	o.mu.Unlock()

	out := make(map[string]status.Record, len(fallback))
	if id == "" {
		return out
	}
	for aid, rec := range fallback {
		out[aid] = rec
	}
	if ch != nil {
		for _, rec := range ch.ReadAll() {
			out[rec.AgentID] = rec
		}
	}
	return out
}

// Interactive pass-throughs. Each returns a neutral value when no backend
// is active; none of them ever panics or errors on a missing backend.

func (o *Orchestrator) backendRef() backend.Backend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.be
}

func (o *Orchestrator) SwitchToAgent(id string) bool {
	if be := o.backendRef(); be != nil {
		return be.SwitchTo(id)
	}
	return false
}

func (o *Orchestrator) SwitchToNextAgent() string {
	if be := o.backendRef(); be != nil {
		return be.SwitchToNext()
	}
	return ""
}

func (o *Orchestrator) SwitchToPreviousAgent() string {
	if be := o.backendRef(); be != nil {
		return be.SwitchToPrevious()
	}
	return ""
}

func (o *Orchestrator) GetActiveAgentID() string {
	if be := o.backendRef(); be != nil {
		return be.GetActiveAgentID()
	}
	return ""
}

func (o *Orchestrator) GetActiveSnapshot() string {
	if be := o.backendRef(); be != nil {
		return be.GetActiveSnapshot()
	}
	return ""
}

func (o *Orchestrator) GetAgentSnapshot(id string) string {
	if be := o.backendRef(); be != nil {
		return be.GetAgentSnapshot(id)
	}
	return ""
}

func (o *Orchestrator) ForwardInput(id string, data []byte) error {
	if be := o.backendRef(); be != nil {
		return be.ForwardInput(id, data)
	}
	return nil
}

func (o *Orchestrator) ResizeAgents(cols, rows int) error {
	if be := o.backendRef(); be != nil {
		return be.ResizeAll(cols, rows)
	}
	return nil
}

func (o *Orchestrator) AttachHint() string {
	if be := o.backendRef(); be != nil {
		return be.GetAttachHint()
	}
	return ""
}
