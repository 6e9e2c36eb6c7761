package events

// Event is any notification emitted by the orchestrator.
type Event interface{ isEvent() }

// Level classifies session updates.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
)

// SessionUpdate carries non-fatal lifecycle notices (phase changes,
// backend-selection warnings).
type SessionUpdate struct {
	SessionID string
	Level     Level
	Message   string
}

// SessionError carries a fatal session-level error.
type SessionError struct {
	SessionID string
	Message   string
}

// AgentStatusChanged signals that one agent's lifecycle state moved.
type AgentStatusChanged struct {
	SessionID string
	AgentID   string
	State     string
}

// AgentExited reports a backend exit callback.
type AgentExited struct {
	SessionID string
	AgentID   string
	ExitCode  int
	Signal    string
}

func (SessionUpdate) isEvent()      {}
func (SessionError) isEvent()       {}
func (AgentStatusChanged) isEvent() {}
func (AgentExited) isEvent()        {}
