// Package status implements the file protocol between agent processes and
// the orchestrator: overwrite-style status records published by agents and
// consume-once control signals addressed to them. Corrupt files on either
// side are treated as absent, never as errors.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	agentsSubdir  = "agents"
	controlSubdir = "control"
)

// State is an agent's lifecycle state as published through the channel.
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Record is the last-known snapshot of one agent's progress.
type Record struct {
	AgentID   string    `json:"agentId"`
	State     State     `json:"state"`
	Round     int       `json:"round,omitempty"`
	Activity  string    `json:"activity,omitempty"`
	Stats     Stats     `json:"stats"`
	Summary   string    `json:"summary,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Update is a partial status update. Zero-valued fields keep the previously
// published value; Round counts from 1 so zero means unchanged.
type Update struct {
	State    State
	Round    int
	Activity string
	Stats    *Stats
	Summary  string
	Error    string
}

// SignalType identifies a control signal.
type SignalType string

const (
	SignalShutdown SignalType = "shutdown"
	SignalCancel   SignalType = "cancel"
)

// Signal is a one-shot instruction addressed to a single agent.
type Signal struct {
	Type      SignalType `json:"type"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Channel is the per-session status/control file channel. It is safe for
// concurrent use by multiple writers as long as each agent writes only its
// own status file.
type Channel struct {
	dir string
	log *zap.Logger
}

// NewChannel scopes a channel to one session directory.
func NewChannel(sessionDir string, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{dir: sessionDir, log: log}
}

// Init ensures the agents/ and control/ subdirectories exist. Idempotent and
// safe to call concurrently from multiple writers.
func (c *Channel) Init() error {
	for _, sub := range []string{agentsSubdir, controlSubdir} {
		if err := os.MkdirAll(filepath.Join(c.dir, sub), 0o755); err != nil {
			return fmt.Errorf("init status channel: %w", err)
		}
	}
	return nil
}

var idReplacer = strings.NewReplacer("/", "--", "\\", "--", ":", "--")

// SanitizeAgentID maps an agent id to a safe file name. Path-hostile
// characters each become a double dash; callers guarantee pre-sanitization
// uniqueness.
func SanitizeAgentID(id string) string {
	return idReplacer.Replace(id)
}

func (c *Channel) statusPath(agentID string) string {
	return filepath.Join(c.dir, agentsSubdir, SanitizeAgentID(agentID)+".json")
}

func (c *Channel) signalPath(agentID string) string {
	return filepath.Join(c.dir, controlSubdir, SanitizeAgentID(agentID)+".json")
}

// Publish merges u with the previously published record for agentID, stamps
// an update time, and writes the result atomically (temp file then rename)
// so readers never observe a partial write.
func (c *Channel) Publish(agentID string, u Update) error {
	if err := c.Init(); err != nil {
		return err
	}

	rec := c.readRecord(agentID)
	rec.AgentID = agentID
	if u.State != "" {
		rec.State = u.State
	}
	if u.Round > 0 {
		rec.Round = u.Round
	}
	if u.Activity != "" {
		rec.Activity = u.Activity
	}
	if u.Stats != nil {
		rec.Stats = *u.Stats
	}
	if u.Summary != "" {
		rec.Summary = u.Summary
	}
	if u.Error != "" {
		rec.Error = u.Error
	}
	rec.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return c.writeAtomic(c.statusPath(agentID), data)
}

// ReportCompleted marks the agent completed with an optional final summary.
func (c *Channel) ReportCompleted(agentID, summary string) error {
	return c.Publish(agentID, Update{State: StateCompleted, Summary: summary})
}

// Read returns the last published record for agentID, or nil when none has
// been written or the file does not decode.
func (c *Channel) Read(agentID string) *Record {
	data, err := os.ReadFile(c.statusPath(agentID))
	if err != nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		c.log.Debug("ignoring corrupt status file", zap.String("agent", agentID), zap.Error(err))
		return nil
	}
	return &rec
}

// ReadAll returns every decodable status record in the session.
func (c *Channel) ReadAll() []Record {
	entries, err := os.ReadDir(filepath.Join(c.dir, agentsSubdir))
	if err != nil {
		return nil
	}
	var recs []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, agentsSubdir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

// SendSignal writes a one-shot control signal for agentID, replacing any
// signal not yet consumed.
func (c *Channel) SendSignal(agentID string, sig Signal) error {
	if err := c.Init(); err != nil {
		return err
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return c.writeAtomic(c.signalPath(agentID), data)
}

// ReadSignal returns the pending signal for agentID and deletes it in the
// same operation. It returns nil when no signal exists; a file that does not
// decode is deleted and reported as absent.
func (c *Channel) ReadSignal(agentID string) *Signal {
	path := c.signalPath(agentID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	_ = os.Remove(path)

	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		c.log.Debug("discarding corrupt control signal", zap.String("agent", agentID), zap.Error(err))
		return nil
	}
	return &sig
}

// readRecord loads the previous record, falling back to a zero record when
// missing or corrupt.
func (c *Channel) readRecord(agentID string) Record {
	if rec := c.Read(agentID); rec != nil {
		return *rec
	}
	return Record{State: StateStarting}
}

// writeAtomic makes the write appear atomic to readers: the payload lands in
// a dot-prefixed temp file in the same directory and is renamed into place.
func (c *Channel) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("stage status write: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("stage status write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("stage status write: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit status write: %w", err)
	}
	return nil
}
