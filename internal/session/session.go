package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	defaultBaseDir = "qwen-swarm"
	metadataFile   = "session.json"
)

// Session describes one orchestration run and its on-disk layout.
type Session struct {
	ID         string        `json:"id"`
	Path       string        `json:"path"`
	SourcePath string        `json:"sourcePath"`
	AgentNames []string      `json:"agentNames"`
	BaseBranch string        `json:"baseBranch"`
	TimeBudget time.Duration `json:"timeBudget,omitempty"`
	Created    time.Time     `json:"created"`
}

// Info is a summary row returned by List.
type Info struct {
	ID         string    `json:"id"`
	Created    time.Time `json:"created"`
	SourcePath string    `json:"sourcePath"`
	Workspaces int       `json:"workspaces"`
}

// Store persists session metadata under a root directory.
type Store struct {
	Root string
}

// NewStore builds a store rooted at root, defaulting to a directory under
// the system temp dir.
func NewStore(root string) *Store {
	if root == "" {
		root = filepath.Join(os.TempDir(), defaultBaseDir)
	}
	return &Store{Root: root}
}

// New creates the session directory and persists the metadata file.
func (st *Store) New(id, sourcePath string, agentNames []string, baseBranch string, budget time.Duration) (*Session, error) {
	path := filepath.Join(st.Root, id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	s := &Session{
		ID:         id,
		Path:       path,
		SourcePath: sourcePath,
		AgentNames: append([]string(nil), agentNames...),
		BaseBranch: baseBranch,
		TimeBudget: budget,
		Created:    time.Now(),
	}
	if err := s.Save(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load restores a session from disk using its ID.
func (st *Store) Load(id string) (*Session, error) {
	return LoadDir(filepath.Join(st.Root, id))
}

// LoadDir restores a session from an explicit session directory.
func LoadDir(dir string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	// Ensure path is set even if the JSON lacked it.
	if sess.Path == "" {
		sess.Path = dir
	}
	return &sess, nil
}

// List enumerates known sessions, newest first. Directories without a
// readable metadata file are skipped.
func (st *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(st.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := LoadDir(filepath.Join(st.Root, e.Name()))
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			ID:         sess.ID,
			Created:    sess.Created,
			SourcePath: sess.SourcePath,
			Workspaces: len(sess.AgentNames),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Created.After(infos[j].Created) })
	return infos, nil
}

// Remove deletes the session directory and everything beneath it.
func (st *Store) Remove(id string) error {
	return os.RemoveAll(filepath.Join(st.Root, id))
}

// WorkspacesDir is the directory holding one checkout per agent.
func (s *Session) WorkspacesDir() string {
	return filepath.Join(s.Path, "workspaces")
}

// WorkspacePath returns the checkout path for one agent.
func (s *Session) WorkspacePath(name string) string {
	return filepath.Join(s.WorkspacesDir(), name)
}

// AgentsDir holds one status JSON file per agent.
func (s *Session) AgentsDir() string {
	return filepath.Join(s.Path, "agents")
}

// ControlDir holds at most one pending control-signal file per agent.
func (s *Session) ControlDir() string {
	return filepath.Join(s.Path, "control")
}

// MetadataPath is the session's metadata file.
func (s *Session) MetadataPath() string {
	return filepath.Join(s.Path, metadataFile)
}

// Save writes the metadata file.
func (s *Session) Save() error {
	if err := os.MkdirAll(s.Path, 0o755); err != nil {
		return fmt.Errorf("ensure session dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.WriteFile(s.MetadataPath(), data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}
