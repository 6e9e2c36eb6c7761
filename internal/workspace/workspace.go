// Package workspace turns one source repository into N independent,
// agent-writable checkouts and later reconciles their edits back onto the
// source. Every git operation shells out to the installed git binary; the
// source repository's history is never mutated except by EnsureRepository
// on a repository that had none.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/QwenLM/qwen-code-sub006/internal/session"
)

// baselineMessage marks the synthetic commit capturing a workspace's exact
// starting state. Diff and Apply locate it with git log --grep.
const baselineMessage = "qwen-swarm: baseline snapshot"

// branchNamespace prefixes every workspace branch so two sessions never
// collide even when agent names repeat.
const branchNamespace = "qwen-swarm"

// ErrNotARepository indicates a path outside any git repository.
var ErrNotARepository = errors.New("path is not inside a version-controlled repository")

// Workspace is one isolated, branch-backed checkout tied to a single agent.
type Workspace struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Branch  string    `json:"branch"`
	Created time.Time `json:"created"`
}

// CreateResult is returned by CreateWorkspaces on success.
type CreateResult struct {
	Session     *session.Session
	Workspaces  []Workspace
	Initialized bool
}

// Manager is the repository isolation service.
type Manager struct {
	log   *zap.Logger
	store *session.Store
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore overrides the session store, mainly for tests.
func WithStore(st *session.Store) Option {
	return func(m *Manager) { m.store = st }
}

// NewManager builds a manager. A nil logger disables logging.
func NewManager(log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{log: log, store: session.NewStore("")}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the session store backing this manager.
func (m *Manager) Store() *session.Store { return m.store }

// BranchName derives the branch for one agent's workspace. Namespacing by
// session id keeps branches unique across sessions.
func BranchName(sessionID, name string) string {
	return branchNamespace + "/" + sessionID + "/" + name
}

// sanitizeName reduces a workspace name to a filesystem- and branch-safe
// token. Anything outside [A-Za-z0-9._-] becomes a dash.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

// EnsureRepository verifies path is inside a git repository. A repository
// with no history at all gets a one-time empty root commit; the returned
// bool reports whether that initialization happened.
func (m *Manager) EnsureRepository(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false, fmt.Errorf("%w: %s", ErrNotARepository, path)
	}
	if _, err := gitOutput(ctx, path, "rev-parse", "--git-dir"); err != nil {
		return false, fmt.Errorf("%w: %s", ErrNotARepository, path)
	}
	if _, err := gitOutput(ctx, path, "rev-parse", "--verify", "HEAD"); err != nil {
		if err := commitGit(ctx, path, "qwen-swarm: initial commit", true); err != nil {
			return false, fmt.Errorf("initialize repository: %w", err)
		}
		m.log.Info("initialized empty repository", zap.String("path", path))
		return true, nil
	}
	return false, nil
}

// CreateWorkspaces materializes one branch-isolated checkout per name, each
// overlaid with the source repository's current dirty state and sealed with
// a baseline snapshot commit. The operation is all-or-nothing: any failure
// rolls back every workspace and branch created for this session.
func (m *Manager) CreateWorkspaces(ctx context.Context, sessionID, sourcePath string, names []string, baseRef string) (*CreateResult, error) {
	if len(names) == 0 {
		return nil, errors.New("no workspace names given")
	}

	// Validate before touching anything.
	sanitized := make([]string, len(names))
	seen := make(map[string]string, len(names))
	for i, name := range names {
		s := sanitizeName(name)
		if s == "" {
			return nil, fmt.Errorf("workspace name %q sanitizes to an empty token", name)
		}
		if prev, ok := seen[s]; ok {
			return nil, fmt.Errorf("workspace names %q and %q collide after sanitization", prev, name)
		}
		seen[s] = name
		sanitized[i] = s
	}

	sourcePath, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("resolve source path: %w", err)
	}
	initialized, err := m.EnsureRepository(ctx, sourcePath)
	if err != nil {
		return nil, err
	}

	ref := baseRef
	if ref == "" {
		out, err := gitOutput(ctx, sourcePath, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("resolve base ref: %w", err)
		}
		ref = strings.TrimSpace(out)
	}

	overlay, err := m.captureDirtyState(ctx, sourcePath)
	if err != nil {
		return nil, err
	}

	sess, err := m.store.New(sessionID, sourcePath, sanitized, ref, 0)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(sess.WorkspacesDir(), 0o755); err != nil {
		m.rollback(ctx, sess, sanitized)
		return nil, fmt.Errorf("create workspaces dir: %w", err)
	}

	workspaces := make([]Workspace, len(sanitized))
	errs := make([]error, len(sanitized))
	var wg sync.WaitGroup
	for i, name := range sanitized {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			workspaces[i], errs[i] = m.createOne(ctx, sess, name, ref, overlay)
		}(i, name)
	}
	wg.Wait()

	var failed *multierror.Error
	for i, err := range errs {
		if err != nil {
			failed = multierror.Append(failed, fmt.Errorf("workspace %s: %w", sanitized[i], err))
		}
	}
	if failed != nil {
		m.rollback(ctx, sess, sanitized)
		return nil, fmt.Errorf("create workspaces: %w", failed.ErrorOrNil())
	}

	m.log.Info("workspaces created",
		zap.String("session", sessionID),
		zap.Int("count", len(workspaces)),
		zap.String("baseRef", ref))
	return &CreateResult{Session: sess, Workspaces: workspaces, Initialized: initialized}, nil
}

// dirtyState is a non-destructive snapshot of the source checkout: a stash
// commit covering tracked changes plus the untracked file listing.
type dirtyState struct {
	stashRef  string
	untracked []string
}

func (m *Manager) captureDirtyState(ctx context.Context, sourcePath string) (dirtyState, error) {
	var ds dirtyState
	out, err := gitOutput(ctx, sourcePath, "stash", "create", "qwen-swarm dirty state")
	if err != nil {
		return ds, fmt.Errorf("capture tracked changes: %w", err)
	}
	ds.stashRef = strings.TrimSpace(out)

	// -z: NUL separators, no C-quoting, so non-ASCII names come back verbatim.
	listing, err := gitOutput(ctx, sourcePath, "ls-files", "--others", "--exclude-standard", "-z")
	if err != nil {
		return ds, fmt.Errorf("list untracked files: %w", err)
	}
	ds.untracked = splitNul(listing)
	return ds, nil
}

func (m *Manager) createOne(ctx context.Context, sess *session.Session, name, ref string, overlay dirtyState) (Workspace, error) {
	branch := BranchName(sess.ID, name)
	path := sess.WorkspacePath(name)

	if err := runGit(ctx, sess.SourcePath, "worktree", "add", "-b", branch, path, ref); err != nil {
		return Workspace{}, err
	}

	if overlay.stashRef != "" {
		// First parent of a stash commit is the HEAD it was created on, so
		// this diff covers every tracked change, staged or not.
		patch, err := gitOutput(ctx, sess.SourcePath, "diff", "--binary", overlay.stashRef+"^", overlay.stashRef)
		if err != nil {
			return Workspace{}, fmt.Errorf("extract dirty state: %w", err)
		}
		if strings.TrimSpace(patch) != "" {
			if err := runGitStdin(ctx, path, []byte(patch), "apply", "--binary"); err != nil {
				return Workspace{}, fmt.Errorf("overlay dirty state: %w", err)
			}
		}
	}

	for _, rel := range overlay.untracked {
		if err := m.copyFile(filepath.Join(sess.SourcePath, rel), filepath.Join(path, rel)); err != nil {
			return Workspace{}, fmt.Errorf("copy untracked %s: %w", rel, err)
		}
	}

	// Seal the complete starting state so later diffs exclude the user's
	// pre-existing edits.
	if err := runGit(ctx, path, "add", "-A"); err != nil {
		return Workspace{}, err
	}
	if err := commitGit(ctx, path, baselineMessage, true); err != nil {
		return Workspace{}, fmt.Errorf("commit baseline: %w", err)
	}

	return Workspace{Name: name, Path: path, Branch: branch, Created: time.Now()}, nil
}

// rollback removes everything created for the session so far. Best-effort;
// it never stops at the first failure.
func (m *Manager) rollback(ctx context.Context, sess *session.Session, names []string) {
	for _, name := range names {
		path := sess.WorkspacePath(name)
		if _, err := os.Stat(path); err == nil {
			if err := runGit(ctx, sess.SourcePath, "worktree", "remove", "--force", path); err != nil {
				_ = os.RemoveAll(path)
			}
		}
		_ = runGit(ctx, sess.SourcePath, "branch", "-D", BranchName(sess.ID, name))
	}
	_ = runGit(ctx, sess.SourcePath, "worktree", "prune")
	if err := m.store.Remove(sess.ID); err != nil {
		m.log.Warn("rollback: remove session dir", zap.String("session", sess.ID), zap.Error(err))
	}
}

// RemoveWorkspace deletes one workspace and its branch. Structured removal
// first; forced filesystem deletion plus a prune pass on failure.
func (m *Manager) RemoveWorkspace(ctx context.Context, path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}

	branch := ""
	if out, err := gitOutput(ctx, path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		branch = strings.TrimSpace(out)
	}
	repo := m.mainRepoFor(ctx, path)

	var errs *multierror.Error
	if repo != "" {
		if err := runGit(ctx, repo, "worktree", "remove", "--force", path); err != nil {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				errs = multierror.Append(errs, fmt.Errorf("remove workspace %s: %w", path, rmErr))
			}
			_ = runGit(ctx, repo, "worktree", "prune")
		}
		if branch != "" && branch != "HEAD" {
			if err := runGit(ctx, repo, "branch", "-D", branch); err != nil {
				m.log.Debug("branch cleanup", zap.String("branch", branch), zap.Error(err))
			}
		}
	} else if err := os.RemoveAll(path); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("remove workspace %s: %w", path, err))
	}
	return errs.ErrorOrNil()
}

// CleanupSession removes every workspace and branch for the session, then
// the session directory itself. Failures are collected, never short-circuit.
func (m *Manager) CleanupSession(ctx context.Context, sessionID string) error {
	sess, err := m.store.Load(sessionID)
	if err != nil {
		// Metadata is gone or unreadable; drop whatever is left on disk.
		return m.store.Remove(sessionID)
	}

	var errs *multierror.Error
	for _, name := range sess.AgentNames {
		if err := m.RemoveWorkspace(ctx, sess.WorkspacePath(name)); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	_ = runGit(ctx, sess.SourcePath, "worktree", "prune")
	if err := m.store.Remove(sessionID); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("remove session dir: %w", err))
	}
	return errs.ErrorOrNil()
}

// ListSessions enumerates previously created sessions, newest first.
func (m *Manager) ListSessions() ([]session.Info, error) {
	return m.store.List()
}

// mainRepoFor resolves the primary repository a worktree belongs to.
func (m *Manager) mainRepoFor(ctx context.Context, worktreePath string) string {
	out, err := gitOutput(ctx, worktreePath, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return ""
	}
	common := strings.TrimSpace(out)
	if filepath.Base(common) == ".git" {
		return filepath.Dir(common)
	}
	return common
}

func (m *Manager) copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			// The file disappeared between listing and copy.
			m.log.Warn("untracked file vanished before copy", zap.String("file", src))
			return nil
		}
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}
