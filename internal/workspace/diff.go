package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/QwenLM/qwen-code-sub006/internal/session"
)

// baselineRef finds the workspace's baseline snapshot commit, or "".
func (m *Manager) baselineRef(ctx context.Context, workspacePath string) string {
	out, err := gitOutput(ctx, workspacePath,
		"log", "--fixed-strings", "--grep", baselineMessage, "-n", "1", "--format=%H")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Diff returns a binary-safe patch of everything changed in the workspace
// relative to its baseline snapshot, or to baseRef when no baseline exists
// (default: the session's recorded base branch). Staging happens in a
// throwaway copy of the index, so whatever the agent has staged stays staged.
func (m *Manager) Diff(ctx context.Context, workspacePath, baseRef string) (string, error) {
	workspacePath, err := filepath.Abs(workspacePath)
	if err != nil {
		return "", fmt.Errorf("resolve workspace path: %w", err)
	}

	ref := m.baselineRef(ctx, workspacePath)
	if ref == "" {
		ref = baseRef
	}
	if ref == "" {
		if sess, err := session.LoadDir(sessionDirFor(workspacePath)); err == nil && sess.BaseBranch != "" {
			ref = sess.BaseBranch
		} else {
			ref = "HEAD"
		}
	}

	// Stage everything into a scratch index so untracked files appear in the
	// patch without the workspace's real index ever changing.
	scratch, cleanup, err := m.scratchIndex(ctx, workspacePath)
	if err != nil {
		return "", err
	}
	defer cleanup()
	env := []string{"GIT_INDEX_FILE=" + scratch}

	if err := runGitEnv(ctx, workspacePath, env, "add", "-A"); err != nil {
		return "", err
	}
	return gitOutputEnv(ctx, workspacePath, env, "diff", "--binary", ref)
}

// scratchIndex copies the workspace's index into a temp directory and returns
// the copy's path plus a cleanup func. A workspace without an index yet maps
// to a path git creates on first use.
func (m *Manager) scratchIndex(ctx context.Context, workspacePath string) (string, func(), error) {
	gitDir, err := gitOutput(ctx, workspacePath, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", nil, fmt.Errorf("resolve git dir: %w", err)
	}

	dir, err := os.MkdirTemp("", "qwen-swarm-index-")
	if err != nil {
		return "", nil, fmt.Errorf("stage scratch index: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	scratch := filepath.Join(dir, "index")

	data, err := os.ReadFile(filepath.Join(strings.TrimSpace(gitDir), "index"))
	if err != nil {
		if os.IsNotExist(err) {
			return scratch, cleanup, nil
		}
		cleanup()
		return "", nil, fmt.Errorf("copy workspace index: %w", err)
	}
	if err := os.WriteFile(scratch, data, 0o600); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("copy workspace index: %w", err)
	}
	return scratch, cleanup, nil
}

// Apply computes the workspace diff and applies it onto targetPath (default:
// the session's source repository). An empty diff is trivial success. With a
// baseline present the patch's before-image matches the target, so a direct
// apply is used; foreign workspaces get a three-way apply with a merge-base
// fallback.
func (m *Manager) Apply(ctx context.Context, workspacePath, targetPath string) error {
	workspacePath, err := filepath.Abs(workspacePath)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}
	if targetPath == "" {
		sess, err := session.LoadDir(sessionDirFor(workspacePath))
		if err != nil {
			return fmt.Errorf("resolve target repository: %w", err)
		}
		targetPath = sess.SourcePath
	}

	hasBaseline := m.baselineRef(ctx, workspacePath) != ""
	patch, err := m.Diff(ctx, workspacePath, "")
	if err != nil {
		return err
	}
	if strings.TrimSpace(patch) == "" {
		return nil
	}

	if hasBaseline {
		if err := runGitStdin(ctx, targetPath, []byte(patch), "apply", "--binary"); err != nil {
			return fmt.Errorf("apply workspace changes: %w", err)
		}
		return nil
	}

	// No baseline: the before-image may not match the target, so try a
	// three-way apply, then once more against the computed merge base.
	if err := runGitStdin(ctx, targetPath, []byte(patch), "apply", "--3way", "--binary"); err == nil {
		return nil
	}
	targetHead, err := gitOutput(ctx, targetPath, "rev-parse", "HEAD")
	if err != nil {
		return fmt.Errorf("resolve target head: %w", err)
	}
	base, err := gitOutput(ctx, workspacePath, "merge-base", "HEAD", strings.TrimSpace(targetHead))
	if err != nil {
		return fmt.Errorf("compute merge base: %w", err)
	}
	patch, err = m.Diff(ctx, workspacePath, strings.TrimSpace(base))
	if err != nil {
		return err
	}
	if strings.TrimSpace(patch) == "" {
		return nil
	}
	if err := runGitStdin(ctx, targetPath, []byte(patch), "apply", "--3way", "--binary"); err != nil {
		return fmt.Errorf("apply workspace changes: %w", err)
	}
	return nil
}

// sessionDirFor walks from a workspace path back to its session directory
// (<root>/<session>/workspaces/<name>).
func sessionDirFor(workspacePath string) string {
	return filepath.Dir(filepath.Dir(workspacePath))
}

// HasBaseline reports whether the workspace carries a baseline snapshot.
func (m *Manager) HasBaseline(ctx context.Context, workspacePath string) bool {
	return m.baselineRef(ctx, workspacePath) != ""
}
