package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QwenLM/qwen-code-sub006/internal/session"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(nil, WithStore(session.NewStore(t.TempDir())))
}

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mustGit(t, dir, "init", "-b", "main")
	mustGit(t, dir, "config", "user.email", "test@example.com")
	mustGit(t, dir, "config", "user.name", "test")
	writeFile(t, dir, "README.md", "hello\n")
	mustGit(t, dir, "add", "-A")
	mustGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := gitOutput(context.Background(), dir, args...)
	require.NoError(t, err)
	return out
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(t, err)
	return string(data)
}

func sessionBranches(t *testing.T, repo, sessionID string) []string {
	t.Helper()
	out := mustGit(t, repo, "branch", "--list", branchNamespace+"/"+sessionID+"/*", "--format=%(refname:short)")
	return splitLines(out)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "gpt-5", sanitizeName("gpt-5"))
	assert.Equal(t, "openai-gpt-5", sanitizeName("openai/gpt-5"))
	assert.Equal(t, "a_b.c", sanitizeName("a_b.c"))
	assert.Equal(t, "x", sanitizeName("--x--"))
	assert.Equal(t, "", sanitizeName("///"))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "qwen-swarm/s1/agent-a", BranchName("s1", "agent-a"))
}

func TestEnsureRepositoryRejectsNonRepo(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureRepository(ctx, filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrNotARepository)

	_, err = m.EnsureRepository(ctx, t.TempDir())
	assert.ErrorIs(t, err, ErrNotARepository)
}

func TestEnsureRepositoryInitializesUnbornHead(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()

	dir := t.TempDir()
	mustGit(t, dir, "init", "-b", "main")

	initialized, err := m.EnsureRepository(ctx, dir)
	require.NoError(t, err)
	assert.True(t, initialized)
	mustGit(t, dir, "rev-parse", "--verify", "HEAD")

	initialized, err = m.EnsureRepository(ctx, dir)
	require.NoError(t, err)
	assert.False(t, initialized, "a repository with history is left alone")
}

func TestCreateWorkspacesIsolation(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	res, err := m.CreateWorkspaces(ctx, "iso", repo, []string{"a", "b", "c"}, "")
	require.NoError(t, err)
	require.Len(t, res.Workspaces, 3)
	assert.False(t, res.Initialized)

	branches := make(map[string]bool)
	for _, ws := range res.Workspaces {
		assert.DirExists(t, ws.Path)
		assert.Equal(t, "hello\n", readFile(t, ws.Path, "README.md"))
		assert.False(t, branches[ws.Branch], "branches must be distinct")
		branches[ws.Branch] = true
		assert.True(t, strings.HasPrefix(ws.Branch, "qwen-swarm/iso/"))

		diff, err := m.Diff(ctx, ws.Path, "")
		require.NoError(t, err)
		assert.Empty(t, strings.TrimSpace(diff), "a fresh workspace has no changes against its baseline")
	}

	// A write in one workspace is invisible to the others and to the source.
	writeFile(t, res.Workspaces[0].Path, "README.md", "changed by a\n")
	assert.Equal(t, "hello\n", readFile(t, res.Workspaces[1].Path, "README.md"))
	assert.Equal(t, "hello\n", readFile(t, repo, "README.md"))
}

func TestCreateWorkspacesSanitizationCollision(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	repo := initRepo(t)

	_, err := m.CreateWorkspaces(context.Background(), "collide", repo, []string{"a/b", "a:b"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collide after sanitization")

	// Validation failures must leave zero side effects.
	_, loadErr := m.Store().Load("collide")
	assert.Error(t, loadErr)
	assert.Empty(t, sessionBranches(t, repo, "collide"))
}

func TestCreateWorkspacesPartialFailureRollsBack(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	repo := initRepo(t)

	// Occupy one of the branch names so its worktree add fails.
	mustGit(t, repo, "branch", BranchName("rb", "b"), "main")

	_, err := m.CreateWorkspaces(context.Background(), "rb", repo, []string{"a", "b"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace b")

	_, loadErr := m.Store().Load("rb")
	assert.Error(t, loadErr, "session metadata must be rolled back")
	assert.Empty(t, sessionBranches(t, repo, "rb"), "all session branches must be rolled back")
}

func TestCreateWorkspacesCapturesDirtyState(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	writeFile(t, repo, "README.md", "hello\nuncommitted edit\n")
	writeFile(t, repo, "notes/draft.txt", "untracked\n")

	res, err := m.CreateWorkspaces(ctx, "dirty", repo, []string{"a", "b"}, "")
	require.NoError(t, err)

	for _, ws := range res.Workspaces {
		assert.Equal(t, "hello\nuncommitted edit\n", readFile(t, ws.Path, "README.md"))
		assert.Equal(t, "untracked\n", readFile(t, ws.Path, "notes/draft.txt"))

		diff, err := m.Diff(ctx, ws.Path, "")
		require.NoError(t, err)
		assert.Empty(t, strings.TrimSpace(diff), "the dirty overlay is part of the baseline")
	}

	// The source checkout keeps its dirty state untouched.
	assert.Equal(t, "hello\nuncommitted edit\n", readFile(t, repo, "README.md"))
	assert.FileExists(t, filepath.Join(repo, "notes/draft.txt"))
	status := mustGit(t, repo, "status", "--porcelain")
	assert.Contains(t, status, "README.md")
}

func TestDiffAndApplyRoundTrip(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	res, err := m.CreateWorkspaces(ctx, "rt", repo, []string{"a", "b"}, "")
	require.NoError(t, err)
	ws := res.Workspaces[0]

	writeFile(t, ws.Path, "README.md", "hello\nedited by agent\n")
	writeFile(t, ws.Path, "pkg/new.go", "package pkg\n")

	diff, err := m.Diff(ctx, ws.Path, "")
	require.NoError(t, err)
	assert.Contains(t, diff, "edited by agent")
	assert.Contains(t, diff, "pkg/new.go")

	require.NoError(t, m.Apply(ctx, ws.Path, ""))
	assert.Equal(t, "hello\nedited by agent\n", readFile(t, repo, "README.md"))
	assert.Equal(t, "package pkg\n", readFile(t, repo, "pkg/new.go"))
}

func TestApplyEmptyDiffIsNoOp(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	res, err := m.CreateWorkspaces(ctx, "noop", repo, []string{"a", "b"}, "")
	require.NoError(t, err)

	require.NoError(t, m.Apply(ctx, res.Workspaces[0].Path, ""))
	status := mustGit(t, repo, "status", "--porcelain")
	assert.Empty(t, strings.TrimSpace(status))
}

func TestDiffPreservesStagedChanges(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	res, err := m.CreateWorkspaces(ctx, "stg", repo, []string{"a", "b"}, "")
	require.NoError(t, err)
	ws := res.Workspaces[0]

	writeFile(t, ws.Path, "staged.txt", "staged content\n")
	mustGit(t, ws.Path, "add", "staged.txt")

	diff, err := m.Diff(ctx, ws.Path, "")
	require.NoError(t, err)
	assert.Contains(t, diff, "staged.txt")

	status := mustGit(t, ws.Path, "status", "--porcelain")
	assert.Contains(t, status, "A  staged.txt", "the file must still be staged after the diff")
}

func TestCreateWorkspacesCopiesNonASCIIUntracked(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	writeFile(t, repo, "résumé.txt", "non-ascii name\n")
	writeFile(t, repo, "docs/überblick.md", "nested\n")

	res, err := m.CreateWorkspaces(ctx, "uni", repo, []string{"a", "b"}, "")
	require.NoError(t, err)

	for _, ws := range res.Workspaces {
		assert.Equal(t, "non-ascii name\n", readFile(t, ws.Path, "résumé.txt"))
		assert.Equal(t, "nested\n", readFile(t, ws.Path, "docs/überblick.md"))

		diff, err := m.Diff(ctx, ws.Path, "")
		require.NoError(t, err)
		assert.Empty(t, strings.TrimSpace(diff))
	}
}

func TestDiffLeavesIndexUntouched(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	res, err := m.CreateWorkspaces(ctx, "idx", repo, []string{"a", "b"}, "")
	require.NoError(t, err)
	ws := res.Workspaces[0]

	writeFile(t, ws.Path, "scratch.txt", "untracked\n")
	_, err = m.Diff(ctx, ws.Path, "")
	require.NoError(t, err)

	status := mustGit(t, ws.Path, "status", "--porcelain")
	assert.Contains(t, status, "?? scratch.txt", "untracked files must not stay staged after a diff")
}

func TestHasBaseline(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	res, err := m.CreateWorkspaces(ctx, "hb", repo, []string{"a", "b"}, "")
	require.NoError(t, err)

	assert.True(t, m.HasBaseline(ctx, res.Workspaces[0].Path))
	assert.False(t, m.HasBaseline(ctx, repo))
}

func TestCleanupSession(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	res, err := m.CreateWorkspaces(ctx, "cln", repo, []string{"a", "b"}, "")
	require.NoError(t, err)

	require.NoError(t, m.CleanupSession(ctx, "cln"))
	for _, ws := range res.Workspaces {
		assert.NoDirExists(t, ws.Path)
	}
	assert.Empty(t, sessionBranches(t, repo, "cln"))
	_, err = m.Store().Load("cln")
	assert.Error(t, err)

	require.NoError(t, m.CleanupSession(ctx, "cln"), "cleanup is idempotent")
}

func TestRemoveWorkspaceSurvivesManualDeletion(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	res, err := m.CreateWorkspaces(ctx, "manual", repo, []string{"a", "b"}, "")
	require.NoError(t, err)

	// Someone removed the checkout behind our back; cleanup must still work.
	require.NoError(t, os.RemoveAll(res.Workspaces[0].Path))
	require.NoError(t, m.CleanupSession(ctx, "manual"))
	assert.Empty(t, sessionBranches(t, repo, "manual"))
}

func TestListSessions(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	_, err := m.CreateWorkspaces(ctx, "ls1", repo, []string{"a", "b"}, "")
	require.NoError(t, err)

	infos, err := m.ListSessions()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "ls1", infos[0].ID)
	assert.Equal(t, 2, infos[0].Workspaces)
	assert.Equal(t, repo, infos[0].SourcePath)
}
