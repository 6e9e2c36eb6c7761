package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndLoad(t *testing.T) {
	st := NewStore(t.TempDir())

	sess, err := st.New("s1", "/repo", []string{"a", "b"}, "main", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(st.Root, "s1"), sess.Path)
	assert.FileExists(t, sess.MetadataPath())

	loaded, err := st.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", loaded.ID)
	assert.Equal(t, "/repo", loaded.SourcePath)
	assert.Equal(t, []string{"a", "b"}, loaded.AgentNames)
	assert.Equal(t, "main", loaded.BaseBranch)
	assert.Equal(t, 10*time.Minute, loaded.TimeBudget)
}

func TestLoadMissing(t *testing.T) {
	st := NewStore(t.TempDir())
	_, err := st.Load("nope")
	assert.Error(t, err)
}

func TestListNewestFirst(t *testing.T) {
	st := NewStore(t.TempDir())

	older, err := st.New("old", "/repo", []string{"a", "b"}, "main", 0)
	require.NoError(t, err)
	older.Created = older.Created.Add(-time.Hour)
	require.NoError(t, older.Save())

	_, err = st.New("new", "/repo", []string{"a", "b", "c"}, "main", 0)
	require.NoError(t, err)

	infos, err := st.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "new", infos[0].ID)
	assert.Equal(t, 3, infos[0].Workspaces)
	assert.Equal(t, "old", infos[1].ID)
}

func TestListSkipsUnreadableEntries(t *testing.T) {
	st := NewStore(t.TempDir())

	_, err := st.New("good", "/repo", []string{"a", "b"}, "main", 0)
	require.NoError(t, err)

	// A directory without metadata and a stray file must both be skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(st.Root, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(st.Root, "stray.txt"), []byte("x"), 0o644))

	infos, err := st.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "good", infos[0].ID)
}

func TestListMissingRoot(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	infos, err := st.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestRemove(t *testing.T) {
	st := NewStore(t.TempDir())
	sess, err := st.New("gone", "/repo", []string{"a", "b"}, "main", 0)
	require.NoError(t, err)

	require.NoError(t, st.Remove("gone"))
	assert.NoDirExists(t, sess.Path)
	require.NoError(t, st.Remove("gone"), "removing twice is a no-op")
}

func TestPathHelpers(t *testing.T) {
	s := &Session{Path: "/tmp/qwen-swarm/s1"}
	assert.Equal(t, "/tmp/qwen-swarm/s1/workspaces", s.WorkspacesDir())
	assert.Equal(t, "/tmp/qwen-swarm/s1/workspaces/agent-a", s.WorkspacePath("agent-a"))
	assert.Equal(t, "/tmp/qwen-swarm/s1/agents", s.AgentsDir())
	assert.Equal(t, "/tmp/qwen-swarm/s1/control", s.ControlDir())
	assert.Equal(t, "/tmp/qwen-swarm/s1/session.json", s.MetadataPath())
}

func TestLoadDirFillsPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.json"),
		[]byte(`{"id":"s1","sourcePath":"/repo","agentNames":["a","b"],"baseBranch":"main"}`), 0o644))

	sess, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, sess.Path)
}
