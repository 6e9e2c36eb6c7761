package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QwenLM/qwen-code-sub006/internal/status"
)

type recorder struct {
	mu   sync.Mutex
	recs []status.Record
}

func (r *recorder) handle(rec status.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) states(agentID string) []status.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []status.State
	for _, rec := range r.recs {
		if rec.AgentID == agentID {
			out = append(out, rec.State)
		}
	}
	return out
}

func TestWatcherDeliversExistingAndNewRecords(t *testing.T) {
	dir := t.TempDir()
	ch := status.NewChannel(dir, nil)
	require.NoError(t, ch.Init())
	require.NoError(t, ch.Publish("early", status.Update{State: status.StateRunning}))

	var rec recorder
	w := New(dir, nil)
	require.NoError(t, w.Start(context.Background(), rec.handle))
	defer w.Stop()

	require.Eventually(t, func() bool {
		return len(rec.states("early")) >= 1
	}, 5*time.Second, 10*time.Millisecond, "pre-existing records are replayed")

	require.NoError(t, ch.Publish("late", status.Update{State: status.StateCompleted}))
	require.Eventually(t, func() bool {
		states := rec.states("late")
		return len(states) >= 1 && states[len(states)-1] == status.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresTempAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	ch := status.NewChannel(dir, nil)
	require.NoError(t, ch.Init())

	var rec recorder
	w := New(dir, nil)
	require.NoError(t, w.Start(context.Background(), rec.handle))
	defer w.Stop()

	agents := filepath.Join(dir, "agents")
	require.NoError(t, os.WriteFile(filepath.Join(agents, ".a.json.tmp"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(agents, "broken.json"), []byte("{"), 0o644))
	require.NoError(t, ch.Publish("good", status.Update{State: status.StateRunning}))

	require.Eventually(t, func() bool {
		return len(rec.states("good")) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, r := range rec.recs {
		assert.Equal(t, "good", r.AgentID)
	}
}

func TestWatcherStartOnMissingDirFails(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, w.Start(context.Background(), func(status.Record) {}))
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, status.NewChannel(dir, nil).Init())

	w := New(dir, nil)
	require.NoError(t, w.Start(context.Background(), func(status.Record) {}))
	w.Stop()
	w.Stop()
}
