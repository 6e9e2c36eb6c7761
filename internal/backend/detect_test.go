package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectExplicitExec(t *testing.T) {
	sel, err := Detect(Preferences{Backend: "exec"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "exec", sel.Name)
	assert.Empty(t, sel.Warning)
	assert.IsType(t, &ExecBackend{}, sel.Backend)
}

func TestDetectUnknownBackend(t *testing.T) {
	_, err := Detect(Preferences{Backend: "docker"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown backend "docker"`)
}

func TestDetectAutoAlwaysYieldsBackend(t *testing.T) {
	sel, err := Detect(Preferences{}, nil)
	require.NoError(t, err)
	require.NotNil(t, sel.Backend)

	if tmuxAvailable() {
		assert.Equal(t, "tmux", sel.Name)
		assert.Empty(t, sel.Warning)
	} else {
		assert.Equal(t, "exec", sel.Name)
		assert.NotEmpty(t, sel.Warning, "a silent fallback would hide the missing multiplexer")
	}
}

func TestDetectTmuxFallsBackWithWarning(t *testing.T) {
	if tmuxAvailable() {
		t.Skip("tmux installed; fallback path not reachable")
	}
	sel, err := Detect(Preferences{Backend: "tmux"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "exec", sel.Name)
	assert.NotEmpty(t, sel.Warning)
}

func TestExecBackendSwitchingWithoutAgents(t *testing.T) {
	b := NewExecBackend(nil)
	assert.Equal(t, "", b.GetActiveAgentID())
	assert.Equal(t, "", b.SwitchToNext())
	assert.Equal(t, "", b.SwitchToPrevious())
	assert.False(t, b.SwitchTo("ghost"))
	assert.Equal(t, "", b.GetAgentSnapshot("ghost"))
	assert.Equal(t, 0, b.GetAgentScrollbackLength("ghost"))
	assert.Error(t, b.ForwardInput("ghost", []byte("x")))
	assert.NoError(t, b.ResizeAll(80, 24))
	assert.NoError(t, b.StopAll())
	assert.NoError(t, b.Cleanup())
}
