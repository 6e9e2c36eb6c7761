package backend

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Preferences carries caller hints for backend selection.
type Preferences struct {
	// Backend names the preferred backend: "auto" (default), "tmux", "exec".
	Backend string
}

// Selection is the factory result: a ready backend plus an optional
// non-fatal warning (e.g. a fallback happened).
type Selection struct {
	Backend Backend
	Name    string
	Warning string
}

// DetectFunc matches Detect; the orchestrator takes one so tests can swap in
// scripted backends.
type DetectFunc func(prefs Preferences, log *zap.Logger) (Selection, error)

// Detect picks an execution backend. tmux is preferred when present; when a
// requested backend is unavailable the exec backend is substituted with a
// warning rather than failing the session.
func Detect(prefs Preferences, log *zap.Logger) (Selection, error) {
	switch prefs.Backend {
	case "", "auto":
		if tmuxAvailable() {
			return Selection{Backend: NewTmuxBackend(log), Name: "tmux"}, nil
		}
		return Selection{
			Backend: NewExecBackend(log),
			Name:    "exec",
			Warning: "tmux not found in PATH; falling back to the in-process backend (no attach support)",
		}, nil
	case "tmux":
		if tmuxAvailable() {
			return Selection{Backend: NewTmuxBackend(log), Name: "tmux"}, nil
		}
		return Selection{
			Backend: NewExecBackend(log),
			Name:    "exec",
			Warning: "tmux backend requested but tmux is not installed; falling back to the in-process backend",
		}, nil
	case "exec":
		return Selection{Backend: NewExecBackend(log), Name: "exec"}, nil
	default:
		return Selection{}, fmt.Errorf("unknown backend %q (supported: auto, tmux, exec)", prefs.Backend)
	}
}

func tmuxAvailable() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// ProbeResult describes one detected tool, for the doctor command.
type ProbeResult struct {
	Name       string
	Executable string
	Installed  bool
	Version    string
	Error      string
}

// Probe checks tmux and every supported model CLI with a PATH lookup and a
// lightweight version query.
func Probe() []ProbeResult {
	results := []ProbeResult{probe("tmux", "tmux", "-V")}
	for _, l := range SupportedLaunchers() {
		results = append(results, probe(l.Name(), l.Command(), "--version"))
	}
	return results
}

func probe(name, command string, versionArgs ...string) ProbeResult {
	path, err := exec.LookPath(command)
	if err != nil {
		return ProbeResult{Name: name, Executable: command, Installed: false, Error: "not found in PATH"}
	}

	res := ProbeResult{Name: name, Executable: path, Installed: true}
	cmd := exec.Command(command, versionArgs...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		res.Error = err.Error()
		return res
	}
	if lines := strings.Split(out.String(), "\n"); len(lines) > 0 {
		res.Version = strings.TrimSpace(lines[0])
	}
	return res
}
