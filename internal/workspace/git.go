package workspace

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// gitOutput runs git in dir and returns combined output, folding stderr into
// the error on failure.
func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	return gitOutputEnv(ctx, dir, nil, args...)
}

// gitOutputEnv is gitOutput with extra environment variables appended to the
// inherited environment.
func gitOutputEnv(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	_, err := gitOutput(ctx, dir, args...)
	return err
}

func runGitEnv(ctx context.Context, dir string, env []string, args ...string) error {
	_, err := gitOutputEnv(ctx, dir, env, args...)
	return err
}

// runGitStdin feeds input to git's stdin, used for applying in-memory patches.
func runGitStdin(ctx context.Context, dir string, input []byte, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// commitGit commits with a fixed identity so synthetic commits succeed in
// checkouts that have no user configuration.
func commitGit(ctx context.Context, dir, message string, allowEmpty bool) error {
	args := []string{
		"-c", "user.name=qwen-swarm",
		"-c", "user.email=swarm@qwenlm.dev",
		"commit", "--no-verify", "-m", message,
	}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	return runGit(ctx, dir, args...)
}

// splitNul splits NUL-terminated git output (ls-files -z and friends),
// dropping empty entries.
func splitNul(input string) []string {
	var out []string
	for _, s := range strings.Split(input, "\x00") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func splitLines(input string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
