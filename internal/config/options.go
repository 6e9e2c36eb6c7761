package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Options contains runtime configuration parsed from CLI flags. Constraints
// on agent count and task text are enforced by the orchestrator; this layer
// only resolves paths and defaults.
type Options struct {
	Repo     string
	Task     string
	Models   []string
	Launcher string
	Backend  string
	BaseRef  string
	Minutes  int
}

// Validate normalizes the options and resolves the repository path.
func (o *Options) Validate() error {
	if o.Minutes < 0 {
		return errors.New("minutes cannot be negative")
	}
	if o.Launcher == "" {
		o.Launcher = "qwen"
	}

	if o.Repo == "" {
		root, err := findGitRoot()
		if err != nil {
			return err
		}
		o.Repo = root
	} else {
		abs, err := filepath.Abs(o.Repo)
		if err != nil {
			return fmt.Errorf("invalid repo path: %w", err)
		}
		o.Repo = abs
	}

	info, err := os.Stat(o.Repo)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("repository path does not exist: %s", o.Repo)
	}
	return nil
}

// TimeBudget returns the advisory time budget, zero when unset.
func (o Options) TimeBudget() time.Duration {
	return time.Duration(o.Minutes) * time.Minute
}

func findGitRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := dir
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", errors.New("not in a git repository; use --repo to specify a path")
		}
		current = parent
	}
}
