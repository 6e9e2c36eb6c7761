// Package watch follows a session's agents/ directory and delivers decoded
// status records as they are published. It complements polling readers: the
// rename that completes each status write surfaces as a single filesystem
// event, so followers see whole records only.
package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/QwenLM/qwen-code-sub006/internal/status"
)

// Handler receives each decoded status record.
type Handler func(status.Record)

// Watcher tails one session's status directory.
type Watcher struct {
	agentsDir string
	log       *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New builds a watcher for the given session directory.
func New(sessionDir string, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{agentsDir: filepath.Join(sessionDir, "agents"), log: log}
}

// Start begins watching and invokes handler for every existing record plus
// every subsequent publish. It returns once the watch is established.
func (w *Watcher) Start(ctx context.Context, handler Handler) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.agentsDir); err != nil {
		fsw.Close()
		return err
	}

	// Deliver what is already there before streaming changes.
	entries, _ := os.ReadDir(w.agentsDir)
	for _, e := range entries {
		if rec := w.decode(filepath.Join(w.agentsDir, e.Name())); rec != nil {
			handler(*rec)
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		defer fsw.Close()
		for {
			select {
			case <-wctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if rec := w.decode(ev.Name); rec != nil {
					handler(*rec)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.log.Debug("watch error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Stop ends the watch and waits for the delivery goroutine to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.running = false
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// decode loads one status record, skipping temp files and anything that
// does not parse.
func (w *Watcher) decode(path string) *status.Record {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var rec status.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		w.log.Debug("skipping undecodable status file", zap.String("file", base), zap.Error(err))
		return nil
	}
	return &rec
}
