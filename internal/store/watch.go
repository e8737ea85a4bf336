package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader is a file-backed value that can re-read itself.
// *AllowList and *Settings implement it.
type Reloader interface {
	Path() string
	Reload() error
}

// DefaultDebounce batches the burst of events a single save produces.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads targets when their files are edited outside the
// process. It watches the parent directories so atomic replacements
// (write temp, rename over) are seen.
type Watcher struct {
	targets  map[string]Reloader // by cleaned absolute path
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher for targets. A non-positive debounce
// selects DefaultDebounce.
func NewWatcher(logger *slog.Logger, debounce time.Duration, targets ...Reloader) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		targets:  make(map[string]Reloader, len(targets)),
		debounce: debounce,
		logger:   logger.With("component", "store_watch"),
	}
	for _, t := range targets {
		w.targets[absPath(t.Path())] = t
	}
	return w
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	dirs := make(map[string]bool)
	for path := range w.targets {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = true
		w.logger.Debug("watching directory", "dir", dir)
	}

	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			path := absPath(ev.Name)
			if _, watched := w.targets[path]; !watched {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
				!ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
				continue
			}
			pending[path] = true
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-timer.C:
			for path := range pending {
				if err := w.targets[path].Reload(); err != nil {
					w.logger.Warn("reload failed", "path", path, "error", err)
					continue
				}
				w.logger.Info("reloaded after external edit", "path", path)
			}
			clear(pending)
		}
	}
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
