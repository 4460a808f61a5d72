// Package watcher turns filesystem changes in the mod directory into
// debounced mod scans.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/forgevisor/pkg/forge/logging"
	"github.com/jamesainslie/forgevisor/pkg/forge/moddiff"
)

// DefaultDebounce is the quiet period before a scan runs.
const DefaultDebounce = 2 * time.Second

// retryDelay is how long to wait when another scan holds the engine.
const retryDelay = 250 * time.Millisecond

// ScanFunc runs one scan. Returning moddiff.ErrScanInProgress reschedules it.
type ScanFunc func(ctx context.Context) error

// Watcher watches one directory and calls a ScanFunc after changes settle.
// Scans run on the Run goroutine, so they never overlap.
type Watcher struct {
	dir      string
	debounce time.Duration
	scan     ScanFunc
	watcher  *fsnotify.Watcher
	trigger  chan struct{}
	logger   *logging.Logger

	mu     sync.Mutex
	closed bool
	scans  int
}

// New creates a watcher on dir. The directory must exist.
func New(dir string, debounce time.Duration, scan ScanFunc) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &os.PathError{Op: "watch", Path: absDir, Err: errors.New("not a directory")}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(absDir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	return &Watcher{
		dir:      absDir,
		debounce: debounce,
		scan:     scan,
		watcher:  fsw,
		trigger:  make(chan struct{}, 1),
		logger:   logging.Get("watcher"),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Scans returns the number of scans run so far.
func (w *Watcher) Scans() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scans
}

// Trigger schedules a debounced scan as if a file had changed.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run starts the event loop. It blocks until the context is cancelled or
// the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			w.logger.Debug("mod directory changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)

		case <-w.trigger:
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)

		case <-timer.C:
			if err := w.runScan(ctx); errors.Is(err, moddiff.ErrScanInProgress) {
				timer.Reset(retryDelay)
			}
		}
	}
}

func (w *Watcher) runScan(ctx context.Context) error {
	err := w.scan(ctx)
	switch {
	case errors.Is(err, moddiff.ErrScanInProgress):
		w.logger.Debug("scan busy, retrying")
		return err
	case err != nil:
		w.logger.Warn("watch-triggered scan failed", "error", err)
	}

	w.mu.Lock()
	w.scans++
	w.mu.Unlock()
	return err
}

// relevant filters out events that cannot change a scan result.
func relevant(event fsnotify.Event) bool {
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

// Close closes the watcher and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	return w.watcher.Close()
}
