package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize manifest watcher")

// Watcher reloads manifests when files in a directory change. A manifest
// that fails to load leaves the previous registration in place.
type Watcher struct {
	dir     string
	loader  *Loader
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool

	// OnReload, when set, is called after each handled event.
	OnReload func(path string, err error)
}

func NewWatcher(dir string, loader *Loader, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:     dir,
		loader:  loader,
		watcher: w,
		logger:  logger.With("component", "manifest-watcher"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start watches the directory in a background goroutine until ctx is done or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.started.Store(true)
	go w.processEvents(ctx)
	w.logger.Info("watching manifests", "dir", w.dir)
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	if w.started.Load() {
		<-w.done
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !IsManifestFile(filepath.Base(event.Name)) {
		return
	}

	var err error
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if !w.loader.Remove(event.Name) {
			return
		}
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if _, err = w.loader.LoadFile(event.Name, true); err != nil {
			w.logger.Warn("manifest reload failed, keeping previous registration", "path", event.Name, "error", err)
		}
	default:
		return
	}
	if w.OnReload != nil {
		w.OnReload(event.Name, err)
	}
}
