package definition

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits after the last change before
// reloading.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a Registry when its definition file changes on disk.
type Watcher struct {
	registry *Registry
	path     string
	debounce time.Duration
	logger   *zap.Logger
	fsw      *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher starts watching the directory holding path. The directory is
// watched rather than the file so atomic replace-by-rename is observed.
func NewWatcher(registry *Registry, path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		registry: registry,
		path:     abs,
		debounce: DefaultDebounce,
		logger:   logger,
		fsw:      fsw,
	}, nil
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Warn("definition watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		n, err := w.registry.Load(ctx)
		if err != nil {
			w.logger.Error("reloading workflow definitions", zap.String("path", w.path), zap.Error(err))
			return
		}
		w.logger.Info("workflow definitions reloaded", zap.String("path", w.path), zap.Int("custom", n))
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.fsw.Close()
}
