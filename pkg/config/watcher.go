package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay collapses the burst of events editors produce for one save.
const debounceDelay = 100 * time.Millisecond

// Watcher watches the configuration file and reloads it on change. A reload
// that fails to parse or validate keeps the previous configuration.
type Watcher struct {
	path      string
	cfg       *Config
	mu        sync.RWMutex
	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
	logger    *slog.Logger
	closeOnce sync.Once
}

// NewWatcher loads path and prepares a watcher for it.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory so atomic rename-on-save is seen as well.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:    filepath.Clean(path),
		cfg:     cfg,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// Config returns the current configuration (thread-safe)
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers a callback invoked after every successful reload.
// Register callbacks before calling Start.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start blocks watching the file until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounceTimer.C:
			if err := w.reload(); err != nil {
				w.logger.Error("Failed to reload config, keeping previous", "error", err)
				continue
			}
			w.logger.Info("Config reloaded successfully", "path", w.path)
			w.notify()
		}
	}
}

func (w *Watcher) reload() error {
	newCfg, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.cfg = newCfg
	w.mu.Unlock()

	return nil
}

func (w *Watcher) notify() {
	w.mu.RLock()
	cfg := w.cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.RUnlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.watcher != nil {
			err = w.watcher.Close()
		}
	})
	return err
}
