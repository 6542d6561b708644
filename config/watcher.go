package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce delays a reload until writes to the file settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher keeps a configuration loaded from one file and reloads it when
// the file changes. A reload that fails to load or validate keeps the
// previous configuration.
type Watcher struct {
	path   string
	loader *Loader

	mu      sync.RWMutex
	current *Config

	fs *fsnotify.Watcher

	cbMu      sync.Mutex
	callbacks []ConfigChangeCallback

	debounce time.Duration
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConfigChangeCallback receives the configuration before and after a reload.
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets how long the watcher waits after the last write.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher loads configFile once. Call Start to follow later changes.
func NewWatcher(configFile string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if _, err := formatOf(configFile); err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(configFile)
	if err != nil {
		return nil, err
	}

	initial, err := loader.LoadFromFile(absPath)
	if err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigWatchError, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     absPath,
		loader:   loader,
		current:  initial,
		fs:       fs,
		debounce: DefaultDebounce,
		logger:   zap.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("config").With(zap.String("file", absPath))
	return w, nil
}

// Start watches the file's directory, so that editors that replace the
// file instead of writing it are noticed.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigWatchError, err)
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends watching. Pending debounced reloads are dropped.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

// GetConfig returns the current configuration. Callers must not modify it.
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnConfigChange adds a callback run after each successful reload.
func (w *Watcher) OnConfigChange(callback ConfigChangeCallback) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Reload loads the file now.
func (w *Watcher) Reload() error {
	return w.reload()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}

			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					if w.ctx.Err() != nil {
						return
					}
					if err := w.reload(); err != nil {
						w.logger.Warn("Failed to reload config, keeping current", zap.Error(err))
					}
				})

			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.logger.Warn("Config file was removed or renamed")
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() error {
	next, err := w.loader.LoadFromFile(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	w.notify(prev, next)
	w.logger.Info("Configuration reloaded")
	return nil
}

// notify runs the callbacks in registration order on the calling
// goroutine. A panicking callback does not stop the others.
func (w *Watcher) notify(prev, next *Config) {
	w.cbMu.Lock()
	callbacks := append([]ConfigChangeCallback(nil), w.callbacks...)
	w.cbMu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Config change callback panicked", zap.Any("panic", r))
				}
			}()
			cb(prev, next)
		}()
	}
}
