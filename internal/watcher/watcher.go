// Package watcher reloads hot settings when the config file changes.
// Events are debounced, and an optional quiet period defers the reload while
// an editor is still writing.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	// DefaultDebounceDuration is the default debounce window for batching rapid changes.
	DefaultDebounceDuration = 500 * time.Millisecond

	// DefaultQuietPeriod is the default quiet period before a reload.
	// If the file keeps changing within this period, the reload is deferred.
	DefaultQuietPeriod = time.Second
)

// Config holds file watcher configuration.
type Config struct {
	Paths            []string      // Files or directories to watch
	DebounceDuration time.Duration // Debounce window to batch rapid changes
	QuietPeriod      time.Duration // Quiet period to detect active editing (0 = disabled)
	Filter           func(name string) bool
	OnChange         func()
	Logger           *zap.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(onChange func()) *Config {
	return &Config{
		DebounceDuration: DefaultDebounceDuration,
		QuietPeriod:      DefaultQuietPeriod,
		OnChange:         onChange,
	}
}

// Watcher monitors file system changes and calls OnChange.
type Watcher struct {
	cfg     *Config
	fsw     *fsnotify.Watcher
	logger  *zap.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
	mu      sync.Mutex
}

// New creates a new Watcher instance.
func New(cfg *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DebounceDuration <= 0 {
		cfg.DebounceDuration = DefaultDebounceDuration
	}

	return &Watcher{
		cfg:    cfg,
		fsw:    fsw,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins watching the configured paths.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("watcher has been stopped and cannot be restarted")
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}

	for _, path := range w.cfg.Paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			// Skip non-existent paths - they may be created later
			w.logger.Debug("skipping missing watch path", zap.String("path", path))
			continue
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch path %q: %w", path, err)
		}
	}

	w.started = true
	go w.eventLoop()
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	close(w.stopCh)
	_ = w.fsw.Close()
	w.mu.Unlock()

	if started {
		<-w.doneCh
	}
}

func (w *Watcher) eventLoop() {
	defer close(w.doneCh)

	var debounceTimer *time.Timer
	var quietTimer *time.Timer

	// debounceCh fires when the debounce window expires
	debounceCh := make(chan struct{}, 1)
	// quietCh fires when the quiet period expires
	quietCh := make(chan struct{}, 1)

	resetDebounce := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(w.cfg.DebounceDuration, func() {
			select {
			case debounceCh <- struct{}{}:
			default:
			}
		})
	}

	resetQuiet := func() {
		if quietTimer != nil {
			quietTimer.Stop()
		}
		quietTimer = time.AfterFunc(w.cfg.QuietPeriod, func() {
			select {
			case quietCh <- struct{}{}:
			default:
			}
		})
	}

	pending := false

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			if quietTimer != nil {
				quietTimer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Editors often replace the file, so create and rename count too
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if w.cfg.Filter != nil && !w.cfg.Filter(event.Name) {
				continue
			}

			if w.cfg.QuietPeriod > 0 {
				pending = true
				resetQuiet()
			} else {
				resetDebounce()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))

		case <-debounceCh:
			w.fire()

		case <-quietCh:
			if pending {
				w.fire()
				pending = false
			}
		}
	}
}

func (w *Watcher) fire() {
	if w.cfg.OnChange != nil {
		w.cfg.OnChange()
	}
}

// FileFilter matches events for one file inside a watched directory.
func FileFilter(path string) func(name string) bool {
	want := filepath.Clean(path)
	return func(name string) bool {
		return filepath.Clean(name) == want
	}
}
