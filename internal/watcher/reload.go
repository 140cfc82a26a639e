package watcher

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"listsync/internal/config"
)

// HotSettings are the config values applied without a restart.
type HotSettings struct {
	ProcessorEnabled bool
	LogLevel         string
}

// SettingsFrom extracts the hot settings from a config.
func SettingsFrom(cfg *config.Config) HotSettings {
	return HotSettings{
		ProcessorEnabled: cfg.IsProcessorEnabled(),
		LogLevel:         cfg.Logging.Level,
	}
}

// Reloader re-reads the config file and applies hot settings that changed.
// An invalid file is logged and ignored so the running settings stay in place.
type Reloader struct {
	path    string
	apply   func(HotSettings)
	logger  *zap.Logger
	mu      sync.Mutex
	current HotSettings
}

// NewReloader creates a reloader starting from the settings in initial.
func NewReloader(path string, initial *config.Config, apply func(HotSettings), logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		path:    path,
		apply:   apply,
		logger:  logger,
		current: SettingsFrom(initial),
	}
}

// Reload reads the file and applies changed settings. It reports whether
// anything was applied.
func (r *Reloader) Reload() bool {
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.logger.Warn("config reload: read failed", zap.String("path", r.path), zap.Error(err))
		return false
	}
	cfg, err := config.Parse(data)
	if err != nil {
		r.logger.Warn("config reload: keeping previous settings", zap.String("path", r.path), zap.Error(err))
		return false
	}

	next := SettingsFrom(cfg)

	r.mu.Lock()
	if next == r.current {
		r.mu.Unlock()
		return false
	}
	r.current = next
	r.mu.Unlock()

	r.logger.Info("config reloaded",
		zap.Bool("processor_enabled", next.ProcessorEnabled),
		zap.String("log_level", next.LogLevel),
	)
	r.apply(next)
	return true
}

// Current returns the settings last applied.
func (r *Reloader) Current() HotSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// WatchConfig starts a watcher that reloads path on change. The directory is
// watched rather than the file so editors that replace the file are seen.
func WatchConfig(r *Reloader, logger *zap.Logger) (*Watcher, error) {
	cfg := DefaultConfig(func() { r.Reload() })
	cfg.Paths = []string{filepath.Dir(r.path)}
	cfg.Filter = FileFilter(r.path)
	cfg.Logger = logger

	w, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return nil, err
	}
	return w, nil
}
