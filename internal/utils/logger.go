package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig selects level, encoding and destination.
type LoggerConfig struct {
	Level  string    // debug, info, warn, error (default: info)
	Format string    // console or json (default: console)
	Output io.Writer // default: stderr
	// FilePath, when set, appends to this file instead of Output.
	FilePath string
}

// Logger is a leveled zap logger whose level can change at runtime.
type Logger struct {
	mu      sync.RWMutex
	zap     *zap.Logger
	level   zap.AtomicLevel
	closeFn func() error
}

var (
	loggerInstance *Logger
	once           sync.Once
)

// GetLogger returns the singleton logger instance.
func GetLogger() *Logger {
	once.Do(func() {
		l, err := NewLogger(LoggerConfig{})
		if err != nil {
			l = &Logger{zap: zap.NewNop(), level: zap.NewAtomicLevel()}
		}
		loggerInstance = l
	})
	return loggerInstance
}

// SetVerboseMode sets the verbose mode globally.
func SetVerboseMode(verbose bool) {
	GetLogger().SetVerbose(verbose)
}

// Configure rebuilds the singleton from cfg. The previous file, if any, is closed.
func Configure(cfg LoggerConfig) error {
	next, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	l := GetLogger()
	l.mu.Lock()
	prev := l.closeFn
	l.zap, l.level, l.closeFn = next.zap, next.level, next.closeFn
	l.mu.Unlock()
	if prev != nil {
		_ = prev()
	}
	return nil
}

// NewLogger builds a standalone logger.
func NewLogger(cfg LoggerConfig) (*Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q (must be console or json)", cfg.Format)
	}

	var (
		sink    zapcore.WriteSyncer
		closeFn func() error
	)
	switch {
	case cfg.FilePath != "":
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sink, closeFn = zapcore.AddSync(f), f.Close
	case cfg.Output != nil:
		sink = zapcore.AddSync(cfg.Output)
	default:
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(enc, sink, level)
	return &Logger{
		zap:     zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)),
		level:   level,
		closeFn: closeFn,
	}, nil
}

// Zap returns the underlying logger for components that take a *zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zap.WithOptions(zap.AddCallerSkip(-1))
}

// Named returns a child logger for one component.
func (l *Logger) Named(name string) *zap.Logger {
	return l.Zap().Named(name)
}

func (l *Logger) atomicLevel() zap.AtomicLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// SetVerbose switches between debug and info.
func (l *Logger) SetVerbose(verbose bool) {
	if verbose {
		l.atomicLevel().SetLevel(zapcore.DebugLevel)
	} else {
		l.atomicLevel().SetLevel(zapcore.InfoLevel)
	}
}

// IsVerbose returns whether debug output is enabled.
func (l *Logger) IsVerbose() bool {
	return l.atomicLevel().Enabled(zapcore.DebugLevel)
}

// SetLevel changes the level at runtime; children created by Named follow it.
func (l *Logger) SetLevel(level string) error {
	lvl := l.atomicLevel()
	return lvl.UnmarshalText([]byte(strings.ToLower(level)))
}

// Level returns the current level name.
func (l *Logger) Level() string {
	return l.atomicLevel().Level().String()
}

// Sync flushes buffered output.
func (l *Logger) Sync() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_ = l.zap.Sync()
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	l.Sync()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closeFn == nil {
		return nil
	}
	err := l.closeFn()
	l.closeFn = nil
	l.zap = zap.NewNop()
	return err
}

func (l *Logger) sugar() *zap.SugaredLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zap.Sugar()
}

// formatMessage formats a message with optional printf-style arguments.
func formatMessage(msgOrFormat string, args ...interface{}) string {
	if len(args) > 0 {
		return fmt.Sprintf(msgOrFormat, args...)
	}
	return msgOrFormat
}

// Debug logs a debug message (only shown when verbose).
func (l *Logger) Debug(msgOrFormat string, args ...interface{}) {
	l.sugar().Debug(formatMessage(msgOrFormat, args...))
}

// Info logs an info message.
func (l *Logger) Info(msgOrFormat string, args ...interface{}) {
	l.sugar().Info(formatMessage(msgOrFormat, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(msgOrFormat string, args ...interface{}) {
	l.sugar().Warn(formatMessage(msgOrFormat, args...))
}

// Error logs an error message.
func (l *Logger) Error(msgOrFormat string, args ...interface{}) {
	l.sugar().Error(formatMessage(msgOrFormat, args...))
}

// Debugf is a convenience function that logs a debug message using the global logger.
func Debugf(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}
