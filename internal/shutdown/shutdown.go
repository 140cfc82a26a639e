// Package shutdown coordinates graceful shutdown of the serving process.
// Components register cleanup functions as they start; on shutdown they run
// in reverse order so the processor stops before the queue database closes.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// CleanupFunc is a function that performs cleanup on shutdown.
// It receives a context that will be cancelled when the shutdown times out.
type CleanupFunc func(ctx context.Context) error

// cleanupEntry holds a registered cleanup function with its name.
type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used to report cleanup progress.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager handles graceful shutdown coordination.
type Manager struct {
	mu         sync.Mutex
	cleanups   []cleanupEntry
	shutdown   bool
	shutdownCh chan struct{}
	doneCh     chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
	waitOnce   sync.Once
	logger     *zap.Logger
}

// NewManager creates a new shutdown manager.
func NewManager(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cleanups:   make([]cleanupEntry, 0),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterCleanup registers a cleanup function to be called during shutdown.
// Cleanup functions are called in LIFO order (last registered, first called).
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// Shutdown initiates a graceful shutdown.
// Safe to call multiple times; only the first call has effect.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		m.mu.Unlock()

		m.cancel()
		close(m.shutdownCh)
	})
}

// NotifySignals calls Shutdown on SIGINT or SIGTERM. The returned function
// stops listening.
func (m *Manager) NotifySignals() (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			m.Shutdown()
		case <-quit:
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			signal.Stop(sigCh)
			close(quit)
		})
	}
}

// runCleanups executes all cleanup functions in LIFO order. A failing
// cleanup does not stop the ones after it.
func (m *Manager) runCleanups(ctx context.Context) error {
	m.mu.Lock()
	cleanups := make([]cleanupEntry, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		c := cleanups[i]
		start := time.Now()
		if err := c.fn(ctx); err != nil {
			m.logger.Warn("cleanup failed", zap.String("name", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		m.logger.Debug("cleanup done", zap.String("name", c.name), zap.Duration("took", time.Since(start)))
	}
	return errors.Join(errs...)
}

// Wait runs the cleanup functions and waits for them to finish.
// Returns ctx's error if cleanup times out, or the joined cleanup errors.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- m.runCleanups(ctx)
	}()

	select {
	case err := <-done:
		m.waitOnce.Do(func() { close(m.doneCh) })
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown returns true if shutdown has been initiated.
func (m *Manager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Context returns a context that is cancelled when shutdown is initiated.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// ShutdownCh is closed when shutdown is initiated.
func (m *Manager) ShutdownCh() <-chan struct{} {
	return m.shutdownCh
}

// Done is closed once Wait has run every cleanup.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}
