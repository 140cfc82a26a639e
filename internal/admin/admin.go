// Package admin is the operator surface: queue and cache inspection plus the
// few controls an operator needs when the remote misbehaves.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"listsync/internal/cache"
	"listsync/internal/clock"
	"listsync/internal/metrics"
	"listsync/internal/operation"
	"listsync/internal/orchestrator"
	"listsync/internal/processor"
	"listsync/internal/queue"
)

// DefaultListLimit bounds ListOperations when the caller passes no limit.
const DefaultListLimit = 100

// Breaker is the read-only view of the circuit breaker.
type Breaker interface {
	State() string
	Open() bool
}

// Config wires a Service.
type Config struct {
	Queue     *queue.Queue
	Cache     *cache.Cache
	Processor *processor.Processor
	Breaker   Breaker // optional
	Metrics   *metrics.Collector
	Clock     clock.Clock
	Logger    *zap.Logger

	// Orchestrator serves collection reads and mutations. Without it those
	// calls return ErrCollectionsUnavailable.
	Orchestrator *orchestrator.Orchestrator
}

// Service implements the management operations.
type Service struct {
	queue     *queue.Queue
	cache     *cache.Cache
	processor *processor.Processor
	breaker   Breaker
	orch      *orchestrator.Orchestrator
	metrics   *metrics.Collector
	clock     clock.Clock
	logger    *zap.Logger
	startedAt time.Time
}

// Status is the combined snapshot shown by `listsync status` and the monitor.
type Status struct {
	StartedAt    time.Time                `json:"started_at"`
	Uptime       string                   `json:"uptime"`
	Processor    processor.Status         `json:"processor"`
	BreakerState string                   `json:"breaker_state,omitempty"`
	Queue        map[operation.Status]int `json:"queue"`
	Cache        cache.Stats              `json:"cache"`
}

// New creates a Service. Queue, Cache and Processor are required.
func New(cfg Config) (*Service, error) {
	if cfg.Queue == nil || cfg.Cache == nil || cfg.Processor == nil {
		return nil, errors.New("admin: queue, cache and processor are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := clock.OrReal(cfg.Clock)
	return &Service{
		queue:     cfg.Queue,
		cache:     cfg.Cache,
		processor: cfg.Processor,
		breaker:   cfg.Breaker,
		orch:      cfg.Orchestrator,
		metrics:   cfg.Metrics,
		clock:     c,
		logger:    logger,
		startedAt: c.Now(),
	}, nil
}

// QueueStats returns the record count per status and refreshes the depth gauges.
func (s *Service) QueueStats(ctx context.Context) (map[operation.Status]int, error) {
	stats, err := s.queue.StatsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	s.metrics.SetQueueDepth(stats)
	return stats, nil
}

// CacheStats returns the cache counters.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// RetryOperation moves a failed operation back to pending.
func (s *Service) RetryOperation(ctx context.Context, id string) (*operation.Record, error) {
	rec, err := s.queue.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("operator retried operation", zap.String("operation_id", id))
	return rec, nil
}

// CancelOperation cancels a pending or processing operation.
func (s *Service) CancelOperation(ctx context.Context, id string) (*operation.Record, error) {
	rec, err := s.queue.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("operator cancelled operation", zap.String("operation_id", id))
	return rec, nil
}

// SetProcessorEnabled pauses or resumes background processing.
func (s *Service) SetProcessorEnabled(enabled bool) {
	s.processor.SetEnabled(enabled)
}

// ProcessNow runs one processing pass immediately.
func (s *Service) ProcessNow(ctx context.Context) (processor.Summary, error) {
	return s.processor.ProcessNow(ctx)
}

// ClearCache drops every cached entry.
func (s *Service) ClearCache() {
	s.cache.Clear()
	s.logger.Info("operator cleared cache")
}

// PendingForOwner lists an owner's active operations.
func (s *Service) PendingForOwner(ctx context.Context, ownerID int64) ([]*operation.Record, error) {
	return s.queue.PendingForOwner(ctx, ownerID)
}

// Operation returns one operation by ID.
func (s *Service) Operation(ctx context.Context, id string) (*operation.Record, error) {
	return s.queue.Get(ctx, id)
}

// ListOperations lists operations filtered by status, newest first.
func (s *Service) ListOperations(ctx context.Context, statuses []operation.Status, limit int) ([]*operation.Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.queue.List(ctx, statuses, limit)
}

// Status returns the combined snapshot.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	stats, err := s.QueueStats(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		StartedAt: s.startedAt,
		Uptime:    s.clock.Now().Sub(s.startedAt).Truncate(time.Second).String(),
		Processor: s.processor.Status(),
		Queue:     stats,
		Cache:     s.cache.Stats(),
	}
	if s.breaker != nil {
		st.BreakerState = s.breaker.State()
		s.metrics.SetBreakerOpen(s.breaker.Open())
	}
	return st, nil
}
