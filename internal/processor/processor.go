// Package processor drains the operation queue in the background, retrying
// deferred mutations against the remote until they complete or fail for good.
package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"listsync/backend"
	"listsync/internal/clock"
	"listsync/internal/metrics"
	"listsync/internal/operation"
	"listsync/internal/queue"
)

const (
	DefaultInterval       = time.Minute
	DefaultPurgeInterval  = 24 * time.Hour
	DefaultBatchSize      = 50
	DefaultConcurrency    = 4
	DefaultAttemptTimeout = 10 * time.Second
)

// Attempt results, also used as metric labels.
const (
	ResultCompleted = "completed"
	ResultRetried   = "retried"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
)

// Reconciler fixes up local state after a queued operation completes.
type Reconciler interface {
	Reconcile(ctx context.Context, rec *operation.Record, res *backend.Result)
}

// CircuitState reports whether the remote is currently refusing calls.
type CircuitState interface {
	Open() bool
}

// Config configures a Processor.
type Config struct {
	Interval       time.Duration
	PurgeInterval  time.Duration
	RetentionDays  int
	BatchSize      int
	Concurrency    int
	AttemptTimeout time.Duration

	// RatePerSecond paces remote attempts. Zero means unlimited.
	RatePerSecond float64
	Burst         int

	// StaleAfter is how old a processing record must be before Start resets
	// it to pending. Zero resets every processing record.
	StaleAfter time.Duration

	// Disabled starts the processor with its ticker paused.
	Disabled bool

	Reconciler Reconciler
	Breaker    CircuitState
	Metrics    *metrics.Collector
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Summary describes one processing pass.
type Summary struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Processed     int           `json:"processed"`
	Completed     int           `json:"completed"`
	Retried       int           `json:"retried"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	SkippedReason string        `json:"skipped_reason,omitempty"`
}

// Status is a snapshot of the processor for the operator surface.
type Status struct {
	Enabled     bool     `json:"enabled"`
	Running     bool     `json:"running"`
	BreakerOpen bool     `json:"breaker_open"`
	LastRun     *Summary `json:"last_run,omitempty"`
}

// Processor runs queued operations on a fixed interval.
type Processor struct {
	queue    *queue.Queue
	executor backend.Executor
	resolver backend.CredentialResolver
	cfg      Config
	limiter  *rate.Limiter
	clock    clock.Clock
	logger   *zap.Logger

	enabled atomic.Bool
	lastRun atomic.Pointer[Summary]

	// runMu keeps ticks and ProcessNow from overlapping.
	runMu sync.Mutex

	mu          sync.Mutex
	running     bool
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// New creates a processor. It does nothing until Start or ProcessNow.
func New(q *queue.Queue, executor backend.Executor, resolver backend.CredentialResolver, cfg Config) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = DefaultPurgeInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = queue.DefaultRetentionDays
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	p := &Processor{
		queue:    q,
		executor: executor,
		resolver: resolver,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		clock:    clock.OrReal(cfg.Clock),
		logger:   cfg.Logger,
	}
	p.enabled.Store(!cfg.Disabled)
	return p
}

// SetEnabled pauses or resumes the ticker. ProcessNow works either way.
func (p *Processor) SetEnabled(enabled bool) {
	if p.enabled.Swap(enabled) != enabled {
		p.logger.Info("processor enabled state changed", zap.Bool("enabled", enabled))
	}
}

// Enabled reports whether ticks run.
func (p *Processor) Enabled() bool {
	return p.enabled.Load()
}

// Status returns a snapshot for operators.
func (p *Processor) Status() Status {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	return Status{
		Enabled:     p.Enabled(),
		Running:     running,
		BreakerOpen: p.breakerOpen(),
		LastRun:     p.lastRun.Load(),
	}
}

// Start recovers records stranded in processing, then runs the tick and
// purge loop until Stop is called or ctx is done.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.stoppedChan = make(chan struct{})
	stop, stopped := p.stopChan, p.stoppedChan
	p.mu.Unlock()

	if _, err := p.queue.RecoverStale(ctx, p.cfg.StaleAfter); err != nil {
		p.logger.Error("failed to recover stale operations", zap.Error(err))
	}

	p.logger.Info("starting queue processor",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Bool("enabled", p.Enabled()),
	)

	go p.loop(ctx, stop, stopped)
	return nil
}

// Stop signals the loop and waits for the in-flight tick to finish its
// current records.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, stopped := p.stopChan, p.stoppedChan
	p.mu.Unlock()

	close(stop)
	<-stopped
	p.logger.Info("queue processor stopped")
}

func (p *Processor) loop(ctx context.Context, stop <-chan struct{}, stopped chan struct{}) {
	defer close(stopped)
	defer func() {
		if ctx.Err() == nil {
			return
		}
		p.mu.Lock()
		if p.running && p.stoppedChan == stopped {
			p.running = false
		}
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	purgeTicker := time.NewTicker(p.cfg.PurgeInterval)
	defer purgeTicker.Stop()

	// Records are not started once stop is signalled.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			if !p.Enabled() {
				p.logger.Debug("processor disabled, skipping tick")
				continue
			}
			if _, err := p.run(runCtx); err != nil {
				p.logger.Error("processor tick failed", zap.Error(err))
			}
		case <-purgeTicker.C:
			if _, err := p.queue.PurgeOld(runCtx, p.cfg.RetentionDays); err != nil {
				p.logger.Error("purge failed", zap.Error(err))
			}
		}
	}
}

// ProcessNow runs one pass immediately and waits for it.
func (p *Processor) ProcessNow(ctx context.Context) (Summary, error) {
	return p.run(ctx)
}

func (p *Processor) run(ctx context.Context) (Summary, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	started := p.clock.Now()
	summary := Summary{StartedAt: started}
	p.cfg.Metrics.ObserveTick()

	open := p.breakerOpen()
	p.cfg.Metrics.SetBreakerOpen(open)
	if open {
		summary.SkippedReason = "circuit breaker open"
		p.logger.Info("remote circuit open, skipping tick")
		p.finish(ctx, &summary, started)
		return summary, nil
	}

	due, err := p.queue.DuePending(ctx, p.cfg.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("failed to load due operations: %w", err)
	}
	if len(due) == 0 {
		p.finish(ctx, &summary, started)
		return summary, nil
	}

	p.logger.Debug("processing queue batch", zap.Int("count", len(due)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.cfg.Concurrency)

	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}
		rec := rec // per-iteration copy; go.mod targets go1.21 loop semantics
		g.Go(func() error {
			result := p.process(ctx, rec)
			mu.Lock()
			summary.count(result)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.finish(ctx, &summary, started)
	p.logger.Info("processed queue batch",
		zap.Int("processed", summary.Processed),
		zap.Int("completed", summary.Completed),
		zap.Int("retried", summary.Retried),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

func (p *Processor) finish(ctx context.Context, summary *Summary, started time.Time) {
	summary.Duration = p.clock.Now().Sub(started)
	last := *summary
	p.lastRun.Store(&last)

	if stats, err := p.queue.StatsByStatus(context.WithoutCancel(ctx)); err == nil {
		p.cfg.Metrics.SetQueueDepth(stats)
	}
}

func (s *Summary) count(result string) {
	switch result {
	case ResultCompleted:
		s.Completed++
	case ResultRetried:
		s.Retried++
	case ResultFailed:
		s.Failed++
	case ResultSkipped:
		s.Skipped++
		return
	}
	s.Processed++
}

// process runs one record through the state machine. It never panics.
func (p *Processor) process(ctx context.Context, rec *operation.Record) (result string) {
	log := p.logger.With(
		zap.String("operation_id", rec.ID),
		zap.String("operation_type", string(rec.Type)),
		zap.Int64("owner_id", rec.OwnerID),
	)
	// Calls already started finish even when the tick is being stopped.
	callCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing operation", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			result = ResultFailed
			if rec.Status == operation.StatusProcessing {
				result = p.recordFailure(callCtx, log, rec, backend.NewError(backend.KindUnknown, "panic: %v", r))
			}
		}
		p.cfg.Metrics.ObserveAttempt(rec.Type, result)
	}()

	claimed, err := p.queue.MarkProcessing(callCtx, rec)
	if err != nil {
		log.Error("failed to claim operation", zap.Error(err))
		return ResultSkipped
	}
	if !claimed {
		log.Debug("operation claimed elsewhere, skipping")
		return ResultSkipped
	}

	cred, err := p.resolver.Resolve(callCtx, rec.OwnerID)
	if err != nil {
		log.Warn("no credential for queued operation", zap.Error(err))
		return p.recordFailure(callCtx, log, rec, backend.Classify(err))
	}

	res, err := p.attempt(callCtx, rec, cred)
	if err == nil || reachedEndState(rec.Type, err) {
		if err != nil {
			log.Info("remote already in the requested state", zap.String("error_kind", string(backend.KindOf(err))))
		}
		if err := p.queue.MarkCompleted(callCtx, rec); err != nil {
			log.Warn("failed to mark operation completed", zap.Error(err))
			return ResultSkipped
		}
		if p.cfg.Reconciler != nil {
			p.cfg.Reconciler.Reconcile(callCtx, rec, res)
		}
		log.Debug("queued operation completed")
		return ResultCompleted
	}

	if backend.KindOf(err) == backend.KindUnknown {
		log.Error("unclassified remote failure", zap.Error(err))
	}
	return p.recordFailure(callCtx, log, rec, err)
}

// recordFailure reschedules a claimed record for retryable kinds and fails it
// otherwise, or once its retries are spent.
func (p *Processor) recordFailure(ctx context.Context, log *zap.Logger, rec *operation.Record, cause error) string {
	if err := p.queue.MarkFailedOrRetry(ctx, rec, cause); err != nil {
		log.Warn("failed to record attempt failure", zap.Error(err))
		return ResultSkipped
	}
	if rec.Status == operation.StatusPending {
		return ResultRetried
	}
	return ResultFailed
}

// attempt makes the remote call with the per-attempt timeout, converting a
// panic in the executor into an unknown error.
func (p *Processor) attempt(ctx context.Context, rec *operation.Record, cred backend.Credential) (res *backend.Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = backend.NewError(backend.KindUnknown, "panic in executor: %v", r)
		}
	}()

	start := time.Now()
	res, err = p.executor.Execute(ctx, backend.Request{
		Type:     rec.Type,
		OwnerID:  rec.OwnerID,
		TargetID: rec.TargetID,
		Payload:  rec.Payload,
	}, cred)
	p.cfg.Metrics.ObserveRemote("execute", err, time.Since(start))
	if err != nil {
		return nil, backend.Classify(err)
	}
	return res, nil
}

// reachedEndState reports failures that mean the remote already looks the
// way the operation wanted.
func reachedEndState(t operation.Type, err error) bool {
	switch backend.KindOf(err) {
	case backend.KindDuplicateItem:
		return t == operation.AddItemType
	case backend.KindNotFound:
		return t == operation.RemoveItemType || t == operation.DeleteCollectionType
	}
	return false
}

func (p *Processor) breakerOpen() bool {
	return p.cfg.Breaker != nil && p.cfg.Breaker.Open()
}
