// Package queue is the durable retry queue for mutations that could not be
// completed synchronously against the remote.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"listsync/backend"
	"listsync/internal/clock"
	"listsync/internal/operation"
	"listsync/internal/ratelimit"
)

const (
	DefaultMaxRetries    = 5
	DefaultRetentionDays = 30
)

var (
	// ErrNotFound is returned when no record has the requested ID.
	ErrNotFound = errors.New("operation not found")

	// ErrInvalidState is returned when a transition is not allowed from the
	// record's current status.
	ErrInvalidState = errors.New("invalid operation state")

	// ErrConflict is returned when a transition would create a second active
	// record for the same signature.
	ErrConflict = errors.New("conflicting active operation")
)

// Store is the durable storage behind a Queue.
type Store interface {
	// Insert stores rec unless an active record holds the same signature, in
	// which case that record is returned and nothing is written.
	Insert(ctx context.Context, rec *operation.Record) (*operation.Record, error)
	// Get returns nil, nil when the ID is unknown.
	Get(ctx context.Context, id string) (*operation.Record, error)
	FindActive(ctx context.Context, signature string) (*operation.Record, error)
	// Update is a compare-and-set on status.
	Update(ctx context.Context, rec *operation.Record, expected operation.Status) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*operation.Record, error)
	List(ctx context.Context, statuses []operation.Status, limit int) ([]*operation.Record, error)
	ListByOwner(ctx context.Context, ownerID int64, statuses []operation.Status) ([]*operation.Record, error)
	CountByStatus(ctx context.Context) (map[operation.Status]int, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	ResetStaleProcessing(ctx context.Context, before, now time.Time) (int64, error)
}

// Config configures a Queue.
type Config struct {
	MaxRetries int
	Backoff    ratelimit.Backoff
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Queue applies the operation state machine on top of a Store.
type Queue struct {
	store      Store
	maxRetries int
	backoff    ratelimit.Backoff
	clock      clock.Clock
	logger     *zap.Logger
}

// New creates a Queue over store.
func New(store Store, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Backoff.BaseDelay == 0 && cfg.Backoff.MaxDelay == 0 {
		cfg.Backoff = ratelimit.DefaultBackoff()
	}
	return &Queue{
		store:      store,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		clock:      clock.OrReal(cfg.Clock),
		logger:     cfg.Logger,
	}
}

// MaxRetries returns the configured retry limit.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue records a pending operation. When an active record with the same
// signature already exists it is returned unchanged and created is false.
func (q *Queue) Enqueue(ctx context.Context, t operation.Type, ownerID int64, targetID *int64, payload operation.Payload) (*operation.Record, bool, error) {
	if !t.Valid() {
		return nil, false, fmt.Errorf("%w: unknown operation type %q", operation.ErrInvalidPayload, t)
	}
	if payload == nil || payload.OperationType() != t {
		return nil, false, fmt.Errorf("%w: payload does not match %s", operation.ErrInvalidPayload, t)
	}
	if err := operation.Validate(payload); err != nil {
		return nil, false, err
	}

	now := q.clock.Now()
	rec := &operation.Record{
		ID:           uuid.NewString(),
		Type:         t,
		OwnerID:      ownerID,
		TargetID:     targetID,
		Payload:      payload,
		Signature:    operation.Signature(t, ownerID, targetID, payload),
		Status:       operation.StatusPending,
		ScheduledFor: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	existing, err := q.store.Insert(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		q.logger.Debug("enqueue deduplicated",
			zap.String("operation_id", existing.ID),
			zap.String("signature", rec.Signature),
			zap.String("status", string(existing.Status)),
		)
		return existing, false, nil
	}

	q.logger.Info("operation enqueued",
		zap.String("operation_id", rec.ID),
		zap.String("operation_type", string(t)),
		zap.Int64("owner_id", ownerID),
	)
	return rec, true, nil
}

// FindActive returns the active record equivalent to the given operation, or nil.
func (q *Queue) FindActive(ctx context.Context, t operation.Type, ownerID int64, targetID *int64, payload operation.Payload) (*operation.Record, error) {
	return q.store.FindActive(ctx, operation.Signature(t, ownerID, targetID, payload))
}

// Get returns a record by ID.
func (q *Queue) Get(ctx context.Context, id string) (*operation.Record, error) {
	rec, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// DuePending returns up to limit pending records whose scheduled time has
// passed, oldest first.
func (q *Queue) DuePending(ctx context.Context, limit int) ([]*operation.Record, error) {
	return q.store.ListDue(ctx, q.clock.Now(), limit)
}

// List returns records in the given statuses, newest first. No statuses means all.
func (q *Queue) List(ctx context.Context, statuses []operation.Status, limit int) ([]*operation.Record, error) {
	return q.store.List(ctx, statuses, limit)
}

// MarkProcessing claims a pending record. It reports false when another
// worker or an operator changed the record first.
func (q *Queue) MarkProcessing(ctx context.Context, rec *operation.Record) (bool, error) {
	next := rec.Clone()
	next.Status = operation.StatusProcessing
	next.UpdatedAt = q.clock.Now()

	ok, err := q.store.Update(ctx, next, operation.StatusPending)
	if err != nil || !ok {
		return false, err
	}
	*rec = *next
	return true, nil
}

// MarkCompleted moves a processing record to completed.
func (q *Queue) MarkCompleted(ctx context.Context, rec *operation.Record) error {
	next := rec.Clone()
	next.Status = operation.StatusCompleted
	next.ErrorMessage = ""
	next.ErrorKind = ""
	next.UpdatedAt = q.clock.Now()

	return q.transition(ctx, rec, next, operation.StatusProcessing)
}

// MarkFailed moves a processing record straight to failed.
func (q *Queue) MarkFailed(ctx context.Context, rec *operation.Record, cause error) error {
	next := rec.Clone()
	next.Status = operation.StatusFailed
	next.ErrorMessage = cause.Error()
	next.ErrorKind = string(backend.KindOf(cause))
	next.UpdatedAt = q.clock.Now()

	return q.transition(ctx, rec, next, operation.StatusProcessing)
}

// MarkFailedOrRetry records a failed attempt. Retryable failures with
// attempts left go back to pending with a backoff delay; everything else
// becomes failed.
func (q *Queue) MarkFailedOrRetry(ctx context.Context, rec *operation.Record, cause error) error {
	remoteErr := backend.Classify(cause)
	now := q.clock.Now()

	next := rec.Clone()
	next.ErrorMessage = cause.Error()
	next.ErrorKind = string(remoteErr.Kind)
	next.UpdatedAt = now

	if !remoteErr.Kind.Retryable() || rec.RetryCount+1 >= q.maxRetries {
		next.Status = operation.StatusFailed
		next.RetryCount = min(rec.RetryCount+1, q.maxRetries)
		if err := q.transition(ctx, rec, next, operation.StatusProcessing); err != nil {
			return err
		}
		q.logger.Warn("operation failed",
			zap.String("operation_id", rec.ID),
			zap.String("error_kind", string(remoteErr.Kind)),
			zap.Int("retry_count", rec.RetryCount),
			zap.Error(cause),
		)
		return nil
	}

	next.Status = operation.StatusPending
	next.RetryCount = rec.RetryCount + 1
	next.LastRetryAt = &now
	next.ScheduledFor = now.Add(q.backoff.Next(next.RetryCount, remoteErr.Kind, remoteErr.RetryAfter))
	if err := q.transition(ctx, rec, next, operation.StatusProcessing); err != nil {
		return err
	}

	q.logger.Info("operation scheduled for retry",
		zap.String("operation_id", rec.ID),
		zap.String("error_kind", string(remoteErr.Kind)),
		zap.Int("retry_count", rec.RetryCount),
		zap.Time("scheduled_for", rec.ScheduledFor),
	)
	return nil
}

// Cancel moves a pending or processing record to cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) (*operation.Record, error) {
	rec, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Active() {
		return nil, fmt.Errorf("%w: cannot cancel %s operation %s", ErrInvalidState, rec.Status, id)
	}

	next := rec.Clone()
	next.Status = operation.StatusCancelled
	next.UpdatedAt = q.clock.Now()
	if err := q.transition(ctx, rec, next, rec.Status); err != nil {
		return nil, err
	}

	q.logger.Info("operation cancelled", zap.String("operation_id", id))
	return rec, nil
}

// Retry moves a failed record back to pending, due immediately. The retry
// count is kept so the backoff keeps growing.
func (q *Queue) Retry(ctx context.Context, id string) (*operation.Record, error) {
	rec, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != operation.StatusFailed {
		return nil, fmt.Errorf("%w: only failed operations can be retried, %s is %s", ErrInvalidState, id, rec.Status)
	}

	now := q.clock.Now()
	next := rec.Clone()
	next.Status = operation.StatusPending
	next.ScheduledFor = now
	next.ErrorMessage = ""
	next.ErrorKind = ""
	next.UpdatedAt = now
	if err := q.transition(ctx, rec, next, operation.StatusFailed); err != nil {
		return nil, err
	}

	q.logger.Info("operation retry requested", zap.String("operation_id", id))
	return rec, nil
}

// StatsByStatus returns the record count for every status, zeros included.
func (q *Queue) StatsByStatus(ctx context.Context) (map[operation.Status]int, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := make(map[operation.Status]int, len(operation.Statuses))
	for _, st := range operation.Statuses {
		stats[st] = counts[st]
	}
	return stats, nil
}

// PendingForOwner returns the owner's active records, oldest first.
func (q *Queue) PendingForOwner(ctx context.Context, ownerID int64) ([]*operation.Record, error) {
	return q.store.ListByOwner(ctx, ownerID, []operation.Status{operation.StatusPending, operation.StatusProcessing})
}

// PurgeOld deletes completed and cancelled records older than the retention window.
func (q *Queue) PurgeOld(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultRetentionDays
	}
	cutoff := q.clock.Now().AddDate(0, 0, -olderThanDays)
	n, err := q.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("purged old operations", zap.Int64("count", n), zap.Int("older_than_days", olderThanDays))
	}
	return n, nil
}

// RecoverStale returns processing records untouched for longer than
// olderThan to pending. Records left in processing by a crash are resumed
// this way on startup.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.clock.Now()
	n, err := q.store.ResetStaleProcessing(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("recovered stale processing operations", zap.Int64("count", n))
	}
	return n, nil
}

func (q *Queue) transition(ctx context.Context, rec, next *operation.Record, expected operation.Status) error {
	ok, err := q.store.Update(ctx, next, expected)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: operation %s is no longer %s", ErrInvalidState, rec.ID, expected)
	}
	*rec = *next
	return nil
}
