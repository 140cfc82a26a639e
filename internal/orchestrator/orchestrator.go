// Package orchestrator applies list mutations optimistically to the local
// cache, confirms them against the remote, and falls back to the retry queue
// when the remote is unavailable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"listsync/backend"
	"listsync/internal/cache"
	"listsync/internal/metrics"
	"listsync/internal/operation"
	"listsync/internal/queue"
)

const (
	DefaultRemoteTimeout       = 10 * time.Second
	DefaultCollectionTTL       = 10 * time.Minute
	DefaultItemsTTL            = 2 * time.Minute
	DefaultOwnerCollectionsTTL = 30 * time.Minute
	DefaultStaleTTL            = 24 * time.Hour
	DefaultLockStripes         = 64
)

// Outcome tells the caller how a mutation was handled.
type Outcome string

const (
	// Applied means the remote confirmed the mutation.
	Applied Outcome = "applied"
	// Deferred means the mutation was accepted and will complete through the queue.
	Deferred Outcome = "deferred"
)

// Result is returned for every mutation that did not fail outright.
type Result struct {
	Outcome Outcome `json:"outcome"`

	// Collection is the remote's copy after an applied create or update.
	Collection *backend.Collection `json:"collection,omitempty"`

	// Operation is the queued record behind a deferred result.
	Operation *operation.Record `json:"operation,omitempty"`

	// Cause is the retryable failure that deferred the mutation. It is nil
	// when an equivalent operation was already queued.
	Cause error `json:"-"`
}

// Config configures an Orchestrator.
type Config struct {
	RemoteTimeout       time.Duration
	CollectionTTL       time.Duration
	ItemsTTL            time.Duration
	OwnerCollectionsTTL time.Duration
	StaleTTL            time.Duration
	StaleFallback       bool
	LockStripes         int
	Metrics             *metrics.Collector
	Logger              *zap.Logger
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cache    *cache.Cache
	queue    *queue.Queue
	executor backend.Executor
	fetcher  backend.Fetcher
	resolver backend.CredentialResolver
	cfg      Config
	logger   *zap.Logger

	reads singleflight.Group
	locks []sync.Mutex

	// gens counts invalidations per key so a fetch that started before a
	// mutation does not store pre-mutation data afterwards.
	genMu sync.Mutex
	gens  map[string]uint64
}

// New wires an orchestrator.
func New(c *cache.Cache, q *queue.Queue, executor backend.Executor, fetcher backend.Fetcher, resolver backend.CredentialResolver, cfg Config) *Orchestrator {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	if cfg.CollectionTTL <= 0 {
		cfg.CollectionTTL = DefaultCollectionTTL
	}
	if cfg.ItemsTTL <= 0 {
		cfg.ItemsTTL = DefaultItemsTTL
	}
	if cfg.OwnerCollectionsTTL <= 0 {
		cfg.OwnerCollectionsTTL = DefaultOwnerCollectionsTTL
	}
	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = DefaultStaleTTL
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = DefaultLockStripes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Orchestrator{
		cache:    c,
		queue:    q,
		executor: executor,
		fetcher:  fetcher,
		resolver: resolver,
		cfg:      cfg,
		logger:   cfg.Logger,
		locks:    make([]sync.Mutex, cfg.LockStripes),
		gens:     make(map[string]uint64),
	}
}

// CreateCollection creates a collection for owner.
func (o *Orchestrator) CreateCollection(ctx context.Context, ownerID int64, p operation.CreateCollection) (*Result, error) {
	return o.mutate(ctx, ownerID, nil, p)
}

// UpdateCollection changes the fields set in p.
func (o *Orchestrator) UpdateCollection(ctx context.Context, ownerID, targetID int64, p operation.UpdateCollection) (*Result, error) {
	return o.mutate(ctx, ownerID, &targetID, p)
}

// DeleteCollection removes a collection.
func (o *Orchestrator) DeleteCollection(ctx context.Context, ownerID, targetID int64) (*Result, error) {
	return o.mutate(ctx, ownerID, &targetID, operation.DeleteCollection{})
}

// ClearCollection removes every item from a collection.
func (o *Orchestrator) ClearCollection(ctx context.Context, ownerID, targetID int64) (*Result, error) {
	return o.mutate(ctx, ownerID, &targetID, operation.ClearCollection{})
}

// AddItem adds an item to a collection.
func (o *Orchestrator) AddItem(ctx context.Context, ownerID, targetID, itemID int64) (*Result, error) {
	return o.mutate(ctx, ownerID, &targetID, operation.AddItem{ItemID: itemID})
}

// RemoveItem removes an item from a collection.
func (o *Orchestrator) RemoveItem(ctx context.Context, ownerID, targetID, itemID int64) (*Result, error) {
	return o.mutate(ctx, ownerID, &targetID, operation.RemoveItem{ItemID: itemID})
}

func (o *Orchestrator) mutate(ctx context.Context, ownerID int64, targetID *int64, p operation.Payload) (*Result, error) {
	if err := operation.Validate(p); err != nil {
		return nil, err
	}
	t := p.OperationType()
	if t != operation.CreateCollectionType && (targetID == nil || *targetID <= 0) {
		return nil, fmt.Errorf("%w: %s needs a target collection", operation.ErrInvalidPayload, t)
	}
	if c, ok := p.(operation.CreateCollection); ok {
		c.Name = trimmed(c.Name)
		p = c
	}

	log := o.logger.With(zap.String("operation_type", string(t)), zap.Int64("owner_id", ownerID))

	cred, err := o.resolver.Resolve(ctx, ownerID)
	if err != nil {
		o.cfg.Metrics.ObserveMutation(t, "failed")
		return nil, backend.Classify(err)
	}

	unlock := o.lock(ownerID)
	defer unlock()

	// An equivalent operation is already waiting; running this one now
	// would apply it twice.
	existing, err := o.queue.FindActive(ctx, t, ownerID, targetID, p)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Debug("equivalent operation already queued", zap.String("operation_id", existing.ID))
		o.cfg.Metrics.ObserveMutation(t, string(Deferred))
		return &Result{Outcome: Deferred, Operation: existing}, nil
	}

	keys := affectedKeys(t, ownerID, targetID)
	snap := o.snapshot(keys)
	o.applyOptimistic(ownerID, targetID, p)

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RemoteTimeout)
	start := time.Now()
	res, err := o.executor.Execute(callCtx, backend.Request{Type: t, OwnerID: ownerID, TargetID: targetID, Payload: p}, cred)
	cancel()
	o.cfg.Metrics.ObserveRemote("execute", err, time.Since(start))

	if err == nil {
		o.invalidate(keys...)
		o.cfg.Metrics.ObserveMutation(t, string(Applied))
		result := &Result{Outcome: Applied}
		if res != nil {
			result.Collection = res.Collection
		}
		return result, nil
	}

	o.rollback(snap)

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		o.cfg.Metrics.ObserveMutation(t, "failed")
		return nil, ctx.Err()
	}

	remoteErr := backend.Classify(err)
	if !remoteErr.Kind.Retryable() {
		log.Info("mutation rejected by remote", zap.String("error_kind", string(remoteErr.Kind)), zap.Error(err))
		o.cfg.Metrics.ObserveMutation(t, "failed")
		return nil, remoteErr
	}
	if remoteErr.Kind == backend.KindUnknown {
		log.Error("unclassified remote failure, deferring", zap.Error(err))
	}

	rec, _, err := o.queue.Enqueue(context.WithoutCancel(ctx), t, ownerID, targetID, p)
	if err != nil {
		return nil, fmt.Errorf("failed to queue %s after %v: %w", t, remoteErr, err)
	}
	if t == operation.CreateCollectionType {
		o.putPlaceholder(rec, p.(operation.CreateCollection))
	}

	log.Info("mutation deferred",
		zap.String("operation_id", rec.ID),
		zap.String("error_kind", string(remoteErr.Kind)),
	)
	o.cfg.Metrics.ObserveMutation(t, string(Deferred))
	return &Result{Outcome: Deferred, Operation: rec, Cause: remoteErr}, nil
}

// Reconcile is called by the processor once a queued operation completed.
// Affected keys are invalidated so the next read fetches the remote's state,
// and a deferred create's placeholder is dropped.
func (o *Orchestrator) Reconcile(ctx context.Context, rec *operation.Record, res *backend.Result) {
	o.invalidate(affectedKeys(rec.Type, rec.OwnerID, rec.TargetID)...)
	if rec.Type == operation.CreateCollectionType {
		o.cache.Invalidate(cache.Key(cache.KindPendingCollection, rec.ID))
		if res != nil && res.Collection != nil {
			o.logger.Info("deferred collection created",
				zap.String("operation_id", rec.ID),
				zap.Int64("collection_id", res.Collection.ID),
			)
		}
	}
}

// affectedKeys lists every cache key a mutation can make stale.
func affectedKeys(t operation.Type, ownerID int64, targetID *int64) []string {
	keys := []string{cache.Key(cache.KindOwnerCollections, ownerID)}
	if targetID == nil {
		return keys
	}
	keys = append(keys, cache.Key(cache.KindCollection, *targetID))
	if t != operation.UpdateCollectionType {
		keys = append(keys, cache.Key(cache.KindItems, *targetID))
	}
	return keys
}

// invalidate drops keys and moves their generation on.
func (o *Orchestrator) invalidate(keys ...string) {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	for _, key := range keys {
		o.gens[key]++
		o.cache.Invalidate(key)
	}
}

func (o *Orchestrator) generation(key string) uint64 {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	return o.gens[key]
}

// putIfCurrent stores a fetched value unless key was invalidated since gen.
func (o *Orchestrator) putIfCurrent(key string, gen uint64, data []byte, ttl time.Duration) bool {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	if o.gens[key] != gen {
		return false
	}
	o.cache.Put(key, data, ttl)
	o.cache.Put(cache.StaleKey(key), data, o.cfg.StaleTTL)
	return true
}

// snapshot captures the current entries for keys. Absent keys map to nil.
func (o *Orchestrator) snapshot(keys []string) map[string]*cache.Entry {
	snap := make(map[string]*cache.Entry, len(keys))
	for _, key := range keys {
		if e, ok := o.cache.Lookup(key); ok {
			snap[key] = &e
		} else {
			snap[key] = nil
		}
	}
	return snap
}

// rollback restores a snapshot. Keys that had no value are deleted again
// rather than left holding the optimistic value.
func (o *Orchestrator) rollback(snap map[string]*cache.Entry) {
	for key, e := range snap {
		if e == nil {
			o.cache.Invalidate(key)
			continue
		}
		o.cache.Restore(key, *e)
	}
}

func (o *Orchestrator) lock(ownerID int64) func() {
	m := &o.locks[uint64(ownerID)%uint64(len(o.locks))]
	m.Lock()
	return m.Unlock
}
