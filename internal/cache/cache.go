// Package cache provides an in-memory expiring key/value store with per-entry
// TTL, explicit invalidation and hit/miss statistics.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"listsync/internal/clock"
)

// DefaultSweepInterval is how often expired entries are reclaimed when nobody reads them.
const DefaultSweepInterval = 5 * time.Minute

// Kind identifies a class of cached record.
type Kind string

const (
	KindCollection        Kind = "collection"
	KindItems             Kind = "items"
	KindOwnerCollections  Kind = "owner_collections"
	KindPendingCollection Kind = "pending_collection"
	KindStale             Kind = "stale"
)

// Key builds a composite cache key such as "items:7".
func Key(kind Kind, id any) string {
	return fmt.Sprintf("%s:%v", kind, id)
}

// StaleKey returns the key holding the last-known-good copy of key.
func StaleKey(key string) string {
	return string(KindStale) + ":" + key
}

// Status is the outcome of a Get.
type Status int

const (
	NotFound Status = iota
	Found
	Expired
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Expired:
		return "expired"
	default:
		return "not_found"
	}
}

// Entry is a stored value with its absolute expiry.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

func (e Entry) size(key string) int64 {
	return int64(len(key) + len(e.Value))
}

// Stats is a point-in-time snapshot of cache counters.
// Misses include expired reads; Expired counts entries removed because their
// TTL passed, whether noticed by a read or by the sweep.
type Stats struct {
	Hits              int64 `json:"hits"`
	Misses            int64 `json:"misses"`
	Writes            int64 `json:"writes"`
	Expired           int64 `json:"expired"`
	Invalidations     int64 `json:"invalidations"`
	Size              int   `json:"size"`
	ApproxMemoryBytes int64 `json:"approx_memory_bytes"`
}

// Config holds cache settings.
type Config struct {
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Cache is safe for concurrent use. Reads only take the store's read lock;
// every mutation goes through writeMu so writes to a key are serialized.
type Cache struct {
	store   *gocache.Cache
	writeMu sync.Mutex
	clock   clock.Clock
	logger  *zap.Logger

	sweepInterval time.Duration

	hits          atomic.Int64
	misses        atomic.Int64
	writes        atomic.Int64
	expired       atomic.Int64
	invalidations atomic.Int64
	memBytes      atomic.Int64

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	runMu   sync.Mutex
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		// Expiry is tracked on Entry against the injected clock, so the
		// store itself never expires items and runs no janitor.
		store:         gocache.New(gocache.NoExpiration, 0),
		clock:         clock.OrReal(cfg.Clock),
		logger:        logger,
		sweepInterval: interval,
	}
}

// Put stores value under key for ttl, replacing any existing entry.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) {
	c.set(key, Entry{Value: clone(value), ExpiresAt: c.clock.Now().Add(ttl)})
}

// Restore writes back an entry captured by Lookup, keeping its original expiry.
func (c *Cache) Restore(key string, e Entry) {
	c.set(key, Entry{Value: clone(e.Value), ExpiresAt: e.ExpiresAt})
}

func (c *Cache) set(key string, e Entry) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if old, ok := c.store.Get(key); ok {
		c.memBytes.Add(-old.(Entry).size(key))
	}
	c.store.Set(key, e, gocache.NoExpiration)
	c.memBytes.Add(e.size(key))
	c.writes.Add(1)
}

// Get returns the value for key. Expired entries are deleted and reported as Expired.
func (c *Cache) Get(key string) ([]byte, Status) {
	obj, ok := c.store.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, NotFound
	}

	e := obj.(Entry)
	if !c.clock.Now().Before(e.ExpiresAt) {
		c.misses.Add(1)
		c.deleteIfExpired(key)
		return nil, Expired
	}

	c.hits.Add(1)
	return clone(e.Value), Found
}

// Lookup returns the raw entry for key without touching statistics or
// expiring it. Used to snapshot state before an optimistic mutation.
func (c *Cache) Lookup(key string) (Entry, bool) {
	obj, ok := c.store.Get(key)
	if !ok {
		return Entry{}, false
	}
	e := obj.(Entry)
	if !c.clock.Now().Before(e.ExpiresAt) {
		return Entry{}, false
	}
	return Entry{Value: clone(e.Value), ExpiresAt: e.ExpiresAt}, true
}

// Invalidate deletes key. Absent keys are not an error.
func (c *Cache) Invalidate(key string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.remove(key)
	c.invalidations.Add(1)
}

// Clear deletes every entry.
func (c *Cache) Clear() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.store.Flush()
	c.memBytes.Store(0)
	c.invalidations.Add(1)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:              c.hits.Load(),
		Misses:            c.misses.Load(),
		Writes:            c.writes.Load(),
		Expired:           c.expired.Load(),
		Invalidations:     c.invalidations.Load(),
		Size:              c.store.ItemCount(),
		ApproxMemoryBytes: c.memBytes.Load(),
	}
}

// Sweep deletes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	removed := 0
	for key := range c.store.Items() {
		if c.deleteIfExpired(key) {
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache sweep removed expired entries", zap.Int("removed", removed))
	}
	return removed
}

// deleteIfExpired re-checks the entry under the write lock so a concurrent
// fresh Put is never removed.
func (c *Cache) deleteIfExpired(key string) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	obj, ok := c.store.Get(key)
	if !ok {
		return false
	}
	if c.clock.Now().Before(obj.(Entry).ExpiresAt) {
		return false
	}
	c.remove(key)
	c.expired.Add(1)
	return true
}

// remove must be called with writeMu held.
func (c *Cache) remove(key string) {
	if old, ok := c.store.Get(key); ok {
		c.memBytes.Add(-old.(Entry).size(key))
		c.store.Delete(key)
	}
}

// Start launches the periodic sweep. It stops when ctx is done or Stop is called.
func (c *Cache) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go c.sweepLoop(ctx, c.stopCh, c.doneCh)
}

// Stop halts the sweep loop and waits for it to exit.
func (c *Cache) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.doneCh
	c.runMu.Unlock()

	<-done
}

func (c *Cache) sweepLoop(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.runMu.Lock()
			if c.running && c.doneCh == done {
				c.running = false
			}
			c.runMu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
