package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"listsync/backend"
	"listsync/internal/cache"
	"listsync/internal/operation"
)

// Read is the answer to a cache-first read.
type Read[T any] struct {
	Value T `json:"value"`

	// FromCache is true when no remote fetch was needed.
	FromCache bool `json:"from_cache"`

	// Stale is true when the fetch failed and the last-known-good copy was returned.
	Stale bool `json:"stale,omitempty"`
}

// GetCollection returns a collection, fetching it on a cache miss.
func (o *Orchestrator) GetCollection(ctx context.Context, ownerID, targetID int64) (*Read[backend.Collection], error) {
	key := cache.Key(cache.KindCollection, targetID)
	return readThrough(ctx, o, key, ownerID, o.cfg.CollectionTTL, func(ctx context.Context, cred backend.Credential) (backend.Collection, error) {
		c, err := o.fetcher.FetchCollection(ctx, targetID, cred)
		if err != nil {
			return backend.Collection{}, err
		}
		return *c, nil
	})
}

// GetItems returns a collection's items, fetching them on a cache miss.
func (o *Orchestrator) GetItems(ctx context.Context, ownerID, targetID int64) (*Read[[]backend.Item], error) {
	key := cache.Key(cache.KindItems, targetID)
	return readThrough(ctx, o, key, ownerID, o.cfg.ItemsTTL, func(ctx context.Context, cred backend.Credential) ([]backend.Item, error) {
		c, err := o.fetcher.FetchCollection(ctx, targetID, cred)
		if err != nil {
			return nil, err
		}
		if c.Items == nil {
			return []backend.Item{}, nil
		}
		return c.Items, nil
	})
}

// GetOwnerCollections returns an owner's collections. Creates still waiting
// in the queue are appended with Pending set.
func (o *Orchestrator) GetOwnerCollections(ctx context.Context, ownerID int64) (*Read[[]backend.Collection], error) {
	key := cache.Key(cache.KindOwnerCollections, ownerID)
	read, err := readThrough(ctx, o, key, ownerID, o.cfg.OwnerCollectionsTTL, func(ctx context.Context, cred backend.Credential) ([]backend.Collection, error) {
		return o.fetcher.FetchOwnerCollections(ctx, ownerID, cred)
	})
	if err != nil {
		return nil, err
	}
	read.Value = append(read.Value, o.pendingCreates(ctx, ownerID)...)
	return read, nil
}

func (o *Orchestrator) pendingCreates(ctx context.Context, ownerID int64) []backend.Collection {
	recs, err := o.queue.PendingForOwner(ctx, ownerID)
	if err != nil {
		o.logger.Warn("failed to list pending operations", zap.Int64("owner_id", ownerID), zap.Error(err))
		return nil
	}

	var out []backend.Collection
	for _, rec := range recs {
		if rec.Type != operation.CreateCollectionType {
			continue
		}
		e, ok := o.cache.Lookup(cache.Key(cache.KindPendingCollection, rec.ID))
		if !ok {
			continue
		}
		var c backend.Collection
		if json.Unmarshal(e.Value, &c) == nil {
			out = append(out, c)
		}
	}
	return out
}

// readThrough serves key from the cache, otherwise fetches it once for all
// concurrent callers and stores both the fresh copy and a long-lived stale copy.
func readThrough[T any](ctx context.Context, o *Orchestrator, key string, ownerID int64, ttl time.Duration, fetch func(context.Context, backend.Credential) (T, error)) (*Read[T], error) {
	if data, status := o.cache.Get(key); status == cache.Found {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return &Read[T]{Value: v, FromCache: true}, nil
		}
		o.cache.Invalidate(key)
	}

	cred, err := o.resolver.Resolve(ctx, ownerID)
	if err != nil {
		return nil, backend.Classify(err)
	}

	flightKey := key + "|" + strconv.FormatInt(ownerID, 10)
	data, err, _ := o.reads.Do(flightKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RemoteTimeout)
		defer cancel()

		gen := o.generation(key)

		start := time.Now()
		v, err := fetch(fetchCtx, cred)
		o.cfg.Metrics.ObserveRemote("fetch", err, time.Since(start))
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		if !o.putIfCurrent(key, gen, data, ttl) {
			o.logger.Debug("key changed during fetch, not caching", zap.String("key", key))
		}
		return data, nil
	})
	if err != nil {
		remoteErr := backend.Classify(err)
		if o.cfg.StaleFallback {
			if stale, ok := staleCopy[T](o, key); ok {
				o.logger.Warn("serving stale copy after fetch failure",
					zap.String("key", key),
					zap.String("error_kind", string(remoteErr.Kind)),
				)
				o.cfg.Metrics.ObserveStaleRead()
				return &Read[T]{Value: stale, Stale: true}, nil
			}
		}
		return nil, remoteErr
	}

	var v T
	if err := json.Unmarshal(data.([]byte), &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &Read[T]{Value: v}, nil
}

func staleCopy[T any](o *Orchestrator, key string) (T, bool) {
	var v T
	data, status := o.cache.Get(cache.StaleKey(key))
	if status != cache.Found {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false
	}
	return v, true
}
