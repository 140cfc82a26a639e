package orchestrator

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"listsync/backend"
	"listsync/internal/cache"
	"listsync/internal/operation"
)

// applyOptimistic edits cached entries to show the mutation's expected
// outcome while the remote call is in flight. Entries that are not cached
// are left alone.
func (o *Orchestrator) applyOptimistic(ownerID int64, targetID *int64, p operation.Payload) {
	listKey := cache.Key(cache.KindOwnerCollections, ownerID)

	if create, ok := p.(operation.CreateCollection); ok {
		editJSON(o, listKey, func(list *[]backend.Collection) bool {
			*list = append(*list, placeholder(ownerID, create))
			return true
		})
		return
	}

	target := *targetID
	collKey := cache.Key(cache.KindCollection, target)
	itemsKey := cache.Key(cache.KindItems, target)

	switch v := p.(type) {
	case operation.UpdateCollection:
		editJSON(o, collKey, func(c *backend.Collection) bool {
			mergeUpdate(c, v)
			return true
		})
		editListEntry(o, listKey, target, func(c *backend.Collection) { mergeUpdate(c, v) })

	case operation.DeleteCollection:
		o.cache.Invalidate(collKey)
		o.cache.Invalidate(itemsKey)
		editJSON(o, listKey, func(list *[]backend.Collection) bool {
			kept := (*list)[:0]
			for _, c := range *list {
				if c.ID != target {
					kept = append(kept, c)
				}
			}
			changed := len(kept) != len(*list)
			*list = kept
			return changed
		})

	case operation.ClearCollection:
		editJSON(o, itemsKey, func(items *[]backend.Item) bool {
			*items = []backend.Item{}
			return true
		})
		editJSON(o, collKey, func(c *backend.Collection) bool {
			c.Items = nil
			c.ItemCount = 0
			return true
		})
		editListEntry(o, listKey, target, func(c *backend.Collection) { c.ItemCount = 0 })

	case operation.AddItem:
		added := true
		editJSON(o, itemsKey, func(items *[]backend.Item) bool {
			if hasItem(*items, v.ItemID) {
				added = false
				return false
			}
			*items = append(*items, backend.Item{ID: v.ItemID})
			return true
		})
		editJSON(o, collKey, func(c *backend.Collection) bool {
			if hasItem(c.Items, v.ItemID) {
				added = false
				return false
			}
			c.Items = append(c.Items, backend.Item{ID: v.ItemID})
			c.ItemCount++
			return true
		})
		if added {
			editListEntry(o, listKey, target, func(c *backend.Collection) { c.ItemCount++ })
		}

	case operation.RemoveItem:
		removed := true
		editJSON(o, itemsKey, func(items *[]backend.Item) bool {
			var ok bool
			*items, ok = withoutItem(*items, v.ItemID)
			removed = removed && ok
			return ok
		})
		editJSON(o, collKey, func(c *backend.Collection) bool {
			var ok bool
			c.Items, ok = withoutItem(c.Items, v.ItemID)
			if ok && c.ItemCount > 0 {
				c.ItemCount--
			}
			removed = removed && ok
			return ok
		})
		if removed {
			editListEntry(o, listKey, target, func(c *backend.Collection) {
				if c.ItemCount > 0 {
					c.ItemCount--
				}
			})
		}
	}
}

// editJSON decodes the cached value at key, lets fn change it, and writes
// it back with its original expiry. Undecodable entries are dropped.
func editJSON[T any](o *Orchestrator, key string, fn func(*T) bool) {
	e, ok := o.cache.Lookup(key)
	if !ok {
		return
	}

	var v T
	if err := json.Unmarshal(e.Value, &v); err != nil {
		o.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		o.cache.Invalidate(key)
		return
	}
	if !fn(&v) {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		o.cache.Invalidate(key)
		return
	}
	o.cache.Restore(key, cache.Entry{Value: data, ExpiresAt: e.ExpiresAt})
}

func editListEntry(o *Orchestrator, listKey string, target int64, fn func(*backend.Collection)) {
	editJSON(o, listKey, func(list *[]backend.Collection) bool {
		for i := range *list {
			if (*list)[i].ID == target {
				fn(&(*list)[i])
				return true
			}
		}
		return false
	})
}

func mergeUpdate(c *backend.Collection, p operation.UpdateCollection) {
	if p.Name != nil {
		c.Name = trimmed(*p.Name)
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.IsPublic != nil {
		c.IsPublic = *p.IsPublic
	}
}

func placeholder(ownerID int64, p operation.CreateCollection) backend.Collection {
	return backend.Collection{
		OwnerID:     ownerID,
		Name:        p.Name,
		Description: p.Description,
		IsPublic:    p.IsPublic,
		Pending:     true,
	}
}

// putPlaceholder keeps a deferred create visible until the processor
// completes it.
func (o *Orchestrator) putPlaceholder(rec *operation.Record, p operation.CreateCollection) {
	data, err := json.Marshal(placeholder(rec.OwnerID, p))
	if err != nil {
		return
	}
	o.cache.Put(cache.Key(cache.KindPendingCollection, rec.ID), data, o.cfg.StaleTTL)
}

func hasItem(items []backend.Item, id int64) bool {
	for _, it := range items {
		if it.ID == id {
			return true
		}
	}
	return false
}

func withoutItem(items []backend.Item, id int64) ([]backend.Item, bool) {
	for i, it := range items {
		if it.ID == id {
			out := append([]backend.Item{}, items[:i]...)
			return append(out, items[i+1:]...), true
		}
	}
	return items, false
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
