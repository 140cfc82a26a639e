package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"listsync/backend"
	"listsync/internal/operation"
)

// FakeRemote is an in-memory stand-in for the remote list API. It applies
// mutations to its own collections so tests can observe remote state, and
// lets tests inject failures and slow calls.
type FakeRemote struct {
	mu          sync.Mutex
	collections map[int64]*backend.Collection
	nextID      int64
	execErrs    []error
	fetchErr    error
	hook        func(ctx context.Context, req backend.Request) error
	requests    []backend.Request
	fetches     int
	closed      bool
}

var _ backend.Client = (*FakeRemote)(nil)

// NewFakeRemote creates an empty fake. Created collections get IDs from 1000.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		collections: make(map[int64]*backend.Collection),
		nextID:      1000,
	}
}

// Seed stores a collection as if it already existed remotely.
func (f *FakeRemote) Seed(c backend.Collection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ItemCount = len(c.Items)
	f.collections[c.ID] = copyCollection(&c)
}

// FailNext makes the next Execute calls return errs, one per call.
func (f *FakeRemote) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execErrs = append(f.execErrs, errs...)
}

// FailFetches makes every read return err until called with nil.
func (f *FakeRemote) FailFetches(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// OnExecute installs a hook run before every mutation. A non-nil error from
// the hook is returned instead of applying the mutation.
func (f *FakeRemote) OnExecute(hook func(ctx context.Context, req backend.Request) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// Requests returns every mutation received so far.
func (f *FakeRemote) Requests() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.requests...)
}

// ExecuteCalls returns the number of mutations received.
func (f *FakeRemote) ExecuteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// FetchCalls returns the number of reads received.
func (f *FakeRemote) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// Collection returns the remote copy of a collection.
func (f *FakeRemote) Collection(id int64) (backend.Collection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[id]
	if !ok {
		return backend.Collection{}, false
	}
	return *copyCollection(c), true
}

// Execute implements backend.Executor.
func (f *FakeRemote) Execute(ctx context.Context, req backend.Request, cred backend.Credential) (*backend.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var injected error
	if len(f.execErrs) > 0 {
		injected = f.execErrs[0]
		f.execErrs = f.execErrs[1:]
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}
	if injected != nil {
		return nil, injected
	}
	if cred.Token == "" {
		return nil, backend.NewError(backend.KindUnauthorized, "missing token")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apply(req)
}

func (f *FakeRemote) apply(req backend.Request) (*backend.Result, error) {
	if req.Type == operation.CreateCollectionType {
		p := req.Payload.(operation.CreateCollection)
		f.nextID++
		c := &backend.Collection{
			ID:          f.nextID,
			OwnerID:     req.OwnerID,
			Name:        p.Name,
			Description: p.Description,
			IsPublic:    p.IsPublic,
		}
		f.collections[c.ID] = c
		return &backend.Result{Collection: copyCollection(c)}, nil
	}

	if req.TargetID == nil {
		return nil, backend.NewError(backend.KindValidation, "target is required for %s", req.Type)
	}
	c, ok := f.collections[*req.TargetID]
	if !ok {
		return nil, backend.NewError(backend.KindNotFound, "collection %d", *req.TargetID)
	}

	switch p := req.Payload.(type) {
	case operation.UpdateCollection:
		if p.Name != nil {
			c.Name = *p.Name
		}
		if p.Description != nil {
			c.Description = *p.Description
		}
		if p.IsPublic != nil {
			c.IsPublic = *p.IsPublic
		}
		return &backend.Result{Collection: copyCollection(c)}, nil
	case operation.DeleteCollection:
		delete(f.collections, c.ID)
	case operation.ClearCollection:
		c.Items = nil
		c.ItemCount = 0
	case operation.AddItem:
		for _, it := range c.Items {
			if it.ID == p.ItemID {
				return nil, backend.NewError(backend.KindDuplicateItem, "item %d already in collection %d", p.ItemID, c.ID)
			}
		}
		c.Items = append(c.Items, backend.Item{ID: p.ItemID})
		c.ItemCount = len(c.Items)
	case operation.RemoveItem:
		idx := -1
		for i, it := range c.Items {
			if it.ID == p.ItemID {
				idx = i
			}
		}
		if idx < 0 {
			return nil, backend.NewError(backend.KindNotFound, "item %d not in collection %d", p.ItemID, c.ID)
		}
		c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
		c.ItemCount = len(c.Items)
	default:
		return nil, backend.NewError(backend.KindValidation, "unsupported payload %T", req.Payload)
	}
	return &backend.Result{}, nil
}

// FetchCollection implements backend.Fetcher.
func (f *FakeRemote) FetchCollection(ctx context.Context, targetID int64, cred backend.Credential) (*backend.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	c, ok := f.collections[targetID]
	if !ok {
		return nil, backend.NewError(backend.KindNotFound, "collection %d", targetID)
	}
	return copyCollection(c), nil
}

// FetchOwnerCollections implements backend.Fetcher.
func (f *FakeRemote) FetchOwnerCollections(ctx context.Context, ownerID int64, cred backend.Credential) ([]backend.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := []backend.Collection{}
	for _, c := range f.collections {
		if c.OwnerID == ownerID {
			out = append(out, *copyCollection(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close implements backend.Client.
func (f *FakeRemote) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func copyCollection(c *backend.Collection) *backend.Collection {
	cp := *c
	cp.Items = append([]backend.Item(nil), c.Items...)
	return &cp
}

// FakeResolver hands out a fixed token per known owner.
type FakeResolver struct {
	mu     sync.Mutex
	tokens map[int64]string
}

var _ backend.CredentialResolver = (*FakeResolver)(nil)

// NewFakeResolver knows the given owners.
func NewFakeResolver(owners ...int64) *FakeResolver {
	r := &FakeResolver{tokens: make(map[int64]string)}
	for _, id := range owners {
		r.tokens[id] = fmt.Sprintf("token-%d", id)
	}
	return r
}

// Revoke forgets an owner's token.
func (r *FakeResolver) Revoke(ownerID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, ownerID)
}

// Resolve implements backend.CredentialResolver.
func (r *FakeResolver) Resolve(ctx context.Context, ownerID int64) (backend.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[ownerID]
	if !ok {
		return backend.Credential{}, fmt.Errorf("owner %d: %w", ownerID, backend.ErrNoValidSession)
	}
	return backend.Credential{OwnerID: ownerID, Token: token}, nil
}
