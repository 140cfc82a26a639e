// Package backend defines the contracts between listsync and the remote
// list-management API: the records it returns, the mutation executor, the
// read fetcher and the credential resolver.
package backend

import (
	"context"
	"errors"
	"time"

	"listsync/internal/operation"
)

// Collection is a named list owned by a remote account.
type Collection struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsPublic    bool      `json:"is_public"`
	ItemCount   int       `json:"item_count"`
	Items       []Item    `json:"items,omitempty"`
	Modified    time.Time `json:"modified,omitempty"`
	Pending     bool      `json:"pending,omitempty"` // local placeholder awaiting the queue
}

// Item is an entry in a collection.
type Item struct {
	ID    int64  `json:"id"`
	Title string `json:"title,omitempty"`
}

// Credential authorizes remote calls for one owner.
type Credential struct {
	OwnerID int64
	Token   string
}

// Request is one mutation to perform remotely.
type Request struct {
	Type     operation.Type
	OwnerID  int64
	TargetID *int64
	Payload  operation.Payload
}

// Result is what the remote returned for a successful mutation. Collection is
// set for create and update.
type Result struct {
	Collection *Collection
}

// Executor performs mutations. Failures must be *RemoteError values.
type Executor interface {
	Execute(ctx context.Context, req Request, cred Credential) (*Result, error)
}

// Fetcher performs reads. Failures should be *RemoteError values.
type Fetcher interface {
	FetchCollection(ctx context.Context, targetID int64, cred Credential) (*Collection, error)
	FetchOwnerCollections(ctx context.Context, ownerID int64, cred Credential) ([]Collection, error)
}

// ErrNoValidSession is returned by a CredentialResolver that has nothing usable for an owner.
var ErrNoValidSession = errors.New("no valid session")

// CredentialResolver maps an owner to a credential.
type CredentialResolver interface {
	Resolve(ctx context.Context, ownerID int64) (Credential, error)
}

// Client bundles the remote contracts a single adapter usually provides.
type Client interface {
	Executor
	Fetcher
	Close() error
}
