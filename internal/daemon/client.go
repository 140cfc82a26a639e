package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"listsync/backend"
	"listsync/internal/admin"
	"listsync/internal/cache"
	"listsync/internal/operation"
	"listsync/internal/orchestrator"
	"listsync/internal/processor"
	"listsync/internal/queue"
)

const (
	dialTimeout          = 500 * time.Millisecond
	defaultClientTimeout = 60 * time.Second
)

// ErrRequestFailed is returned for daemon errors without a more specific sentinel.
var ErrRequestFailed = errors.New("daemon request failed")

// Client provides methods to communicate with a running daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new daemon client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: defaultClientTimeout}
}

// WithTimeout returns a copy of the client using timeout for each request.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	cp := *c
	cp.timeout = timeout
	return &cp
}

// Status returns the combined operator snapshot.
func (c *Client) Status(ctx context.Context) (*admin.Status, error) {
	resp, err := c.do(ctx, Message{Type: MsgStatus})
	if err != nil {
		return nil, err
	}
	return resp.Snapshot, nil
}

// ProcessNow asks the daemon to run one processing pass.
func (c *Client) ProcessNow(ctx context.Context) (processor.Summary, error) {
	resp, err := c.do(ctx, Message{Type: MsgProcessNow})
	if err != nil {
		return processor.Summary{}, err
	}
	if resp.Summary == nil {
		return processor.Summary{}, nil
	}
	return *resp.Summary, nil
}

// Retry moves a failed operation back to pending.
func (c *Client) Retry(ctx context.Context, id string) (*operation.Record, error) {
	resp, err := c.do(ctx, Message{Type: MsgRetry, ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Operation, nil
}

// Cancel cancels a pending or processing operation.
func (c *Client) Cancel(ctx context.Context, id string) (*operation.Record, error) {
	resp, err := c.do(ctx, Message{Type: MsgCancel, ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Operation, nil
}

// Get returns one operation.
func (c *Client) Get(ctx context.Context, id string) (*operation.Record, error) {
	resp, err := c.do(ctx, Message{Type: MsgGet, ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Operation, nil
}

// SetEnabled pauses or resumes background processing.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) error {
	msg := Message{Type: MsgDisable}
	if enabled {
		msg.Type = MsgEnable
	}
	_, err := c.do(ctx, msg)
	return err
}

// ClearCache drops every cached entry in the daemon.
func (c *Client) ClearCache(ctx context.Context) error {
	_, err := c.do(ctx, Message{Type: MsgClearCache})
	return err
}

// QueueStats returns the record count per status.
func (c *Client) QueueStats(ctx context.Context) (map[operation.Status]int, error) {
	resp, err := c.do(ctx, Message{Type: MsgQueueStats})
	if err != nil {
		return nil, err
	}
	return resp.Queue, nil
}

// CacheStats returns the daemon's cache counters.
func (c *Client) CacheStats(ctx context.Context) (cache.Stats, error) {
	resp, err := c.do(ctx, Message{Type: MsgCacheStats})
	if err != nil {
		return cache.Stats{}, err
	}
	if resp.Cache == nil {
		return cache.Stats{}, nil
	}
	return *resp.Cache, nil
}

// List returns operations filtered by status, newest first.
func (c *Client) List(ctx context.Context, statuses []operation.Status, limit int) ([]*operation.Record, error) {
	msg := Message{Type: MsgList, Limit: limit}
	for _, s := range statuses {
		msg.Statuses = append(msg.Statuses, string(s))
	}
	resp, err := c.do(ctx, msg)
	if err != nil {
		return nil, err
	}
	return resp.Operations, nil
}

// Pending returns an owner's active operations.
func (c *Client) Pending(ctx context.Context, ownerID int64) ([]*operation.Record, error) {
	resp, err := c.do(ctx, Message{Type: MsgPending, OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	return resp.Operations, nil
}

// Mutate applies p for owner through the daemon. targetID is ignored for
// create_collection. A deferred result carries the queued operation and a
// Cause holding only the error kind.
func (c *Client) Mutate(ctx context.Context, ownerID, targetID int64, p operation.Payload) (*orchestrator.Result, error) {
	data, err := operation.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, Message{
		Type:      MsgMutate,
		OwnerID:   ownerID,
		TargetID:  targetID,
		Operation: p.OperationType(),
		Payload:   data,
	})
	if err != nil {
		return nil, err
	}
	res := &orchestrator.Result{
		Outcome:    resp.Outcome,
		Operation:  resp.Operation,
		Collection: resp.Collection,
	}
	if resp.Cause != "" {
		res.Cause = &backend.RemoteError{Kind: resp.Cause}
	}
	return res, nil
}

// Collection reads one collection through the daemon's cache.
func (c *Client) Collection(ctx context.Context, ownerID, targetID int64) (*orchestrator.Read[backend.Collection], error) {
	resp, err := c.do(ctx, Message{Type: MsgRead, Read: ReadCollection, OwnerID: ownerID, TargetID: targetID})
	if err != nil {
		return nil, err
	}
	read := &orchestrator.Read[backend.Collection]{FromCache: resp.FromCache, Stale: resp.Stale}
	if resp.Collection != nil {
		read.Value = *resp.Collection
	}
	return read, nil
}

// Items reads a collection's items through the daemon's cache.
func (c *Client) Items(ctx context.Context, ownerID, targetID int64) (*orchestrator.Read[[]backend.Item], error) {
	resp, err := c.do(ctx, Message{Type: MsgRead, Read: ReadItems, OwnerID: ownerID, TargetID: targetID})
	if err != nil {
		return nil, err
	}
	return &orchestrator.Read[[]backend.Item]{Value: resp.Items, FromCache: resp.FromCache, Stale: resp.Stale}, nil
}

// OwnerCollections lists an owner's collections through the daemon's cache.
func (c *Client) OwnerCollections(ctx context.Context, ownerID int64) (*orchestrator.Read[[]backend.Collection], error) {
	resp, err := c.do(ctx, Message{Type: MsgRead, Read: ReadOwnerCollections, OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	return &orchestrator.Read[[]backend.Collection]{Value: resp.Collections, FromCache: resp.FromCache, Stale: resp.Stale}, nil
}

// Stop requests the daemon to stop and waits for confirmation.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.do(ctx, Message{Type: MsgStop})
	return err
}

func (c *Client) do(ctx context.Context, msg Message) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return nil, err
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return &resp, responseError(&resp)
	}
	return &resp, nil
}

func responseError(resp *Response) error {
	switch resp.Code {
	case CodeNotFound:
		return fmt.Errorf("%w: %s", queue.ErrNotFound, resp.Message)
	case CodeInvalidState:
		return fmt.Errorf("%w: %s", queue.ErrInvalidState, resp.Message)
	case CodeInvalid:
		return fmt.Errorf("%w: %s", operation.ErrInvalidPayload,
			strings.TrimPrefix(resp.Message, operation.ErrInvalidPayload.Error()+": "))
	case CodeRemote:
		return &backend.RemoteError{Kind: resp.ErrorKind, Err: errors.New(resp.Message)}
	case CodeUnavailable:
		return admin.ErrCollectionsUnavailable
	default:
		return fmt.Errorf("%w: %s", ErrRequestFailed, resp.Message)
	}
}
