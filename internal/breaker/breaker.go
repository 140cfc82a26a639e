// Package breaker guards the remote client with a circuit breaker so a failing
// remote is not hammered by every caller and queue tick.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"listsync/backend"
)

const (
	DefaultConsecutiveFailures = 5
	DefaultOpenTimeout         = 30 * time.Second
	DefaultHalfOpenRequests    = 1
)

// Config holds configuration for the circuit breaker
type Config struct {
	Name string

	// ConsecutiveFailures is the number of retryable failures in a row that opens the circuit.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the circuit stays open before a half-open probe.
	OpenTimeout time.Duration

	// HalfOpenRequests is how many probes may run while half-open.
	HalfOpenRequests uint32

	// Interval clears the closed-state counts periodically. Zero never clears.
	Interval time.Duration

	Logger *zap.Logger

	// OnStateChange is called after every transition, in addition to logging.
	OnStateChange func(from, to string)
}

// Client wraps a backend.Client with a circuit breaker. Only retryable
// failures count against the remote; validation or not-found answers prove
// the remote is up.
type Client struct {
	next backend.Client
	cb   *gobreaker.CircuitBreaker
}

var _ backend.Client = (*Client)(nil)

// New wraps next.
func New(next backend.Client, cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "remote"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = DefaultHalfOpenRequests
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.ConsecutiveFailures
	onChange := cfg.OnStateChange
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if onChange != nil {
				onChange(from.String(), to.String())
			}
		},
		IsSuccessful: isSuccessful,
	})

	return &Client{next: next, cb: cb}
}

func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return !backend.Classify(err).Kind.Retryable()
}

// Open reports whether calls are currently being rejected.
func (c *Client) Open() bool {
	return c.cb.State() == gobreaker.StateOpen
}

// State returns "closed", "half-open" or "open".
func (c *Client) State() string {
	return c.cb.State().String()
}

// Execute runs a mutation through the breaker.
func (c *Client) Execute(ctx context.Context, req backend.Request, cred backend.Credential) (*backend.Result, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.next.Execute(ctx, req, cred)
	})
	if err != nil {
		return nil, rejected(err)
	}
	res, _ := out.(*backend.Result)
	return res, nil
}

// FetchCollection runs a read through the breaker.
func (c *Client) FetchCollection(ctx context.Context, targetID int64, cred backend.Credential) (*backend.Collection, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.next.FetchCollection(ctx, targetID, cred)
	})
	if err != nil {
		return nil, rejected(err)
	}
	coll, _ := out.(*backend.Collection)
	return coll, nil
}

// FetchOwnerCollections runs a read through the breaker.
func (c *Client) FetchOwnerCollections(ctx context.Context, ownerID int64, cred backend.Credential) ([]backend.Collection, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.next.FetchOwnerCollections(ctx, ownerID, cred)
	})
	if err != nil {
		return nil, rejected(err)
	}
	colls, _ := out.([]backend.Collection)
	return colls, nil
}

// Close closes the wrapped client.
func (c *Client) Close() error {
	return c.next.Close()
}

// rejected turns breaker refusals into network errors so callers defer the
// work instead of failing it.
func rejected(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &backend.RemoteError{Kind: backend.KindNetwork, Err: err}
	}
	return err
}
