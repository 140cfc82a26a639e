// Package remote implements the backend contracts against the list-management
// REST API over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"listsync/backend"
	"listsync/internal/clock"
	"listsync/internal/operation"
	"listsync/internal/ratelimit"
)

const (
	// DefaultTimeout bounds a single HTTP exchange when the caller's context has no deadline.
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 4 << 10
)

// Config holds remote API connection settings
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Logger    *zap.Logger
	Clock     clock.Clock

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// Client talks to the remote list API. It never retries; failures are
// classified and returned so the queue can decide.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	clock     clock.Clock
	logger    *zap.Logger
	stats     *ratelimit.Stats
}

var _ backend.Client = (*Client)(nil)

// New creates a remote client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("remote base URL must be http or https: %q", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "listsync"
	}

	return &Client{
		baseURL:   base,
		userAgent: ua,
		http:      hc,
		clock:     clock.OrReal(cfg.Clock),
		logger:    logger,
		stats:     ratelimit.NewStats(),
	}, nil
}

// RateLimitStats returns how often the remote answered 429.
func (c *Client) RateLimitStats() *ratelimit.Stats {
	return c.stats
}

// Close releases idle connections.
func (c *Client) Close() error {
	if transport, ok := c.http.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

// =============================================================================
// Mutations
// =============================================================================

// Execute performs one mutation.
func (c *Client) Execute(ctx context.Context, req backend.Request, cred backend.Credential) (*backend.Result, error) {
	target := func() (string, error) {
		if req.TargetID == nil {
			return "", backend.NewError(backend.KindValidation, "%s requires a target collection", req.Type)
		}
		return strconv.FormatInt(*req.TargetID, 10), nil
	}

	switch p := req.Payload.(type) {
	case operation.CreateCollection:
		var col backend.Collection
		if err := c.do(ctx, http.MethodPost, "/lists", cred, p, &col); err != nil {
			return nil, err
		}
		return &backend.Result{Collection: &col}, nil

	case operation.UpdateCollection:
		id, err := target()
		if err != nil {
			return nil, err
		}
		var col backend.Collection
		if err := c.do(ctx, http.MethodPatch, "/lists/"+id, cred, p, &col); err != nil {
			return nil, err
		}
		return &backend.Result{Collection: &col}, nil

	case operation.DeleteCollection:
		id, err := target()
		if err != nil {
			return nil, err
		}
		return &backend.Result{}, c.do(ctx, http.MethodDelete, "/lists/"+id, cred, nil, nil)

	case operation.ClearCollection:
		id, err := target()
		if err != nil {
			return nil, err
		}
		return &backend.Result{}, c.do(ctx, http.MethodPost, "/lists/"+id+"/clear", cred, nil, nil)

	case operation.AddItem:
		id, err := target()
		if err != nil {
			return nil, err
		}
		return &backend.Result{}, c.do(ctx, http.MethodPost, "/lists/"+id+"/items", cred, p, nil)

	case operation.RemoveItem:
		id, err := target()
		if err != nil {
			return nil, err
		}
		path := "/lists/" + id + "/items/" + strconv.FormatInt(p.ItemID, 10)
		return &backend.Result{}, c.do(ctx, http.MethodDelete, path, cred, nil, nil)

	default:
		return nil, backend.NewError(backend.KindValidation, "unsupported payload %T for %s", req.Payload, req.Type)
	}
}

// =============================================================================
// Reads
// =============================================================================

// FetchCollection returns one collection with its items.
func (c *Client) FetchCollection(ctx context.Context, targetID int64, cred backend.Credential) (*backend.Collection, error) {
	var col backend.Collection
	if err := c.do(ctx, http.MethodGet, "/lists/"+strconv.FormatInt(targetID, 10), cred, nil, &col); err != nil {
		return nil, err
	}
	return &col, nil
}

// FetchOwnerCollections returns every collection of an owner, without items.
func (c *Client) FetchOwnerCollections(ctx context.Context, ownerID int64, cred backend.Credential) ([]backend.Collection, error) {
	var cols []backend.Collection
	if err := c.do(ctx, http.MethodGet, "/owners/"+strconv.FormatInt(ownerID, 10)+"/lists", cred, nil, &cols); err != nil {
		return nil, err
	}
	if cols == nil {
		cols = []backend.Collection{}
	}
	return cols, nil
}

// =============================================================================
// Transport
// =============================================================================

// do performs an authenticated request and decodes a JSON response into out
// when out is non-nil. Every failure is a *backend.RemoteError.
func (c *Client) do(ctx context.Context, method, path string, cred backend.Credential, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return backend.NewError(backend.KindValidation, "encode request: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return backend.NewError(backend.KindValidation, "build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		re := backend.Classify(err)
		c.logger.Debug("remote request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("kind", string(re.Kind)),
			zap.Error(err))
		return re
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("remote request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", c.clock.Now().Sub(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &backend.RemoteError{Kind: backend.KindServer, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// apiError is the body the remote sends with 4xx and 5xx answers.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusError classifies a non-2xx response.
func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var body apiError
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	re := &backend.RemoteError{
		Kind:   kindForStatus(resp.StatusCode, body.Code),
		Status: resp.StatusCode,
		Err:    fmt.Errorf("status %d: %s", resp.StatusCode, msg),
	}

	if re.Kind == backend.KindRateLimited {
		now := c.clock.Now()
		c.stats.RecordRateLimit(now)
		if d := ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), now); d != nil {
			re.RetryAfter = *d
		}
		c.logger.Warn("remote rate limited",
			zap.Duration("retry_after", re.RetryAfter),
			zap.Int64("total", c.stats.RateLimitCount()))
	}
	return re
}

// kindForStatus maps an HTTP status (and the optional error code in the body)
// to an error kind.
func kindForStatus(status int, code string) backend.ErrorKind {
	switch code {
	case string(backend.KindDuplicateItem):
		return backend.KindDuplicateItem
	case string(backend.KindSessionExpired):
		return backend.KindSessionExpired
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return backend.KindUnauthorized
	case status == http.StatusNotFound || status == http.StatusGone:
		return backend.KindNotFound
	case status == http.StatusConflict:
		return backend.KindDuplicateItem
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return backend.KindValidation
	case status == http.StatusTooManyRequests:
		return backend.KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return backend.KindTimeout
	case status >= 500:
		return backend.KindServer
	default:
		return backend.KindUnknown
	}
}
