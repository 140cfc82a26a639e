package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a remote failure. Every retry or rollback decision is
// made on the kind, never on the raw transport error.
type ErrorKind string

const (
	KindNetwork        ErrorKind = "network_error"
	KindTimeout        ErrorKind = "timeout"
	KindRateLimited    ErrorKind = "rate_limited"
	KindServer         ErrorKind = "server_error"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindSessionExpired ErrorKind = "session_expired"
	KindNotFound       ErrorKind = "not_found"
	KindValidation     ErrorKind = "validation_error"
	KindDuplicateItem  ErrorKind = "duplicate_item"
	KindUnknown        ErrorKind = "unknown"
)

// Retryable reports whether re-attempting later is expected to succeed.
// Unknown is treated as retryable.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer, KindUnknown:
		return true
	default:
		return false
	}
}

// RemoteError is a classified failure from the remote API.
type RemoteError struct {
	Kind       ErrorKind
	Status     int           // HTTP status when known
	RetryAfter time.Duration // server-requested wait, 0 if none
	Err        error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// NewError builds a RemoteError of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *RemoteError {
	return &RemoteError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify returns err as a *RemoteError, deriving a kind for unclassified
// errors: deadlines become timeouts, net errors become network errors and
// anything else is unknown.
func Classify(err error) *RemoteError {
	if err == nil {
		return nil
	}

	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}

	if errors.Is(err, ErrNoValidSession) {
		return &RemoteError{Kind: KindSessionExpired, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &RemoteError{Kind: KindTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &RemoteError{Kind: KindTimeout, Err: err}
		}
		return &RemoteError{Kind: KindNetwork, Err: err}
	}

	return &RemoteError{Kind: KindUnknown, Err: err}
}

// KindOf is shorthand for Classify(err).Kind. It returns "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}
