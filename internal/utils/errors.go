package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ErrOperationNotFound returns an error for an unknown queued operation.
func ErrOperationNotFound(id string, cause error) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("operation %s: %w", id, cause),
		Suggestion: "Use 'listsync queue list' to see queued operations",
	}
}

// ErrInvalidTransition returns an error when retry or cancel does not apply
// to the operation's current status.
func ErrInvalidTransition(action, id string, cause error) error {
	suggestion := "Only failed operations can be retried"
	if action == "cancel" {
		suggestion = "Only pending or processing operations can be cancelled"
	}
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("cannot %s operation %s: %w", action, id, cause),
		Suggestion: suggestion,
	}
}

// ErrDaemonNotRunning returns an error when the CLI cannot reach the daemon.
func ErrDaemonNotRunning(socketPath string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("listsync daemon is not running (socket %s)", socketPath),
		Suggestion: "Start it with 'listsync serve'",
	}
}

// ErrRemoteNotConfigured returns an error when remote.base_url is missing.
func ErrRemoteNotConfigured(configPath string) error {
	return &ErrorWithSuggestion{
		Err:        errors.New("remote.base_url is not set"),
		Suggestion: fmt.Sprintf("Set remote.base_url in %s", configPath),
	}
}

// ErrInvalidOwnerID returns an error for a malformed owner ID argument.
func ErrInvalidOwnerID(value string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid owner id: %q", value),
		Suggestion: "Owner IDs are positive integers",
	}
}

// ErrInvalidID returns an error for a malformed collection or item ID argument.
func ErrInvalidID(what, value string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid %s id: %q", what, value),
		Suggestion: "IDs are positive integers",
	}
}

// ErrInvalidStatus returns an error for an invalid status with valid options.
func ErrInvalidStatus(status string, valid []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid status: %s", status),
		Suggestion: fmt.Sprintf("Valid options: %s", strings.Join(valid, ", ")),
	}
}

// ErrRemoteOffline returns an error when the remote is unreachable with smart suggestions.
func ErrRemoteOffline(reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("remote is unreachable: %s", reason),
		Suggestion: getSmartSuggestion(reason),
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and accessible"
	}

	if strings.Contains(lowerReason, "timeout") {
		return "The server may be slow or unreachable. Queued operations will be retried"
	}

	return "Check your internet connection and try again"
}
