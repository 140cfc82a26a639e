package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// CLIHandler handles CLI commands for credential management
type CLIHandler struct {
	manager *Manager
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

// NewCLIHandler creates a new CLI handler for credential commands
func NewCLIHandler(manager *Manager, stdin io.Reader, stdout, stderr io.Writer) *CLIHandler {
	return &CLIHandler{
		manager: manager,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}
}

// Set reads a token from stdin and stores it in the keyring.
func (h *CLIHandler) Set(ctx context.Context, ownerID int64) error {
	token, err := PromptToken(h.stdin, h.stdout, ownerID)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}

	if err := h.manager.Set(ctx, ownerID, token); err != nil {
		if errors.Is(err, ErrKeyringNotAvailable) {
			return h.keyringNotAvailableError(ownerID)
		}
		return fmt.Errorf("failed to store token: %w", err)
	}

	_, _ = fmt.Fprintf(h.stdout, "\nToken stored in system keyring\n")
	return nil
}

// keyringNotAvailableError returns a helpful error message when keyring is not available
func (h *CLIHandler) keyringNotAvailableError(ownerID int64) error {
	msg := fmt.Sprintf(`System keyring not available on this host.

Alternative: set the token in the environment instead:

  export %s="your-api-token"

Run 'listsync credentials get %d' to verify the token is detected.
`, EnvVar(ownerID), ownerID)

	return errors.New(msg)
}

// Get prints where the owner's token comes from. The token itself is never shown.
func (h *CLIHandler) Get(ctx context.Context, ownerID int64, jsonOutput bool) error {
	info, err := h.manager.Get(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("failed to get credentials: %w", err)
	}

	if jsonOutput {
		data, err := info.JSON()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(h.stdout, string(data))
		return nil
	}

	if !info.Found {
		_, _ = fmt.Fprintf(h.stdout, "No token found for owner %d\n", ownerID)
		_, _ = fmt.Fprintf(h.stdout, "Searched:\n")
		_, _ = fmt.Fprintf(h.stdout, "  - System keyring: Not found\n")
		_, _ = fmt.Fprintf(h.stdout, "  - Environment (%s): Not found\n", EnvVar(ownerID))
		_, _ = fmt.Fprintf(h.stdout, "  - Config file: Not found\n")
		_, _ = fmt.Fprintf(h.stdout, "\nSuggestion: Run 'listsync credentials set %d'\n", ownerID)
		return nil
	}

	_, _ = fmt.Fprintf(h.stdout, "Owner: %d\n", ownerID)
	_, _ = fmt.Fprintf(h.stdout, "Source: %s\n", info.Source)
	_, _ = fmt.Fprintf(h.stdout, "Token: ******** (hidden)\n")
	return nil
}

// Delete removes the owner's token from the keyring.
func (h *CLIHandler) Delete(ctx context.Context, ownerID int64) error {
	if err := h.manager.Delete(ctx, ownerID); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	_, _ = fmt.Fprintf(h.stdout, "Token removed from system keyring\n")
	return nil
}
