// Package credentials resolves the API token used for each owner's remote
// calls, looking in the OS keyring first and environment variables second.
package credentials

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"listsync/backend"
)

// ServiceName is the keyring service under which tokens are stored.
const ServiceName = "listsync"

// Source indicates where credentials were retrieved from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceConfig      Source = "config"
	SourceNone        Source = "none"
)

// CredentialInfo describes the token found for an owner.
type CredentialInfo struct {
	Source  Source
	OwnerID int64
	Token   string
	Found   bool
}

// JSON serializes the credential info to JSON (token excluded for security)
func (c *CredentialInfo) JSON() ([]byte, error) {
	output := struct {
		OwnerID int64  `json:"owner_id"`
		Source  string `json:"source"`
		Found   bool   `json:"found"`
	}{
		OwnerID: c.OwnerID,
		Source:  string(c.Source),
		Found:   c.Found,
	}
	return json.Marshal(output)
}

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// Manager handles credential operations and implements backend.CredentialResolver.
type Manager struct {
	keyring Keyring
	getenv  func(string) string
	static  map[int64]string
}

var _ backend.CredentialResolver = (*Manager)(nil)

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// WithEnv replaces os.Getenv, for tests.
func WithEnv(getenv func(string) string) ManagerOption {
	return func(m *Manager) {
		m.getenv = getenv
	}
}

// WithStaticTokens adds tokens from the config file, consulted last.
func WithStaticTokens(tokens map[int64]string) ManagerOption {
	return func(m *Manager) {
		m.static = tokens
	}
}

// NewManager creates a new credential manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: &systemKeyring{},
		getenv:  os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func account(ownerID int64) string {
	return "owner-" + strconv.FormatInt(ownerID, 10)
}

// EnvVar returns the environment variable consulted for an owner's token.
func EnvVar(ownerID int64) string {
	return fmt.Sprintf("LISTSYNC_OWNER_%d_TOKEN", ownerID)
}

// Set stores a token in the keyring
func (m *Manager) Set(ctx context.Context, ownerID int64, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}
	return m.keyring.Set(ServiceName, account(ownerID), token)
}

// Get retrieves the owner's token from available sources (keyring, then
// environment, then config).
func (m *Manager) Get(ctx context.Context, ownerID int64) (*CredentialInfo, error) {
	token, err := m.keyring.Get(ServiceName, account(ownerID))
	if err == nil && token != "" {
		return &CredentialInfo{Source: SourceKeyring, OwnerID: ownerID, Token: token, Found: true}, nil
	}

	if token := m.getenv(EnvVar(ownerID)); token != "" {
		return &CredentialInfo{Source: SourceEnvironment, OwnerID: ownerID, Token: token, Found: true}, nil
	}

	if token := m.static[ownerID]; token != "" {
		return &CredentialInfo{Source: SourceConfig, OwnerID: ownerID, Token: token, Found: true}, nil
	}

	return &CredentialInfo{Source: SourceNone, OwnerID: ownerID}, nil
}

// Resolve implements backend.CredentialResolver.
func (m *Manager) Resolve(ctx context.Context, ownerID int64) (backend.Credential, error) {
	info, err := m.Get(ctx, ownerID)
	if err != nil {
		return backend.Credential{}, err
	}
	if !info.Found {
		return backend.Credential{}, fmt.Errorf("owner %d: %w", ownerID, backend.ErrNoValidSession)
	}
	return backend.Credential{OwnerID: ownerID, Token: info.Token}, nil
}

// Delete removes a token from the keyring
func (m *Manager) Delete(ctx context.Context, ownerID int64) error {
	err := m.keyring.Delete(ServiceName, account(ownerID))
	// Idempotent: return nil if not found
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// PromptToken prompts the user for a token.
// For non-TTY input (testing), it reads a line from reader.
func PromptToken(reader io.Reader, writer io.Writer, ownerID int64) (string, error) {
	_, _ = fmt.Fprintf(writer, "Enter API token for owner %d: ", ownerID)

	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}
