package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

var (
	// ErrNotFound is returned when the keyring holds nothing for an account.
	ErrNotFound = errors.New("credential not found")

	// ErrKeyringNotAvailable is returned when no OS keyring can be reached,
	// typically on headless hosts without a Secret Service.
	ErrKeyringNotAvailable = errors.New("system keyring not available")
)

// MockKeyring is a test implementation of the Keyring interface
type MockKeyring struct {
	mu    sync.RWMutex
	store map[string]map[string]string // service -> account -> password
}

// NewMockKeyring creates a new mock keyring for testing
func NewMockKeyring() *MockKeyring {
	return &MockKeyring{
		store: make(map[string]map[string]string),
	}
}

// Set stores a password in the mock keyring
func (m *MockKeyring) Set(service, account, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store[service] == nil {
		m.store[service] = make(map[string]string)
	}
	m.store[service][account] = password
	return nil
}

// Get retrieves a password from the mock keyring
func (m *MockKeyring) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if accounts, ok := m.store[service]; ok {
		if password, ok := accounts[account]; ok {
			return password, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, account)
}

// Delete removes a password from the mock keyring
func (m *MockKeyring) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if accounts, ok := m.store[service]; ok {
		if _, ok := accounts[account]; ok {
			delete(accounts, account)
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, service, account)
}

// systemKeyring stores secrets in the OS keyring through go-keyring.
type systemKeyring struct{}

func (s *systemKeyring) Set(service, account, password string) error {
	return mapKeyringErr(keyring.Set(service, account, password))
}

func (s *systemKeyring) Get(service, account string) (string, error) {
	secret, err := keyring.Get(service, account)
	return secret, mapKeyringErr(err)
}

func (s *systemKeyring) Delete(service, account string) error {
	return mapKeyringErr(keyring.Delete(service, account))
}

func mapKeyringErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, keyring.ErrUnsupportedPlatform) {
		return ErrKeyringNotAvailable
	}
	return fmt.Errorf("%w: %v", ErrKeyringNotAvailable, err)
}
