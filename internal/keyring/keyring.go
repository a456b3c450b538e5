// Package keyring provides secure credential storage using the system keyring.
package keyring

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	zkeyring "github.com/zalando/go-keyring"

	"github.com/gdg-abesec/abeslink/internal/login"
)

const (
	// ServiceName is the identifier used for storing credentials in the system keyring.
	ServiceName = "abeslink"
	// AccountName is the keyring account holding the portal credentials.
	AccountName = "credentials"
)

// ErrCorruptSecret is returned when the stored secret cannot be decoded.
var ErrCorruptSecret = errors.New("stored credential is corrupt")

// Store is the credential store used by the engine.
type Store interface {
	// Get returns the stored credentials or login.ErrNoCredentials.
	Get() (login.Credentials, error)
	// Set stores the credentials, replacing any previous ones.
	Set(username, password string) error
	// Clear removes the credentials. It is idempotent.
	Clear() error
	// Has reports whether credentials are stored.
	Has() bool
}

// SystemKeyring implements Store using the Secret Service / system keyring.
// Username and password are kept together as one JSON secret so they can
// never get out of sync.
type SystemKeyring struct {
	service string
	account string
}

// Compile-time check that SystemKeyring implements Store.
var _ Store = (*SystemKeyring)(nil)

// NewSystemKeyring creates a SystemKeyring. An empty service falls back to ServiceName.
func NewSystemKeyring(service string) *SystemKeyring {
	if strings.TrimSpace(service) == "" {
		service = ServiceName
	}
	return &SystemKeyring{service: service, account: AccountName}
}

// Get retrieves the credentials from the system keyring.
func (s *SystemKeyring) Get() (login.Credentials, error) {
	secret, err := zkeyring.Get(s.service, s.account)
	if err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return login.Credentials{}, login.ErrNoCredentials
		}
		return login.Credentials{}, fmt.Errorf("failed to retrieve credential: %w", err)
	}

	var creds login.Credentials
	if err := json.Unmarshal([]byte(secret), &creds); err != nil {
		return login.Credentials{}, ErrCorruptSecret
	}
	if creds.IsZero() {
		return login.Credentials{}, login.ErrNoCredentials
	}
	return creds, nil
}

// Set stores the credentials in the system keyring.
func (s *SystemKeyring) Set(username, password string) error {
	secret, err := json.Marshal(login.Credentials{Username: username, Password: password})
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := zkeyring.Set(s.service, s.account, string(secret)); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Clear removes the credentials from the system keyring.
// This operation is idempotent - it does not return an error if the credential doesn't exist.
func (s *SystemKeyring) Clear() error {
	err := zkeyring.Delete(s.service, s.account)
	if err != nil && !errors.Is(err, zkeyring.ErrNotFound) {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Has reports whether usable credentials are stored.
func (s *SystemKeyring) Has() bool {
	_, err := s.Get()
	return err == nil
}

// MemoryStore is an in-process Store for tests and keyring-less hosts.
type MemoryStore struct {
	mu    sync.Mutex
	creds login.Credentials
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns the stored credentials or login.ErrNoCredentials.
func (m *MemoryStore) Get() (login.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds.IsZero() {
		return login.Credentials{}, login.ErrNoCredentials
	}
	return m.creds, nil
}

// Set stores the credentials.
func (m *MemoryStore) Set(username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = login.Credentials{Username: username, Password: password}
	return nil
}

// Clear removes the credentials.
func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = login.Credentials{}
	return nil
}

// Has reports whether credentials are stored.
func (m *MemoryStore) Has() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.creds.IsZero()
}
