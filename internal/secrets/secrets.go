// Package secrets bridges to the operating system credential store. The
// archive database only ever holds logical references; the actual
// passwords and tokens live here.
package secrets

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

// Service name under which all entries are filed in the OS store.
const keyringService = "com.amberize.app"

// Purposes a secret can be stored under for one account.
const (
	PurposePassword          = "password"
	PurposeOAuthRefreshToken = "oauth_refresh_token"
	PurposeOAuthAccessToken  = "oauth_access_token"
	PurposeOAuthClientID     = "oauth_client_id"
	PurposeOAuthClientSecret = "oauth_client_secret"
)

// ErrMissingSecret means the credential store has no entry for the
// requested key. The caller surfaces this with a repair path (re-enter
// the password or re-run the OAuth consent).
var ErrMissingSecret = errors.New("no stored credential for this account")

// Store is the opaque get/set/delete interface over the credential
// backend.
type Store interface {
	Get(ref string) (string, error)
	Set(ref, value string) error
	Delete(ref string) error
}

// Ref builds the logical key for an account-scoped secret.
func Ref(accountRef, purpose string) string {
	return accountRef + ":" + purpose
}

// KeyringStore stores secrets in the OS keychain. A process-wide cache
// keeps repeated background syncs from prompting the user on platforms
// where every keychain read can raise a dialog.
type KeyringStore struct {
	mu    sync.Mutex
	ring  keyring.Keyring
	cache map[string]string
}

// OpenKeyring opens the platform credential store.
func OpenKeyring() (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open system keyring: %w", err)
	}
	return &KeyringStore{ring: ring, cache: make(map[string]string)}, nil
}

// Get returns the secret stored under ref, or ErrMissingSecret.
func (s *KeyringStore) Get(ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[ref]; ok {
		return cached, nil
	}

	item, err := s.ring.Get(ref)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrMissingSecret, ref)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read keyring entry: %w", err)
	}

	value := string(item.Data)
	s.cache[ref] = value
	return value, nil
}

// Set stores the secret under ref.
func (s *KeyringStore) Set(ref, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ring.Set(keyring.Item{Key: ref, Data: []byte(value)}); err != nil {
		return fmt.Errorf("failed to write keyring entry: %w", err)
	}
	s.cache[ref] = value
	return nil
}

// Delete removes the secret under ref. A missing entry is not an error.
func (s *KeyringStore) Delete(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, ref)
	err := s.ring.Remove(ref)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete keyring entry: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for tests and headless runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (s *MemoryStore) Get(ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.entries[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingSecret, ref)
	}
	return value, nil
}

func (s *MemoryStore) Set(ref, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ref] = value
	return nil
}

func (s *MemoryStore) Delete(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ref)
	return nil
}
