package authcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
)

const serviceName = "emailthing"

// Vault stores the secret token material for a user. The session record in
// the local store carries only non-secret metadata; tokens live here.
type Vault interface {
	SaveToken(userID string, token *oauth2.Token) error
	// LoadToken returns (nil, nil) when no token is stored.
	LoadToken(userID string) (*oauth2.Token, error)
	DeleteToken(userID string) error
}

// KeyringVault persists tokens in the OS keyring (macOS Keychain, Windows
// Credential Manager, or Linux Secret Service).
type KeyringVault struct{}

// NewKeyringVault returns a new KeyringVault.
func NewKeyringVault() *KeyringVault {
	return &KeyringVault{}
}

// SaveToken stores the token in the OS keyring under the user ID.
func (k *KeyringVault) SaveToken(userID string, token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := keyring.Set(serviceName, userID, string(data)); err != nil {
		return fmt.Errorf("failed to save token to keyring: %w", err)
	}
	return nil
}

// LoadToken retrieves the token for the given user ID from the OS keyring.
func (k *KeyringVault) LoadToken(userID string) (*oauth2.Token, error) {
	data, err := keyring.Get(serviceName, userID)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token from keyring: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// DeleteToken removes the token for the given user ID from the OS keyring.
func (k *KeyringVault) DeleteToken(userID string) error {
	err := keyring.Delete(serviceName, userID)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete token from keyring: %w", err)
	}
	return nil
}

// MemoryVault holds tokens in memory. The browser deployment has no OS
// keyring, and tests use it as a fake.
type MemoryVault struct {
	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{tokens: make(map[string]*oauth2.Token)}
}

func (m *MemoryVault) SaveToken(userID string, token *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens[userID] = &cp
	return nil
}

func (m *MemoryVault) LoadToken(userID string) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[userID]
	if !ok {
		return nil, nil
	}
	cp := *tok
	return &cp, nil
}

func (m *MemoryVault) DeleteToken(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, userID)
	return nil
}
