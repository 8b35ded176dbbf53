package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailsync"

// ErrNotFound is returned when no secret is stored under a key.
var ErrNotFound = errors.New("credential not found")

// Ring reads and writes account secrets in the system keyring.
type Ring struct {
	ring keyring.Keyring
}

// Open returns a Ring backed by the first available system keyring.
func Open() (*Ring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Ring{ring: ring}, nil
}

// NewRing wraps an existing keyring, such as keyring.NewArrayKeyring in
// tests.
func NewRing(ring keyring.Keyring) *Ring {
	return &Ring{ring: ring}
}

// IMAPKey returns the keyring key holding an account's IMAP secret.
func IMAPKey(accountID string) string {
	return "imap-" + accountID
}

// IMAPSecret returns the IMAP secret stored for accountID.
func (r *Ring) IMAPSecret(accountID string) (string, error) {
	return r.Get(IMAPKey(accountID))
}

// Get retrieves a credential value by key.
func (r *Ring) Get(key string) (string, error) {
	item, err := r.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key.
func (r *Ring) Set(key string, value string) error {
	err := r.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "mailsync " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key.
func (r *Ring) Delete(key string) error {
	err := r.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
