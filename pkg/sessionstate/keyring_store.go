package sessionstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the service name entries are filed under.
const DefaultKeyringService = "authflow"

// KeyringStore keeps values in the OS secure storage (Keychain, Secret
// Service, Windows Credential Manager).
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a store under service. An empty service uses
// DefaultKeyringService.
func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{service: service}
}

func (s *KeyringStore) Get(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, err := keyring.Get(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sessionstate: keyring get %q: %w", key, err)
	}
	return v, nil
}

func (s *KeyringStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := keyring.Set(s.service, key, value); err != nil {
		return fmt.Errorf("sessionstate: keyring set %q: %w", key, err)
	}
	return nil
}

func (s *KeyringStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := keyring.Delete(s.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("sessionstate: keyring delete %q: %w", key, err)
	}
	return nil
}

var _ Store = (*KeyringStore)(nil)
