package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/greyhelm/lorekeeper/types"
)

var errNoCallback = errors.New("callback not configured")

// Keyring abstracts an OS credential manager. The host wires a concrete
// implementation (macOS Keychain, Windows Credential Manager, Secret
// Service); the gateway only sees opaque get/set/delete on a service+account
// pair.
type Keyring interface {
	Get(service, account string) (string, error)
	Set(service, account, secret string) error
	Delete(service, account string) error
}

// ErrKeyringMiss is returned by Keyring.Get when no entry exists.
var ErrKeyringMiss = errors.New("keyring entry not found")

// KeychainStore persists token records as JSON secrets in an OS keyring
// under a fixed service name, one account per provider.
type KeychainStore struct {
	service string
	ring    Keyring
}

// NewKeychainStore wraps the given keyring. Service defaults to "lorekeeper".
func NewKeychainStore(service string, ring Keyring) *KeychainStore {
	if service == "" {
		service = "lorekeeper"
	}
	return &KeychainStore{service: service, ring: ring}
}

func (s *KeychainStore) Load(ctx context.Context, provider string) (*types.TokenInfo, error) {
	secret, err := s.ring.Get(s.service, provider)
	if err != nil {
		if errors.Is(err, ErrKeyringMiss) {
			return nil, ErrNotFound
		}
		return nil, backendErr("keyring get", err)
	}
	var tok types.TokenInfo
	if err := json.Unmarshal([]byte(secret), &tok); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, provider)
	}
	return &tok, nil
}

func (s *KeychainStore) Save(ctx context.Context, provider string, token *types.TokenInfo) error {
	data, err := json.Marshal(token)
	if err != nil {
		return backendErr("encode token", err)
	}
	if err := s.ring.Set(s.service, provider, string(data)); err != nil {
		return backendErr("keyring set", err)
	}
	return nil
}

func (s *KeychainStore) Remove(ctx context.Context, provider string) error {
	if err := s.ring.Delete(s.service, provider); err != nil && !errors.Is(err, ErrKeyringMiss) {
		return backendErr("keyring delete", err)
	}
	return nil
}
