package credentials

import (
	"context"
	"errors"
	"sync"
)

// Store is the secure key/value contract used for auth tokens, device identity and
// the last registration timestamp. Implementations must treat values as opaque.
type Store interface {
	// Get returns ("", false, nil) when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes every pair or none of them.
	SetMany(ctx context.Context, values map[string]string) error
	Clear(ctx context.Context, keys ...string) error
}

// Persisted keys. Keep these stable; they outlive app upgrades.
const (
	KeyDeviceToken          = "device_token"
	KeyBindingCreatedAt     = "binding_created_at"
	KeyMobileClientIdentity = "mobile_client_identity"
	KeyBasicAuthToken       = "basic_auth_token"
)

var ErrInvalidKey = errors.New("credentials: key is required")

// MemoryStore keeps values in process memory. Useful for tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) SetMany(ctx context.Context, values map[string]string) error {
	for k := range values {
		if k == "" {
			return ErrInvalidKey
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}
