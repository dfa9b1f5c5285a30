package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrKeyUnknown is returned when signingKeyId has no registered key.
var ErrKeyUnknown = errors.New("approval: signing key not registered")

// ErrKeyRevoked is returned when signingKeyId's key has been revoked.
var ErrKeyRevoked = errors.New("approval: signing key revoked")

// KeyStore is the process-wide registry of signing keys approvals are
// verified against. Keys are held as JWK (JSON Web Key)
// values so the same registry can hold Ed25519, ECDSA, or RSA material
// uniformly.
type KeyStore struct {
	mu      sync.RWMutex
	keys    map[string]jwk.Key
	revoked map[string]bool
}

// NewKeyStore constructs an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]jwk.Key), revoked: make(map[string]bool)}
}

// Register adds or replaces the public key registered under keyID. The
// key's "kid" (key ID) is set to keyID, replacing any kid it already
// carries.
func (ks *KeyStore) Register(keyID string, key jwk.Key) error {
	if keyID == "" {
		return fmt.Errorf("approval: keystore: empty key id")
	}
	if err := key.Set(jwk.KeyIDKey, keyID); err != nil {
		return fmt.Errorf("approval: keystore: set kid: %w", err)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[keyID] = key
	delete(ks.revoked, keyID)
	return nil
}

// RegisterJSON parses a JWK JSON document and registers it under keyID.
func (ks *KeyStore) RegisterJSON(keyID string, rawJWK []byte) error {
	key, err := jwk.ParseKey(rawJWK)
	if err != nil {
		return fmt.Errorf("approval: keystore: parse jwk: %w", err)
	}
	return ks.Register(keyID, key)
}

// Revoke marks keyID's key as revoked; future Lookup calls fail with
// ErrKeyRevoked, and approvals signed with it are rejected.
func (ks *KeyStore) Revoke(keyID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.revoked[keyID] = true
}

// Lookup returns the public key registered under keyID, or
// ErrKeyUnknown / ErrKeyRevoked.
func (ks *KeyStore) Lookup(_ context.Context, keyID string) (jwk.Key, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.revoked[keyID] {
		return nil, fmt.Errorf("%w: %s", ErrKeyRevoked, keyID)
	}
	key, ok := ks.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyUnknown, keyID)
	}
	return key, nil
}

// IsRevoked reports whether keyID has been revoked, distinct from
// never having been registered.
func (ks *KeyStore) IsRevoked(keyID string) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.revoked[keyID]
}
