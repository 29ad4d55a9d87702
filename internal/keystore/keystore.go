// Package keystore owns key-pair lifecycle: generation, import/export,
// rotation and revocation.
package keystore

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/aegis-mesh/core/internal/cryptoprimitives"
	"github.com/aegis-mesh/core/pkg/apierrors"
	"github.com/aegis-mesh/core/pkg/logger"
)

const rotationWindow = 7 * 24 * time.Hour

// Key is the public record of a managed key. Private material, when held,
// is never exposed through this struct directly — callers use Sign via the
// Sentinel facade, or Export to obtain it wrapped.
type Key struct {
	ID          string
	Algorithm   cryptoprimitives.Algorithm
	Curve       string
	PublicBytes []byte
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	Revoked     bool

	privateBytes []byte
}

// IsUsable reports whether the key may still be returned to callers that
// request a "usable" key: not revoked, and not expired.
func (k *Key) IsUsable(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// PrivateKey parses the held private material into a signing key, or nil if
// none is held.
func (k *Key) PrivateKey() (*cryptoprimitives.PrivateKey, error) {
	if len(k.privateBytes) == 0 {
		return nil, nil
	}
	return cryptoprimitives.ParsePrivateKey(k.Algorithm, k.privateBytes)
}

// PublicKey parses the public material into a verification key.
func (k *Key) PublicKey() (*cryptoprimitives.PublicKey, error) {
	return cryptoprimitives.ParsePublicKey(k.Algorithm, k.PublicBytes)
}

// ExportedBundle is the wire-safe form of a key suitable for storage or
// transport, returned by Export and accepted by ImportExported.
type ExportedBundle struct {
	KeyID            string
	Algorithm        cryptoprimitives.Algorithm
	PublicHex        string
	EncryptedPrivate string
	KDFName          cryptoprimitives.KDFName
	KDFSaltHex       string
	CreatedAt        time.Time
	ExpiresAt        *time.Time
}

// KeyStore owns the key-id -> Key mapping and enforces the active/revoked
// state machine; expiry is a computed condition layered on top.
type KeyStore struct {
	mu           sync.RWMutex
	keys         map[string]*Key
	rotationDays int
	log          *logger.Logger
}

// New creates a KeyStore whose generated keys expire after rotationDays.
func New(rotationDays int, log *logger.Logger) *KeyStore {
	if rotationDays <= 0 {
		rotationDays = 90
	}
	if log == nil {
		log = logger.NewDefault("keystore")
	}
	return &KeyStore{
		keys:         make(map[string]*Key),
		rotationDays: rotationDays,
		log:          log,
	}
}

// Generate creates a new key pair for algorithm under keyID, expiring after
// the store's rotation window.
func (s *KeyStore) Generate(keyID string, algorithm cryptoprimitives.Algorithm, curve string) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[keyID]; exists {
		return nil, apierrors.DuplicateID("key", keyID)
	}

	priv, pub, err := cryptoprimitives.GenerateKeyPair(algorithm)
	if err != nil {
		return nil, err
	}
	pubBytes, err := cryptoprimitives.SerializePublicKey(pub)
	if err != nil {
		return nil, err
	}
	privBytes, err := cryptoprimitives.SerializePrivateKey(priv)
	if err != nil {
		return nil, err
	}

	expires := time.Now().Add(time.Duration(s.rotationDays) * 24 * time.Hour)
	key := &Key{
		ID:           keyID,
		Algorithm:    algorithm,
		Curve:        curve,
		PublicBytes:  pubBytes,
		privateBytes: privBytes,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    &expires,
	}
	s.keys[keyID] = key
	s.log.Component("keystore").WithField("key_id", keyID).Debug("key generated")
	return key, nil
}

// Import registers an externally-sourced key. Private material is optional;
// when absent the key can only be used for verification.
func (s *KeyStore) Import(keyID string, algorithm cryptoprimitives.Algorithm, public, private []byte) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[keyID]; exists {
		return nil, apierrors.DuplicateID("key", keyID)
	}
	if _, err := cryptoprimitives.ParsePublicKey(algorithm, public); err != nil {
		return nil, apierrors.InvalidArgument("public", err.Error())
	}
	if len(private) > 0 {
		if _, err := cryptoprimitives.ParsePrivateKey(algorithm, private); err != nil {
			return nil, apierrors.InvalidArgument("private", err.Error())
		}
	}

	key := &Key{
		ID:           keyID,
		Algorithm:    algorithm,
		PublicBytes:  public,
		privateBytes: private,
		CreatedAt:    time.Now().UTC(),
	}
	s.keys[keyID] = key
	return key, nil
}

// Export wraps the key's private material under a password-derived key and
// returns a bundle safe to store or transmit.
func (s *KeyStore) Export(keyID, password string, kdf cryptoprimitives.KDFName) (*ExportedBundle, error) {
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, apierrors.NotFound("key", keyID)
	}
	if len(key.privateBytes) == 0 {
		return nil, apierrors.KeyUnavailable(keyID, "no private material held")
	}

	derived, err := cryptoprimitives.DeriveKey(kdf, password, nil)
	if err != nil {
		return nil, err
	}
	wrappingKey, err := hex.DecodeString(derived.KeyHex)
	if err != nil {
		return nil, err
	}

	encrypted, err := encryptEnvelope(wrappingKey, []byte(keyID), "keystore.export", key.privateBytes)
	if err != nil {
		return nil, err
	}

	return &ExportedBundle{
		KeyID:            key.ID,
		Algorithm:        key.Algorithm,
		PublicHex:        hex.EncodeToString(key.PublicBytes),
		EncryptedPrivate: encrypted,
		KDFName:          kdf,
		KDFSaltHex:       derived.SaltHex,
		CreatedAt:        key.CreatedAt,
		ExpiresAt:        key.ExpiresAt,
	}, nil
}

// ImportExported reverses Export, re-deriving the wrapping key from password
// and the bundle's stored salt, and registers the recovered key under its
// original id.
func (s *KeyStore) ImportExported(bundle *ExportedBundle, password string) (*Key, error) {
	salt, err := hex.DecodeString(bundle.KDFSaltHex)
	if err != nil {
		return nil, apierrors.InvalidArgument("kdf_salt", err.Error())
	}
	derived, err := cryptoprimitives.DeriveKey(bundle.KDFName, password, salt)
	if err != nil {
		return nil, err
	}
	wrappingKey, err := hex.DecodeString(derived.KeyHex)
	if err != nil {
		return nil, err
	}

	privBytes, err := decryptEnvelope(wrappingKey, []byte(bundle.KeyID), "keystore.export", bundle.EncryptedPrivate)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, "wrong password or corrupt bundle", err)
	}
	pubBytes, err := hex.DecodeString(bundle.PublicHex)
	if err != nil {
		return nil, apierrors.InvalidArgument("public", err.Error())
	}

	return s.Import(bundle.KeyID, bundle.Algorithm, pubBytes, privBytes)
}

// Get returns the key iff it is usable, otherwise KeyUnavailable.
func (s *KeyStore) Get(keyID string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[keyID]
	if !ok {
		return nil, apierrors.NotFound("key", keyID)
	}
	if !key.IsUsable(time.Now()) {
		reason := "expired"
		if key.Revoked {
			reason = "revoked"
		}
		return nil, apierrors.KeyUnavailable(keyID, reason)
	}
	return key, nil
}

// Revoke marks a key revoked. Idempotent.
func (s *KeyStore) Revoke(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[keyID]
	if !ok {
		return apierrors.NotFound("key", keyID)
	}
	key.Revoked = true
	return nil
}

// Rotate generates a replacement key, immediately expiring the old one.
func (s *KeyStore) Rotate(keyID string) (oldID, newID string, err error) {
	s.mu.Lock()
	old, ok := s.keys[keyID]
	if !ok {
		s.mu.Unlock()
		return "", "", apierrors.NotFound("key", keyID)
	}
	algorithm, curve := old.Algorithm, old.Curve
	s.mu.Unlock()

	newKeyID := fmt.Sprintf("%s_rotated_%d", keyID, time.Now().UnixNano())
	if _, err := s.Generate(newKeyID, algorithm, curve); err != nil {
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	old.ExpiresAt = &now
	return keyID, newKeyID, nil
}

// KeysDueForRotation returns non-revoked keys expiring within the rotation
// window.
func (s *KeyStore) KeysDueForRotation() []*Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var due []*Key
	for _, key := range s.keys {
		if key.Revoked || key.ExpiresAt == nil {
			continue
		}
		if key.ExpiresAt.Sub(now) < rotationWindow {
			due = append(due, key)
		}
	}
	return due
}
