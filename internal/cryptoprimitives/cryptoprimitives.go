// Package cryptoprimitives provides the low-level signing, hashing and
// encryption operations every other component in the core builds on.
package cryptoprimitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"github.com/aegis-mesh/core/pkg/apierrors"
)

// Algorithm names the signing family a key belongs to.
type Algorithm string

const (
	AlgorithmEd25519   Algorithm = "ed25519"
	AlgorithmSecp256k1 Algorithm = "secp256k1"
)

// KDFName names a supported key-derivation-function variant.
type KDFName string

const (
	KDFPBKDF2 KDFName = "pbkdf2"
	KDFScrypt KDFName = "scrypt"
)

const (
	pbkdf2Iterations = 100_000
	derivedKeyLen    = 32
	saltLen          = 16
	nonceLen         = 32
)

// Signature is the record returned by Sign, carrying everything a verifier
// or an audit trail needs alongside the raw bytes.
type Signature struct {
	Algorithm     Algorithm
	SignatureBytes []byte
	MessageHash   []byte
	Timestamp     time.Time
	KeyID         string
}

// PrivateKey is a holder for private material of either supported family.
// Exactly one of the two fields is populated, matching Algorithm.
type PrivateKey struct {
	Algorithm  Algorithm
	Ed25519    ed25519.PrivateKey
	Secp256k1  *secp256k1.PrivateKey
}

// PublicKey is a holder for public material of either supported family.
type PublicKey struct {
	Algorithm Algorithm
	Ed25519   ed25519.PublicKey
	Secp256k1 *secp256k1.PublicKey
}

// GenerateKeyPair creates a fresh key pair for the requested algorithm.
func GenerateKeyPair(algorithm Algorithm) (*PrivateKey, *PublicKey, error) {
	switch algorithm {
	case AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return &PrivateKey{Algorithm: algorithm, Ed25519: priv},
			&PublicKey{Algorithm: algorithm, Ed25519: pub}, nil
	case AlgorithmSecp256k1:
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, err
		}
		return &PrivateKey{Algorithm: algorithm, Secp256k1: priv},
			&PublicKey{Algorithm: algorithm, Secp256k1: priv.PubKey()}, nil
	default:
		return nil, nil, apierrors.New(apierrors.CodeAlgorithmUnsupported, string(algorithm))
	}
}

// Sign produces a signature record over message using privateKey. keyID is
// stamped into the record so callers can trace a signature back to the
// owning KeyStore entry without re-deriving it.
func Sign(message []byte, privateKey *PrivateKey, keyID string) (*Signature, error) {
	if privateKey == nil {
		return nil, apierrors.KeyUnavailable(keyID, "private material is missing")
	}
	hash := sha256.Sum256(message)

	var sigBytes []byte
	switch privateKey.Algorithm {
	case AlgorithmEd25519:
		if privateKey.Ed25519 == nil {
			return nil, apierrors.KeyUnavailable(keyID, "private material is missing")
		}
		sigBytes = ed25519.Sign(privateKey.Ed25519, hash[:])
	case AlgorithmSecp256k1:
		if privateKey.Secp256k1 == nil {
			return nil, apierrors.KeyUnavailable(keyID, "private material is missing")
		}
		sig := ecdsa.Sign(privateKey.Secp256k1, hash[:])
		sigBytes = sig.Serialize()
	default:
		return nil, apierrors.New(apierrors.CodeAlgorithmUnsupported, string(privateKey.Algorithm))
	}

	return &Signature{
		Algorithm:      privateKey.Algorithm,
		SignatureBytes: sigBytes,
		MessageHash:    hash[:],
		Timestamp:      time.Now().UTC(),
		KeyID:          keyID,
	}, nil
}

// Verify checks a signature record against message and publicKey.
func Verify(message []byte, sig *Signature, publicKey *PublicKey) (bool, error) {
	if publicKey == nil {
		return false, apierrors.KeyUnavailable(sig.KeyID, "public material is missing")
	}
	hash := sha256.Sum256(message)

	switch sig.Algorithm {
	case AlgorithmEd25519:
		if publicKey.Ed25519 == nil {
			return false, apierrors.New(apierrors.CodeAlgorithmUnsupported, "public key is not ed25519")
		}
		return ed25519.Verify(publicKey.Ed25519, hash[:], sig.SignatureBytes), nil
	case AlgorithmSecp256k1:
		if publicKey.Secp256k1 == nil {
			return false, apierrors.New(apierrors.CodeAlgorithmUnsupported, "public key is not secp256k1")
		}
		parsed, err := ecdsa.ParseDERSignature(sig.SignatureBytes)
		if err != nil {
			return false, nil
		}
		return parsed.Verify(hash[:], publicKey.Secp256k1), nil
	default:
		return false, apierrors.New(apierrors.CodeAlgorithmUnsupported, string(sig.Algorithm))
	}
}

// Hash256 computes the SHA-256 digest of data.
func Hash256(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}

// HMACSign produces an HMAC-SHA256 tag over data under key.
func HMACSign(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HMACVerify checks an HMAC-SHA256 tag in constant time.
func HMACVerify(key, data, tag []byte) bool {
	return hmac.Equal(tag, HMACSign(key, data))
}

// Encrypt performs AES-256-GCM authenticated encryption, returning
// nonce||ciphertext||tag as a single slice.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt, verifying the authentication tag.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("cryptoprimitives: ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, body, nil)
}

// KDFResult is the output of a password-based key derivation.
type KDFResult struct {
	KeyHex  string
	SaltHex string
}

// DeriveKey runs the named KDF variant over password, generating a random
// salt if none is supplied.
func DeriveKey(name KDFName, password string, salt []byte) (*KDFResult, error) {
	if salt == nil {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
	}

	var key []byte
	var err error
	switch name {
	case KDFPBKDF2:
		key = pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, derivedKeyLen, sha256.New)
	case KDFScrypt:
		key, err = scrypt.Key([]byte(password), salt, 32768, 8, 1, derivedKeyLen)
		if err != nil {
			return nil, err
		}
	default:
		return nil, apierrors.New(apierrors.CodeAlgorithmUnsupported, string(name))
	}

	return &KDFResult{
		KeyHex:  hex.EncodeToString(key),
		SaltHex: hex.EncodeToString(salt),
	}, nil
}

// RandomNonce returns 32 bytes of cryptographically strong randomness.
func RandomNonce() ([]byte, error) {
	b := make([]byte, nonceLen)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ZeroBytes overwrites b with zeroes, best-effort scrubbing of key material
// before it is garbage collected.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SerializePublicKey encodes public material to its wire representation:
// 32 raw bytes for ed25519, 33-byte SEC1-compressed for secp256k1.
func SerializePublicKey(pub *PublicKey) ([]byte, error) {
	switch pub.Algorithm {
	case AlgorithmEd25519:
		return []byte(pub.Ed25519), nil
	case AlgorithmSecp256k1:
		return pub.Secp256k1.SerializeCompressed(), nil
	default:
		return nil, apierrors.New(apierrors.CodeAlgorithmUnsupported, string(pub.Algorithm))
	}
}

// ParsePublicKey decodes public material produced by SerializePublicKey.
func ParsePublicKey(algorithm Algorithm, raw []byte) (*PublicKey, error) {
	switch algorithm {
	case AlgorithmEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("cryptoprimitives: invalid ed25519 public key length %d", len(raw))
		}
		return &PublicKey{Algorithm: algorithm, Ed25519: ed25519.PublicKey(raw)}, nil
	case AlgorithmSecp256k1:
		pub, err := secp256k1.ParsePubKey(raw)
		if err != nil {
			return nil, err
		}
		return &PublicKey{Algorithm: algorithm, Secp256k1: pub}, nil
	default:
		return nil, apierrors.New(apierrors.CodeAlgorithmUnsupported, string(algorithm))
	}
}

// SerializePrivateKey encodes private material to its wire representation.
func SerializePrivateKey(priv *PrivateKey) ([]byte, error) {
	switch priv.Algorithm {
	case AlgorithmEd25519:
		return []byte(priv.Ed25519), nil
	case AlgorithmSecp256k1:
		return priv.Secp256k1.Serialize(), nil
	default:
		return nil, apierrors.New(apierrors.CodeAlgorithmUnsupported, string(priv.Algorithm))
	}
}

// ParsePrivateKey decodes private material produced by SerializePrivateKey.
func ParsePrivateKey(algorithm Algorithm, raw []byte) (*PrivateKey, error) {
	switch algorithm {
	case AlgorithmEd25519:
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("cryptoprimitives: invalid ed25519 private key length %d", len(raw))
		}
		return &PrivateKey{Algorithm: algorithm, Ed25519: ed25519.PrivateKey(raw)}, nil
	case AlgorithmSecp256k1:
		if len(raw) != 32 {
			return nil, fmt.Errorf("cryptoprimitives: invalid secp256k1 private key length %d", len(raw))
		}
		priv := secp256k1.PrivKeyFromBytes(raw)
		return &PrivateKey{Algorithm: algorithm, Secp256k1: priv}, nil
	default:
		return nil, apierrors.New(apierrors.CodeAlgorithmUnsupported, string(algorithm))
	}
}

// DerivePublicKey computes the public key belonging to priv.
func DerivePublicKey(priv *PrivateKey) (*PublicKey, error) {
	switch priv.Algorithm {
	case AlgorithmEd25519:
		return &PublicKey{Algorithm: priv.Algorithm, Ed25519: priv.Ed25519.Public().(ed25519.PublicKey)}, nil
	case AlgorithmSecp256k1:
		return &PublicKey{Algorithm: priv.Algorithm, Secp256k1: priv.Secp256k1.PubKey()}, nil
	default:
		return nil, apierrors.New(apierrors.CodeAlgorithmUnsupported, string(priv.Algorithm))
	}
}
