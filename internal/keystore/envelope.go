package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const envelopeVersionPrefix = "v1:"

// deriveEnvelopeKey derives a per-key-id wrapping key from a KDF-derived
// wrapping secret, so two keys exported under the same password never share
// ciphertext material.
func deriveEnvelopeKey(wrappingKey, subject []byte, info string) []byte {
	mac := hmac.New(sha256.New, wrappingKey)
	mac.Write([]byte(info))
	mac.Write([]byte{0})
	mac.Write(subject)
	return mac.Sum(nil)
}

func envelopeAAD(subject []byte, info string) []byte {
	aad := make([]byte, 0, len(info)+1+len(subject))
	aad = append(aad, info...)
	aad = append(aad, 0)
	aad = append(aad, subject...)
	return aad
}

// encryptEnvelope encrypts plaintext under a key derived from wrappingKey and
// subject. Output is ASCII-safe: "v1:" + base64url(nonce||ciphertext).
func encryptEnvelope(wrappingKey, subject []byte, info string, plaintext []byte) (string, error) {
	key := deriveEnvelopeKey(wrappingKey, subject, info)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, envelopeAAD(subject, info))
	buf := append(nonce, ciphertext...)
	return envelopeVersionPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// decryptEnvelope reverses encryptEnvelope.
func decryptEnvelope(wrappingKey, subject []byte, info string, envelope string) ([]byte, error) {
	encoded := strings.TrimPrefix(strings.TrimSpace(envelope), envelopeVersionPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode envelope: %w", err)
	}

	key := deriveEnvelopeKey(wrappingKey, subject, info)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("keystore: envelope too short")
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	return aead.Open(nil, nonce, body, envelopeAAD(subject, info))
}
