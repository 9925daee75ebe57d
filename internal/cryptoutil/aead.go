// Package cryptoutil provides symmetric encryption for secrets at rest:
// webhook signing secrets and OAuth refresh tokens stored in Postgres.
package cryptoutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length, in bytes, of the decoded encryption key.
const KeySize = chacha20poly1305.KeySize

// Box wraps one AEAD key, derived once at startup from
// CREDENTIALS_ENCRYPTION_KEY, and used for every secret the process
// encrypts or decrypts at rest.
type Box struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewBox derives a Box from a base64-standard-encoded key. The decoded
// key must be exactly KeySize bytes.
func NewBox(base64Key string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptoutil: key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: init aead: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext, prefixing a fresh random nonce to the output.
// additionalData is authenticated but not encrypted (e.g. a trigger id,
// so a ciphertext can't be replayed against a different row).
func (b *Box) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptoutil: generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Decrypt reverses Encrypt. additionalData must match what was passed
// to Encrypt or the open fails.
func (b *Box) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	n := b.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("cryptoutil: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:n], ciphertext[n:]
	plaintext, err := b.aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decrypt: %w", err)
	}
	return plaintext, nil
}
