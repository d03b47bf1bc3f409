// Package crypto seals short values with AES-256-GCM. The HTTP layer uses it
// to keep session ids opaque and tamper-proof inside the session cookie.
//
// The key is a 32-byte hex string from configuration (SILEX_ENCRYPTION_KEY).
// When it is empty a deterministic dev-only key is used.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// devKey is used ONLY when no key is configured. NOT suitable for production.
const devKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// Cipher seals and opens values with one key.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from a 64-character hex key.
func New(hexKey string) (*Cipher, error) {
	if hexKey == "" {
		log.Warn().Msg("crypto: no encryption key configured, using the development key")
		hexKey = devKey
	}
	k, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hex key: %w", err)
	}
	if len(k) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes (64 hex chars), got %d bytes", len(k))
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// Seal encrypts plaintext and returns hex(nonce || ciphertext || tag).
func (c *Cipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Open reverses Seal. Any tampering makes it fail.
func (c *Cipher) Open(sealedHex string) (string, error) {
	data, err := hex.DecodeString(sealedHex)
	if err != nil {
		return "", fmt.Errorf("crypto: invalid hex ciphertext: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed: %w", err)
	}
	return string(plaintext), nil
}
