// Package secrets encrypts tenant credentials at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrCiphertextTooShort is returned when a stored value cannot hold a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// hkdfInfo binds derived keys to this use so the master key can be shared.
const hkdfInfo = "approvalhub tenant credentials v1"

// Cipher encrypts and decrypts credential values.
// Implementations must be safe for concurrent use.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESCipher is an AES-256-GCM Cipher. Ciphertexts carry their nonce as a prefix.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher derives a 256-bit key from masterKey and returns a ready Cipher.
func NewAESCipher(masterKey string) (*AESCipher, error) {
	if len(masterKey) < 16 {
		return nil, fmt.Errorf("master key must be at least 16 bytes, got %d", len(masterKey))
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterKey), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESCipher{aead: gcm}, nil
}

func (c *AESCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *AESCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, ErrCiphertextTooShort
	}
	nonce, body := ciphertext[:n], ciphertext[n:]
	out, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret: %w", err)
	}
	return out, nil
}

// EncryptString is a convenience wrapper for string secrets. Empty input
// yields nil so that "no password" survives a round trip.
func EncryptString(c Cipher, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return c.Encrypt([]byte(s))
}

// DecryptString reverses EncryptString.
func DecryptString(c Cipher, b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	out, err := c.Decrypt(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
