// Package crypt provides the Encryptor capability used for secret-bearing
// fields on reference entities. Encryption is always an explicit call made
// by the entity store, never a serialization side effect.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Encryptor encrypts and decrypts individual field values.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// ErrInvalidKeySize is returned when the key is not 16, 24 or 32 bytes.
var ErrInvalidKeySize = errors.New("crypt: key must be 16, 24 or 32 bytes")

// AESEncryptor implements Encryptor with AES-GCM. Output is
// base64(nonce || ciphertext).
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an AESEncryptor from a raw key.
func NewAESEncryptor(key []byte) (*AESEncryptor, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypt: create GCM: %w", err)
	}

	return &AESEncryptor{aead: aead}, nil
}

// Encrypt encrypts plaintext with a fresh random nonce.
func (e *AESEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypt: generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypt: decode ciphertext: %w", err)
	}

	if len(raw) < e.aead.NonceSize() {
		return "", errors.New("crypt: ciphertext too short")
	}

	nonce, sealed := raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():]
	plain, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypt: open ciphertext: %w", err)
	}

	return string(plain), nil
}

// Noop passes values through unchanged. For tests and deployments that
// delegate secret handling elsewhere.
type Noop struct{}

// Encrypt returns plaintext unchanged.
func (Noop) Encrypt(plaintext string) (string, error) { return plaintext, nil }

// Decrypt returns ciphertext unchanged.
func (Noop) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
