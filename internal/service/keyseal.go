package service

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

var errSealedKeyCorrupt = errors.New("sealed api key is corrupt")

// KeySealer encrypts API keys at rest so the owner can read their current
// key back. Lookups never decrypt; they go through the SHA-256 hash.
type KeySealer struct {
	aead cipher.AEAD
}

// NewKeySealer derives an AES-256-GCM key from secret.
func NewKeySealer(secret string) (*KeySealer, error) {
	if secret == "" {
		return nil, errors.New("empty sealing secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("playledger api key")), key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	return &KeySealer{aead: aead}, nil
}

// Seal encrypts apiKey bound to accountID. The nonce is prepended.
func (k *KeySealer) Seal(accountID, apiKey string) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize(), k.aead.NonceSize()+len(apiKey)+k.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return k.aead.Seal(nonce, nonce, []byte(apiKey), []byte(accountID)), nil
}

// Open decrypts a value produced by Seal for the same account.
func (k *KeySealer) Open(accountID string, sealed []byte) (string, error) {
	n := k.aead.NonceSize()
	if len(sealed) < n+k.aead.Overhead() {
		return "", errSealedKeyCorrupt
	}
	plain, err := k.aead.Open(nil, sealed[:n], sealed[n:], []byte(accountID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errSealedKeyCorrupt, err)
	}
	return string(plain), nil
}
