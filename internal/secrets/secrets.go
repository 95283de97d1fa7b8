// Package secrets encrypts credential bundles at rest. Bundles are JSON
// objects sealed with ChaCha20-Poly1305 under a process-wide key; the opaque
// base64 blob is what the store persists. Plaintext credentials never leave
// this package except through Open.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Box seals and opens credential bundles.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a base64-encoded 32-byte key. An empty key yields
// an error; the server refuses to start without one when auth is enabled.
func NewBox(base64Key string) (*Box, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is required")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// NewRandomBox generates an ephemeral key. Used by tests and the dev server.
func NewRandomBox() *Box {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		panic(err)
	}
	return &Box{aead: aead}
}

// Seal encrypts a credential bundle into an opaque base64 blob.
func (b *Box) Seal(bundle map[string]any) (string, error) {
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal.
func (b *Box) Open(blob string) (map[string]any, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode credential blob: %w", err)
	}
	if len(sealed) < b.aead.NonceSize() {
		return nil, errors.New("credential blob too short")
	}
	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("credential blob failed authentication")
	}
	var bundle map[string]any
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return bundle, nil
}
