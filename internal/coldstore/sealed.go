// Encryption at rest for archive payloads.

package coldstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SealedBackend encrypts payloads with XChaCha20-Poly1305 before handing them
// to the wrapped backend. Each payload is stored as nonce || ciphertext and
// the key is bound to the payload key as additional data, so a payload moved
// to another key fails to open.
type SealedBackend struct {
	inner Backend
	key   []byte
}

// Sealed wraps inner with encryption under a 32 byte key.
func Sealed(inner Backend, key []byte) (*SealedBackend, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("archive key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &SealedBackend{inner: inner, key: append([]byte(nil), key...)}, nil
}

// ParseKey decodes a hex encoded archive key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid archive key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("archive key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// Put implements [Backend].
func (b *SealedBackend) Put(ctx context.Context, key string, data []byte) error {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	return b.inner.Put(ctx, key, aead.Seal(nonce, nonce, data, []byte(key)))
}

// Get implements [Backend].
func (b *SealedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := b.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed payload is truncated")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	data, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed payload %s: %w", key, err)
	}
	return data, nil
}

// Delete implements [Backend].
func (b *SealedBackend) Delete(ctx context.Context, key string) error {
	return b.inner.Delete(ctx, key)
}
