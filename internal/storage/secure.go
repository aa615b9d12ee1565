package storage

import (
	"context"
	"fmt"

	"github.com/collab-docs/sharecore/internal/crypto"
)

// schemeAEAD tags ciphertext produced by the current AEAD scheme, so a
// future key-rotation or algorithm change can recognize and migrate
// older blobs without guessing (see SPEC_FULL.md's Open Question
// decision on storage encryption); no migration path is implemented
// since nothing in this module yet produces a second scheme.
const schemeAEAD byte = 1

// KeySource supplies the per-process secret SecureStorageProvider
// derives its AEAD key from (spec §4.3: "a derived per-process secret
// from the SessionManager"). internal/session.Manager implements this.
type KeySource interface {
	StorageKey() []byte
}

// SecureStorageProvider wraps a Provider and transparently encrypts
// every value with XChaCha20-Poly1305, using the DocumentId-derived key
// (here, the storage key under which the value is keyed) as associated
// data so ciphertext cannot be silently moved between keys.
type SecureStorageProvider struct {
	inner Provider
	keys  KeySource
}

// NewSecureStorageProvider wraps inner with AEAD sealing keyed by keys.
func NewSecureStorageProvider(inner Provider, keys KeySource) *SecureStorageProvider {
	return &SecureStorageProvider{inner: inner, keys: keys}
}

// Get implements Provider, transparently decrypting.
func (s *SecureStorageProvider) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(blob) < 1 {
		return nil, fmt.Errorf("%w: empty ciphertext for %s", ErrStorageFailure, key)
	}
	scheme, ciphertext := blob[0], blob[1:]
	if scheme != schemeAEAD {
		return nil, fmt.Errorf("%w: unknown storage scheme %d for %s", ErrStorageFailure, scheme, key)
	}
	plaintext, err := crypto.Open(s.keys.StorageKey(), []byte(key), ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt %s: %v", ErrStorageFailure, key, err)
	}
	return plaintext, nil
}

// Put implements Provider, transparently encrypting.
func (s *SecureStorageProvider) Put(ctx context.Context, key string, value []byte) error {
	ciphertext, err := crypto.Seal(s.keys.StorageKey(), []byte(key), value)
	if err != nil {
		return fmt.Errorf("%w: encrypt %s: %v", ErrStorageFailure, key, err)
	}
	blob := append([]byte{schemeAEAD}, ciphertext...)
	return s.inner.Put(ctx, key, blob)
}

// Remove implements Provider.
func (s *SecureStorageProvider) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

// List implements Provider.
func (s *SecureStorageProvider) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}
