package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crdt"
	"github.com/collab-docs/sharecore/internal/crypto"
	"github.com/collab-docs/sharecore/internal/document"
)

type fakeKeySource struct{ key []byte }

func (f fakeKeySource) StorageKey() []byte { return f.key }

func newFakeKeySource(t *testing.T) fakeKeySource {
	key, err := crypto.RandomBytes(32)
	require.NoError(t, err)
	return fakeKeySource{key: key}
}

func TestSecureStorageProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	sp := NewSecureStorageProvider(NewMemoryProvider(), newFakeKeySource(t))

	require.NoError(t, sp.Put(ctx, "bin/doc-1", []byte("plaintext content")))
	got, err := sp.Get(ctx, "bin/doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("plaintext content"), got)
}

func TestSecureStorageProviderRejectsTamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryProvider()
	sp := NewSecureStorageProvider(inner, newFakeKeySource(t))
	require.NoError(t, sp.Put(ctx, "bin/doc-1", []byte("secret")))

	raw, err := inner.Get(ctx, "bin/doc-1")
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, inner.Put(ctx, "bin/doc-1", raw))

	_, err = sp.Get(ctx, "bin/doc-1")
	require.ErrorIs(t, err, ErrStorageFailure)
}

func TestMemoryProviderGetMissingReturnsNotFound(t *testing.T) {
	_, err := NewMemoryProvider().Get(context.Background(), "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStorageSetDocumentLoadListRemove(t *testing.T) {
	ctx := context.Background()
	priv, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	doc, err := document.Create(priv, nil, nil, document.Callbacks{})
	require.NoError(t, err)
	require.NoError(t, doc.Change(func(m *crdt.Mutator) { m.Set("title", "notes") }, document.ChangeOptions{}))

	s := New(NewMemoryProvider(), NewSecureStorageProvider(NewMemoryProvider(), newFakeKeySource(t)), nil)
	require.NoError(t, s.SetDocument(ctx, doc))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []address.DocumentId{doc.Id()}, ids)

	hdrBytes, err := s.LoadHeader(ctx, doc.Id())
	require.NoError(t, err)
	require.NotEmpty(t, hdrBytes)

	binBytes, err := s.LoadBinary(ctx, doc.Id())
	require.NoError(t, err)
	require.NotEmpty(t, binBytes)

	require.NoError(t, s.Remove(ctx, doc.Id()))
	_, err = s.LoadHeader(ctx, doc.Id())
	require.ErrorIs(t, err, ErrNotFound)
}
