package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collab-docs/sharecore/internal/crdt"
	"github.com/collab-docs/sharecore/internal/crypto"
)

func TestCreateChangeFiresOnChange(t *testing.T) {
	priv, _, err := crypto.GenerateKey()
	require.NoError(t, err)

	var heads crdt.Heads
	d, err := Create(priv, nil, nil, Callbacks{OnChange: func(h crdt.Heads) { heads = h }})
	require.NoError(t, err)

	err = d.Change(func(m *crdt.Mutator) { m.Set("title", "hello") }, ChangeOptions{})
	require.NoError(t, err)
	require.NotNil(t, heads)
	require.Equal(t, map[string]interface{}{"title": "hello"}, d.Snapshot())
}

func TestExportRejectsNonOwner(t *testing.T) {
	priv, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, _, err := crypto.GenerateKey()
	require.NoError(t, err)

	d, err := Create(priv, nil, nil, Callbacks{})
	require.NoError(t, err)

	_, err = d.Export(other)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestExportImportRoundTrip(t *testing.T) {
	priv, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	d, err := Create(priv, nil, nil, Callbacks{})
	require.NoError(t, err)
	require.NoError(t, d.Change(func(m *crdt.Mutator) { m.Set("a", 1) }, ChangeOptions{}))

	data, err := d.Export(priv)
	require.NoError(t, err)

	imported, err := Import(data, Callbacks{})
	require.NoError(t, err)
	require.Equal(t, d.Snapshot(), imported.Snapshot())
	require.True(t, d.Header().Equal(imported.Header()))
}

func TestDestroyIsIdempotentAndSuppressesFutureChange(t *testing.T) {
	priv, _, err := crypto.GenerateKey()
	require.NoError(t, err)

	destroyedCount := 0
	d, err := Create(priv, nil, nil, Callbacks{OnDestroyed: func() { destroyedCount++ }})
	require.NoError(t, err)

	d.Destroy()
	d.Destroy()
	require.Equal(t, 1, destroyedCount)
	require.True(t, d.Destroyed())

	err = d.Change(func(m *crdt.Mutator) { m.Set("x", "y") }, ChangeOptions{})
	require.ErrorIs(t, err, ErrDestroyed)
}

func TestOnChangeCanCallBackIntoDocumentWithoutDeadlock(t *testing.T) {
	priv, _, err := crypto.GenerateKey()
	require.NoError(t, err)

	var d *Document
	reentered := make(chan crdt.Heads, 1)
	d, err = Create(priv, nil, nil, Callbacks{OnChange: func(crdt.Heads) {
		// Mirrors internal/sync.Synchronizer.enqueueNext calling back into
		// CRDTForStorage from the document's own change callback.
		reentered <- d.Heads()
	}})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = d.Change(func(m *crdt.Mutator) { m.Set("k", "v") }, ChangeOptions{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Change deadlocked: onChange fired while d.mu was still held")
	}
	select {
	case <-reentered:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange never reentered the document")
	}
}

func TestMergeDocumentConvergesCRDTState(t *testing.T) {
	priv, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	a, err := Create(priv, nil, nil, Callbacks{})
	require.NoError(t, err)
	require.NoError(t, a.Change(func(m *crdt.Mutator) { m.Set("k", "from-a") }, ChangeOptions{}))

	exported, err := a.Export(priv)
	require.NoError(t, err)
	b, err := Import(exported, Callbacks{})
	require.NoError(t, err)
	require.NoError(t, b.Change(func(m *crdt.Mutator) { m.Set("k2", "from-b") }, ChangeOptions{}))

	require.NoError(t, a.MergeDocument(b))
	require.Equal(t, "from-a", a.Snapshot()["k"])
	require.Equal(t, "from-b", a.Snapshot()["k2"])
}
