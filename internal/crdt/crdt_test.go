package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangeFiresPatchesAndSaveLoadRoundTrips(t *testing.T) {
	var got []Patch
	d, err := Init(func(p []Patch) { got = append(got, p...) })
	require.NoError(t, err)

	Change(d, func(m *Mutator) {
		m.Set("title", "hello")
		m.Set("count", 1)
	})
	require.Len(t, got, 2)

	data, err := Save(d)
	require.NoError(t, err)

	loaded, err := LoadIncremental(data, nil)
	require.NoError(t, err)
	require.Equal(t, Snapshot(d), Snapshot(loaded))
	require.True(t, GetHeads(d).Equal(GetHeads(loaded)))
}

func TestCloneIsIndependent(t *testing.T) {
	d, err := Init(nil)
	require.NoError(t, err)
	Change(d, func(m *Mutator) { m.Set("key", "a") })

	clone := Clone(d)
	Change(d, func(m *Mutator) { m.Set("key", "b") })

	got, _ := (&Mutator{d: clone}).Get("key")
	require.Equal(t, "a", got)
}

func TestMergeConvergesByLastWriterWins(t *testing.T) {
	a, err := Init(nil)
	require.NoError(t, err)
	b, err := Init(nil)
	require.NoError(t, err)

	Change(a, func(m *Mutator) { m.Set("x", "from-a") })
	Change(b, func(m *Mutator) { m.Set("x", "from-b") })

	Merge(a, b)
	Merge(b, a)

	require.Equal(t, Snapshot(a), Snapshot(b))
	require.True(t, GetHeads(a).Equal(GetHeads(b)))
}

func TestSyncMessageRoundTripConverges(t *testing.T) {
	a, err := Init(nil)
	require.NoError(t, err)
	b, err := Init(nil)
	require.NoError(t, err)

	Change(a, func(m *Mutator) { m.Set("shared", "from-a") })

	stateAtoB := NewSyncState()
	stateAtoB, msg, err := GenerateSyncMessage(a, stateAtoB)
	require.NoError(t, err)
	require.NotNil(t, msg)

	stateB := NewSyncState()
	b, stateB, patches, err := ReceiveSyncMessage(b, stateB, msg)
	require.NoError(t, err)
	require.Len(t, patches, 1)
	require.Equal(t, "from-a", patches[0].After)

	require.Equal(t, Snapshot(a), Snapshot(b))

	_, noMsg, err := GenerateSyncMessage(a, stateAtoB)
	require.NoError(t, err)
	require.Nil(t, noMsg)
	_ = stateB
}

func TestDeleteRemovesEntry(t *testing.T) {
	d, err := Init(nil)
	require.NoError(t, err)
	Change(d, func(m *Mutator) { m.Set("gone", "soon") })
	Change(d, func(m *Mutator) { m.Delete("gone") })

	_, ok := Snapshot(d)["gone"]
	require.False(t, ok)
}

func TestDeleteAdvancesHeadsAndConvergesOverSync(t *testing.T) {
	a, err := Init(nil)
	require.NoError(t, err)
	b, err := Init(nil)
	require.NoError(t, err)

	Change(a, func(m *Mutator) { m.Set("shared", "from-a") })

	stateAtoB := NewSyncState()
	stateAtoB, msg, err := GenerateSyncMessage(a, stateAtoB)
	require.NoError(t, err)
	require.NotNil(t, msg)
	stateB := NewSyncState()
	b, stateB, _, err = ReceiveSyncMessage(b, stateB, msg)
	require.NoError(t, err)
	require.Equal(t, "from-a", Snapshot(b)["shared"])

	headsBeforeDelete := GetHeads(a)
	Change(a, func(m *Mutator) { m.Delete("shared") })
	require.False(t, headsBeforeDelete.Equal(GetHeads(a)), "delete must advance the actor's heads so sync notices it")

	stateAtoB, msg, err = GenerateSyncMessage(a, stateAtoB)
	require.NoError(t, err)
	require.NotNil(t, msg, "a tombstone must be sent to a peer that already holds the pre-delete value")

	_, stateB, patches, err := ReceiveSyncMessage(b, stateB, msg)
	require.NoError(t, err)
	require.Len(t, patches, 1)
	require.Nil(t, patches[0].After)

	_, ok := Snapshot(b)["shared"]
	require.False(t, ok)
	require.True(t, GetHeads(a).Equal(GetHeads(b)))
	_ = stateAtoB
}
