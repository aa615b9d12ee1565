package header

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collab-docs/sharecore/internal/crypto"
)

func TestCreateExportImportRoundTrip(t *testing.T) {
	priv, pub, err := crypto.GenerateKey()
	require.NoError(t, err)

	h, err := Create(priv, nil, map[string]interface{}{"title": "doc"})
	require.NoError(t, err)
	require.Equal(t, pub, h.Owner)
	require.True(t, h.HasAllowedUser(pub))

	data, err := h.Export()
	require.NoError(t, err)

	imported, err := Import(data)
	require.NoError(t, err)
	require.True(t, h.Equal(imported))
}

func TestImportRejectsTamperedSignature(t *testing.T) {
	priv, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	h, err := Create(priv, nil, nil)
	require.NoError(t, err)

	data, err := h.Export()
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF

	_, err = Import(data)
	require.ErrorIs(t, err, ErrInvalidHeader)
}

func TestUpgradeRequiresStrictlyGreaterVersion(t *testing.T) {
	priv, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	h, err := Create(priv, nil, nil)
	require.NoError(t, err)

	body, err := signingBody(h.Address, h.Version, h.AllowedUsers, h.Metadata)
	require.NoError(t, err)
	sameVersion := &Header{
		Address:      h.Address,
		Owner:        h.Owner,
		AllowedUsers: h.AllowedUsers,
		Version:      h.Version,
		Metadata:     h.Metadata,
		Signature:    crypto.Sign(priv, body),
	}

	_, err = Upgrade(h, sameVersion)
	require.ErrorIs(t, err, ErrHeaderUpgradeRejected)
}

func TestUpgradeAcceptsGreaterVersionSignedByOwner(t *testing.T) {
	priv, pub, err := crypto.GenerateKey()
	require.NoError(t, err)
	h, err := Create(priv, nil, nil)
	require.NoError(t, err)

	newMeta := map[string]interface{}{"title": "renamed"}
	body, err := signingBody(h.Address, h.Version+1, h.AllowedUsers, newMeta)
	require.NoError(t, err)
	candidate := &Header{
		Address:      h.Address,
		Owner:        h.Owner,
		AllowedUsers: h.AllowedUsers,
		Version:      h.Version + 1,
		Metadata:     newMeta,
		Signature:    crypto.Sign(priv, body),
	}

	upgraded, err := Upgrade(h, candidate)
	require.NoError(t, err)
	require.Equal(t, uint64(2), upgraded.Version)
	require.Equal(t, pub, upgraded.Owner)
}

func TestUpgradeRejectsDifferentAddress(t *testing.T) {
	priv, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	h1, err := Create(priv, nil, nil)
	require.NoError(t, err)
	h2, err := Create(priv, nil, nil)
	require.NoError(t, err)

	body, err := signingBody(h2.Address, h2.Version+1, h2.AllowedUsers, h2.Metadata)
	require.NoError(t, err)
	candidate := &Header{
		Address:      h2.Address,
		Owner:        h2.Owner,
		AllowedUsers: h2.AllowedUsers,
		Version:      h2.Version + 1,
		Metadata:     h2.Metadata,
		Signature:    crypto.Sign(priv, body),
	}

	_, err = Upgrade(h1, candidate)
	require.ErrorIs(t, err, ErrHeaderUpgradeRejected)
}
