package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collab-docs/sharecore/internal/crypto"
)

func TestPeerSecretRequiresAdvertisedX25519Key(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	_, peerPub, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = a.PeerSecret(peerPub)
	require.ErrorIs(t, err, ErrPeerKeyUnknown)
}

func TestPeerSecretConvergesAfterExchangingAdvertisedKeys(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	aX25519, err := a.AdvertisedX25519Public()
	require.NoError(t, err)
	bX25519, err := b.AdvertisedX25519Public()
	require.NoError(t, err)

	a.RecordRemoteX25519(b.PublicKey(), bX25519)
	b.RecordRemoteX25519(a.PublicKey(), aX25519)

	secretA, err := a.PeerSecret(b.PublicKey())
	require.NoError(t, err)
	secretB, err := b.PeerSecret(a.PublicKey())
	require.NoError(t, err)
	require.Equal(t, secretA, secretB)

	// Cached on the second call, not re-derived.
	again, err := a.PeerSecret(b.PublicKey())
	require.NoError(t, err)
	require.Equal(t, secretA, again)
}

func TestLogoutClearsPeerSecretsAndRemoteKeys(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	bX25519, err := b.AdvertisedX25519Public()
	require.NoError(t, err)
	a.RecordRemoteX25519(b.PublicKey(), bX25519)
	_, err = a.PeerSecret(b.PublicKey())
	require.NoError(t, err)

	a.Logout()

	_, err = a.PeerSecret(b.PublicKey())
	require.Error(t, err)
}
