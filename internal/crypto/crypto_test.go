package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSharedSecretIsSymmetricOverAdvertisedX25519Keys(t *testing.T) {
	privA, _, err := GenerateKey()
	require.NoError(t, err)
	privB, _, err := GenerateKey()
	require.NoError(t, err)

	pubA, err := DerivedX25519Public(privA)
	require.NoError(t, err)
	pubB, err := DerivedX25519Public(privB)
	require.NoError(t, err)

	secretAB, err := SharedSecret(privA, pubB)
	require.NoError(t, err)
	secretBA, err := SharedSecret(privB, pubA)
	require.NoError(t, err)

	require.Equal(t, secretAB, secretBA)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	aad := []byte("context")
	blob, err := Seal(key, aad, []byte("hello"))
	require.NoError(t, err)

	plaintext, err := Open(key, aad, blob)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plaintext)

	_, err = Open(key, []byte("wrong"), blob)
	require.Error(t, err)
}
