package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	cases := []Envelope{
		NewRequestDocument("doc-1"),
		NewDocumentResponse([]byte("payload")),
		NewSignalSDP("doc-1", "offer", "v=0"),
		NewSignalICE("doc-1", "candidate:1", "0", nil),
		NewSignalBye("doc-1"),
		NewPeerData("doc-1", []byte{1, 2, 3}),
	}
	for _, env := range cases {
		data, err := Marshal(env)
		require.NoError(t, err)
		decoded, err := Unmarshal(data)
		require.NoError(t, err)
		require.Equal(t, env.Type, decoded.Type)
	}
}

func TestUnmarshalRejectsUnrecognizedType(t *testing.T) {
	data, err := Marshal(Envelope{Type: "not-a-real-type"})
	require.NoError(t, err)
	_, err = Unmarshal(data)
	require.ErrorIs(t, err, ErrSchemaRejected)
}

func TestUnmarshalRejectsMalformedBytes(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0x00, 0x01})
	require.ErrorIs(t, err, ErrSchemaRejected)
}

func TestUnmarshalRejectsRequestDocumentMissingId(t *testing.T) {
	data, err := Marshal(Envelope{Type: TypeRequestDocument})
	require.NoError(t, err)
	_, err = Unmarshal(data)
	require.ErrorIs(t, err, ErrSchemaRejected)
}

func TestUnmarshalRejectsSignalWithNoOrMultipleVariants(t *testing.T) {
	noVariant, err := Marshal(Envelope{Type: TypeSignal, DocumentId: "doc-1"})
	require.NoError(t, err)
	_, err = Unmarshal(noVariant)
	require.ErrorIs(t, err, ErrSchemaRejected)

	both, err := Marshal(Envelope{
		Type:       TypeSignal,
		DocumentId: "doc-1",
		SDP:        &SDPPayload{Type: "offer", SDP: "v=0"},
		Bye:        true,
	})
	require.NoError(t, err)
	_, err = Unmarshal(both)
	require.ErrorIs(t, err, ErrSchemaRejected)
}

func TestSignedDocumentRoundTrip(t *testing.T) {
	sd := SignedDocument{Header: []byte("h"), Content: []byte("c"), Signature: []byte("s")}
	data, err := MarshalSignedDocument(sd)
	require.NoError(t, err)
	decoded, err := UnmarshalSignedDocument(data)
	require.NoError(t, err)
	require.Equal(t, sd, decoded)
}
