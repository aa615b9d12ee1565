// Package relay implements a reference signaling relay: the untrusted
// message-forwarding server spec.md treats as an external collaborator
// (spec §1, §4.4, §6). It terminates WebSocket connections, runs the
// challenge/response handshake, and forwards envelopes by public key,
// without ever inspecting their (already encrypted) payload.
package relay

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// frame mirrors internal/signaling's wire shape exactly; the relay is a
// standalone server and does not import the client package, but the two
// must agree byte-for-byte on the handshake/data envelope.
type frame struct {
	Type string `cbor:"type"`

	Challenge []byte `cbor:"challenge,omitempty"`
	Signature []byte `cbor:"signature,omitempty"`
	Token     string `cbor:"token,omitempty"`

	From    *identityWire `cbor:"from,omitempty"`
	To      *identityWire `cbor:"to,omitempty"`
	Payload []byte        `cbor:"payload,omitempty"`
}

type identityWire struct {
	PublicKey    []byte `cbor:"publicKey"`
	ClientId     []byte `cbor:"clientId,omitempty"`
	X25519Public []byte `cbor:"x25519Public,omitempty"`
}

const (
	frameChallenge    = "challenge"
	frameAuthResponse = "auth-response"
	frameAuthOK       = "auth-ok"
	frameAuthFail     = "auth-fail"
	frameData         = "data"
)

func canonicalMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("relay: invalid cbor encode options: %v", err))
	}
	return mode
}

func encodeFrame(f frame) ([]byte, error) {
	return canonicalMode().Marshal(f)
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	err := cbor.Unmarshal(data, &f)
	return f, err
}
