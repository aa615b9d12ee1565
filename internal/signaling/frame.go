package signaling

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame is the wire shape exchanged directly with the relay, one layer
// below the MessageExchanger's tagged-union payload: it carries the
// challenge/response handshake and the addressed data envelope spec
// §4.4/§6 describe.
type Frame struct {
	Type string `cbor:"type"`

	// challenge (server -> client)
	Challenge []byte `cbor:"challenge,omitempty"`

	// auth-response (client -> server)
	Signature []byte `cbor:"signature,omitempty"`

	// auth-ok (server -> client)
	Token string `cbor:"token,omitempty"`

	// data (either direction)
	From    *IdentityWire `cbor:"from,omitempty"`
	To      *IdentityWire `cbor:"to,omitempty"`
	Payload []byte        `cbor:"payload,omitempty"`
}

// IdentityWire is the base58-free, raw-bytes wire form of an Identity.
// X25519Public carries the sender's advertised key-agreement public key
// (see crypto.DerivedX25519Public) so the recipient can learn it from
// plaintext frame metadata before any encrypted exchange is possible —
// it rides on every outbound frame, including the "to: nil" broadcasts
// used for public discovery.
type IdentityWire struct {
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
		panic(fmt.Sprintf("signaling: invalid cbor encode options: %v", err))
	}
	return mode
}

func encodeFrame(f Frame) ([]byte, error) {
	return canonicalMode().Marshal(f)
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := cbor.Unmarshal(data, &f)
	return f, err
}
