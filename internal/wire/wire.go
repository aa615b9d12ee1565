// Package wire implements the canonical CBOR envelope formats of
// spec §6: the tagged-union MessageExchanger payload (request-document,
// document-response, signal) and the signed document export map.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrSchemaRejected is returned when a payload does not decode as any
// recognized envelope type (spec §4.5, §7).
var ErrSchemaRejected = errors.New("wire: schema rejected")

// Envelope type discriminants.
const (
	TypeRequestDocument  = "request-document"
	TypeDocumentResponse = "document-response"
	TypeSignal           = "signal"

	// TypePeerData tunnels a data-channel frame between two peers over
	// the exchanger, a necessary addition since this module has no real
	// WebRTC data channel to carry post-handshake peer bytes (see
	// internal/peer); the union is explicitly parameterized by
	// spec §4.5 ("schema list S1..Sn"), so this is an additional member
	// rather than a change to the three documented cores.
	TypePeerData = "peer-data"
)

// Envelope is the generic tagged-union shape every MessageExchanger
// payload decodes into before being routed by Type.
type Envelope struct {
	Type string `cbor:"type"`

	// RequestDocument
	DocumentId string `cbor:"documentId,omitempty"`

	// DocumentResponse
	Document []byte `cbor:"document,omitempty"`

	// Signal (documentId above is reused as the signal's target document)
	SDP *SDPPayload `cbor:"sdp,omitempty"`
	ICE *ICEPayload `cbor:"ice,omitempty"`
	Bye bool        `cbor:"bye,omitempty"`

	// PeerData (documentId above names the target document)
	Payload []byte `cbor:"payload,omitempty"`
}

// SDPPayload carries a WebRTC-style session description.
type SDPPayload struct {
	Type string `cbor:"type"`
	SDP  string `cbor:"sdp"`
}

// ICEPayload carries a single ICE candidate.
type ICEPayload struct {
	Candidate     string `cbor:"candidate"`
	SDPMid        string `cbor:"sdpMid,omitempty"`
	SDPMLineIndex *int   `cbor:"sdpMLineIndex,omitempty"`
}

func canonicalMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: invalid cbor encode options: %v", err))
	}
	return mode
}

// Marshal encodes env using the canonical CBOR encoding MessageExchanger
// sends over the wire.
func Marshal(env Envelope) ([]byte, error) {
	b, err := canonicalMode().Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes data into an Envelope and validates it against the
// recognized schema union, returning ErrSchemaRejected for anything
// that fails to match a known shape (spec §4.5: "validate data against
// the union... on failure, log and drop").
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode: %v", ErrSchemaRejected, err)
	}
	if err := validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func validate(env Envelope) error {
	switch env.Type {
	case TypeRequestDocument:
		if env.DocumentId == "" {
			return fmt.Errorf("%w: request-document missing documentId", ErrSchemaRejected)
		}
	case TypeDocumentResponse:
		if len(env.Document) == 0 {
			return fmt.Errorf("%w: document-response missing document", ErrSchemaRejected)
		}
	case TypeSignal:
		if env.DocumentId == "" {
			return fmt.Errorf("%w: signal missing documentId", ErrSchemaRejected)
		}
		variants := 0
		if env.SDP != nil {
			variants++
		}
		if env.ICE != nil {
			variants++
		}
		if env.Bye {
			variants++
		}
		if variants != 1 {
			return fmt.Errorf("%w: signal must carry exactly one of sdp|ice|bye", ErrSchemaRejected)
		}
	case TypePeerData:
		if env.DocumentId == "" {
			return fmt.Errorf("%w: peer-data missing documentId", ErrSchemaRejected)
		}
	default:
		return fmt.Errorf("%w: unrecognized type %q", ErrSchemaRejected, env.Type)
	}
	return nil
}

// NewRequestDocument builds a request-document envelope.
func NewRequestDocument(documentId string) Envelope {
	return Envelope{Type: TypeRequestDocument, DocumentId: documentId}
}

// NewDocumentResponse builds a document-response envelope.
func NewDocumentResponse(document []byte) Envelope {
	return Envelope{Type: TypeDocumentResponse, Document: document}
}

// NewSignalSDP builds a signal envelope carrying an SDP offer/answer.
func NewSignalSDP(documentId, sdpType, sdp string) Envelope {
	return Envelope{Type: TypeSignal, DocumentId: documentId, SDP: &SDPPayload{Type: sdpType, SDP: sdp}}
}

// NewSignalICE builds a signal envelope carrying an ICE candidate.
func NewSignalICE(documentId, candidate, sdpMid string, sdpMLineIndex *int) Envelope {
	return Envelope{Type: TypeSignal, DocumentId: documentId, ICE: &ICEPayload{Candidate: candidate, SDPMid: sdpMid, SDPMLineIndex: sdpMLineIndex}}
}

// NewSignalBye builds a signal envelope tearing down a peer.
func NewSignalBye(documentId string) Envelope {
	return Envelope{Type: TypeSignal, DocumentId: documentId, Bye: true}
}

// NewPeerData builds a peer-data envelope tunneling raw peer bytes for
// documentId.
func NewPeerData(documentId string, payload []byte) Envelope {
	return Envelope{Type: TypePeerData, DocumentId: documentId, Payload: payload}
}

// SignedDocument is the exported, verifiable form of a Document
// (spec §6: "document-response.document ... CBOR map {header, content,
// signature}").
type SignedDocument struct {
	Header    []byte `cbor:"header"`
	Content   []byte `cbor:"content"`
	Signature []byte `cbor:"signature"`
}

// MarshalSignedDocument encodes a SignedDocument for embedding in a
// document-response envelope.
func MarshalSignedDocument(sd SignedDocument) ([]byte, error) {
	b, err := canonicalMode().Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal signed document: %w", err)
	}
	return b, nil
}

// UnmarshalSignedDocument decodes bytes produced by MarshalSignedDocument.
func UnmarshalSignedDocument(data []byte) (SignedDocument, error) {
	var sd SignedDocument
	if err := cbor.Unmarshal(data, &sd); err != nil {
		return SignedDocument{}, fmt.Errorf("wire: unmarshal signed document: %w", err)
	}
	return sd, nil
}
