package presence

import (
	"github.com/fxamacker/cbor/v2"
)

// wirePresence is the CBOR-encoded shape sent over a peer's presence
// channel. ClientId and PublicKey are carried by the envelope's sender
// identity instead (peer.Key), not re-encoded here.
type wirePresence struct {
	_         struct{} `cbor:",toarray"`
	HasCursor bool
	CursorX   float64
	CursorY   float64
	HasSel    bool
	SelAnchor int
	SelHead   int
}

func canonicalMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// Encode serializes p's cursor/selection fields for the wire. Sender
// identity (ClientId/PublicKey) is attached by the caller on decode,
// since it is already known from the peer the frame arrived on.
func Encode(p Presence) []byte {
	w := wirePresence{}
	if p.Cursor != nil {
		w.HasCursor = true
		w.CursorX = p.Cursor.X
		w.CursorY = p.Cursor.Y
	}
	if p.Selection != nil {
		w.HasSel = true
		w.SelAnchor = p.Selection.Anchor
		w.SelHead = p.Selection.Head
	}
	data, err := canonicalMode().Marshal(w)
	if err != nil {
		// Both fields are fixed-size scalars; marshaling cannot fail.
		panic(err)
	}
	return data
}

// Decode parses a presence frame produced by Encode. The returned
// Presence has no ClientId/PublicKey set; the caller fills those in
// from the peer the frame arrived on.
func Decode(data []byte) (Presence, bool) {
	var w wirePresence
	if err := cbor.Unmarshal(data, &w); err != nil {
		return Presence{}, false
	}
	p := Presence{}
	if w.HasCursor {
		p.Cursor = &CursorPosition{X: w.CursorX, Y: w.CursorY}
	}
	if w.HasSel {
		p.Selection = &Selection{Anchor: w.SelAnchor, Head: w.SelHead}
	}
	return p, true
}
