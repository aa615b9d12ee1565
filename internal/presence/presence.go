// Package presence implements DocumentPresence (SPEC_FULL.md
// supplemented feature): ephemeral per-document peer state (cursor,
// selection) broadcast over already-open peers rather than through the
// relay, generalized from the teacher's internal/collab room-hub
// broadcast model (room.go UpdatePresence/broadcastPresenceUpdate/
// sendPresenceState) to a model with no central hub.
package presence

import (
	"context"
	"sync"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crypto"
	"github.com/collab-docs/sharecore/internal/peer"
)

// CursorPosition mirrors the teacher's models.CursorPosition shape.
type CursorPosition struct {
	X float64
	Y float64
}

// Presence is one peer's ephemeral editing state for a document.
type Presence struct {
	ClientId  string
	PublicKey crypto.PublicKey
	Cursor    *CursorPosition
	Selection *Selection
}

// Selection mirrors the teacher's models.Selection shape.
type Selection struct {
	Anchor int
	Head   int
}

// Tracker holds the latest Presence per remote peer for one document
// and fans local updates out to every connected peer. It shares each
// Peer's Demux with DocumentSynchronizer rather than claiming the
// peer's data stream for itself (spec §4.6 gives a Peer a single
// send/onData surface).
type Tracker struct {
	documentId address.DocumentId
	peers      *peer.Manager

	onPresence func(Presence)

	mu    sync.Mutex
	state map[string]Presence // keyed by ClientId
}

// NewTracker creates a Tracker for documentId, registering a presence
// handler on every currently attached peer and on any peer created
// later for the same document.
func NewTracker(documentId address.DocumentId, peers *peer.Manager) *Tracker {
	t := &Tracker{documentId: documentId, peers: peers, state: make(map[string]Presence)}

	for _, p := range peers.Peers(documentId) {
		t.attach(p)
	}
	peers.OnPeerCreated(func(id address.DocumentId, p *peer.Peer) {
		if id != t.documentId {
			return
		}
		t.attach(p)
	})
	peers.OnPeerDestroyed(func(id address.DocumentId, p *peer.Peer) {
		if id != t.documentId {
			return
		}
		t.Drop(p.Key().RemoteClientId)
	})

	return t
}

func (t *Tracker) attach(p *peer.Peer) {
	key := p.Key()
	p.Demux().OnChannel(peer.ChannelPresence, func(data []byte) {
		t.handlePeerPresence(key.RemotePublicKey, key.RemoteClientId, data)
	})
}

// OnPresence registers the callback invoked whenever a remote peer's
// presence changes.
func (t *Tracker) OnPresence(cb func(Presence)) { t.onPresence = cb }

func (t *Tracker) handlePeerPresence(from crypto.PublicKey, clientID string, data []byte) {
	p, ok := Decode(data)
	if !ok {
		return
	}
	p.PublicKey = from
	p.ClientId = clientID
	t.mu.Lock()
	t.state[clientID] = p
	t.mu.Unlock()
	if t.onPresence != nil {
		t.onPresence(p)
	}
}

// Broadcast fans p out to every peer currently connected for this
// document (spec overview: "broadcast over peers", not via the relay).
func (t *Tracker) Broadcast(ctx context.Context, p Presence) {
	payload := Encode(p)
	for _, peerConn := range t.peers.Peers(t.documentId) {
		_ = peerConn.Demux().Send(ctx, peer.ChannelPresence, payload)
	}
}

// Snapshot returns every known remote peer's last presence.
func (t *Tracker) Snapshot() []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Presence, 0, len(t.state))
	for _, p := range t.state {
		out = append(out, p)
	}
	return out
}

// Drop removes a peer's presence, called on peer-destroyed.
func (t *Tracker) Drop(clientID string) {
	t.mu.Lock()
	delete(t.state, clientID)
	t.mu.Unlock()
}
