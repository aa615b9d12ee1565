// Package peer implements PeerManager (spec §4.6): a per-(document,
// remote) connection lifecycle driven by signal envelopes tunneled
// through the MessageExchanger.
//
// This module targets a Go relay/client pair, not a browser, and the
// retrieved pack carries no WebRTC data-channel library; so once the
// sdp/ice handshake "completes" the resulting Peer tunnels its bytes
// back through the same exchanger as wire.TypePeerData envelopes rather
// than over a real RTCDataChannel. The handshake steps themselves
// (offer/answer/ice/bye) are still modeled faithfully since they are
// the part of the protocol DocumentSynchronizer and the gating logic
// actually depend on.
package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crypto"
	"github.com/collab-docs/sharecore/internal/exchange"
	"github.com/collab-docs/sharecore/internal/logger"
	"github.com/collab-docs/sharecore/internal/signaling"
	"github.com/collab-docs/sharecore/internal/wire"
)

// State is a Peer's connection lifecycle state (spec §3: "connecting →
// connected → closed").
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

// Key identifies a peer by (documentId, remotePublicKey, remoteClientId)
// (spec §4.6).
type Key struct {
	DocumentId      address.DocumentId
	RemotePublicKey crypto.PublicKey
	RemoteClientId  string
}

// Peer is a per-document, per-remote bidirectional byte stream (spec §3
// Peer, §4.6 "the peer itself exposes send(bytes), onData(cb),
// onClose(cb)").
type Peer struct {
	key       Key
	initiator bool

	mu      sync.Mutex
	state   State
	onData  func([]byte)
	onClose func()
	demux   *Demux

	manager *Manager
}

// Demux returns the shared Demux for this peer, creating it on first
// use. DocumentSynchronizer and presence.Tracker both tunnel over the
// same underlying byte stream, so they share one Demux per Peer rather
// than each claiming OnData for itself.
func (p *Peer) Demux() *Demux {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.demux == nil {
		p.demux = NewDemux(p)
	}
	return p.demux
}

// Send tunnels data to the remote end of this peer.
func (p *Peer) Send(ctx context.Context, data []byte) error {
	p.mu.Lock()
	closed := p.state == StateClosed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("peer: send on closed peer")
	}
	env := wire.NewPeerData(string(p.key.DocumentId), data)
	to := &signaling.Identity{PublicKey: p.key.RemotePublicKey, ClientId: []byte(p.key.RemoteClientId)}
	return p.manager.exchanger.SendMessage(ctx, env, to)
}

// OnData registers the peer's inbound data callback.
func (p *Peer) OnData(cb func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onData = cb
}

// OnClose registers the peer's close callback.
func (p *Peer) OnClose(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = cb
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Key returns the peer's identifying key.
func (p *Peer) Key() Key { return p.key }

// VerifyIncomingSignal gates whether a non-initiator peer may be
// created for an inbound offer (spec §4.6: "checks that the referenced
// document exists locally and that the sender is an allowed user of
// its header; otherwise the signal is dropped silently").
type VerifyIncomingSignal func(documentId address.DocumentId, sender crypto.PublicKey) bool

// Manager is PeerManager (spec §4.6).
type Manager struct {
	exchanger *exchange.Exchanger
	verify    VerifyIncomingSignal

	mu              sync.Mutex
	onPeerCreated   []func(documentId address.DocumentId, p *Peer)
	onPeerDestroyed []func(documentId address.DocumentId, p *Peer)
	peers           map[Key]*Peer
}

// New wires a Manager on top of an Exchanger, subscribing to "signal"
// envelopes.
func New(ex *exchange.Exchanger, verify VerifyIncomingSignal) *Manager {
	m := &Manager{exchanger: ex, verify: verify, peers: make(map[Key]*Peer)}
	ex.On(wire.TypeSignal, m.handleSignal)
	ex.On(wire.TypePeerData, m.handlePeerData)
	return m
}

// OnPeerCreated subscribes cb to peer-created events. Multiple callers
// (DocumentSynchronizer, presence.Tracker) may each subscribe
// independently; subscriptions are additive, not last-writer-wins.
func (m *Manager) OnPeerCreated(cb func(address.DocumentId, *Peer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeerCreated = append(m.onPeerCreated, cb)
}

// OnPeerDestroyed subscribes cb to peer-destroyed events, additively.
func (m *Manager) OnPeerDestroyed(cb func(address.DocumentId, *Peer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeerDestroyed = append(m.onPeerDestroyed, cb)
}

// CreatePeer starts the initiator side of the handshake: it registers a
// connecting peer and sends an SDP offer (spec §4.6 step 1). The offer
// is a nominal marker rather than a real session description, since no
// actual media/data-channel negotiation happens beneath it.
func (m *Manager) CreatePeer(ctx context.Context, documentId address.DocumentId, remote signaling.Identity) (*Peer, error) {
	key := Key{DocumentId: documentId, RemotePublicKey: remote.PublicKey, RemoteClientId: string(remote.ClientId)}
	p := m.register(key, true)

	env := wire.NewSignalSDP(string(documentId), "offer", "offer")
	if err := m.exchanger.SendMessage(ctx, env, &remote); err != nil {
		m.destroy(p)
		return nil, err
	}
	return p, nil
}

func (m *Manager) register(key Key, initiator bool) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.peers[key]; ok {
		return existing
	}
	p := &Peer{key: key, initiator: initiator, state: StateConnecting, manager: m}
	m.peers[key] = p
	return p
}

func (m *Manager) handleSignal(from signaling.Identity, env wire.Envelope) {
	key := Key{DocumentId: address.DocumentId(env.DocumentId), RemotePublicKey: from.PublicKey, RemoteClientId: string(from.ClientId)}

	if env.Bye {
		m.mu.Lock()
		p, ok := m.peers[key]
		m.mu.Unlock()
		if ok {
			m.destroy(p)
		}
		return
	}

	m.mu.Lock()
	p, exists := m.peers[key]
	m.mu.Unlock()

	if !exists {
		if env.SDP == nil || env.SDP.Type != "offer" {
			return
		}
		if m.verify != nil && !m.verify(key.DocumentId, from.PublicKey) {
			logger.Warn("peer: dropping unauthorized offer for %s from %x", key.DocumentId, from.PublicKey)
			return
		}
		p = m.register(key, false)
		answer := wire.NewSignalSDP(string(key.DocumentId), "answer", "answer")
		if err := m.exchanger.SendMessage(context.Background(), answer, &from); err != nil {
			logger.Warn("peer: failed to send answer: %v", err)
			return
		}
		m.markConnected(p)
		return
	}

	if env.SDP != nil && env.SDP.Type == "answer" {
		m.markConnected(p)
	}
	// ICE candidates carry no payload a channel-less peer needs to act
	// on; they are acknowledged implicitly by reaching this handler.
}

func (m *Manager) markConnected(p *Peer) {
	p.mu.Lock()
	alreadyConnected := p.state == StateConnected
	p.state = StateConnected
	p.mu.Unlock()
	if alreadyConnected {
		return
	}
	m.mu.Lock()
	cbs := append([]func(address.DocumentId, *Peer){}, m.onPeerCreated...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(p.key.DocumentId, p)
	}
}

func (m *Manager) handlePeerData(from signaling.Identity, env wire.Envelope) {
	key := Key{DocumentId: address.DocumentId(env.DocumentId), RemotePublicKey: from.PublicKey, RemoteClientId: string(from.ClientId)}
	m.mu.Lock()
	p, ok := m.peers[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	cb := p.onData
	p.mu.Unlock()
	if cb != nil {
		cb(env.Payload)
	}
}

// Bye sends a teardown signal to the peer's remote and destroys the
// local peer (spec §4.6 step 4).
func (m *Manager) Bye(ctx context.Context, p *Peer) error {
	env := wire.NewSignalBye(string(p.key.DocumentId))
	to := &signaling.Identity{PublicKey: p.key.RemotePublicKey, ClientId: []byte(p.key.RemoteClientId)}
	err := m.exchanger.SendMessage(ctx, env, to)
	m.destroy(p)
	return err
}

func (m *Manager) destroy(p *Peer) {
	m.mu.Lock()
	delete(m.peers, p.key)
	m.mu.Unlock()

	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	cb := p.onClose
	p.mu.Unlock()

	if cb != nil {
		cb()
	}
	m.mu.Lock()
	cbs := append([]func(address.DocumentId, *Peer){}, m.onPeerDestroyed...)
	m.mu.Unlock()
	for _, dcb := range cbs {
		dcb(p.key.DocumentId, p)
	}
}

// Peers returns every currently tracked peer for documentId, for
// DocumentSynchronizer's initial subscription.
func (m *Manager) Peers(documentId address.DocumentId) []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Peer
	for k, p := range m.peers {
		if k.DocumentId == documentId {
			out = append(out, p)
		}
	}
	return out
}
