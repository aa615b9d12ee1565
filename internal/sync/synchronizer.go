// Package sync implements DocumentSynchronizer (spec §4.7): the
// per-document CRDT sync protocol driver across all of a document's
// peers.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crdt"
	"github.com/collab-docs/sharecore/internal/document"
	"github.com/collab-docs/sharecore/internal/logger"
	"github.com/collab-docs/sharecore/internal/peer"
)

// coalesceWindow is the outbound queue tick spec §4.7 specifies ("an
// outbound queue coalesced per animation frame (or 16 ms tick)").
const coalesceWindow = 16 * time.Millisecond

// highWaterMark is the per-peer backpressure threshold (spec §4.7:
// "if the peer's send buffer exceeds a high-water mark, the
// synchronizer pauses sending to that peer and resumes when it
// drains").
const highWaterMark = 64

// peerState tracks one peer's sync state and FIFO outbound queue.
type peerState struct {
	mu      sync.Mutex
	syncSt  *crdt.SyncState
	queue   [][]byte
	paused  bool
	flushCh chan struct{}
}

// Synchronizer runs one instance per live document.
type Synchronizer struct {
	doc      *document.Document
	docID    address.DocumentId
	peers    *peer.Manager
	sendFunc func(ctx context.Context, p *peer.Peer, data []byte) error

	mu     sync.Mutex
	states map[peer.Key]*peerState

	cancel context.CancelFunc
}

// New creates a Synchronizer for doc, subscribing to peer-created and
// peer-destroyed events filtered to doc's id (spec §4.7).
func New(ctx context.Context, doc *document.Document, peers *peer.Manager) *Synchronizer {
	s := &Synchronizer{
		doc:    doc,
		docID:  doc.Id(),
		peers:  peers,
		states: make(map[peer.Key]*peerState),
	}
	s.sendFunc = func(ctx context.Context, p *peer.Peer, data []byte) error {
		return p.Demux().Send(ctx, peer.ChannelSync, data)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, p := range peers.Peers(s.docID) {
		s.attach(runCtx, p)
	}

	peers.OnPeerCreated(func(documentId address.DocumentId, p *peer.Peer) {
		if documentId != s.docID {
			return
		}
		s.attach(runCtx, p)
	})
	peers.OnPeerDestroyed(func(documentId address.DocumentId, p *peer.Peer) {
		if documentId != s.docID {
			return
		}
		s.detach(p)
	})

	return s
}

func (s *Synchronizer) attach(ctx context.Context, p *peer.Peer) {
	s.mu.Lock()
	if _, ok := s.states[p.Key()]; ok {
		s.mu.Unlock()
		return
	}
	ps := &peerState{syncSt: crdt.NewSyncState(), flushCh: make(chan struct{}, 1)}
	s.states[p.Key()] = ps
	s.mu.Unlock()

	p.Demux().OnChannel(peer.ChannelSync, func(data []byte) {
		s.handleInbound(ctx, p, ps, data)
	})
	p.OnClose(func() {
		s.detach(p)
	})

	go s.pump(ctx, p, ps)

	// Prime the queue with an initial sync message so a freshly
	// connected peer immediately receives whatever state already exists.
	s.enqueueNext(p, ps)
}

func (s *Synchronizer) detach(p *peer.Peer) {
	s.mu.Lock()
	delete(s.states, p.Key())
	s.mu.Unlock()
}

// OnDocumentChange must be wired to the document's onChange callback;
// it generates the next sync message for every attached peer (spec
// §4.7: "On change event of the document: for each peer, generates the
// next sync message; if non-empty, sends it").
func (s *Synchronizer) OnDocumentChange(crdt.Heads) {
	s.mu.Lock()
	snapshot := make(map[peer.Key]*peerState, len(s.states))
	for k, v := range s.states {
		snapshot[k] = v
	}
	s.mu.Unlock()

	for _, p := range s.peers.Peers(s.docID) {
		if ps, ok := snapshot[p.Key()]; ok {
			s.enqueueNext(p, ps)
		}
	}
}

func (s *Synchronizer) enqueueNext(p *peer.Peer, ps *peerState) {
	doc := s.doc.CRDTForStorage()
	ps.mu.Lock()
	nextState, msg, err := crdt.GenerateSyncMessage(doc, ps.syncSt)
	if err != nil {
		ps.mu.Unlock()
		logger.Warn("sync: generate_sync_message failed for %s: %v", s.docID, err)
		return
	}
	if msg == nil {
		ps.mu.Unlock()
		return
	}
	if len(ps.queue) >= highWaterMark {
		ps.paused = true
		ps.mu.Unlock()
		logger.Warn("sync: backpressure engaged for peer on %s", s.docID)
		return
	}
	ps.syncSt = nextState
	ps.queue = append(ps.queue, msg)
	ps.mu.Unlock()
	select {
	case ps.flushCh <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) pump(ctx context.Context, p *peer.Peer, ps *peerState) {
	ticker := time.NewTicker(coalesceWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ps.flushCh:
		case <-ticker.C:
		}
		s.drain(ctx, p, ps)
	}
}

func (s *Synchronizer) drain(ctx context.Context, p *peer.Peer, ps *peerState) {
	for {
		ps.mu.Lock()
		if len(ps.queue) == 0 {
			ps.mu.Unlock()
			return
		}
		msg := ps.queue[0]
		ps.mu.Unlock()

		if err := s.sendFunc(ctx, p, msg); err != nil {
			logger.Warn("sync: send failed for %s: %v", s.docID, err)
			return
		}

		ps.mu.Lock()
		ps.queue = ps.queue[1:]
		wasPaused := ps.paused
		if len(ps.queue) < highWaterMark {
			ps.paused = false
		}
		resumed := wasPaused && !ps.paused
		ps.mu.Unlock()
		if resumed {
			logger.Info("sync: backpressure cleared for peer on %s", s.docID)
			s.enqueueNext(p, ps)
		}
	}
}

// handleInbound feeds inbound bytes from an already-attached peer
// through the CRDT's receive-sync-message function (spec §4.7: "feeds
// the bytes to the CRDT's receive-sync-message function, applies any
// change set via update, and may produce a follow-up reply to the same
// peer"). attach registers it as the peer's sync-channel handler.
func (s *Synchronizer) handleInbound(ctx context.Context, p *peer.Peer, ps *peerState, data []byte) {
	var recvErr error
	err := s.doc.Update(func(doc *crdt.Doc) {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		_, nextState, _, e := crdt.ReceiveSyncMessage(doc, ps.syncSt, data)
		if e != nil {
			recvErr = e
			return
		}
		ps.syncSt = nextState
	})
	if err != nil {
		// Document already destroyed; nothing left to synchronize.
		return
	}
	if recvErr != nil {
		logger.Warn("sync: receive_sync_message failed for %s: %v", s.docID, recvErr)
		return
	}
	s.enqueueNext(p, ps)
}

// Close stops this synchronizer's background pumps; called when the
// document is destroyed.
func (s *Synchronizer) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}
