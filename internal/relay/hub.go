package relay

import (
	"context"
	"sync"

	"github.com/collab-docs/sharecore/internal/logger"
	"github.com/collab-docs/sharecore/internal/transport"
)

// connection is one authenticated relay session.
type connection struct {
	clientID string
	conn     transport.Connection
}

// Hub tracks every connection live on this instance and forwards frames
// addressed by public key, falling back to Redis fanout for identities
// connected to a different instance (spec §4.4: the relay is "dumb
// forwarding infrastructure keyed by public key").
type Hub struct {
	pubsub *PubSub

	mu    sync.RWMutex
	conns map[string]map[string]*connection // pubkey base58 -> clientId -> conn
}

// NewHub creates a Hub, subscribing to Redis fanout when pubsub is
// non-nil (a nil pubsub runs single-instance only, useful for tests and
// small deployments without Redis).
func NewHub(pubsub *PubSub) *Hub {
	return &Hub{pubsub: pubsub, conns: make(map[string]map[string]*connection)}
}

// Register adds a newly authenticated connection and subscribes its
// identity channel for cross-instance fanout.
func (h *Hub) Register(pubKeyB58, clientID string, c transport.Connection) {
	h.mu.Lock()
	byClient, ok := h.conns[pubKeyB58]
	if !ok {
		byClient = make(map[string]*connection)
		h.conns[pubKeyB58] = byClient
	}
	byClient[clientID] = &connection{clientID: clientID, conn: c}
	h.mu.Unlock()

	if h.pubsub != nil {
		h.pubsub.Subscribe(identityChannel(pubKeyB58), func(_ string, payload []byte) {
			h.deliverLocal(pubKeyB58, "", payload)
		})
	}
}

// Unregister drops a connection on disconnect.
func (h *Hub) Unregister(pubKeyB58, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if byClient, ok := h.conns[pubKeyB58]; ok {
		delete(byClient, clientID)
		if len(byClient) == 0 {
			delete(h.conns, pubKeyB58)
		}
	}
}

// Route delivers raw frame bytes to every connection registered under
// toPubKeyB58, locally if present, otherwise via Redis fanout; an empty
// toPubKeyB58 broadcasts to everyone connected locally (spec §4.4's
// clear-text discovery broadcast has no single addressee).
func (h *Hub) Route(toPubKeyB58 string, data []byte) {
	if toPubKeyB58 == "" {
		h.broadcastLocal(data)
		return
	}
	if h.deliverLocal(toPubKeyB58, "", data) {
		return
	}
	if h.pubsub != nil {
		if err := h.pubsub.Publish(identityChannel(toPubKeyB58), data); err != nil {
			logger.Warn("relay: publish fanout failed for %s: %v", toPubKeyB58, err)
		}
	}
}

// deliverLocal writes data to every local connection for pubKeyB58
// except exceptClientID (an empty exceptClientID excludes none),
// returning whether any connection received it.
func (h *Hub) deliverLocal(pubKeyB58, exceptClientID string, data []byte) bool {
	h.mu.RLock()
	byClient := h.conns[pubKeyB58]
	targets := make([]*connection, 0, len(byClient))
	for cid, c := range byClient {
		if cid == exceptClientID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range targets {
		if err := c.conn.Send(context.Background(), data); err != nil {
			logger.Warn("relay: delivering to %s failed: %v", pubKeyB58, err)
			continue
		}
		delivered = true
	}
	return delivered
}

func (h *Hub) broadcastLocal(data []byte) {
	h.mu.RLock()
	var targets []*connection
	for _, byClient := range h.conns {
		for _, c := range byClient {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		if err := c.conn.Send(context.Background(), data); err != nil {
			logger.Warn("relay: broadcast delivery failed: %v", err)
		}
	}
}

// ConnectionCount reports how many authenticated connections this
// instance currently holds, for the /stats endpoint.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, byClient := range h.conns {
		n += len(byClient)
	}
	return n
}
