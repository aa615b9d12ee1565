// Package sharing implements the SharingClient facade (spec §4.8): the
// single public entry point owning one SignalingClient, one
// MessageExchanger, one PeerManager, one Storage and a DocumentRegistry
// of live Documents.
package sharing

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crdt"
	"github.com/collab-docs/sharecore/internal/crypto"
	"github.com/collab-docs/sharecore/internal/document"
	"github.com/collab-docs/sharecore/internal/exchange"
	"github.com/collab-docs/sharecore/internal/logger"
	"github.com/collab-docs/sharecore/internal/peer"
	"github.com/collab-docs/sharecore/internal/presence"
	"github.com/collab-docs/sharecore/internal/registry"
	"github.com/collab-docs/sharecore/internal/session"
	"github.com/collab-docs/sharecore/internal/signaling"
	"github.com/collab-docs/sharecore/internal/storage"
	docsync "github.com/collab-docs/sharecore/internal/sync"
	"github.com/collab-docs/sharecore/internal/wire"
)

// ErrDocumentRequestTimeout is returned by RequestDocument when no
// response arrives within the request deadline (spec §4.8, §7).
var ErrDocumentRequestTimeout = errors.New("sharing: document request timed out")

// requestTimeout is the fixed deadline spec §5 assigns requestDocument
// ("5-second deadline from first send").
const requestTimeout = 5 * time.Second

// Config carries the environment/configuration fields spec §6 lists
// the facade as accepting: signalingUrl, privateKey (or
// sessionManager), storageProvider.
type Config struct {
	SignalingURL string
	Session      *session.Manager // required; callers without one can use session.Generate()
	Storage      *storage.Storage
	Dial         signaling.Dialer // optional, for tests
}

// Client is the SharingClient facade.
type Client struct {
	session   *session.Manager
	signaling *signaling.Client
	exchanger *exchange.Exchanger
	peers     *peer.Manager
	storage   *storage.Storage
	registry  *registry.Registry

	mu          sync.Mutex
	synchers    map[address.DocumentId]*docsync.Synchronizer
	presences   map[address.DocumentId]*presence.Tracker
	pendingDocs map[address.DocumentId]chan *document.Document
	connected   chan struct{}

	requestGroup singleflight.Group
}

// New wires a complete SharingClient (spec §4.8 control/data flow).
func New(cfg Config) *Client {
	sc := signaling.New(signaling.Config{URL: cfg.SignalingURL, Session: cfg.Session, Dial: cfg.Dial})
	ex := exchange.New(sc)
	reg := registry.New(cfg.Storage)

	c := &Client{
		session:     cfg.Session,
		signaling:   sc,
		exchanger:   ex,
		storage:     cfg.Storage,
		registry:    reg,
		synchers:    make(map[address.DocumentId]*docsync.Synchronizer),
		presences:   make(map[address.DocumentId]*presence.Tracker),
		pendingDocs: make(map[address.DocumentId]chan *document.Document),
		connected:   make(chan struct{}),
	}
	c.peers = peer.New(ex, c.verifyIncomingSignal)

	sc.OnConnect(func() {
		select {
		case <-c.connected:
		default:
			close(c.connected)
		}
	})

	ex.On(wire.TypeRequestDocument, c.handleRequestDocument)
	ex.On(wire.TypeDocumentResponse, c.handleDocumentResponse)

	reg.OnDocumentAdded(func(doc *document.Document) { c.attachSynchronizer(context.Background(), doc) })
	reg.OnDocumentUpdated(func(doc *document.Document) { /* synchronizer already attached on first add */ })
	reg.OnDocumentDestroyed(func(id address.DocumentId) {
		c.mu.Lock()
		s, ok := c.synchers[id]
		delete(c.synchers, id)
		delete(c.presences, id)
		c.mu.Unlock()
		if ok {
			s.Close()
		}
	})

	return c
}

func (c *Client) attachSynchronizer(ctx context.Context, doc *document.Document) {
	id := doc.Id()
	s := docsync.New(ctx, doc, c.peers)
	pt := presence.NewTracker(id, c.peers)
	c.mu.Lock()
	c.synchers[id] = s
	c.presences[id] = pt
	c.mu.Unlock()
	doc.SetOnChange(func(heads crdt.Heads) {
		s.OnDocumentChange(heads)
		if c.storage != nil {
			c.storage.ThrottledSave(ctx, doc)
		}
	})
}

// Presence returns the presence tracker for a registered document, for
// broadcasting local cursor/selection updates and observing remote
// ones. Returns false if the document is not currently registered.
func (c *Client) Presence(id address.DocumentId) (*presence.Tracker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pt, ok := c.presences[id]
	return pt, ok
}

// Connect dials the signaling relay.
func (c *Client) Connect(ctx context.Context) error {
	return c.signaling.Connect(ctx)
}

// Disconnect tears down the connection, preserving documents and
// storage state (spec §5).
func (c *Client) Disconnect() {
	c.signaling.Disconnect()
}

// WaitForConnection blocks until the first successful connect or ctx
// is done.
func (c *Client) WaitForConnection(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestDocument broadcasts a request-document envelope and races a
// local lookup, an inbound document-response, and a 5-second timeout
// (spec §4.8). Concurrent calls for the same id are coalesced via
// singleflight so only one broadcast is sent.
func (c *Client) RequestDocument(ctx context.Context, id address.DocumentId) (*document.Document, error) {
	v, err, _ := c.requestGroup.Do(string(id), func() (interface{}, error) {
		return c.requestDocumentOnce(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*document.Document), nil
}

func (c *Client) requestDocumentOnce(ctx context.Context, id address.DocumentId) (*document.Document, error) {
	if doc, err := c.registry.FindDocument(ctx, id); err == nil {
		return doc, nil
	}

	ch := make(chan *document.Document, 1)
	c.mu.Lock()
	c.pendingDocs[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingDocs, id)
		c.mu.Unlock()
	}()

	env := wire.NewRequestDocument(string(id))
	if err := c.exchanger.SendMessage(ctx, env, nil); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case doc := <-ch:
		return doc, nil
	case <-timer.C:
		return nil, ErrDocumentRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) handleRequestDocument(from signaling.Identity, env wire.Envelope) {
	id := address.DocumentId(env.DocumentId)
	doc, err := c.registry.FindDocument(context.Background(), id)
	if err != nil {
		return
	}
	if !doc.Header().HasAllowedUser(from.PublicKey) {
		logger.Info("sharing: dropping request-document from non-allowed user for %s", id)
		return
	}
	signed, err := doc.Export(c.session.PrivateKey())
	if err != nil {
		logger.Warn("sharing: export for request-document failed: %v", err)
		return
	}
	resp := wire.NewDocumentResponse(signed)
	if err := c.exchanger.SendMessage(context.Background(), resp, &from); err != nil {
		logger.Warn("sharing: sending document-response failed: %v", err)
		return
	}
	if _, err := c.peers.CreatePeer(context.Background(), id, from); err != nil {
		logger.Warn("sharing: creating initiator peer failed: %v", err)
	}
}

func (c *Client) handleDocumentResponse(from signaling.Identity, env wire.Envelope) {
	doc, err := document.Import(env.Document, document.Callbacks{})
	if err != nil {
		logger.Warn("sharing: dropping invalid document-response: %v", err)
		return
	}
	id := doc.Id()

	// Accepted even if nobody locally requested it (SPEC_FULL.md Open
	// Question decision): merge into the registry and log for
	// traceability rather than rejecting an unsolicited document.
	c.mu.Lock()
	ch, wasPending := c.pendingDocs[id]
	c.mu.Unlock()
	if !wasPending {
		logger.Info("sharing: accepted unsolicited document-response for %s", id)
	}

	if err := c.registry.SetDocument(doc); err != nil {
		logger.Warn("sharing: registering document-response failed: %v", err)
		return
	}
	stored, err := c.registry.FindDocument(context.Background(), id)
	if err != nil {
		return
	}
	if wasPending {
		select {
		case ch <- stored:
		default:
		}
	}
}

// verifyIncomingSignal gates non-initiator peer creation (spec §4.6):
// the document must exist locally and the sender must be an allowed
// user of its header.
func (c *Client) verifyIncomingSignal(documentId address.DocumentId, sender crypto.PublicKey) bool {
	doc, err := c.registry.FindDocument(context.Background(), documentId)
	if err != nil {
		return false
	}
	return doc.Header().HasAllowedUser(sender)
}

// CreateDocument creates and registers a brand-new document owned by
// this session's identity.
func (c *Client) CreateDocument(allowedUsers [][]byte, metadata map[string]interface{}) (*document.Document, error) {
	doc, err := document.Create(c.session.PrivateKey(), allowedUsers, metadata, document.Callbacks{})
	if err != nil {
		return nil, err
	}
	if err := c.registry.SetDocument(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ListDocumentIds delegates to the registry (spec §4.8).
func (c *Client) ListDocumentIds(ctx context.Context) ([]address.DocumentId, error) {
	return c.registry.ListDocumentIds(ctx)
}

// RemoveDocument delegates to the registry (spec §4.8).
func (c *Client) RemoveDocument(id address.DocumentId) {
	c.registry.RemoveDocument(id)
}
