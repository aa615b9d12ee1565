package sharing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crdt"
	"github.com/collab-docs/sharecore/internal/crypto"
	"github.com/collab-docs/sharecore/internal/document"
	"github.com/collab-docs/sharecore/internal/session"
	"github.com/collab-docs/sharecore/internal/signaling"
	"github.com/collab-docs/sharecore/internal/storage"
	"github.com/collab-docs/sharecore/internal/transport"
)

// fakeConn is an in-process transport.Connection driven directly by
// fakeRelay, standing in for a real WebSocket for two-node tests.
type fakeConn struct {
	mu        sync.Mutex
	onData    func([]byte)
	onClose   func(error)
	closed    bool
	ready     chan struct{}
	readyOnce sync.Once
	sendFn    func(context.Context, []byte) error
}

func newFakeConn() *fakeConn { return &fakeConn{ready: make(chan struct{})} }

func (c *fakeConn) OnData(cb func([]byte)) {
	c.mu.Lock()
	c.onData = cb
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *fakeConn) OnClose(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = cb
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Close(reason error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
	return nil
}

func (c *fakeConn) Send(ctx context.Context, data []byte) error {
	return c.sendFn(ctx, data)
}

func (c *fakeConn) deliver(data []byte) {
	c.mu.Lock()
	cb := c.onData
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// fakeRelay stands in for the signaling relay: it runs the
// challenge/response handshake and forwards data frames by public key,
// broadcasting frames with no addressee to every other connection.
type fakeRelay struct {
	mu        sync.Mutex
	conns     map[string]*fakeConn
	challenge map[string][]byte
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{conns: make(map[string]*fakeConn), challenge: make(map[string][]byte)}
}

func (r *fakeRelay) dial(_ context.Context, _ string, pub crypto.PublicKey, _ fmt.Stringer) (transport.Connection, error) {
	key := address.EncodePublicKey(pub)
	conn := newFakeConn()
	conn.sendFn = func(_ context.Context, data []byte) error {
		r.handleFromClient(key, pub, data)
		return nil
	}

	r.mu.Lock()
	r.conns[key] = conn
	r.mu.Unlock()

	go func() {
		<-conn.ready
		challenge, err := crypto.RandomBytes(32)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.challenge[key] = challenge
		r.mu.Unlock()
		b, err := cbor.Marshal(signaling.Frame{Type: "challenge", Challenge: challenge})
		if err != nil {
			return
		}
		conn.deliver(b)
	}()

	return conn, nil
}

func (r *fakeRelay) handleFromClient(key string, pub crypto.PublicKey, data []byte) {
	var f signaling.Frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return
	}
	r.mu.Lock()
	conn := r.conns[key]
	r.mu.Unlock()

	switch f.Type {
	case "auth-response":
		r.mu.Lock()
		challenge := r.challenge[key]
		r.mu.Unlock()
		if !crypto.Verify(pub, challenge, f.Signature) {
			b, _ := cbor.Marshal(signaling.Frame{Type: "auth-fail"})
			conn.deliver(b)
			return
		}
		b, _ := cbor.Marshal(signaling.Frame{Type: "auth-ok", Token: "test-token"})
		conn.deliver(b)
	case "data":
		if f.To == nil {
			r.mu.Lock()
			targets := make([]*fakeConn, 0, len(r.conns))
			for k, c := range r.conns {
				if k != key {
					targets = append(targets, c)
				}
			}
			r.mu.Unlock()
			for _, c := range targets {
				c.deliver(data)
			}
			return
		}
		var toPub crypto.PublicKey
		copy(toPub[:], f.To.PublicKey)
		toKey := address.EncodePublicKey(toPub)
		r.mu.Lock()
		dest, ok := r.conns[toKey]
		r.mu.Unlock()
		if ok {
			dest.deliver(data)
		}
	}
}

func newTestStorage() *storage.Storage {
	return storage.New(storage.NewMemoryProvider(), storage.NewMemoryProvider(), nil)
}

func TestTwoClientsConvergeOverSharedDocument(t *testing.T) {
	relay := newFakeRelay()

	sessA, err := session.Generate()
	require.NoError(t, err)
	sessB, err := session.Generate()
	require.NoError(t, err)

	clientA := New(Config{SignalingURL: "fake://relay", Session: sessA, Storage: newTestStorage(), Dial: relay.dial})
	clientB := New(Config{SignalingURL: "fake://relay", Session: sessB, Storage: newTestStorage(), Dial: relay.dial})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, clientA.Connect(ctx))
	require.NoError(t, clientB.Connect(ctx))

	doc, err := clientA.CreateDocument([][]byte{sessB.PublicKey().Bytes()}, map[string]interface{}{"title": "shared"})
	require.NoError(t, err)
	require.NoError(t, doc.Change(func(m *crdt.Mutator) { m.Set("line1", "hello from A") }, document.ChangeOptions{}))

	fetched, err := clientB.RequestDocument(ctx, doc.Id())
	require.NoError(t, err)
	require.Equal(t, "hello from A", fetched.Snapshot()["line1"])

	require.NoError(t, doc.Change(func(m *crdt.Mutator) { m.Set("line2", "second update") }, document.ChangeOptions{}))

	require.Eventually(t, func() bool {
		return fetched.Snapshot()["line2"] == "second update"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestDocumentTimesOutForNonAllowedUser(t *testing.T) {
	relay := newFakeRelay()

	sessA, err := session.Generate()
	require.NoError(t, err)
	sessOutsider, err := session.Generate()
	require.NoError(t, err)

	clientA := New(Config{SignalingURL: "fake://relay", Session: sessA, Storage: newTestStorage(), Dial: relay.dial})
	clientOutsider := New(Config{SignalingURL: "fake://relay", Session: sessOutsider, Storage: newTestStorage(), Dial: relay.dial})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clientA.Connect(ctx))
	require.NoError(t, clientOutsider.Connect(ctx))

	doc, err := clientA.CreateDocument(nil, map[string]interface{}{"title": "private"})
	require.NoError(t, err)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer reqCancel()
	_, err = clientOutsider.RequestDocument(reqCtx, doc.Id())
	require.Error(t, err)
}
