// Package signaling implements SignalingClient (spec §4.4): an
// authenticated session on the relay that sends and receives typed
// envelopes addressed by public key, with per-recipient encryption and
// automatic reconnect.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crypto"
	"github.com/collab-docs/sharecore/internal/logger"
	"github.com/collab-docs/sharecore/internal/session"
	"github.com/collab-docs/sharecore/internal/transport"
)

// CloseUnauthorized is the WebSocket close code the relay uses when the
// challenge/response handshake fails (spec §6: "Failure closes with
// code 4401").
const CloseUnauthorized = 4401

// ErrUnauthorized is surfaced when the relay answers the handshake with
// an auth-fail frame. A connection that closes without one surfaces as
// a handshake timeout instead.
var ErrUnauthorized = errors.New("signaling: unauthorized")

const (
	backoffBase   = 250 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 30 * time.Second
)

// Identity names a remote endpoint by public key and, when known, its
// ephemeral client id.
type Identity struct {
	PublicKey crypto.PublicKey
	ClientId  []byte
}

// Dialer opens a transport.Connection to the relay; production code
// uses transport.Dial, tests can substitute an in-process fake.
type Dialer func(ctx context.Context, url string, pub crypto.PublicKey, clientID fmt.Stringer) (transport.Connection, error)

// Client is the SignalingClient of spec §4.4.
type Client struct {
	url     string
	session *session.Manager
	dial    Dialer

	onMessage    func(from Identity, data []byte)
	onConnect    func()
	onDisconnect func(error)
	onError      func(error)

	mu          sync.Mutex
	conn        transport.Connection
	connected   bool
	reconnectTk string
	closing     bool
	cancel      context.CancelFunc
}

// Config configures a new Client.
type Config struct {
	URL     string
	Session *session.Manager
	Dial    Dialer // defaults to a transport.Dial-backed dialer if nil
}

// New creates a Client that is not yet connected; call Connect to dial.
func New(cfg Config) *Client {
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, url string, pub crypto.PublicKey, clientID fmt.Stringer) (transport.Connection, error) {
			return transport.Dial(ctx, url, pub, clientID)
		}
	}
	return &Client{url: cfg.URL, session: cfg.Session, dial: dial}
}

// OnMessage registers the handler invoked for every decrypted inbound
// message (spec §4.4: "emit message({from, data})").
func (c *Client) OnMessage(cb func(from Identity, data []byte)) { c.onMessage = cb }

// OnConnect registers the connect callback.
func (c *Client) OnConnect(cb func()) { c.onConnect = cb }

// OnDisconnect registers the disconnect callback.
func (c *Client) OnDisconnect(cb func(error)) { c.onDisconnect = cb }

// OnError registers the error callback.
func (c *Client) OnError(cb func(error)) { c.onError = cb }

// Connect dials the relay and maintains the connection, reconnecting
// with exponential backoff until ctx is canceled or Disconnect is
// called.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.closing = false
	c.mu.Unlock()

	conn, err := c.dialAndAuthenticate(ctx)
	if err != nil {
		cancel()
		return err
	}
	c.adopt(conn)
	go c.supervise(ctx)
	return nil
}

func (c *Client) supervise(ctx context.Context) {
	attempt := 0
	for {
		<-c.waitForDrop(ctx)
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return
		}
		delay := backoffDelay(attempt)
		attempt++
		logger.Warn("signaling: reconnecting in %s", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		conn, err := c.dialAndAuthenticate(ctx)
		if err != nil {
			if c.onError != nil {
				c.onError(err)
			}
			continue
		}
		attempt = 0
		c.adopt(conn)
	}
}

// waitForDrop returns a channel closed when the current connection
// drops, so supervise can block between reconnect attempts without
// busy-polling.
func (c *Client) waitForDrop(ctx context.Context) <-chan struct{} {
	dropped := make(chan struct{})
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		close(dropped)
		return dropped
	}
	conn.OnClose(func(err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
		close(dropped)
	})
	return dropped
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= backoffFactor
		if d > backoffCap {
			d = backoffCap
			break
		}
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

func (c *Client) dialAndAuthenticate(ctx context.Context) (transport.Connection, error) {
	conn, err := c.dial(ctx, c.url, c.session.PublicKey(), c.session.ClientID())
	if err != nil {
		return nil, fmt.Errorf("signaling: dial: %w", err)
	}

	type result struct {
		token string
		err   error
	}
	resultCh := make(chan result, 1)
	conn.OnData(func(data []byte) {
		f, err := decodeFrame(data)
		if err != nil {
			return
		}
		switch f.Type {
		case frameChallenge:
			sig := crypto.Sign(c.session.PrivateKey(), f.Challenge)
			resp, err := encodeFrame(Frame{Type: frameAuthResponse, Signature: sig})
			if err != nil {
				resultCh <- result{err: err}
				return
			}
			conn.Send(ctx, resp)
		case frameAuthOK:
			resultCh <- result{token: f.Token}
		case frameAuthFail:
			resultCh <- result{err: ErrUnauthorized}
		}
	})

	select {
	case res := <-resultCh:
		if res.err != nil {
			conn.Close(res.err)
			return nil, res.err
		}
		c.mu.Lock()
		c.reconnectTk = res.token
		c.mu.Unlock()
		return conn, nil
	case <-time.After(10 * time.Second):
		conn.Close(fmt.Errorf("signaling: handshake timeout"))
		return nil, fmt.Errorf("signaling: handshake timeout")
	case <-ctx.Done():
		conn.Close(ctx.Err())
		return nil, ctx.Err()
	}
}

func (c *Client) adopt(conn transport.Connection) {
	conn.OnData(func(data []byte) {
		c.handleFrame(data)
	})
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	if c.onConnect != nil {
		c.onConnect()
	}
}

func (c *Client) handleFrame(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		logger.Warn("signaling: dropping undecodable frame: %v", err)
		return
	}
	if f.Type != frameData || f.From == nil {
		return
	}
	var fromPub crypto.PublicKey
	copy(fromPub[:], f.From.PublicKey)
	if len(f.From.X25519Public) == len(crypto.PublicKey{}) {
		var fromX crypto.PublicKey
		copy(fromX[:], f.From.X25519Public)
		c.session.RecordRemoteX25519(fromPub, fromX)
	}
	payload := f.Payload
	if f.To != nil {
		plaintext, err := c.decrypt(fromPub, payload)
		if err != nil {
			logger.Warn("signaling: dropping undecryptable message from %s: %v", address.EncodePublicKey(fromPub), err)
			return
		}
		payload = plaintext
	}
	if c.onMessage != nil {
		c.onMessage(Identity{PublicKey: fromPub, ClientId: f.From.ClientId}, payload)
	}
}

func (c *Client) decrypt(from crypto.PublicKey, ciphertext []byte) ([]byte, error) {
	secret, err := c.session.PeerSecret(from)
	if err != nil {
		return nil, err
	}
	return crypto.Open(secret, aad(c.session.PublicKey(), from), ciphertext)
}

func aad(a, b crypto.PublicKey) []byte {
	out := make([]byte, 0, 64)
	out = append(out, a[:]...)
	out = append(out, b[:]...)
	return out
}

// SendMessage sends data to an optional recipient, encrypting it with
// the sender-recipient shared secret; a nil recipient broadcasts in
// clear (spec §4.4: "Broadcast (no to) is sent in clear and is
// reserved for public discovery messages").
func (c *Client) SendMessage(ctx context.Context, to *Identity, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return fmt.Errorf("signaling: not connected")
	}

	ownX25519, err := c.session.AdvertisedX25519Public()
	if err != nil {
		return err
	}
	frame := Frame{
		Type: frameData,
		From: &IdentityWire{
			PublicKey:    c.session.PublicKey().Bytes(),
			ClientId:     c.session.ClientID().Bytes(),
			X25519Public: ownX25519.Bytes(),
		},
		Payload: data,
	}
	if to != nil {
		secret, err := c.session.PeerSecret(to.PublicKey)
		if err != nil {
			return err
		}
		ciphertext, err := crypto.Seal(secret, aad(to.PublicKey, c.session.PublicKey()), data)
		if err != nil {
			return err
		}
		frame.Payload = ciphertext
		frame.To = &IdentityWire{PublicKey: to.PublicKey[:], ClientId: to.ClientId}
	}

	encoded, err := encodeFrame(frame)
	if err != nil {
		return fmt.Errorf("signaling: encode frame: %w", err)
	}
	return conn.Send(ctx, encoded)
}

// IsConnected reports whether the client currently has a live
// connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the connection and stops reconnecting (spec §5
// "disconnect: closes the connection ... preserves documents and
// storage state").
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()
	if conn != nil {
		conn.Close(nil)
	}
	if cancel != nil {
		cancel()
	}
}
