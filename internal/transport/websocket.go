package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crypto"
	"github.com/collab-docs/sharecore/internal/logger"
)

// WebSocket timing constants, carried over from the teacher's
// internal/collab/server.go.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// WebSocketConnection is the Connection implementation used by both the
// signaling client (dialing out) and the reference relay (accepting).
// It sets the x-public-key/x-client-id headers spec §4.4/§6 specify on
// connect.
type WebSocketConnection struct {
	conn *websocket.Conn

	mu        sync.Mutex
	connected bool

	onData  func([]byte)
	onClose func(error)

	sendMu sync.Mutex
	send   chan []byte
	done   chan struct{}
}

// Dial opens a client-side WebSocketConnection to url, presenting pub
// and clientID as base58-encoded headers.
func Dial(ctx context.Context, url string, pub crypto.PublicKey, clientID fmt.Stringer) (*WebSocketConnection, error) {
	header := http.Header{}
	header.Set("x-public-key", address.EncodePublicKey(pub))
	header.Set("x-client-id", clientID.String())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return wrap(conn), nil
}

// Accept wraps an already-upgraded server-side *websocket.Conn.
func Accept(conn *websocket.Conn) *WebSocketConnection {
	return wrap(conn)
}

func wrap(conn *websocket.Conn) *WebSocketConnection {
	conn.SetReadLimit(maxMessageSize)
	wc := &WebSocketConnection{
		conn:      conn,
		connected: true,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go wc.readLoop()
	go wc.writeLoop()
	return wc
}

func (c *WebSocketConnection) readLoop() {
	defer c.teardown(nil)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}
		c.mu.Lock()
		cb := c.onData
		c.mu.Unlock()
		if cb != nil {
			cb(data)
		}
	}
}

func (c *WebSocketConnection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				logger.Warn("transport: write failed: %v", err)
				c.teardown(err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketConnection) teardown(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	cb := c.onClose
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.conn.Close()
	if cb != nil {
		cb(err)
	}
}

// Send implements Connection.
func (c *WebSocketConnection) Send(ctx context.Context, data []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("transport: send on closed connection")
	}
	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("transport: send on closed connection")
	}
}

// Close implements Connection.
func (c *WebSocketConnection) Close(reason error) error {
	c.teardown(reason)
	return nil
}

// IsConnected implements Connection.
func (c *WebSocketConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnData implements Connection.
func (c *WebSocketConnection) OnData(cb func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = cb
}

// OnClose implements Connection.
func (c *WebSocketConnection) OnClose(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = cb
}
