package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crypto"
	"github.com/collab-docs/sharecore/internal/logger"
	"github.com/collab-docs/sharecore/internal/transport"
)

const handshakeTimeout = 10 * time.Second

// closeUnauthorized is the WebSocket close code sent when the
// challenge/response handshake fails.
const closeUnauthorized = 4401

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the reference relay's HTTP/WebSocket surface.
type Server struct {
	hub *Hub
}

// NewServer creates a Server over hub.
func NewServer(hub *Hub) *Server {
	return &Server{hub: hub}
}

// RegisterRoutes wires health, stats and the WebSocket upgrade endpoint
// onto r, mirroring the teacher's cmd/api Gin route registration shape.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connectionCount": s.hub.ConnectionCount()})
	})
	r.GET("/ws", s.handleWebSocket)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	pubKeyStr := c.GetHeader("x-public-key")
	clientID := c.GetHeader("x-client-id")
	if pubKeyStr == "" || clientID == "" {
		c.String(http.StatusBadRequest, "missing x-public-key/x-client-id headers")
		return
	}
	pub, err := address.DecodePublicKey(pubKeyStr)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid x-public-key")
		return
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("relay: upgrade failed: %v", err)
		return
	}
	conn := transport.Accept(wsConn)

	if !s.handshake(c.Request.Context(), conn, pub, clientID) {
		wsConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeUnauthorized, "unauthorized"), time.Now().Add(time.Second))
		conn.Close(nil)
		return
	}

	s.hub.Register(pubKeyStr, clientID, conn)
	conn.OnClose(func(error) {
		s.hub.Unregister(pubKeyStr, clientID)
	})
	conn.OnData(func(data []byte) {
		s.handleData(pubKeyStr, data)
	})
}

// handshake runs the challenge/response authentication spec §6
// describes: the relay sends a random challenge, the client signs it
// with its Ed25519 identity key, and the relay verifies the signature
// before admitting the connection (closing with code 4401 on failure).
func (s *Server) handshake(ctx context.Context, conn transport.Connection, pub crypto.PublicKey, clientID string) bool {
	challenge, err := crypto.RandomBytes(32)
	if err != nil {
		logger.Warn("relay: generating challenge failed: %v", err)
		return false
	}

	result := make(chan bool, 1)
	conn.OnData(func(data []byte) {
		f, err := decodeFrame(data)
		if err != nil || f.Type != frameAuthResponse {
			return
		}
		ok := crypto.Verify(pub, challenge, f.Signature)
		select {
		case result <- ok:
		default:
		}
	})

	challengeFrame, err := encodeFrame(frame{Type: frameChallenge, Challenge: challenge})
	if err != nil {
		logger.Warn("relay: encoding challenge failed: %v", err)
		return false
	}
	if err := conn.Send(ctx, challengeFrame); err != nil {
		logger.Warn("relay: sending challenge failed: %v", err)
		return false
	}

	var ok bool
	select {
	case ok = <-result:
	case <-time.After(handshakeTimeout):
		ok = false
	case <-ctx.Done():
		ok = false
	}

	if !ok {
		failFrame, _ := encodeFrame(frame{Type: frameAuthFail})
		conn.Send(ctx, failFrame)
		return false
	}

	token, err := issueReconnectToken(pub, clientID)
	if err != nil {
		logger.Warn("relay: issuing reconnect token failed: %v", err)
		token = ""
	}
	okFrame, err := encodeFrame(frame{Type: frameAuthOK, Token: token})
	if err != nil {
		logger.Warn("relay: encoding auth-ok failed: %v", err)
		return false
	}
	return conn.Send(ctx, okFrame) == nil
}

// handleData forwards a post-handshake data frame to its addressee
// without inspecting the (already encrypted, for addressed messages)
// payload, per spec §4.4's "dumb forwarding" model.
func (s *Server) handleData(fromPubKeyB58 string, data []byte) {
	f, err := decodeFrame(data)
	if err != nil || f.Type != frameData {
		return
	}
	to := ""
	if f.To != nil {
		to = address.EncodePublicKey(mustPublicKey(f.To.PublicKey))
	}
	s.hub.Route(to, data)
}

func mustPublicKey(b []byte) crypto.PublicKey {
	var pk crypto.PublicKey
	copy(pk[:], b)
	return pk
}
