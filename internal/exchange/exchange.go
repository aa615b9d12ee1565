// Package exchange implements MessageExchanger (spec §4.5): a typed
// dispatcher over a SignalingClient that validates every payload
// against the tagged-union envelope schema before routing it.
package exchange

import (
	"context"
	"sync"

	"github.com/collab-docs/sharecore/internal/logger"
	"github.com/collab-docs/sharecore/internal/signaling"
	"github.com/collab-docs/sharecore/internal/wire"
)

// Handler receives a validated envelope and the identity that sent it.
type Handler func(from signaling.Identity, env wire.Envelope)

// Exchanger validates outbound payloads against the envelope union
// before delegating to the underlying signaling client, and dispatches
// inbound payloads to per-type subscribers only once they've parsed
// successfully (spec §4.5 guarantee).
type Exchanger struct {
	client *signaling.Client

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New wires an Exchanger on top of client, taking over its OnMessage
// callback.
func New(client *signaling.Client) *Exchanger {
	e := &Exchanger{client: client, handlers: make(map[string][]Handler)}
	client.OnMessage(e.handleInbound)
	return e
}

func (e *Exchanger) handleInbound(from signaling.Identity, data []byte) {
	env, err := wire.Unmarshal(data)
	if err != nil {
		logger.Warn("exchange: dropping invalid payload from %x: %v", from.PublicKey, err)
		return
	}
	e.mu.RLock()
	handlers := append([]Handler(nil), e.handlers[env.Type]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h(from, env)
	}
}

// On registers a handler for envelopes of the given type (spec §4.5:
// "subscribers for type T only receive payloads whose schema-parse for
// T succeeded").
func (e *Exchanger) On(envelopeType string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[envelopeType] = append(e.handlers[envelopeType], handler)
}

// SendMessage validates env against the envelope union and, if valid,
// delegates to the signaling client (spec §4.5: "validates data against
// the union (fails SchemaRejected); delegates to the client").
func (e *Exchanger) SendMessage(ctx context.Context, env wire.Envelope, to *signaling.Identity) error {
	encoded, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := wire.Unmarshal(encoded); err != nil {
		return err
	}
	return e.client.SendMessage(ctx, to, encoded)
}
