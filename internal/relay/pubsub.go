package relay

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-redis/redis/v8"
)

// PubSub fans frames out across relay instances so two clients connected
// to different processes can still reach each other, adapted from the
// teacher's internal/redis.PubSub (same Subscribe/Publish/listen
// shape, generalized from JSON room messages to raw relay frame bytes).
type PubSub struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc

	subsMu sync.RWMutex
	subs   map[string]*redis.PubSub

	handlersMu sync.RWMutex
	handlers   map[string][]func(channel string, payload []byte)
}

// NewPubSub connects to REDIS_URL (default localhost:6379).
func NewPubSub(ctx context.Context) (*PubSub, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("relay: connect redis: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	return &PubSub{
		client:   client,
		ctx:      subCtx,
		cancel:   cancel,
		subs:     make(map[string]*redis.PubSub),
		handlers: make(map[string][]func(string, []byte)),
	}, nil
}

// Close tears down every subscription and the underlying client.
func (ps *PubSub) Close() error {
	ps.cancel()
	ps.subsMu.Lock()
	for _, sub := range ps.subs {
		sub.Close()
	}
	ps.subsMu.Unlock()
	return ps.client.Close()
}

// Subscribe registers handler for channel, opening the subscription on
// first use.
func (ps *PubSub) Subscribe(channel string, handler func(channel string, payload []byte)) {
	ps.handlersMu.Lock()
	ps.handlers[channel] = append(ps.handlers[channel], handler)
	ps.handlersMu.Unlock()

	ps.subsMu.Lock()
	defer ps.subsMu.Unlock()
	if _, exists := ps.subs[channel]; exists {
		return
	}
	sub := ps.client.Subscribe(ps.ctx, channel)
	ps.subs[channel] = sub
	go ps.listen(channel, sub)
}

// Publish fans data out to every relay instance subscribed to channel.
func (ps *PubSub) Publish(channel string, data []byte) error {
	return ps.client.Publish(ps.ctx, channel, data).Err()
}

func (ps *PubSub) listen(channel string, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ps.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ps.handlersMu.RLock()
			handlers := append([]func(string, []byte){}, ps.handlers[channel]...)
			ps.handlersMu.RUnlock()
			for _, h := range handlers {
				go h(channel, []byte(msg.Payload))
			}
		}
	}
}

// identityChannel names the fanout channel for a public key, mirroring
// the teacher's redis.GetRoomChannel convention.
func identityChannel(pubKeyBase58 string) string {
	return fmt.Sprintf("relay:identity:%s", pubKeyBase58)
}
