package peer

import (
	"context"
	"fmt"
	"sync"
)

// Channel tags the application-level stream multiplexed over a single
// Peer's byte-frame contract (spec §4.6 gives Peer exactly one
// send/onData/onClose surface; CRDT sync and presence both need to
// ride over it, so a Demux adds a one-byte channel tag above Peer
// rather than changing Peer's own contract).
type Channel byte

const (
	ChannelSync     Channel = 1
	ChannelPresence Channel = 2
)

// Demux multiplexes named channels over one Peer's data stream.
type Demux struct {
	peer *Peer

	mu       sync.Mutex
	handlers map[Channel]func([]byte)
}

// NewDemux wraps p, taking over its OnData callback.
func NewDemux(p *Peer) *Demux {
	d := &Demux{peer: p, handlers: make(map[Channel]func([]byte))}
	p.OnData(d.dispatch)
	return d
}

func (d *Demux) dispatch(frame []byte) {
	if len(frame) < 1 {
		return
	}
	ch := Channel(frame[0])
	d.mu.Lock()
	cb := d.handlers[ch]
	d.mu.Unlock()
	if cb != nil {
		cb(frame[1:])
	}
}

// OnChannel registers the handler for inbound data on ch.
func (d *Demux) OnChannel(ch Channel, cb func([]byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[ch] = cb
}

// Send frames data with ch's tag and sends it over the underlying peer.
func (d *Demux) Send(ctx context.Context, ch Channel, data []byte) error {
	framed := make([]byte, 0, len(data)+1)
	framed = append(framed, byte(ch))
	framed = append(framed, data...)
	if err := d.peer.Send(ctx, framed); err != nil {
		return fmt.Errorf("peer: demux send: %w", err)
	}
	return nil
}

// Underlying returns the wrapped Peer, for OnClose/Key/State access.
func (d *Demux) Underlying() *Peer { return d.peer }
