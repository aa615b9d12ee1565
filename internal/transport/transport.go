// Package transport implements Connection, the byte-frame abstraction
// spec §4.4 sits SignalingClient on top of.
package transport

import "context"

// Connection is a bidirectional byte-frame channel with data/close
// callbacks (spec §4.4: "Connection is a byte-frame abstraction with
// events data(bytes) and close(error) and methods send(bytes),
// close(reason), isConnected()").
type Connection interface {
	Send(ctx context.Context, data []byte) error
	Close(reason error) error
	IsConnected() bool

	// OnData/OnClose register the connection's fire-and-forget event
	// callbacks. Callers set them after Dial/Accept returns; a later
	// registration replaces the earlier one.
	OnData(func(data []byte))
	OnClose(func(err error))
}
