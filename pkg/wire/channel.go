package wire

import "context"

// Handler processes one inbound frame and produces its reply. Controllers
// register a Handler per peer-facing listener; Channel implementations
// invoke it however they receive frames (socket, in-memory call).
type Handler func(ctx context.Context, from string, f Frame) (Frame, error)

// Channel is the capability a transport must provide: send a frame to a
// named peer and get its reply, tolerating reconnection internally —
// network failures are expected to trigger reconnection at this layer
// rather than propagate as a permanent failure.
type Channel interface {
	// Send delivers f to peer address and returns its reply.
	Send(ctx context.Context, address string, f Frame) (Frame, error)
	// LocalAddress is this channel's own address, as peers would dial it.
	LocalAddress() string
	// Close releases any held connections.
	Close() error
}
