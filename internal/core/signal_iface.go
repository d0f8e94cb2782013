package core

import "context"

// Frame is a raw signaling payload.
type Frame []byte

// SignalConnection abstracts a relay-side member transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalChannel is the client-side view of the relay: best-effort,
// unordered, at-most-once broadcast to every other member of the room.
type SignalChannel interface {
	Send(ctx context.Context, f Frame) error
	// OnMessage sets the single inbound handler. Frames may arrive on any goroutine.
	OnMessage(func(Frame))
	Close() error
}
