// Package transport carries typed messages between the broker and its peers.
//
// A Peer is one duplex link: PostMessage sends, Serve runs the read loop and
// hands every inbound message to a Dispatcher. The read loop is the link's
// main event loop: the context it passes down is marked with
// requesting.WithMainLoop and carries the Peer as the reply Sender.
package transport

import (
	"context"

	"scard-broker/message"
	"scard-broker/requesting"
)

// Sender posts typed messages to the other side.
type Sender interface {
	PostMessage(msg message.TypedMessage) error
}

// Dispatcher consumes inbound messages; router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg message.TypedMessage) bool
}

// Peer is a duplex message link.
type Peer interface {
	Sender
	Serve(ctx context.Context, d Dispatcher) error
	Close() error
	ID() string
}

type senderKey struct{}

// WithSender attaches the sender replies should go to.
func WithSender(ctx context.Context, s Sender) context.Context {
	return context.WithValue(ctx, senderKey{}, s)
}

// SenderFromContext returns the sender attached by WithSender.
func SenderFromContext(ctx context.Context) (Sender, bool) {
	s, ok := ctx.Value(senderKey{}).(Sender)
	return s, ok
}

// loopContext is the context a read loop dispatches with.
func loopContext(ctx context.Context, p Peer) context.Context {
	return requesting.WithMainLoop(WithSender(ctx, p))
}
