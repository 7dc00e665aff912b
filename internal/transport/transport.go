// Package transport abstracts the real-time connection the broker rides on.
//
// A Dialer opens one Conn; a Conn multiplexes any number of topics (one topic
// per queue). Every implementation follows the same rules:
//
//   - Messages published on a topic are delivered to every Conn subscribed to
//     it, including the publishing Conn.
//   - Deliveries for one Conn happen on a single goroutine, in arrival order.
//   - When the underlying link is lost, Done is closed and Err reports why.
//     A dead Conn is never revived; the caller dials a new one.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized is returned by Dial when the remote side rejects the
	// credentials. Connection managers treat it as potentially fatal.
	ErrUnauthorized = errors.New("transport: unauthorized")

	// ErrClosed is returned by operations on a Conn that has been closed
	// locally or lost its link.
	ErrClosed = errors.New("transport: connection closed")

	// ErrLost is reported by Err when the link dropped without a local Close.
	ErrLost = errors.New("transport: connection lost")
)

// Handler receives the raw bytes of one delivery.
type Handler func(data []byte)

// Conn is one live transport connection.
type Conn interface {
	// Subscribe starts delivering topic to h, replacing any previous handler.
	Subscribe(ctx context.Context, topic string, h Handler) error
	// Unsubscribe stops deliveries for topic. Unknown topics are a no-op.
	Unsubscribe(ctx context.Context, topic string) error
	// Publish broadcasts data on topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Done is closed when the connection is no longer usable.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil while the connection is live.
	Err() error
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
