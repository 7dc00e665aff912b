// Package memory is an in-process transport. A Hub plays the role of the
// remote pub/sub server; every Conn dialed from it is an independent client.
//
// The hub is used by single-process deployments, by the websocket relay as
// its fan-out core, and by tests that need to inject faults: SetDown refuses
// new dials and Disconnect drops every live connection.
package memory

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/sneh-joshi/jobrelay/internal/transport"
)

// Hub routes published frames to subscribed connections.
type Hub struct {
	mu    sync.Mutex
	token string
	down  bool
	conns map[*Conn]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithToken makes Dial reject credentials other than token.
func WithToken(token string) HubOption {
	return func(h *Hub) { h.token = token }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{conns: make(map[*Conn]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Dialer returns a transport.Dialer presenting token to the hub.
func (h *Hub) Dialer(token string) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.Conn, error) {
		return h.Dial(ctx, token)
	})
}

// Dial opens a new connection to the hub.
func (h *Hub) Dial(ctx context.Context, token string) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.down {
		return nil, errHubDown
	}
	if h.token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		return nil, transport.ErrUnauthorized
	}
	c := newConn(h)
	h.conns[c] = struct{}{}
	return c, nil
}

// SetDown toggles the hub's availability. Going down drops every live
// connection; while down, Dial fails with a transient error.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
	if down {
		h.Disconnect()
	}
}

// Disconnect drops every live connection as if the network failed.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown(transport.ErrLost)
	}
}

// Publish broadcasts data on topic to every subscribed connection.
func (h *Hub) Publish(topic string, data []byte) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.deliver(topic, data)
	}
}

// Conns returns the number of live connections.
func (h *Hub) Conns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Subscribers returns the number of live connections subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	n := 0
	for _, c := range conns {
		if c.subscribed(topic) {
			n++
		}
	}
	return n
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

type hubError string

func (e hubError) Error() string { return string(e) }

const errHubDown = hubError("memory: hub unavailable")
