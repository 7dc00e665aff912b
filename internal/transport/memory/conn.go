package memory

import (
	"context"
	"sync"

	"github.com/sneh-joshi/jobrelay/internal/transport"
)

type delivery struct {
	topic string
	data  []byte
}

// Conn is one client connection to a Hub. It satisfies transport.Conn.
type Conn struct {
	hub *Hub

	mu       sync.Mutex
	handlers map[string]transport.Handler
	pending  []delivery
	err      error

	wake chan struct{}
	done chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

func newConn(h *Hub) *Conn {
	c := &Conn{
		hub:      h,
		handlers: make(map[string]transport.Handler),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Subscribe implements transport.Conn.
func (c *Conn) Subscribe(_ context.Context, topic string, h transport.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return transport.ErrClosed
	}
	c.handlers[topic] = h
	return nil
}

// Unsubscribe implements transport.Conn.
func (c *Conn) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return transport.ErrClosed
	}
	delete(c.handlers, topic)
	return nil
}

// Publish implements transport.Conn.
func (c *Conn) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Err() != nil {
		return transport.ErrClosed
	}
	c.hub.Publish(topic, data)
	return nil
}

// Done implements transport.Conn.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements transport.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.hub.remove(c)
	c.shutdown(transport.ErrClosed)
	return nil
}

func (c *Conn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

// deliver queues data for the delivery goroutine if topic is subscribed.
func (c *Conn) deliver(topic string, data []byte) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	if _, ok := c.handlers[topic]; !ok {
		c.mu.Unlock()
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.pending = append(c.pending, delivery{topic: topic, data: buf})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// shutdown marks the connection dead. Undelivered frames are dropped, as they
// would be on a real network; a handler already running is not interrupted.
func (c *Conn) shutdown(reason error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = reason
	c.pending = nil
	close(c.done)
	c.mu.Unlock()
}

// ─── delivery goroutine ───────────────────────────────────────────────────────

func (c *Conn) run() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if c.err != nil || len(c.pending) == 0 {
				c.mu.Unlock()
				break
			}
			d := c.pending[0]
			c.pending = c.pending[1:]
			h := c.handlers[d.topic]
			c.mu.Unlock()

			if h != nil {
				h(d.data)
			}
		}
	}
}
