// Package redis carries broker traffic over Redis pub/sub. Each Conn owns a
// dedicated client and PubSub connection; any receive error other than a
// read timeout is treated as a lost link so the connection manager can
// redial with backoff.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sneh-joshi/jobrelay/internal/transport"
)

// receiveTimeout bounds each blocking read so Close is noticed promptly.
const receiveTimeout = time.Second

// Dialer opens Redis pub/sub connections.
type Dialer struct {
	opts   *goredis.Options
	logger *slog.Logger
}

// NewDialer parses a redis:// URL.
func NewDialer(url string, logger *slog.Logger) (*Dialer, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis transport: parse url: %w", err)
	}
	return NewDialerWithOptions(opts, logger), nil
}

// NewDialerWithOptions uses opts as given.
func NewDialerWithOptions(opts *goredis.Options, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{opts: opts, logger: logger.With("component", "redis_transport")}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	opts := *d.opts
	client := goredis.NewClient(&opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("redis transport: ping: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		client:   client,
		ps:       client.Subscribe(ctx),
		handlers: make(map[string]transport.Handler),
		done:     make(chan struct{}),
		cancel:   cancel,
		logger:   d.logger,
	}
	go c.receive(runCtx)
	return c, nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "invalid password")
}

// Conn is a Redis pub/sub connection. It satisfies transport.Conn.
type Conn struct {
	client *goredis.Client
	ps     *goredis.PubSub
	logger *slog.Logger
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[string]transport.Handler
	err      error
	done     chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

// Subscribe implements transport.Conn.
func (c *Conn) Subscribe(ctx context.Context, topic string, h transport.Handler) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	_, existed := c.handlers[topic]
	c.handlers[topic] = h
	c.mu.Unlock()

	if existed {
		return nil
	}
	if err := c.ps.Subscribe(ctx, topic); err != nil {
		c.mu.Lock()
		delete(c.handlers, topic)
		c.mu.Unlock()
		return fmt.Errorf("redis transport: subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe implements transport.Conn.
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	_, ok := c.handlers[topic]
	delete(c.handlers, topic)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := c.ps.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("redis transport: unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Publish implements transport.Conn.
func (c *Conn) Publish(ctx context.Context, topic string, data []byte) error {
	if c.Err() != nil {
		return transport.ErrClosed
	}
	if err := c.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis transport: publish %s: %w", topic, err)
	}
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
	c.fail(transport.ErrClosed)
	return nil
}

// fail marks the connection dead and releases Redis resources once.
func (c *Conn) fail(reason error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = reason
	close(c.done)
	c.mu.Unlock()

	c.cancel()
	_ = c.ps.Close()
	_ = c.client.Close()
}

// ─── receive loop ─────────────────────────────────────────────────────────────

func (c *Conn) receive(ctx context.Context) {
	for {
		msg, err := c.ps.ReceiveTimeout(ctx, receiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.logger.Warn("redis pubsub receive failed", "err", err)
			c.fail(fmt.Errorf("%w: %v", transport.ErrLost, err))
			return
		}

		m, ok := msg.(*goredis.Message)
		if !ok {
			// subscription confirmations and pongs
			continue
		}
		c.mu.Lock()
		h := c.handlers[m.Channel]
		c.mu.Unlock()
		if h != nil {
			h([]byte(m.Payload))
		}
	}
}
