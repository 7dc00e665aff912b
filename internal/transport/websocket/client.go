package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/sneh-joshi/jobrelay/internal/transport"
)

const writeTimeout = 10 * time.Second

// Dialer connects to a relay server.
type Dialer struct {
	url    string
	apiKey string
	dialer *gorillaws.Dialer
	logger *slog.Logger
}

// NewDialer returns a Dialer for the relay at url (ws:// or wss://).
func NewDialer(url, apiKey string, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		url:    url,
		apiKey: apiKey,
		dialer: &gorillaws.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger.With("component", "ws_transport"),
	}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	header := http.Header{}
	if d.apiKey != "" {
		header.Set(APIKeyHeader, d.apiKey)
	}
	ws, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: relay returned %d", transport.ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws transport: dial %s: %w", d.url, err)
	}

	c := &Conn{
		ws:       ws,
		handlers: make(map[string]transport.Handler),
		done:     make(chan struct{}),
		logger:   d.logger,
	}
	go c.readLoop()
	return c, nil
}

// Conn is a client connection to the relay. It satisfies transport.Conn.
type Conn struct {
	ws     *gorillaws.Conn
	logger *slog.Logger

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex

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
	c.handlers[topic] = h
	c.mu.Unlock()
	return c.write(ctx, frame{Op: opSubscribe, Topic: topic})
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
	return c.write(ctx, frame{Op: opUnsubscribe, Topic: topic})
}

// Publish implements transport.Conn.
func (c *Conn) Publish(ctx context.Context, topic string, data []byte) error {
	return c.write(ctx, frame{Op: opPublish, Topic: topic, Data: data})
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
	if !c.fail(transport.ErrClosed) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) write(ctx context.Context, f frame) error {
	if c.Err() != nil {
		return transport.ErrClosed
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("ws transport: encode frame: %w", err)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(gorillaws.TextMessage, data); err != nil {
		c.fail(fmt.Errorf("%w: %v", transport.ErrLost, err))
		_ = c.ws.Close()
		return fmt.Errorf("ws transport: write %s: %w", f.Op, err)
	}
	return nil
}

// fail records reason once and reports whether this call did so.
func (c *Conn) fail(reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	c.err = reason
	close(c.done)
	return true
}

func (c *Conn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if c.fail(fmt.Errorf("%w: %v", transport.ErrLost, err)) {
				c.logger.Warn("relay connection lost", "err", err)
				_ = c.ws.Close()
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("relay sent malformed frame", "err", err)
			continue
		}
		switch f.Op {
		case opMessage:
			c.mu.Lock()
			h := c.handlers[f.Topic]
			c.mu.Unlock()
			if h != nil {
				h(f.Data)
			}
		case opError:
			c.logger.Warn("relay rejected frame", "topic", f.Topic, "err", f.Error)
		}
	}
}
