package broker

import (
	"context"

	"github.com/sneh-joshi/jobrelay/internal/types"
)

// Enhanced appends every message to the message log before broadcasting it,
// retries failed broadcasts with backoff, acknowledges tracked deliveries and
// replays missed messages to RetryOnReconnect subscriptions after a
// reconnect.
type Enhanced struct {
	c *core
	d *durable
}

var _ Broker = (*Enhanced)(nil)

// NewEnhanced builds an Enhanced broker on one connection. deps.Log is
// required.
func NewEnhanced(deps Deps, opts ...Option) (*Enhanced, error) {
	set := defaultSettings()
	for _, o := range opts {
		o(&set)
	}
	c, err := newCore(KindEnhanced, deps, 1, set)
	if err != nil {
		return nil, err
	}
	d, err := newDurable(c, deps.Log)
	if err != nil {
		return nil, err
	}
	return &Enhanced{c: c, d: d}, nil
}

func (e *Enhanced) Init(ctx context.Context) error     { return e.c.init(ctx) }
func (e *Enhanced) Shutdown(ctx context.Context) error { return e.c.shutdown(ctx) }
func (e *Enhanced) Flush(ctx context.Context) error    { return e.c.flush(ctx) }
func (e *Enhanced) Stats() Stats                       { return e.c.stats() }

// Publish implements Broker.
func (e *Enhanced) Publish(ctx context.Context, queue string, typ types.MessageType, payload types.Payload) error {
	reg, err := e.c.running()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.c.set.publishTimeout)
	defer cancel()

	msg, err := e.c.prepare(queue, typ, payload)
	if err != nil {
		return err
	}
	if err := e.d.persist(ctx, msg); err != nil {
		return err
	}
	ch, done, err := e.c.pin(ctx, reg, queue)
	if err != nil {
		return err
	}
	defer done()
	return e.c.send(ctx, ch, msg, e.c.set.publishAttempts)
}

// Subscribe implements Broker.
func (e *Enhanced) Subscribe(ctx context.Context, queue string, typ types.MessageType, h Handler) (Teardown, error) {
	return e.SubscribeWithOptions(ctx, queue, typ, h, types.SubscribeOptions{})
}

// SubscribeWithOptions implements Broker.
func (e *Enhanced) SubscribeWithOptions(ctx context.Context, queue string, typ types.MessageType, h Handler, opts types.SubscribeOptions) (Teardown, error) {
	return e.c.subscribe(ctx, queue, typ, h, opts, e.d.prepare, e.d.catchUp)
}
