package broker

import (
	"context"

	"github.com/sneh-joshi/jobrelay/internal/types"
)

// Basic dispatches in memory with one send attempt. Nothing is persisted and
// nothing is replayed, so messages published while the link is down are lost.
// Durable subscribe options are accepted and ignored.
type Basic struct {
	c *core
}

var _ Broker = (*Basic)(nil)

// NewBasic builds a Basic broker on one connection.
func NewBasic(deps Deps, opts ...Option) (*Basic, error) {
	set := defaultSettings()
	for _, o := range opts {
		o(&set)
	}
	c, err := newCore(KindBasic, deps, 1, set)
	if err != nil {
		return nil, err
	}
	return &Basic{c: c}, nil
}

func (b *Basic) Init(ctx context.Context) error     { return b.c.init(ctx) }
func (b *Basic) Shutdown(ctx context.Context) error { return b.c.shutdown(ctx) }
func (b *Basic) Flush(ctx context.Context) error    { return b.c.flush(ctx) }
func (b *Basic) Stats() Stats                       { return b.c.stats() }

// Publish implements Broker.
func (b *Basic) Publish(ctx context.Context, queue string, typ types.MessageType, payload types.Payload) error {
	reg, err := b.c.running()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.c.set.publishTimeout)
	defer cancel()

	msg, err := b.c.prepare(queue, typ, payload)
	if err != nil {
		return err
	}
	ch, done, err := b.c.pin(ctx, reg, queue)
	if err != nil {
		return err
	}
	defer done()
	return b.c.send(ctx, ch, msg, 1)
}

// Subscribe implements Broker.
func (b *Basic) Subscribe(ctx context.Context, queue string, typ types.MessageType, h Handler) (Teardown, error) {
	return b.SubscribeWithOptions(ctx, queue, typ, h, types.SubscribeOptions{})
}

// SubscribeWithOptions implements Broker.
func (b *Basic) SubscribeWithOptions(ctx context.Context, queue string, typ types.MessageType, h Handler, opts types.SubscribeOptions) (Teardown, error) {
	return b.c.subscribe(ctx, queue, typ, h, opts, nil, nil)
}
