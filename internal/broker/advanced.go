package broker

import (
	"context"

	"github.com/sneh-joshi/jobrelay/internal/types"
)

// Advanced is Enhanced plus:
//   - a per-channel mailbox goroutine, so deliveries on a channel are FIFO;
//   - handlers invoked high → normal → low priority for each message;
//   - a pool of connections, each queue pinned to one by hash;
//   - a circuit breaker that rejects publishes after repeated failures.
type Advanced struct {
	c  *core
	d  *durable
	cb *breaker
}

var _ Broker = (*Advanced)(nil)

// NewAdvanced builds an Advanced broker. deps.Log is required.
func NewAdvanced(deps Deps, opts ...Option) (*Advanced, error) {
	set := defaultSettings()
	for _, o := range opts {
		o(&set)
	}
	c, err := newCore(KindAdvanced, deps, set.poolSize, set)
	if err != nil {
		return nil, err
	}
	c.prioritized = true
	c.mailboxes = true
	d, err := newDurable(c, deps.Log)
	if err != nil {
		return nil, err
	}
	return &Advanced{c: c, d: d, cb: newBreaker(set.breakerThreshold, set.breakerCooldown)}, nil
}

func (a *Advanced) Init(ctx context.Context) error     { return a.c.init(ctx) }
func (a *Advanced) Shutdown(ctx context.Context) error { return a.c.shutdown(ctx) }
func (a *Advanced) Flush(ctx context.Context) error    { return a.c.flush(ctx) }

// Stats implements Broker and reports the breaker state.
func (a *Advanced) Stats() Stats {
	s := a.c.stats()
	s.Circuit = a.cb.current().String()
	return s
}

// Publish implements Broker.
func (a *Advanced) Publish(ctx context.Context, queue string, typ types.MessageType, payload types.Payload) (err error) {
	reg, err := a.c.running()
	if err != nil {
		return err
	}
	msg, err := a.c.prepare(queue, typ, payload)
	if err != nil {
		return err
	}
	if err := a.cb.allow(); err != nil {
		return a.c.publishFailed(msg, 0, "circuit_open", err)
	}
	defer func() { a.cb.record(err) }()

	ctx, cancel := context.WithTimeout(ctx, a.c.set.publishTimeout)
	defer cancel()

	if err := a.d.persist(ctx, msg); err != nil {
		return err
	}
	ch, done, err := a.c.pin(ctx, reg, queue)
	if err != nil {
		return err
	}
	defer done()
	return a.c.send(ctx, ch, msg, a.c.set.publishAttempts)
}

// Subscribe implements Broker.
func (a *Advanced) Subscribe(ctx context.Context, queue string, typ types.MessageType, h Handler) (Teardown, error) {
	return a.SubscribeWithOptions(ctx, queue, typ, h, types.SubscribeOptions{})
}

// SubscribeWithOptions implements Broker.
func (a *Advanced) SubscribeWithOptions(ctx context.Context, queue string, typ types.MessageType, h Handler, opts types.SubscribeOptions) (Teardown, error) {
	return a.c.subscribe(ctx, queue, typ, h, opts, a.d.prepare, a.d.catchUp)
}
