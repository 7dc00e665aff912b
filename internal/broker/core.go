package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/connection"
	"github.com/sneh-joshi/jobrelay/internal/node"
	"github.com/sneh-joshi/jobrelay/internal/transport"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

const (
	stateNew int32 = iota
	stateRunning
	stateShut
)

// core is the machinery every tier is assembled from: the connection
// managers, the registry actor, delivery and the counters. A tier plugs in
// its dispatch strategy and, for durable tiers, its cursor bookkeeping.
type core struct {
	kind     Kind
	set      settings
	logger   *slog.Logger
	nodeID   string
	managers []*connection.Manager

	prioritized bool
	mailboxes   bool
	// onDelivered runs after each handler call on a tracked subscription, and
	// for messages of other types it skips.
	onDelivered func(ch *channel, sub *subscription, msg *types.Message, err error)
	// afterRejoin runs while the moved channels' gates are held.
	afterRejoin func(ctx context.Context, moved []*channel)
	syncLog     func() error

	reg atomic.Pointer[registry]

	nextSubID atomic.Uint64
	sent      atomic.Uint64
	received  atomic.Uint64
	errs      atomic.Uint64
	replayed  atomic.Uint64
	inflight  atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	state    atomic.Int32
	initOnce sync.Once
	initErr  error // set when the first Init could not connect
	shutOnce sync.Once
	wg       sync.WaitGroup

	pendingMu  sync.Mutex
	pending    map[int]transport.Conn
	wake       chan struct{}
	stopListen []func()
}

func newCore(kind Kind, deps Deps, poolSize int, set settings) (*core, error) {
	if deps.Dialer == nil {
		return nil, fmt.Errorf("broker: %s tier requires a transport dialer", kind)
	}
	logger := set.logger.With("component", "broker", "tier", kind.String())
	ctx, cancel := context.WithCancel(context.Background())
	c := &core{
		kind:    kind,
		set:     set,
		logger:  logger,
		nodeID:  deps.NodeID,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int]transport.Conn),
		wake:    make(chan struct{}, 1),
	}
	for i := 0; i < poolSize; i++ {
		opts := []connection.Option{
			connection.WithBackoff(set.reconnectBackoff),
			connection.WithLogger(set.logger),
			connection.WithName(fmt.Sprintf("%s-%d", kind, i)),
		}
		if set.maxAuthFailures > 0 {
			opts = append(opts, connection.WithMaxAuthFailures(set.maxAuthFailures))
		}
		c.managers = append(c.managers, connection.NewManager(deps.Dialer, opts...))
	}
	return c, nil
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func (c *core) init(ctx context.Context) error {
	var err error
	c.initOnce.Do(func() {
		if c.state.Load() == stateShut {
			err = ErrShutdown
			return
		}
		c.reg.Store(newRegistry(c.prioritized, c.openChannel, c.closeChannel, c.set.metrics.SetBrokerGauges, c.logger))
		for i, m := range c.managers {
			idx := i
			c.stopListen = append(c.stopListen, m.OnStatusChange(func(ev connection.Event) { c.onStatus(idx, ev) }))
		}
		c.wg.Add(1)
		go c.reconnectLoop()
		c.state.Store(stateRunning)

		for _, m := range c.managers {
			if _, cerr := m.Connection(ctx); cerr != nil {
				err = fmt.Errorf("broker: connect: %w", cerr)
				c.initErr = err
				c.state.CompareAndSwap(stateRunning, stateNew)
				return
			}
		}
		c.logger.Info("broker started", "pool", len(c.managers))
	})
	if c.state.Load() == stateShut {
		return ErrShutdown
	}
	if err == nil {
		err = c.initErr
	}
	return err
}

func (c *core) shutdown(ctx context.Context) error {
	var err error
	c.shutOnce.Do(func() {
		c.state.Store(stateShut)
		for _, stop := range c.stopListen {
			stop()
		}
		c.cancel()

		if reg := c.reg.Load(); reg != nil {
			if cerr := reg.clear(ctx); cerr != nil {
				c.logger.Warn("clearing channels on shutdown", "err", cerr)
			}
			reg.stop()
		}
		for _, m := range c.managers {
			_ = m.Close()
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("broker: shutdown: %w", ctx.Err())
			return
		}
		if c.syncLog != nil {
			if serr := c.syncLog(); serr != nil {
				err = fmt.Errorf("broker: sync log: %w", serr)
			}
		}
		c.logger.Info("broker stopped",
			"sent", c.sent.Load(), "received", c.received.Load(), "errors", c.errs.Load())
	})
	return err
}

// running returns the registry of a started, live broker.
func (c *core) running() (*registry, error) {
	switch c.state.Load() {
	case stateNew:
		return nil, ErrNotStarted
	case stateShut:
		return nil, ErrShutdown
	}
	return c.reg.Load(), nil
}

func (c *core) flush(ctx context.Context) error {
	reg, err := c.running()
	if err != nil {
		return err
	}

	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for c.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("broker: flush: %w", ctx.Err())
		case <-tick.C:
		}
	}

	chans, err := reg.all(ctx)
	if err != nil {
		return err
	}
	for _, ch := range chans {
		if ch.mbox == nil {
			continue
		}
		if err := ch.mbox.drain(ctx); err != nil {
			return fmt.Errorf("broker: flush %q: %w", ch.queue, err)
		}
	}
	if c.syncLog != nil {
		return c.syncLog()
	}
	return nil
}

func (c *core) stats() Stats {
	s := Stats{
		Tier:             c.kind,
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		Errors:           c.errs.Load(),
		Replayed:         c.replayed.Load(),
	}
	if reg := c.reg.Load(); reg != nil {
		s.ActiveChannels = int(reg.channelCount.Load())
		s.ActiveSubscriptions = int(reg.subCount.Load())
	}
	return s
}

// ─── Channels ─────────────────────────────────────────────────────────────────

// poolIndex pins queue to one connection manager.
func (c *core) poolIndex(queue string) int {
	if len(c.managers) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(queue))
	return int(h.Sum32() % uint32(len(c.managers)))
}

func (c *core) openChannel(queue string, buffer int) *channel {
	ch := &channel{queue: queue, pool: c.poolIndex(queue)}
	ch.deliver = func(data []byte) { c.receive(ch, data) }
	if c.mailboxes {
		if buffer <= 0 {
			buffer = c.set.mailboxSize
		}
		ch.mbox = newMailbox(buffer, &c.wg, func(msg *types.Message, only *subscription) {
			c.fanout(ch, msg, only)
		})
	}
	c.logger.Debug("channel opened", "queue", queue, "pool", ch.pool)
	return ch
}

func (c *core) closeChannel(ch *channel) {
	if ch.mbox != nil {
		ch.mbox.close()
	}
	c.logger.Debug("channel closed", "queue", ch.queue)
}

// ─── Delivery ─────────────────────────────────────────────────────────────────

// receive is the transport listener for one channel.
func (c *core) receive(ch *channel, data []byte) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.errs.Add(1)
		c.logger.Warn("dropping undecodable message", "queue", ch.queue, "err", err)
		return
	}
	c.received.Add(1)
	c.set.metrics.MessageReceived(ch.queue)

	if !ch.gate.admit(&msg) {
		return
	}
	c.dispatch(ch, &msg, nil)
}

// dispatch hands msg to the channel's handlers; only restricts delivery to a
// single subscription during replay.
func (c *core) dispatch(ch *channel, msg *types.Message, only *subscription) {
	if ch.mbox != nil {
		ch.mbox.put(msg, only)
		return
	}
	c.fanout(ch, msg, only)
}

// fanout calls every matching handler in snapshot order, one at a time.
func (c *core) fanout(ch *channel, msg *types.Message, only *subscription) {
	for _, sub := range ch.snapshot() {
		if only != nil && sub != only {
			continue
		}
		tracked := sub.tracked && msg.Seq > 0 && c.onDelivered != nil
		if !sub.matches(msg.Type) {
			if tracked {
				c.onDelivered(ch, sub, msg, nil)
			}
			continue
		}
		// Live and replayed copies of one seq race for a single delivery.
		if tracked && only == nil && !sub.claim(msg.Seq) {
			continue
		}
		if only != nil {
			c.replayed.Add(1)
			c.set.metrics.MessageReplayed(ch.queue)
		}

		err := c.invoke(sub, msg)
		if tracked {
			c.onDelivered(ch, sub, msg, err)
		}
	}
}

// invoke runs one handler, converting errors and panics to *HandlerError.
func (c *core) invoke(sub *subscription, msg *types.Message) error {
	err := c.call(sub, msg)
	if err == nil {
		return nil
	}
	c.errs.Add(1)
	c.set.metrics.HandlerError(sub.queue)
	c.logger.Warn("handler failed", "queue", sub.queue, "type", msg.Type, "msg_id", msg.ID, "sub", sub.id, "err", err)
	if c.set.errorHook != nil {
		c.set.errorHook(err)
	}
	return err
}

func (c *core) call(sub *subscription, msg *types.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{
				Queue: sub.queue, Type: msg.Type, MessageID: msg.ID, SubscriptionID: sub.id,
				Panic: p, Err: fmt.Errorf("panic: %v", p),
			}
		}
	}()
	if herr := sub.handler(c.ctx, msg); herr != nil {
		return &HandlerError{
			Queue: sub.queue, Type: msg.Type, MessageID: msg.ID, SubscriptionID: sub.id,
			Err: herr,
		}
	}
	return nil
}

// ─── Publish ──────────────────────────────────────────────────────────────────

// prepare stamps a new message. Custom payloads may travel under any type;
// typed payloads must match typ.
func (c *core) prepare(queue string, typ types.MessageType, payload types.Payload) (*types.Message, error) {
	if queue == "" || typ == "" || typ == AnyType {
		return nil, fmt.Errorf("broker: publish needs a queue and a concrete type")
	}
	if payload == nil {
		payload = types.Custom{}
	}
	if _, custom := payload.(types.Custom); !custom && payload.Type() != typ {
		return nil, fmt.Errorf("%w: %s payload published as %s", ErrPayloadMismatch, payload.Type(), typ)
	}
	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("broker: message id: %w", err)
	}
	return &types.Message{
		ID:        id,
		Queue:     queue,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		Source:    c.nodeID,
	}, nil
}

// send broadcasts msg on ch's connection, making up to attempts tries with
// the publish backoff between them.
func (c *core) send(ctx context.Context, ch *channel, msg *types.Message, attempts int) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return c.publishFailed(msg, 0, "encode", err)
	}

	var (
		lastErr error
		tries   int
	)
	for tries < attempts {
		if tries > 0 {
			if err := c.set.publishBackoff.Sleep(ctx, tries-1); err != nil {
				lastErr = err
				break
			}
		}
		tries++
		conn, cerr := c.managers[ch.pool].Connection(ctx)
		if cerr == nil {
			cerr = conn.Publish(ctx, ch.queue, data)
		}
		if cerr == nil {
			c.sent.Add(1)
			c.set.metrics.MessagePublished(ch.queue, string(msg.Type))
			return nil
		}
		lastErr = cerr
		if ctx.Err() != nil || errors.Is(cerr, connection.ErrAuthFailed) || errors.Is(cerr, connection.ErrClosed) {
			break
		}
		c.logger.Debug("publish attempt failed", "queue", ch.queue, "attempt", tries, "err", cerr)
	}

	reason := "transport"
	if errors.Is(lastErr, context.DeadlineExceeded) {
		lastErr = fmt.Errorf("%w: %w", ErrTimeout, lastErr)
		reason = "timeout"
	}
	return c.publishFailed(msg, tries, reason, lastErr)
}

func (c *core) publishFailed(msg *types.Message, attempts int, reason string, err error) error {
	c.errs.Add(1)
	c.set.metrics.PublishFailed(msg.Queue, reason)
	c.logger.Warn("publish failed", "queue", msg.Queue, "type", msg.Type, "msg_id", msg.ID, "attempts", attempts, "err", err)
	return &PublishError{Queue: msg.Queue, Type: msg.Type, MessageID: msg.ID, Attempts: attempts, Err: err}
}

// pin registers an in-flight publish on queue's channel.
func (c *core) pin(ctx context.Context, reg *registry, queue string) (*channel, func(), error) {
	c.inflight.Add(1)
	ch, err := reg.acquire(ctx, queue)
	if err != nil {
		c.inflight.Add(-1)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, nil, err
	}
	return ch, func() {
		reg.release(ch)
		c.inflight.Add(-1)
	}, nil
}

// ─── Subscribe ────────────────────────────────────────────────────────────────

// subscribe registers a handler. prep runs before the subscription becomes
// visible; after runs once it is live.
func (c *core) subscribe(
	ctx context.Context,
	queue string,
	typ types.MessageType,
	h Handler,
	opts types.SubscribeOptions,
	prep func(context.Context, *subscription) error,
	after func(context.Context, *channel, *subscription),
) (Teardown, error) {
	reg, err := c.running()
	if err != nil {
		return nil, err
	}
	if h == nil || queue == "" || typ == "" {
		return nil, fmt.Errorf("%w: queue, type and handler are required", ErrInvalidSubscription)
	}

	ctx, cancel := context.WithTimeout(ctx, c.set.subscribeTimeout)
	defer cancel()

	sub := &subscription{
		id:           c.nextSubID.Add(1),
		queue:        queue,
		typ:          typ,
		handler:      h,
		opts:         opts,
		registeredAt: time.Now(),
	}

	conn, err := c.managers[c.poolIndex(queue)].Connection(ctx)
	if err != nil {
		return nil, c.subscribeErr(queue, err)
	}
	if prep != nil {
		if err := prep(ctx, sub); err != nil {
			return nil, c.subscribeErr(queue, err)
		}
	}
	ch, err := reg.add(ctx, sub, conn)
	if err != nil {
		return nil, c.subscribeErr(queue, err)
	}
	if after != nil {
		after(ctx, ch, sub)
	}
	c.logger.Debug("subscribed", "queue", queue, "type", typ, "sub", sub.id, "priority", opts.Priority.String())

	var (
		mu   sync.Mutex
		done bool
	)
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return nil
		}
		if err := reg.remove(ctx, sub); err != nil && !errors.Is(err, ErrShutdown) {
			return fmt.Errorf("broker: teardown %q: %w", queue, err)
		}
		done = true
		return nil
	}, nil
}

func (c *core) subscribeErr(queue string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: subscribe %q: %w", ErrTimeout, queue, err)
	}
	return fmt.Errorf("broker: subscribe %q: %w", queue, err)
}

// ─── Reconnect ────────────────────────────────────────────────────────────────

// onStatus runs on a manager's supervisor goroutine and must not block.
func (c *core) onStatus(idx int, ev connection.Event) {
	c.logger.Debug("connection status", "pool", idx, "status", ev.Status.String(), "err", ev.Err)
	if ev.Status != connection.StatusConnected || !ev.Reconnect {
		return
	}
	c.pendingMu.Lock()
	c.pending[idx] = ev.Conn
	c.pendingMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *core) reconnectLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		c.pendingMu.Lock()
		batch := c.pending
		c.pending = make(map[int]transport.Conn)
		c.pendingMu.Unlock()

		for idx, conn := range batch {
			c.resume(idx, conn)
		}
	}
}

// resume moves pool idx's channels onto conn, then lets the tier replay
// before live delivery continues.
func (c *core) resume(idx int, conn transport.Conn) {
	reg := c.reg.Load()
	chans, err := reg.all(c.ctx)
	if err != nil {
		return
	}
	var held []*channel
	for _, ch := range chans {
		if ch.pool == idx {
			ch.gate.hold()
			held = append(held, ch)
		}
	}
	defer func() {
		for _, ch := range held {
			ch.gate.release(func(m *types.Message) { c.dispatch(ch, m, nil) })
		}
	}()

	moved, err := reg.rejoin(c.ctx, idx, conn)
	if err != nil {
		c.logger.Warn("resubscribing after reconnect", "pool", idx, "err", err)
	}
	c.logger.Info("reconnected", "pool", idx, "channels", len(moved))
	if c.afterRejoin != nil && len(moved) > 0 {
		c.afterRejoin(c.ctx, moved)
	}
}
