package broker

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/transport"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

// ─── Subscription ─────────────────────────────────────────────────────────────

type subscription struct {
	id           uint64
	queue        string
	typ          types.MessageType
	handler      Handler
	opts         types.SubscribeOptions
	registeredAt time.Time

	// tracked subscriptions keep a cursor: durable tiers only, and only when
	// RetryOnReconnect, AckRequired or Persistent is set.
	tracked   bool
	acked     atomic.Uint64 // every seq up to here has been delivered
	stalled   atomic.Bool   // an AckRequired delivery failed; cursor frozen until replay
	repairing atomic.Bool

	mu       sync.Mutex
	inflight map[uint64]struct{} // claimed by a live or replayed dispatch, handler not done
	ahead    map[uint64]struct{} // delivered seqs above acked, waiting for a gap to close
}

// claim reserves seq for one dispatch. It reports false when seq was already
// delivered or is being delivered by another path.
func (s *subscription) claim(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.acked.Load() {
		return false
	}
	if _, ok := s.ahead[seq]; ok {
		return false
	}
	if _, ok := s.inflight[seq]; ok {
		return false
	}
	if s.inflight == nil {
		s.inflight = make(map[uint64]struct{})
	}
	s.inflight[seq] = struct{}{}
	return true
}

// unclaim gives seq back without recording it, so a later replay delivers it
// again.
func (s *subscription) unclaim(seq uint64) {
	s.mu.Lock()
	delete(s.inflight, seq)
	s.mu.Unlock()
}

// advance records seq as delivered. It returns the new acknowledged seq, or 0
// when the contiguous prefix did not move, and the number of seqs still
// waiting behind a gap.
func (s *subscription) advance(seq uint64) (uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, seq)
	cur := s.acked.Load()
	if seq <= cur {
		return 0, len(s.ahead)
	}
	if seq != cur+1 {
		if s.ahead == nil {
			s.ahead = make(map[uint64]struct{})
		}
		s.ahead[seq] = struct{}{}
		return 0, len(s.ahead)
	}
	cur = seq
	for {
		if _, ok := s.ahead[cur+1]; !ok {
			break
		}
		delete(s.ahead, cur+1)
		cur++
	}
	s.acked.Store(cur)
	return cur, len(s.ahead)
}

func (s *subscription) matches(t types.MessageType) bool {
	return s.typ == AnyType || s.typ == t
}

// ─── Channel ──────────────────────────────────────────────────────────────────

// channel is the per-queue topic. subs is a copy-on-write snapshot read by the
// delivery path without locks; every other field except gate and mbox is
// owned by the registry goroutine.
type channel struct {
	queue   string
	pool    int
	deliver transport.Handler
	subs    atomic.Pointer[[]*subscription]
	gate    gate
	mbox    *mailbox

	inflight int
	conn     transport.Conn
}

func (c *channel) snapshot() []*subscription {
	if p := c.subs.Load(); p != nil {
		return *p
	}
	return nil
}

// gate holds live deliveries back while a replay for the channel runs, so
// replayed messages reach handlers before anything newer.
type gate struct {
	mu    sync.Mutex
	holds int
	held  []*types.Message
}

// admit reports whether msg may be dispatched now. When false, msg has been
// queued for release.
func (g *gate) admit(msg *types.Message) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holds == 0 {
		return true
	}
	g.held = append(g.held, msg)
	return false
}

func (g *gate) hold() {
	g.mu.Lock()
	g.holds++
	g.mu.Unlock()
}

// release drops one hold. The last release drains queued messages through
// dispatch, still holding, until nothing is left.
func (g *gate) release(dispatch func(*types.Message)) {
	for {
		g.mu.Lock()
		if g.holds > 1 {
			g.holds--
			g.mu.Unlock()
			return
		}
		held := g.held
		g.held = nil
		if len(held) == 0 {
			g.holds = 0
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()

		for _, m := range held {
			dispatch(m)
		}
	}
}

// ─── Registry actor ──────────────────────────────────────────────────────────

// registry owns the channel map. Every mutation is a closure executed on the
// run goroutine; nothing else touches channels or inflight counts.
type registry struct {
	ops      chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	prioritized bool
	openFn      func(queue string, buffer int) *channel
	closeFn     func(*channel)
	onGauge     func(channels, subs int)
	logger      *slog.Logger

	channels map[string]*channel
	nSubs    int

	channelCount atomic.Int64
	subCount     atomic.Int64
}

func newRegistry(prioritized bool, openFn func(string, int) *channel, closeFn func(*channel), onGauge func(int, int), logger *slog.Logger) *registry {
	r := &registry{
		ops:         make(chan func()),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		prioritized: prioritized,
		openFn:      openFn,
		closeFn:     closeFn,
		onGauge:     onGauge,
		logger:      logger,
		channels:    make(map[string]*channel),
	}
	go r.run()
	return r
}

func (r *registry) run() {
	defer close(r.done)
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.quit:
			return
		}
	}
}

func (r *registry) stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	<-r.done
}

// do runs fn on the registry goroutine and waits for it. Once fn has been
// accepted it always runs to completion, whatever ctx does.
func (r *registry) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case r.ops <- func() { res <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrShutdown
	}
	return <-res
}

// ─── Operations (run goroutine only) ─────────────────────────────────────────

func (r *registry) channelFor(queue string, buffer int) *channel {
	ch, ok := r.channels[queue]
	if !ok {
		ch = r.openFn(queue, buffer)
		r.channels[queue] = ch
		r.publishGauges()
	}
	return ch
}

func (r *registry) maybeRemove(ctx context.Context, ch *channel) {
	if len(ch.snapshot()) > 0 || ch.inflight > 0 {
		return
	}
	if ch.conn != nil {
		if err := ch.conn.Unsubscribe(ctx, ch.queue); err != nil && !errors.Is(err, transport.ErrClosed) {
			r.logger.Warn("transport unsubscribe failed", "queue", ch.queue, "err", err)
		}
		ch.conn = nil
	}
	delete(r.channels, ch.queue)
	if r.closeFn != nil {
		r.closeFn(ch)
	}
	r.publishGauges()
}

func (r *registry) setSubs(ch *channel, subs []*subscription) {
	if r.prioritized {
		slices.SortStableFunc(subs, func(a, b *subscription) int {
			if c := cmp.Compare(a.opts.Priority.Rank(), b.opts.Priority.Rank()); c != 0 {
				return c
			}
			return cmp.Compare(a.id, b.id)
		})
	}
	ch.subs.Store(&subs)
}

func (r *registry) publishGauges() {
	r.channelCount.Store(int64(len(r.channels)))
	r.subCount.Store(int64(r.nSubs))
	if r.onGauge != nil {
		r.onGauge(len(r.channels), r.nSubs)
	}
}

// ─── Operations (any goroutine) ──────────────────────────────────────────────

// acquire pins queue's channel for an in-flight publish.
func (r *registry) acquire(ctx context.Context, queue string) (*channel, error) {
	var ch *channel
	err := r.do(ctx, func() error {
		ch = r.channelFor(queue, 0)
		ch.inflight++
		return nil
	})
	return ch, err
}

// release undoes acquire. It uses a background context so the count is
// restored even when the publish itself timed out.
func (r *registry) release(ch *channel) {
	_ = r.do(context.Background(), func() error {
		ch.inflight--
		r.maybeRemove(context.Background(), ch)
		return nil
	})
}

// add registers sub and makes sure its channel listens on conn.
func (r *registry) add(ctx context.Context, sub *subscription, conn transport.Conn) (*channel, error) {
	var ch *channel
	err := r.do(ctx, func() error {
		ch = r.channelFor(sub.queue, sub.opts.Buffer)
		if ch.conn != conn {
			if err := conn.Subscribe(ctx, ch.queue, ch.deliver); err != nil {
				r.maybeRemove(ctx, ch)
				return err
			}
			ch.conn = conn
		}
		subs := append(slices.Clone(ch.snapshot()), sub)
		r.setSubs(ch, subs)
		r.nSubs++
		r.publishGauges()
		return nil
	})
	return ch, err
}

// remove unregisters sub; the channel goes with its last subscription.
func (r *registry) remove(ctx context.Context, sub *subscription) error {
	return r.do(ctx, func() error {
		ch, ok := r.channels[sub.queue]
		if !ok {
			return nil
		}
		cur := ch.snapshot()
		idx := slices.Index(cur, sub)
		if idx < 0 {
			return nil
		}
		r.setSubs(ch, slices.Delete(slices.Clone(cur), idx, idx+1))
		r.nSubs--
		r.maybeRemove(ctx, ch)
		r.publishGauges()
		return nil
	})
}

// rejoin subscribes every channel pinned to pool onto conn and returns the
// channels that were moved.
func (r *registry) rejoin(ctx context.Context, pool int, conn transport.Conn) ([]*channel, error) {
	var moved []*channel
	err := r.do(ctx, func() error {
		var firstErr error
		for _, ch := range r.channels {
			if ch.pool != pool || len(ch.snapshot()) == 0 || ch.conn == conn {
				continue
			}
			if err := conn.Subscribe(ctx, ch.queue, ch.deliver); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			ch.conn = conn
			moved = append(moved, ch)
		}
		return firstErr
	})
	return moved, err
}

// all returns every live channel.
func (r *registry) all(ctx context.Context) ([]*channel, error) {
	var out []*channel
	err := r.do(ctx, func() error {
		for _, ch := range r.channels {
			out = append(out, ch)
		}
		return nil
	})
	return out, err
}

// clear drops every subscription and channel.
func (r *registry) clear(ctx context.Context) error {
	return r.do(ctx, func() error {
		for _, ch := range r.channels {
			r.nSubs -= len(ch.snapshot())
			r.setSubs(ch, nil)
			ch.inflight = 0
			r.maybeRemove(ctx, ch)
		}
		r.nSubs = 0
		r.publishGauges()
		return nil
	})
}
