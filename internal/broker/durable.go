package broker

import (
	"context"
	"fmt"

	"github.com/sneh-joshi/jobrelay/internal/storage"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

// durable is the write-ahead and replay behaviour shared by Enhanced and
// Advanced.
type durable struct {
	c   *core
	log storage.MessageLog
}

func newDurable(c *core, log storage.MessageLog) (*durable, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMessageLog, c.kind)
	}
	d := &durable{c: c, log: log}
	c.onDelivered = d.delivered
	c.afterRejoin = d.replayMoved
	c.syncLog = log.Sync
	return d, nil
}

// persist appends msg ahead of the broadcast. With degrade enabled a failed
// append is logged and the message goes out unsequenced.
func (d *durable) persist(ctx context.Context, msg *types.Message) error {
	if _, err := d.log.Append(ctx, msg); err != nil {
		if d.c.set.degrade {
			d.c.logger.Warn("message log append failed; broadcasting without persistence",
				"queue", msg.Queue, "msg_id", msg.ID, "err", err)
			msg.Seq = 0
			return nil
		}
		d.c.errs.Add(1)
		d.c.set.metrics.PublishFailed(msg.Queue, "persistence")
		d.c.logger.Error("message log append failed", "queue", msg.Queue, "msg_id", msg.ID, "err", err)
		return &PersistenceError{Queue: msg.Queue, MessageID: msg.ID, Err: err}
	}
	return nil
}

// prepare validates durable options and positions the subscription's cursor:
// a persistent subscription resumes from its stored cursor, anything else
// starts at the current end of the log.
func (d *durable) prepare(ctx context.Context, sub *subscription) error {
	o := sub.opts
	if o.Persistent && o.Name == "" {
		return fmt.Errorf("%w: persistent subscriptions need a name", ErrInvalidSubscription)
	}
	if !o.Persistent && !o.RetryOnReconnect && !o.AckRequired {
		return nil
	}
	sub.tracked = true

	var (
		cur uint64
		err error
	)
	if o.Persistent {
		cur, err = d.log.Cursor(ctx, o.Name, sub.queue)
	} else {
		cur, err = d.log.LastSeq(ctx, sub.queue)
	}
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	sub.acked.Store(cur)
	return nil
}

// catchUp delivers what a persistent subscription missed while it did not
// exist.
func (d *durable) catchUp(ctx context.Context, ch *channel, sub *subscription) {
	if !sub.opts.Persistent {
		return
	}
	ch.gate.hold()
	defer ch.gate.release(func(m *types.Message) { d.c.dispatch(ch, m, nil) })
	n := d.replay(ctx, ch, sub)
	if n > 0 {
		d.c.logger.Info("persistent subscription caught up", "queue", sub.queue, "name", sub.opts.Name, "messages", n)
	}
}

// replayMoved redelivers missed messages to every RetryOnReconnect
// subscription on the channels that just moved to a new connection.
func (d *durable) replayMoved(ctx context.Context, moved []*channel) {
	for _, ch := range moved {
		for _, sub := range ch.snapshot() {
			if !sub.tracked || !sub.opts.RetryOnReconnect {
				continue
			}
			if n := d.replay(ctx, ch, sub); n > 0 {
				d.c.logger.Info("replayed after reconnect", "queue", sub.queue, "sub", sub.id, "messages", n)
			}
		}
	}
}

// replay reads the log after sub's acknowledged seq and dispatches every
// entry sub has not claimed to sub alone, in order. It returns the number of
// entries dispatched.
func (d *durable) replay(ctx context.Context, ch *channel, sub *subscription) int {
	sub.stalled.Store(false)
	after := sub.acked.Load()
	total := 0
	for {
		msgs, err := d.log.ReadAfter(ctx, sub.queue, after, d.c.set.replayBatch)
		if err != nil {
			d.c.errs.Add(1)
			d.c.logger.Warn("replay read failed", "queue", sub.queue, "after", after, "err", err)
			return total
		}
		for _, m := range msgs {
			after = m.Seq
			if !sub.claim(m.Seq) {
				continue
			}
			d.c.dispatch(ch, m, sub)
			total++
		}
		if len(msgs) < d.c.set.replayBatch {
			return total
		}
	}
}

// delivered records a tracked subscription's progress after a handler call.
// Only the contiguous prefix of delivered seqs is acknowledged; a seq that
// has not arrived holds the cursor back. When more than a replay batch piles
// up behind such a gap, the gap is read back from the log.
// AckRequired subscriptions stop acknowledging at their first failure.
func (d *durable) delivered(ch *channel, sub *subscription, msg *types.Message, err error) {
	if sub.opts.AckRequired && err != nil {
		sub.stalled.Store(true)
	}
	if sub.stalled.Load() {
		sub.unclaim(msg.Seq)
		return
	}
	to, waiting := sub.advance(msg.Seq)
	if waiting > d.c.set.replayBatch {
		d.repair(ch, sub)
	}
	if to == 0 || sub.opts.Name == "" {
		return
	}
	if aerr := d.log.Ack(d.c.ctx, sub.opts.Name, sub.queue, to); aerr != nil {
		d.c.logger.Warn("cursor ack failed", "queue", sub.queue, "name", sub.opts.Name, "seq", to, "err", aerr)
	}
}

// repair replays sub's missing seqs in the background while live delivery on
// ch is held. At most one repair per subscription runs at a time.
func (d *durable) repair(ch *channel, sub *subscription) {
	if d.c.ctx.Err() != nil || !sub.repairing.CompareAndSwap(false, true) {
		return
	}
	d.c.wg.Add(1)
	go func() {
		defer d.c.wg.Done()
		defer sub.repairing.Store(false)
		ch.gate.hold()
		defer ch.gate.release(func(m *types.Message) { d.c.dispatch(ch, m, nil) })
		if n := d.replay(d.c.ctx, ch, sub); n > 0 {
			d.c.logger.Info("filled delivery gap from the log", "queue", sub.queue, "sub", sub.id, "messages", n)
		}
	}()
}
