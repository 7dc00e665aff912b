package broker

import (
	"context"
	"sync"

	"github.com/sneh-joshi/jobrelay/internal/types"
)

type envelope struct {
	msg     *types.Message
	only    *subscription
	barrier chan struct{}
}

// mailbox serialises one channel's deliveries on its own goroutine. Messages
// are dispatched strictly in the order they were put.
type mailbox struct {
	in   chan envelope
	done chan struct{}
	once sync.Once
}

func newMailbox(size int, wg *sync.WaitGroup, dispatch func(*types.Message, *subscription)) *mailbox {
	m := &mailbox{
		in:   make(chan envelope, size),
		done: make(chan struct{}),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-m.done:
				return
			case e := <-m.in:
				if e.barrier != nil {
					close(e.barrier)
					continue
				}
				dispatch(e.msg, e.only)
			}
		}
	}()
	return m
}

// put blocks while the mailbox is full. It reports false once the mailbox
// has been closed.
func (m *mailbox) put(msg *types.Message, only *subscription) bool {
	select {
	case m.in <- envelope{msg: msg, only: only}:
		return true
	case <-m.done:
		return false
	}
}

// drain waits until everything put before the call has been dispatched.
func (m *mailbox) drain(ctx context.Context) error {
	b := make(chan struct{})
	select {
	case m.in <- envelope{barrier: b}:
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-b:
		return nil
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the goroutine after the current delivery. Queued messages are
// dropped. It does not wait, so it is safe to call from a handler.
func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}
