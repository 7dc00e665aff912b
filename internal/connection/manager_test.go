package connection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/backoff"
	"github.com/sneh-joshi/jobrelay/internal/connection"
	"github.com/sneh-joshi/jobrelay/internal/transport"
	"github.com/sneh-joshi/jobrelay/internal/transport/memory"
)

var fast = backoff.Policy{Base: time.Millisecond, Cap: 5 * time.Millisecond}

type statusLog struct {
	mu     sync.Mutex
	events []connection.Event
}

func (l *statusLog) record(ev connection.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *statusLog) statuses() []connection.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]connection.Status, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Status
	}
	return out
}

func newManager(t *testing.T, d transport.Dialer, opts ...connection.Option) *connection.Manager {
	t.Helper()
	m := connection.NewManager(d, append([]connection.Option{connection.WithBackoff(fast)}, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_LazyAndIdempotent(t *testing.T) {
	hub := memory.NewHub()
	m := newManager(t, hub.Dialer(""))

	assert.Equal(t, connection.StatusIdle, m.Status())
	assert.Equal(t, 0, hub.Conns(), "nothing dialed before first use")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c1, err := m.Connection(ctx)
	require.NoError(t, err)
	c2, err := m.Connection(ctx)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, hub.Conns())
	assert.Equal(t, connection.StatusConnected, m.Status())
}

func TestManager_ReconnectsAfterLoss(t *testing.T) {
	hub := memory.NewHub()
	m := newManager(t, hub.Dialer(""))

	var log statusLog
	defer m.OnStatusChange(log.record)()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := m.Connection(ctx)
	require.NoError(t, err)

	hub.SetDown(true)
	require.Eventually(t, func() bool { return m.Status() == connection.StatusReconnecting }, time.Second, time.Millisecond)
	hub.SetDown(false)

	require.Eventually(t, func() bool { return m.Status() == connection.StatusConnected }, time.Second, time.Millisecond)
	second, err := m.Connection(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	assert.Equal(t, []connection.Status{
		connection.StatusConnecting,
		connection.StatusConnected,
		connection.StatusReconnecting,
		connection.StatusConnected,
	}, log.statuses())

	log.mu.Lock()
	last := log.events[len(log.events)-1]
	log.mu.Unlock()
	assert.True(t, last.Reconnect)
	assert.Same(t, second, last.Conn)
}

func TestManager_RepeatedAuthFailureIsFatal(t *testing.T) {
	hub := memory.NewHub(memory.WithToken("right"))
	m := newManager(t, hub.Dialer("wrong"), connection.WithMaxAuthFailures(2))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := m.Connection(ctx)
	require.ErrorIs(t, err, connection.ErrAuthFailed)
	assert.Equal(t, connection.StatusFailed, m.Status())
}

func TestManager_ConnectionTimesOutWhileDown(t *testing.T) {
	hub := memory.NewHub()
	hub.SetDown(true)
	m := newManager(t, hub.Dialer(""))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Connection(ctx)
	require.ErrorIs(t, err, connection.ErrNotConnected)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_CloseCancelsBackoff(t *testing.T) {
	hub := memory.NewHub()
	hub.SetDown(true)
	m := connection.NewManager(hub.Dialer(""),
		connection.WithBackoff(backoff.Policy{Base: time.Hour, Cap: time.Hour, NoJitter: true}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _ = m.Connection(ctx)

	done := make(chan struct{})
	go func() {
		_ = m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on backoff wait")
	}

	assert.Equal(t, connection.StatusClosed, m.Status())
	_, err := m.Connection(context.Background())
	assert.ErrorIs(t, err, connection.ErrClosed)
	require.NoError(t, m.Close())
}
