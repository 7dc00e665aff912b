// Package connection supervises the single transport connection a broker
// rides on.
//
// State machine:
//
//	idle ──(first Connection call)──► connecting ──► connected
//	                                      │              │ (link lost)
//	                                      ▼              ▼
//	                                  reconnecting ◄─────┘
//	                                      │ (MaxAuthFailures consecutive auth rejections)
//	                                      ▼
//	                                    failed
//
// Close moves any state to closed. One supervisor goroutine drives every
// transition; backoff waits are timers selected against the manager's
// context, so Close cancels them immediately.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/backoff"
	"github.com/sneh-joshi/jobrelay/internal/transport"
)

var (
	// ErrNotConnected is returned by Connection when ctx expires before a
	// connection is available. It is transient.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrAuthFailed is returned once the manager has given up after repeated
	// authentication failures. It is fatal.
	ErrAuthFailed = errors.New("connection: authentication failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection: manager closed")
)

// Status is a connection manager state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event describes one status transition.
type Event struct {
	Status   Status
	Previous Status
	// Err is the cause of a reconnecting or failed transition.
	Err error
	// Conn is the new connection on a transition to connected.
	Conn transport.Conn
	// Reconnect is true when a connected transition follows a lost link.
	Reconnect bool
}

// Defaults.
const (
	DefaultMaxAuthFailures = 3
	DefaultDialTimeout     = 10 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithBackoff replaces the base 1s / cap 30s full-jitter policy.
func WithBackoff(p backoff.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithMaxAuthFailures sets how many consecutive auth rejections are fatal.
func WithMaxAuthFailures(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAuthFailures = n
		}
	}
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithName labels log lines; pooled managers use it to tell members apart.
func WithName(name string) Option {
	return func(m *Manager) { m.name = name }
}

// Manager owns one transport connection and keeps it alive.
// All methods are safe for concurrent use.
type Manager struct {
	dialer          transport.Dialer
	policy          backoff.Policy
	maxAuthFailures int
	dialTimeout     time.Duration
	logger          *slog.Logger
	name            string

	ctx    context.Context
	cancel context.CancelFunc
	start  sync.Once
	wg     sync.WaitGroup

	mu        sync.Mutex
	status    Status
	conn      transport.Conn
	lastErr   error
	changed   chan struct{} // closed and replaced on every transition
	listeners map[int]func(Event)
	nextID    int
}

// NewManager returns an idle manager. Nothing is dialed until the first
// Connection call.
func NewManager(d transport.Dialer, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dialer:          d,
		policy:          backoff.Default(),
		maxAuthFailures: DefaultMaxAuthFailures,
		dialTimeout:     DefaultDialTimeout,
		logger:          slog.Default(),
		ctx:             ctx,
		cancel:          cancel,
		changed:         make(chan struct{}),
		listeners:       make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "connection")
	if m.name != "" {
		m.logger = m.logger.With("conn", m.name)
	}
	return m
}

// Connection returns the live connection, starting the supervisor on first
// use. It blocks until connected, the manager fails, or ctx is done.
func (m *Manager) Connection(ctx context.Context) (transport.Conn, error) {
	m.start.Do(func() {
		m.mu.Lock()
		closed := m.status == StatusClosed
		m.mu.Unlock()
		if closed {
			return
		}
		m.wg.Add(1)
		go m.supervise()
	})

	for {
		m.mu.Lock()
		status, conn, lastErr, changed := m.status, m.conn, m.lastErr, m.changed
		m.mu.Unlock()

		switch status {
		case StatusConnected:
			return conn, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, lastErr)
		case StatusClosed:
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
		case <-changed:
		}
	}
}

// Status returns the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatusChange registers fn for every transition and returns a function
// that removes it. Listeners run on the supervisor goroutine, in
// registration order, and must not block.
func (m *Manager) OnStatusChange(fn func(Event)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Close stops the supervisor, cancels any backoff wait and closes the live
// connection. It is idempotent.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.transition(StatusClosed, nil, nil, false)
	return nil
}

// ─── supervisor goroutine ─────────────────────────────────────────────────────

func (m *Manager) supervise() {
	defer m.wg.Done()

	var (
		attempt      int
		authFailures int
		reconnect    bool
	)
	m.transition(StatusConnecting, nil, nil, false)

	for {
		if m.ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
		conn, err := m.dialer.Dial(dialCtx)
		cancel()

		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			if errors.Is(err, transport.ErrUnauthorized) {
				authFailures++
				if authFailures >= m.maxAuthFailures {
					m.logger.Error("giving up after repeated auth failures", "failures", authFailures, "err", err)
					m.transition(StatusFailed, err, nil, false)
					return
				}
			} else {
				authFailures = 0
			}
			m.logger.Warn("dial failed", "attempt", attempt+1, "err", err)
			m.transition(StatusReconnecting, err, nil, false)
			if m.policy.Sleep(m.ctx, attempt) != nil {
				return
			}
			attempt++
			continue
		}

		attempt, authFailures = 0, 0
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.logger.Info("connected", "reconnect", reconnect)
		m.transition(StatusConnected, nil, conn, reconnect)

		select {
		case <-m.ctx.Done():
			return
		case <-conn.Done():
		}

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()

		m.logger.Warn("connection lost", "err", conn.Err())
		m.transition(StatusReconnecting, conn.Err(), nil, false)
		reconnect = true
	}
}

// transition records the new state, wakes Connection waiters and notifies
// listeners. Repeated reconnecting transitions are not re-announced.
func (m *Manager) transition(to Status, cause error, conn transport.Conn, reconnect bool) {
	m.mu.Lock()
	from := m.status
	if from == StatusClosed || (from == to && to != StatusConnected) {
		m.mu.Unlock()
		return
	}
	m.status = to
	if cause != nil {
		m.lastErr = cause
	}
	close(m.changed)
	m.changed = make(chan struct{})

	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	ev := Event{Status: to, Previous: from, Err: cause, Conn: conn, Reconnect: reconnect}
	for _, fn := range fns {
		fn(ev)
	}
}
