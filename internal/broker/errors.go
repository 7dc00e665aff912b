package broker

import (
	"errors"
	"fmt"

	"github.com/sneh-joshi/jobrelay/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrNotStarted is returned by operations before Init.
	ErrNotStarted = errors.New("broker: not started")

	// ErrShutdown is returned by operations after Shutdown.
	ErrShutdown = errors.New("broker: shut down")

	// ErrTimeout is returned when publish or subscribe setup exceeds its
	// configured bound. It is transient.
	ErrTimeout = errors.New("broker: operation timed out")

	// ErrCircuitOpen is returned by the Advanced tier while its circuit
	// breaker rejects publishes.
	ErrCircuitOpen = errors.New("broker: circuit open")

	// ErrNoMessageLog is returned by New when a durable tier has no log.
	ErrNoMessageLog = errors.New("broker: tier requires a message log")

	// ErrInvalidSubscription is returned for malformed subscribe calls.
	ErrInvalidSubscription = errors.New("broker: invalid subscription")

	// ErrPayloadMismatch is returned when a typed payload does not match the
	// message type it is published under.
	ErrPayloadMismatch = errors.New("broker: payload does not match message type")
)

// ─── Typed errors ─────────────────────────────────────────────────────────────

// PublishError reports a broadcast that failed after every attempt the tier
// allows.
type PublishError struct {
	Queue     string
	Type      types.MessageType
	MessageID string
	Attempts  int
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("broker: publish %s on %q failed after %d attempt(s): %v", e.Type, e.Queue, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// PersistenceError reports a failed write-ahead append. The message was not
// broadcast.
type PersistenceError struct {
	Queue     string
	MessageID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("broker: persist message %s on %q: %v", e.MessageID, e.Queue, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// HandlerError reports one subscriber callback that returned an error or
// panicked. It never escapes to publishers; it is logged, counted and passed
// to the error hook.
type HandlerError struct {
	Queue          string
	Type           types.MessageType
	MessageID      string
	SubscriptionID uint64
	Panic          any
	Err            error
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("broker: handler %d on %q panicked on %s: %v", e.SubscriptionID, e.Queue, e.MessageID, e.Panic)
	}
	return fmt.Sprintf("broker: handler %d on %q failed on %s: %v", e.SubscriptionID, e.Queue, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
