// Package broker is the publish/subscribe engine every queue adapter talks to.
//
// Three tiers implement the same Broker interface and are chosen once, at
// construction, by New or Resolve:
//
//	Basic     in-memory dispatch, one send attempt, no persistence
//	Enhanced  + write-ahead message log, acknowledgements, reconnect replay,
//	          publish retry with backoff
//	Advanced  + priority-ordered FIFO dispatch per channel, connection pool,
//	          circuit breaker on publish
//
// Data flow:
//
//	Publish → (Enhanced+) MessageLog.Append → channel → transport.Conn.Publish
//	transport delivery → channel snapshot → handler 1..n (isolated)
//
// Channels are owned by a single registry goroutine; see registry.go.
package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/sneh-joshi/jobrelay/internal/storage"
	"github.com/sneh-joshi/jobrelay/internal/transport"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

// AnyType subscribes to every message type on a queue.
const AnyType types.MessageType = "*"

// Handler processes one delivered message. A returned error (or a panic) is
// contained: it is counted and logged and never affects sibling handlers.
type Handler func(ctx context.Context, msg *types.Message) error

// Teardown removes a subscription. It blocks until the removal is complete,
// and calling it again is a no-op returning nil.
type Teardown func(ctx context.Context) error

// Broker is the contract shared by every tier.
type Broker interface {
	// Init starts background machinery and connects the transport.
	Init(ctx context.Context) error
	// Shutdown removes every channel, stops background work and closes the
	// transport. The message log is left open; its owner closes it.
	Shutdown(ctx context.Context) error
	// Publish broadcasts payload on queue as typ. A nil error means the
	// message was accepted by the transport (and, for durable tiers, logged).
	Publish(ctx context.Context, queue string, typ types.MessageType, payload types.Payload) error
	// Subscribe registers h for typ on queue with default options.
	Subscribe(ctx context.Context, queue string, typ types.MessageType, h Handler) (Teardown, error)
	// SubscribeWithOptions registers h with explicit options.
	SubscribeWithOptions(ctx context.Context, queue string, typ types.MessageType, h Handler, opts types.SubscribeOptions) (Teardown, error)
	// Stats returns a snapshot of the counters.
	Stats() Stats
	// Flush waits for in-flight publishes and queued deliveries, then syncs
	// the message log.
	Flush(ctx context.Context) error
}

// Stats is a point-in-time snapshot of broker counters.
type Stats struct {
	Tier                Kind   `json:"tier"`
	MessagesSent        uint64 `json:"messagesSent"`
	MessagesReceived    uint64 `json:"messagesReceived"`
	Errors              uint64 `json:"errors"`
	Replayed            uint64 `json:"replayed"`
	ActiveChannels      int    `json:"activeChannels"`
	ActiveSubscriptions int    `json:"activeSubscriptions"`
	// Circuit is the breaker state on the Advanced tier, empty elsewhere.
	Circuit string `json:"circuit,omitempty"`
}

// ─── Factory ──────────────────────────────────────────────────────────────────

// Kind selects a tier.
type Kind int

const (
	KindBasic Kind = iota
	KindEnhanced
	KindAdvanced
)

func (k Kind) String() string {
	switch k {
	case KindBasic:
		return "basic"
	case KindEnhanced:
		return "enhanced"
	case KindAdvanced:
		return "advanced"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders k by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseKind maps "basic", "enhanced" or "advanced" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic", "":
		return KindBasic, nil
	case "enhanced":
		return KindEnhanced, nil
	case "advanced":
		return KindAdvanced, nil
	}
	return KindBasic, fmt.Errorf("broker: unknown tier %q", s)
}

// Requirements describe what a caller needs from the broker.
type Requirements struct {
	Persistence bool
	Scaling     bool
}

// Resolve picks the cheapest tier meeting req: scaling needs Advanced,
// persistence alone needs Enhanced, otherwise Basic.
func Resolve(req Requirements) Kind {
	switch {
	case req.Scaling:
		return KindAdvanced
	case req.Persistence:
		return KindEnhanced
	default:
		return KindBasic
	}
}

// Deps are the collaborators a broker is built on.
type Deps struct {
	// Dialer opens transport connections. Required.
	Dialer transport.Dialer
	// Log is the durable message log. Required for Enhanced and Advanced.
	Log storage.MessageLog
	// NodeID stamps Message.Source.
	NodeID string
}

// New builds a broker of the given kind.
func New(kind Kind, deps Deps, opts ...Option) (Broker, error) {
	switch kind {
	case KindBasic:
		return NewBasic(deps, opts...)
	case KindEnhanced:
		return NewEnhanced(deps, opts...)
	case KindAdvanced:
		return NewAdvanced(deps, opts...)
	}
	return nil, fmt.Errorf("broker: unknown tier %v", kind)
}

// NewFor is New(Resolve(req), deps, opts...).
func NewFor(req Requirements, deps Deps, opts ...Option) (Broker, error) {
	return New(Resolve(req), deps, opts...)
}
