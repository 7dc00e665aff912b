// Package types contains the core domain types shared across all jobrelay
// internal packages. It deliberately has zero imports of other jobrelay
// packages so that the transport, storage, broker and job layers can all
// import from it without creating import cycles.
package types

import (
	"encoding/json"
	"fmt"
)

// MessageType names the event carried by a Message. The set below is the
// minimum vocabulary; anything else travels as Custom.
type MessageType string

const (
	JobQueued    MessageType = "job.queued"
	JobStarted   MessageType = "job.started"
	JobProgress  MessageType = "job.progress"
	JobCompleted MessageType = "job.completed"
	JobFailed    MessageType = "job.failed"
	SystemStatus MessageType = "system.status"
	CustomEvent  MessageType = "custom"
)

// Known reports whether t is part of the built-in vocabulary.
func (t MessageType) Known() bool {
	switch t {
	case JobQueued, JobStarted, JobProgress, JobCompleted, JobFailed, SystemStatus, CustomEvent:
		return true
	}
	return false
}

// Message is the canonical, immutable unit of data moved by the broker.
//
// Rules:
//   - Never mutate a Message after Publish has returned; handlers of the same
//     delivery share the pointer.
//   - All timestamps are UTC milliseconds since Unix epoch.
//   - IDs are ULID strings.
type Message struct {
	// ID is a ULID uniquely identifying this message.
	ID string

	// Queue is the queue identifier; it doubles as the transport topic.
	Queue string

	// Type selects the concrete Payload.
	Type MessageType

	// Payload is the typed event body.
	Payload Payload

	// Timestamp is the UTC millisecond at which Publish was called.
	Timestamp int64

	// Seq is the position in the durable message log. Zero for messages that
	// were never persisted (Basic tier).
	Seq uint64

	// Source is the node ID of the publishing process.
	Source string
}

// envelope is the wire shape of a Message:
//
//	{"event":"job.queued","payload":{...,"timestamp":1700000000000},"id":"...","queue":"...","seq":1}
type envelope struct {
	Event   MessageType     `json:"event"`
	Payload json.RawMessage `json:"payload"`
	ID      string          `json:"id"`
	Queue   string          `json:"queue"`
	Seq     uint64          `json:"seq,omitempty"`
	Source  string          `json:"source,omitempty"`
}

// MarshalJSON encodes m in the wire shape. The timestamp travels inside the
// payload object.
func (m *Message) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	if m.Payload != nil {
		for k, v := range m.Payload.Fields() {
			fields[k] = v
		}
	}
	fields["timestamp"] = m.Timestamp

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("types: marshal payload: %w", err)
	}
	return json.Marshal(envelope{
		Event:   m.Type,
		Payload: raw,
		ID:      m.ID,
		Queue:   m.Queue,
		Seq:     m.Seq,
		Source:  m.Source,
	})
}

// UnmarshalJSON decodes the wire shape and rebuilds the typed payload.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("types: decode envelope: %w", err)
	}
	var ts struct {
		Timestamp int64 `json:"timestamp"`
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &ts); err != nil {
			return fmt.Errorf("types: decode timestamp: %w", err)
		}
	}
	p, err := DecodePayload(env.Event, env.Payload)
	if err != nil {
		return err
	}
	*m = Message{
		ID:        env.ID,
		Queue:     env.Queue,
		Type:      env.Event,
		Payload:   p,
		Timestamp: ts.Timestamp,
		Seq:       env.Seq,
		Source:    env.Source,
	}
	return nil
}

// ─── Subscription options ─────────────────────────────────────────────────────

// Priority orders handlers on the Advanced tier.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// Rank returns the dispatch position of p: high first, low last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps "high", "normal" or "low" to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("types: unknown priority %q", s)
}

// SubscribeOptions tunes a single subscription. The zero value is a plain
// best-effort subscription.
type SubscribeOptions struct {
	// Persistent resumes the subscription from its stored cursor when it is
	// created. Requires Name and a tier with a message log.
	Persistent bool

	// Priority orders handler invocation on the Advanced tier.
	Priority Priority

	// AckRequired advances the durable cursor only after the handler returns
	// nil. Combined with RetryOnReconnect, failed deliveries are replayed on
	// the next reconnect.
	AckRequired bool

	// RetryOnReconnect replays messages missed while the transport was down.
	RetryOnReconnect bool

	// Buffer sizes the per-channel mailbox on the Advanced tier when this
	// subscription creates the channel. Zero uses the broker default.
	Buffer int

	// Name is the stable consumer name used for the durable cursor.
	// Empty means the cursor lives only as long as the subscription.
	Name string
}
