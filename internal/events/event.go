// Package events aggregates queue events for observers. The Aggregator keeps
// one broker subscription per (queue, type) and fans each message out to any
// number of local handlers as a normalized Event. The Forwarder relays those
// events to external HTTP endpoints.
package events

import (
	"context"
	"fmt"
	"maps"

	"github.com/sneh-joshi/jobrelay/internal/types"
)

// Event is the normalized form of a queue message handed to observers.
type Event struct {
	ID        string            `json:"id"`
	Type      types.MessageType `json:"type"`
	QueueID   string            `json:"queueId"`
	Data      map[string]any    `json:"data"`
	Timestamp int64             `json:"timestamp"` // Unix milliseconds
	Seq       uint64            `json:"seq,omitempty"`
}

// Handler receives normalized events. A returned error is logged and counted
// by the broker; it never affects other handlers.
type Handler func(ctx context.Context, ev Event) error

// Normalize converts a broker message into an Event.
func Normalize(msg *types.Message) Event {
	ev := Event{
		ID:        msg.ID,
		Type:      msg.Type,
		QueueID:   msg.Queue,
		Timestamp: msg.Timestamp,
		Seq:       msg.Seq,
	}
	if msg.Payload != nil {
		ev.Data = maps.Clone(msg.Payload.Fields())
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	return ev
}

// JobID returns the jobId field of a job lifecycle event, or "".
func (e Event) JobID() string {
	id, _ := e.Data["jobId"].(string)
	return id
}

func (e Event) String() string {
	return fmt.Sprintf("%s/%s %s", e.QueueID, e.Type, e.ID)
}
