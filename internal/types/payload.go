package types

import (
	"encoding/json"
	"fmt"
)

// Payload is the tagged union carried by a Message. Each well-known
// MessageType has one concrete type; everything else is Custom.
type Payload interface {
	// Type is the MessageType tag of the payload.
	Type() MessageType
	// Fields flattens the payload into its wire keys.
	Fields() map[string]any
}

// QueuedPayload announces a job entering the waiting state.
type QueuedPayload struct {
	JobID    string         `json:"jobId"`
	Priority int            `json:"priority"`
	Attempt  int            `json:"attempt"`
	Data     map[string]any `json:"data,omitempty"`
}

func (QueuedPayload) Type() MessageType { return JobQueued }

func (p QueuedPayload) Fields() map[string]any {
	f := map[string]any{"jobId": p.JobID, "priority": p.Priority, "attempt": p.Attempt}
	if p.Data != nil {
		f["data"] = p.Data
	}
	return f
}

// StartedPayload announces a job claimed by a worker.
type StartedPayload struct {
	JobID     string `json:"jobId"`
	Attempt   int    `json:"attempt"`
	StartedAt int64  `json:"startedAt"`
}

func (StartedPayload) Type() MessageType { return JobStarted }

func (p StartedPayload) Fields() map[string]any {
	return map[string]any{"jobId": p.JobID, "attempt": p.Attempt, "startedAt": p.StartedAt}
}

// ProgressPayload reports a change of a job's progress document.
type ProgressPayload struct {
	JobID    string         `json:"jobId"`
	Progress map[string]any `json:"progress"`
}

func (ProgressPayload) Type() MessageType { return JobProgress }

func (p ProgressPayload) Fields() map[string]any {
	return map[string]any{"jobId": p.JobID, "progress": p.Progress}
}

// CompletedPayload announces a successful job.
type CompletedPayload struct {
	JobID      string         `json:"jobId"`
	Results    map[string]any `json:"results,omitempty"`
	DurationMs int64          `json:"durationMs"`
}

func (CompletedPayload) Type() MessageType { return JobCompleted }

func (p CompletedPayload) Fields() map[string]any {
	f := map[string]any{"jobId": p.JobID, "durationMs": p.DurationMs}
	if p.Results != nil {
		f["results"] = p.Results
	}
	return f
}

// FailedPayload announces a failed job. Retryable is true while the retry
// policy still allows a failed → waiting transition.
type FailedPayload struct {
	JobID     string `json:"jobId"`
	Error     string `json:"error"`
	Attempt   int    `json:"attempt"`
	Retryable bool   `json:"retryable"`
}

func (FailedPayload) Type() MessageType { return JobFailed }

func (p FailedPayload) Fields() map[string]any {
	return map[string]any{"jobId": p.JobID, "error": p.Error, "attempt": p.Attempt, "retryable": p.Retryable}
}

// StatusPayload carries process or connection status notices.
type StatusPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (StatusPayload) Type() MessageType { return SystemStatus }

func (p StatusPayload) Fields() map[string]any {
	f := map[string]any{"status": p.Status}
	if p.Detail != "" {
		f["detail"] = p.Detail
	}
	return f
}

// Custom is the open-ended payload for application-defined events.
type Custom map[string]any

func (Custom) Type() MessageType { return CustomEvent }

func (c Custom) Fields() map[string]any { return map[string]any(c) }

// DecodePayload rebuilds the concrete payload for t from its JSON object.
// Unknown types decode as Custom so extension events are never dropped.
func DecodePayload(t MessageType, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case JobQueued:
		var v QueuedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobStarted:
		var v StartedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobProgress:
		var v ProgressPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobCompleted:
		var v CompletedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobFailed:
		var v FailedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case SystemStatus:
		var v StatusPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		var v Custom
		err = json.Unmarshal(raw, &v)
		delete(v, "timestamp")
		p = v
	}
	if err != nil {
		return nil, fmt.Errorf("types: decode %s payload: %w", t, err)
	}
	return p, nil
}
