package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/metrics"
	"github.com/sneh-joshi/jobrelay/internal/node"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

// maxCASRetries bounds how often UpdateJob re-reads a job after losing a
// compare-and-swap race.
const maxCASRetries = 8

// EventError reports a job change that was stored but whose lifecycle event
// could not be published. The returned job reflects the stored change.
type EventError struct {
	JobID string
	Type  types.MessageType
	Err   error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("jobs: job %s stored but %s event not published: %v", e.JobID, e.Type, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }

// Adapter is the queue adapter for one named queue. It owns no state of its
// own: jobs live in the Store and events go through the Broker, so any number
// of adapters for the same queue may run in different processes.
type Adapter struct {
	queue   string
	store   Store
	broker  broker.Broker
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics records job transitions and claims.
func WithMetrics(m *metrics.Registry) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithRetryPolicy replaces DefaultRetryPolicy. Zero fields keep their default.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(a *Adapter) { a.policy = p.withDefaults() }
}

// WithClock replaces time.Now. Tests use it to place jobs in stats windows.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter returns the adapter for queue.
func NewAdapter(queue string, store Store, b broker.Broker, opts ...Option) (*Adapter, error) {
	if queue == "" {
		return nil, errors.New("jobs: queue name is required")
	}
	if store == nil || b == nil {
		return nil, errors.New("jobs: adapter needs a store and a broker")
	}
	a := &Adapter{
		queue:  queue,
		store:  store,
		broker: b,
		policy: DefaultRetryPolicy(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("component", "jobs", "queue", queue)
	return a, nil
}

// Queue returns the queue name.
func (a *Adapter) Queue() string { return a.queue }

// RetryPolicy returns the policy applied to new jobs.
func (a *Adapter) RetryPolicy() RetryPolicy { return a.policy }

// Logger returns the adapter's logger, already tagged with its queue.
func (a *Adapter) Logger() *slog.Logger { return a.logger }

func (a *Adapter) nowMs() int64 { return a.now().UnixMilli() }

// ─── CRUD ─────────────────────────────────────────────────────────────────────

// CreateJob stores a waiting job and publishes job.queued.
func (a *Adapter) CreateJob(ctx context.Context, nj NewJob) (string, error) {
	if err := CheckPriority(nj.Priority); err != nil {
		return "", err
	}
	maxAttempts := nj.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = a.policy.MaxAttempts
	}
	now := a.nowMs()
	j := &Job{
		ID:          node.NewJobID(),
		Queue:       a.queue,
		Status:      StatusWaiting,
		Priority:    nj.Priority,
		Data:        maps.Clone(nj.Data),
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.Insert(ctx, j); err != nil {
		return "", fmt.Errorf("jobs: create in %s: %w", a.queue, err)
	}
	a.metrics.JobTransition(a.queue, string(StatusWaiting))
	a.logger.Debug("job created", "job_id", j.ID, "priority", j.Priority)
	return j.ID, a.emit(ctx, j.ID, types.JobQueued, queuedPayload(j))
}

// GetJob returns the job or a *JobNotFoundError.
func (a *Adapter) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := a.store.Get(ctx, a.queue, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &JobNotFoundError{Queue: a.queue, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	return j, nil
}

// UpdateJob applies u with compare-and-swap and publishes the lifecycle
// events the change implies: job.started, job.completed, job.failed or
// job.queued for a status change and job.progress when the progress document
// changed.
//
// It returns *JobNotFoundError for a missing job and
// *InvalidStateTransitionError when u.Status is not reachable. When the change
// is stored but an event fails, the updated job is returned together with an
// *EventError.
func (a *Adapter) UpdateJob(ctx context.Context, id string, u Update) (*Job, error) {
	if u.empty() {
		return a.GetJob(ctx, id)
	}
	for attempt := 0; ; attempt++ {
		cur, err := a.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := a.apply(next, u); err != nil {
			return nil, err
		}

		err = a.store.CompareAndSwap(ctx, next, cur.Version)
		switch {
		case err == nil:
			return next, a.changed(ctx, cur, next)
		case errors.Is(err, ErrVersionConflict) && attempt < maxCASRetries:
			a.logger.Debug("update lost a race, retrying", "job_id", id, "attempt", attempt+1)
			continue
		case errors.Is(err, ErrNotFound):
			return nil, &JobNotFoundError{Queue: a.queue, ID: id}
		default:
			return nil, fmt.Errorf("jobs: update %s: %w", id, err)
		}
	}
}

// apply mutates j according to u, enforcing the state machine.
func (a *Adapter) apply(j *Job, u Update) error {
	now := a.nowMs()
	if u.Status != "" && u.Status != j.Status {
		if err := CheckTransition(j, u.Status); err != nil {
			return err
		}
		switch u.Status {
		case StatusProcessing:
			MarkClaimed(j, now)
		case StatusCompleted:
			j.CompletedAt = now
			j.Error = ""
		case StatusFailed:
			j.CompletedAt = 0
		case StatusWaiting:
			j.Error = ""
			j.StartedAt = 0
		}
		j.Status = u.Status
	}
	if u.Progress != nil {
		j.Progress = maps.Clone(u.Progress)
	}
	if u.Results != nil {
		j.Results = maps.Clone(u.Results)
	}
	if u.MergeResults != nil {
		if j.Results == nil {
			j.Results = make(map[string]any, len(u.MergeResults))
		}
		maps.Copy(j.Results, u.MergeResults)
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.Data != nil {
		j.Data = maps.Clone(u.Data)
	}
	if u.Priority != nil {
		if err := CheckPriority(*u.Priority); err != nil {
			return err
		}
		j.Priority = *u.Priority
	}
	j.UpdatedAt = now
	return nil
}

// changed publishes the events for a stored cur → next change.
func (a *Adapter) changed(ctx context.Context, cur, next *Job) error {
	var errs []error
	if next.Progress != nil && !sameDocument(cur.Progress, next.Progress) {
		errs = append(errs, a.emit(ctx, next.ID, types.JobProgress,
			types.ProgressPayload{JobID: next.ID, Progress: next.Progress}))
	}
	if cur.Status != next.Status {
		a.metrics.JobTransition(a.queue, string(next.Status))
		a.logger.Debug("job status changed", "job_id", next.ID, "from", cur.Status, "to", next.Status)
		errs = append(errs, a.emitStatus(ctx, next))
	}
	return errors.Join(errs...)
}

// sameDocument compares two documents by their JSON encoding, so a stored
// float64 equals the int it was written as.
func sameDocument(a, b map[string]any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func (a *Adapter) emitStatus(ctx context.Context, j *Job) error {
	switch j.Status {
	case StatusWaiting:
		return a.emit(ctx, j.ID, types.JobQueued, queuedPayload(j))
	case StatusProcessing:
		return a.emit(ctx, j.ID, types.JobStarted,
			types.StartedPayload{JobID: j.ID, Attempt: j.Attempts, StartedAt: j.StartedAt})
	case StatusCompleted:
		return a.emit(ctx, j.ID, types.JobCompleted,
			types.CompletedPayload{JobID: j.ID, Results: j.Results, DurationMs: j.ProcessingTime().Milliseconds()})
	case StatusFailed:
		return a.emit(ctx, j.ID, types.JobFailed,
			types.FailedPayload{JobID: j.ID, Error: j.Error, Attempt: j.Attempts, Retryable: j.Retryable()})
	}
	return nil
}

func queuedPayload(j *Job) types.QueuedPayload {
	return types.QueuedPayload{JobID: j.ID, Priority: j.Priority, Attempt: j.Attempts + 1, Data: j.Data}
}

func (a *Adapter) emit(ctx context.Context, jobID string, typ types.MessageType, p types.Payload) error {
	if err := a.broker.Publish(ctx, a.queue, typ, p); err != nil {
		a.logger.Warn("lifecycle event not published", "job_id", jobID, "type", typ, "err", err)
		return &EventError{JobID: jobID, Type: typ, Err: err}
	}
	return nil
}

// DeleteJob removes the job and reports whether it existed. No event is
// published.
func (a *Adapter) DeleteJob(ctx context.Context, id string) (bool, error) {
	ok, err := a.store.Delete(ctx, a.queue, id)
	if err != nil {
		return false, fmt.Errorf("jobs: delete %s: %w", id, err)
	}
	return ok, nil
}

// GetJobs returns one page of matching jobs and the total match count.
func (a *Adapter) GetJobs(ctx context.Context, q Query) (JobList, error) {
	list, err := a.store.List(ctx, a.queue, q)
	if err != nil {
		return JobList{}, fmt.Errorf("jobs: list %s: %w", a.queue, err)
	}
	return list, nil
}

// ─── Processing ───────────────────────────────────────────────────────────────

// ProcessNextJob claims the highest-priority waiting job, oldest first among
// equals, and publishes job.started. It returns nil, nil without side effects
// when no job is waiting. Concurrent callers never claim the same job.
func (a *Adapter) ProcessNextJob(ctx context.Context) (*Job, error) {
	j, err := a.store.Claim(ctx, a.queue, a.nowMs())
	if err != nil {
		return nil, fmt.Errorf("jobs: claim in %s: %w", a.queue, err)
	}
	a.metrics.JobClaim(a.queue, j != nil)
	if j == nil {
		return nil, nil
	}
	a.metrics.JobTransition(a.queue, string(StatusProcessing))
	a.logger.Debug("job claimed", "job_id", j.ID, "attempt", j.Attempts)
	return j, a.emitStatus(ctx, j)
}

// RetryJob moves a failed job back to waiting. It fails with
// *InvalidStateTransitionError once attempts are exhausted.
func (a *Adapter) RetryJob(ctx context.Context, id string) (*Job, error) {
	return a.UpdateJob(ctx, id, Update{Status: StatusWaiting})
}

// CompleteJob is UpdateJob to completed with results.
func (a *Adapter) CompleteJob(ctx context.Context, id string, results map[string]any) (*Job, error) {
	return a.UpdateJob(ctx, id, Update{Status: StatusCompleted, Results: results})
}

// FailJob is UpdateJob to failed with cause's message.
func (a *Adapter) FailJob(ctx context.Context, id string, cause error) (*Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return a.UpdateJob(ctx, id, Update{Status: StatusFailed, Error: &msg})
}

// ─── Events ───────────────────────────────────────────────────────────────────

// SubscribeToEvents delivers this queue's events of the given types to h.
// No types means every type. The returned teardown releases all of them.
func (a *Adapter) SubscribeToEvents(ctx context.Context, eventTypes []types.MessageType, h broker.Handler) (broker.Teardown, error) {
	return subscribeAll(ctx, a.broker, a.queue, eventTypes, h, types.SubscribeOptions{})
}

// PublishEvent publishes an application event on this queue.
func (a *Adapter) PublishEvent(ctx context.Context, typ types.MessageType, p types.Payload) error {
	if err := a.broker.Publish(ctx, a.queue, typ, p); err != nil {
		return fmt.Errorf("jobs: publish %s on %s: %w", typ, a.queue, err)
	}
	return nil
}

// UpstreamHandler reacts to another queue's event on behalf of an adapter.
type UpstreamHandler func(ctx context.Context, a *Adapter, msg *types.Message) error

// OnUpstreamEvent subscribes this adapter to events of another queue. It is
// how pipeline stages stay consistent without calling each other: the
// downstream stage publishes, the upstream adapter updates its own jobs.
// Subscriptions ask for replay after reconnects, which durable broker tiers
// honour.
func (a *Adapter) OnUpstreamEvent(ctx context.Context, upstream string, eventTypes []types.MessageType, h UpstreamHandler) (broker.Teardown, error) {
	handler := func(ctx context.Context, msg *types.Message) error { return h(ctx, a, msg) }
	return subscribeAll(ctx, a.broker, upstream, eventTypes, handler, types.SubscribeOptions{RetryOnReconnect: true})
}

func subscribeAll(ctx context.Context, b broker.Broker, queue string, eventTypes []types.MessageType, h broker.Handler, opts types.SubscribeOptions) (broker.Teardown, error) {
	if len(eventTypes) == 0 {
		eventTypes = []types.MessageType{broker.AnyType}
	}
	teardowns := make([]broker.Teardown, 0, len(eventTypes))
	all := func(ctx context.Context) error {
		var errs []error
		for _, td := range teardowns {
			errs = append(errs, td(ctx))
		}
		return errors.Join(errs...)
	}
	for _, typ := range eventTypes {
		td, err := b.SubscribeWithOptions(ctx, queue, typ, h, opts)
		if err != nil {
			_ = all(ctx)
			return nil, fmt.Errorf("jobs: subscribe %s/%s: %w", queue, typ, err)
		}
		teardowns = append(teardowns, td)
	}
	return all, nil
}
