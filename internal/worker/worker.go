// Package worker runs jobs from a queue. A Pool claims waiting jobs with
// ProcessNextJob, runs a Func on each, records the outcome and puts failed
// jobs back to waiting after the queue's retry backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/jobs"
	"github.com/sneh-joshi/jobrelay/internal/scheduler"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

// Reporter lets a running Func publish progress.
type Reporter interface {
	// Progress replaces the job's progress document. A job.progress event
	// follows when it differs from the stored one.
	Progress(ctx context.Context, progress map[string]any) error
}

// Func processes one job and returns its results.
type Func func(ctx context.Context, job *jobs.Job, r Reporter) (map[string]any, error)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying automatically. The job is failed
// as usual but no retry is scheduled.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Config tunes a Pool.
type Config struct {
	// Concurrency is the number of jobs run at once. Default 1.
	Concurrency int
	// PollInterval is how often idle workers look for jobs. Default 1s.
	PollInterval time.Duration
	// JobTimeout bounds one Func call. Zero means no limit.
	JobTimeout time.Duration
	// DisableRetry leaves failed jobs failed instead of scheduling a retry.
	DisableRetry bool
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Pool runs Func over one queue's jobs.
type Pool struct {
	adapter *jobs.Adapter
	fn      Func
	cfg     Config
	logger  *slog.Logger
	sched   *scheduler.Scheduler

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	unsub    broker.Teardown
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a stopped Pool.
func New(a *jobs.Adapter, fn Func, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		adapter: a,
		fn:      fn,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		sched:   scheduler.New(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With("component", "worker", "queue", a.Queue())
	return p
}

// Start launches the workers. job.queued events wake idle workers at once;
// without them the pool falls back to polling.
func (p *Pool) Start(ctx context.Context) {
	unsub, err := p.adapter.SubscribeToEvents(ctx, []types.MessageType{types.JobQueued},
		func(context.Context, *types.Message) error {
			p.Wake()
			return nil
		})
	if err != nil {
		p.logger.Warn("job.queued subscription failed, polling only", "err", err)
	}
	p.unsub = unsub

	p.sched.Start(ctx, p.fireRetry)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx)
	}
	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)
}

// Wake nudges one idle worker to look for a job now.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// PendingRetries returns the number of retries waiting for their backoff.
func (p *Pool) PendingRetries() int { return p.sched.Len() }

// Stop stops claiming, waits for running jobs and drops pending retries.
// Jobs whose retry was pending stay failed and can be retried by hand.
func (p *Pool) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.done)
		p.sched.Stop()
		if p.unsub != nil {
			err = p.unsub(ctx)
		}
		finished := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-ctx.Done():
			err = errors.Join(err, fmt.Errorf("worker: stop: %w", ctx.Err()))
		}
		p.logger.Info("worker pool stopped")
	})
	return err
}

// ─── Workers ──────────────────────────────────────────────────────────────────

func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for p.next(ctx) {
			select {
			case <-p.done:
				return
			case <-ctx.Done():
				return
			default:
			}
		}
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// next claims and runs one job. It reports whether a job was found.
func (p *Pool) next(ctx context.Context) bool {
	j, err := p.adapter.ProcessNextJob(ctx)
	switch {
	case err == nil:
	case j != nil && eventOnly(err):
		p.logger.Warn("job.started not published", "job_id", j.ID, "err", err)
	default:
		p.logger.Warn("claim failed", "err", err)
		return false
	}
	if j == nil {
		return false
	}
	p.run(ctx, j)
	return true
}

func (p *Pool) run(ctx context.Context, j *jobs.Job) {
	runCtx := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	results, runErr := p.call(runCtx, j)
	log := p.logger.With("job_id", j.ID, "attempt", j.Attempts, "duration", time.Since(start))

	if runErr == nil {
		if _, err := p.adapter.CompleteJob(ctx, j.ID, results); err != nil && !eventOnly(err) {
			log.Error("complete failed", "err", err)
			return
		}
		log.Debug("job completed")
		return
	}

	failed, err := p.adapter.FailJob(ctx, j.ID, runErr)
	if err != nil && !eventOnly(err) {
		log.Error("fail failed", "err", err, "cause", runErr)
		return
	}
	switch {
	case p.cfg.DisableRetry, IsPermanent(runErr):
		log.Warn("job failed", "err", runErr)
	case failed.Retryable():
		delay := p.adapter.RetryPolicy().Delay(failed.Attempts)
		p.sched.Schedule(scheduler.Key{Queue: failed.Queue, JobID: failed.ID}, time.Now().Add(delay))
		log.Warn("job failed, retry scheduled", "err", runErr, "retry_in", delay)
	default:
		log.Warn("job failed, attempts exhausted", "err", runErr, "max_attempts", failed.MaxAttempts)
	}
}

// call runs fn, converting a panic into an error.
func (p *Pool) call(ctx context.Context, j *jobs.Job) (results map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: job panicked: %v", r)
		}
	}()
	results, err = p.fn(ctx, j.Clone(), reporter{a: p.adapter, id: j.ID})
	return maps.Clone(results), err
}

// fireRetry runs on the scheduler goroutine.
func (p *Pool) fireRetry(k scheduler.Key) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx := context.Background()
		_, err := p.adapter.RetryJob(ctx, k.JobID)
		var terr *jobs.InvalidStateTransitionError
		switch {
		case err == nil, eventOnly(err):
			p.logger.Debug("job requeued", "job_id", k.JobID)
			p.Wake()
		case errors.As(err, &terr), errors.Is(err, jobs.ErrNotFound):
			// Retried by hand, deleted or exhausted meanwhile.
			p.logger.Debug("scheduled retry skipped", "job_id", k.JobID, "err", err)
		default:
			p.logger.Warn("scheduled retry failed", "job_id", k.JobID, "err", err)
		}
	}()
}

// eventOnly reports whether err only says a lifecycle event was lost while
// the job change itself was stored.
func eventOnly(err error) bool {
	var ev *jobs.EventError
	return errors.As(err, &ev)
}

type reporter struct {
	a  *jobs.Adapter
	id string
}

func (r reporter) Progress(ctx context.Context, progress map[string]any) error {
	_, err := r.a.UpdateJob(ctx, r.id, jobs.Update{Progress: progress})
	if err != nil && !eventOnly(err) {
		return err
	}
	return nil
}
