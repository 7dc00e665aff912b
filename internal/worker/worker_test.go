package worker_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/jobs"
	"github.com/sneh-joshi/jobrelay/internal/jobs/boltstore"
	"github.com/sneh-joshi/jobrelay/internal/transport/memory"
	"github.com/sneh-joshi/jobrelay/internal/types"
	"github.com/sneh-joshi/jobrelay/internal/worker"
)

func newAdapter(t *testing.T, maxAttempts int) *jobs.Adapter {
	t.Helper()
	hub := memory.NewHub()
	b, err := broker.NewBasic(broker.Deps{Dialer: hub.Dialer(""), NodeID: "test"})
	require.NoError(t, err)
	require.NoError(t, b.Init(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	s, err := boltstore.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	a, err := jobs.NewAdapter("web-crawl", s, b, jobs.WithRetryPolicy(jobs.RetryPolicy{
		MaxAttempts: maxAttempts,
		Base:        time.Millisecond,
		Cap:         5 * time.Millisecond,
	}))
	require.NoError(t, err)
	return a
}

func startPool(t *testing.T, a *jobs.Adapter, fn worker.Func, cfg worker.Config) *worker.Pool {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	p := worker.New(a, fn, cfg)
	p.Start(context.Background())
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func create(t *testing.T, a *jobs.Adapter, priority int) string {
	t.Helper()
	id, err := a.CreateJob(context.Background(), jobs.NewJob{Priority: priority})
	require.NoError(t, err)
	return id
}

func waitStatus(t *testing.T, a *jobs.Adapter, id string, want jobs.Status) *jobs.Job {
	t.Helper()
	var j *jobs.Job
	require.Eventually(t, func() bool {
		var err error
		j, err = a.GetJob(context.Background(), id)
		return err == nil && j.Status == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return j
}

func TestPool_RunsJobsInPriorityOrder(t *testing.T) {
	a := newAdapter(t, 3)
	var (
		mu    sync.Mutex
		order []int
	)
	ids := []string{create(t, a, 1), create(t, a, 5), create(t, a, 3)}

	startPool(t, a, func(_ context.Context, j *jobs.Job, _ worker.Reporter) (map[string]any, error) {
		mu.Lock()
		order = append(order, j.Priority)
		mu.Unlock()
		return map[string]any{"pages": 3}, nil
	}, worker.Config{Concurrency: 1})

	for _, id := range ids {
		j := waitStatus(t, a, id, jobs.StatusCompleted)
		assert.Equal(t, float64(3), j.Results["pages"])
		assert.Equal(t, 1, j.Attempts)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{5, 3, 1}, order)
}

func TestPool_ReportsProgress(t *testing.T) {
	a := newAdapter(t, 3)
	var progress atomic.Int32
	stop, err := a.SubscribeToEvents(context.Background(), []types.MessageType{types.JobProgress},
		func(context.Context, *types.Message) error {
			progress.Add(1)
			return nil
		})
	require.NoError(t, err)
	defer stop(context.Background())

	id := create(t, a, 0)
	startPool(t, a, func(ctx context.Context, _ *jobs.Job, r worker.Reporter) (map[string]any, error) {
		for _, pct := range []int{25, 25, 100} {
			if err := r.Progress(ctx, map[string]any{"percent": pct}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}, worker.Config{})

	j := waitStatus(t, a, id, jobs.StatusCompleted)
	assert.Equal(t, float64(100), j.Progress["percent"])
	require.Eventually(t, func() bool { return progress.Load() == 2 }, time.Second, 5*time.Millisecond,
		"an unchanged progress document publishes nothing")
}

func TestPool_RetriesUntilSuccess(t *testing.T) {
	a := newAdapter(t, 3)
	id := create(t, a, 0)

	p := startPool(t, a, func(_ context.Context, j *jobs.Job, _ worker.Reporter) (map[string]any, error) {
		if j.Attempts < 3 {
			return nil, fmt.Errorf("upstream 503 on attempt %d", j.Attempts)
		}
		return map[string]any{"ok": true}, nil
	}, worker.Config{})

	j := waitStatus(t, a, id, jobs.StatusCompleted)
	assert.Equal(t, 3, j.Attempts)
	assert.Empty(t, j.Error)
	assert.Zero(t, p.PendingRetries())
}

func TestPool_ExhaustedJobStaysFailed(t *testing.T) {
	a := newAdapter(t, 2)
	id := create(t, a, 0)
	var calls atomic.Int32

	p := startPool(t, a, func(context.Context, *jobs.Job, worker.Reporter) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("corrupt pdf")
	}, worker.Config{})

	require.Eventually(t, func() bool {
		j, err := a.GetJob(context.Background(), id)
		return err == nil && j.Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	j, err := a.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, j.Status)
	assert.Equal(t, 2, j.Attempts)
	assert.Equal(t, "corrupt pdf", j.Error)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, p.PendingRetries())
}

func TestPool_PermanentErrorsAreNotRetried(t *testing.T) {
	a := newAdapter(t, 3)
	id := create(t, a, 0)
	var calls atomic.Int32

	startPool(t, a, func(context.Context, *jobs.Job, worker.Reporter) (map[string]any, error) {
		calls.Add(1)
		return nil, worker.Permanent(errors.New("invalid url"))
	}, worker.Config{})

	j := waitStatus(t, a, id, jobs.StatusFailed)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, j.Retryable(), "still retryable by hand")
	assert.True(t, worker.IsPermanent(worker.Permanent(errors.New("x"))))
	assert.NoError(t, worker.Permanent(nil))
}

func TestPool_PanicFailsJob(t *testing.T) {
	a := newAdapter(t, 3)
	id := create(t, a, 0)

	startPool(t, a, func(context.Context, *jobs.Job, worker.Reporter) (map[string]any, error) {
		var m map[string]int
		m["x"]++
		return nil, nil
	}, worker.Config{DisableRetry: true})

	j := waitStatus(t, a, id, jobs.StatusFailed)
	assert.Contains(t, j.Error, "panicked")
}

func TestPool_ConcurrentWorkersClaimEachJobOnce(t *testing.T) {
	a := newAdapter(t, 3)
	const n = 20
	ids := make([]string, n)
	for i := range ids {
		ids[i] = create(t, a, i%3)
	}

	var (
		mu   sync.Mutex
		runs = map[string]int{}
	)
	startPool(t, a, func(_ context.Context, j *jobs.Job, _ worker.Reporter) (map[string]any, error) {
		mu.Lock()
		runs[j.ID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil, nil
	}, worker.Config{Concurrency: 4})

	for _, id := range ids {
		waitStatus(t, a, id, jobs.StatusCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, runs, n)
	for id, c := range runs {
		assert.Equal(t, 1, c, id)
	}
}

func TestPool_StopWaitsForRunningJob(t *testing.T) {
	a := newAdapter(t, 3)
	id := create(t, a, 0)
	started := make(chan struct{})
	release := make(chan struct{})

	p := worker.New(a, func(context.Context, *jobs.Job, worker.Reporter) (map[string]any, error) {
		close(started)
		<-release
		return nil, nil
	}, worker.Config{PollInterval: 10 * time.Millisecond})
	p.Start(context.Background())

	<-started
	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-stopped)

	j, err := a.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, j.Status)
	assert.NoError(t, p.Stop(context.Background()), "Stop is idempotent")
}
