// Package jobstest is the conformance suite every jobs.Store runs in its own
// tests.
package jobstest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/jobs"
)

// Run exercises store. Every subtest works in its own queue, so a shared
// backend does not need to be emptied between runs.
func Run(t *testing.T, store jobs.Store) {
	t.Helper()
	for _, tc := range []struct {
		name string
		fn   func(*testing.T, jobs.Store, string)
	}{
		{"InsertGet", testInsertGet},
		{"CompareAndSwap", testCompareAndSwap},
		{"ClaimOrder", testClaimOrder},
		{"ClaimOrderExtremePriority", testClaimOrderExtremePriority},
		{"ClaimAtomic", testClaimAtomic},
		{"ClaimOnlyWaiting", testClaimOnlyWaiting},
		{"Delete", testDelete},
		{"List", testList},
		{"ScanIsolatesQueues", testScan},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, store, "q-"+uuid.NewString()[:8])
		})
	}
}

// NewJob returns a waiting job ready for Insert.
func NewJob(queue string, priority int, createdAt int64) *jobs.Job {
	return &jobs.Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Status:      jobs.StatusWaiting,
		Priority:    priority,
		MaxAttempts: 3,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func insert(t *testing.T, s jobs.Store, j *jobs.Job) *jobs.Job {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), j))
	return j
}

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

func testInsertGet(t *testing.T, s jobs.Store, queue string) {
	ctx := context.Background()
	j := NewJob(queue, 2, base)
	j.Data = map[string]any{"fileName": "catalog.pdf", "pages": float64(12)}
	insert(t, s, j)
	assert.Equal(t, int64(1), j.Version)

	got, err := s.Get(ctx, queue, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, jobs.StatusWaiting, got.Status)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, "catalog.pdf", got.Data["fileName"])
	assert.Equal(t, float64(12), got.Data["pages"])
	assert.Equal(t, base, got.CreatedAt)

	_, err = s.Get(ctx, queue, uuid.NewString())
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	_, err = s.Get(ctx, queue+"-other", j.ID)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func testCompareAndSwap(t *testing.T, s jobs.Store, queue string) {
	ctx := context.Background()
	j := insert(t, s, NewJob(queue, 0, base))

	next := j.Clone()
	next.Results = map[string]any{"ok": true}
	require.NoError(t, s.CompareAndSwap(ctx, next, 1))
	assert.Equal(t, int64(2), next.Version)

	stale := j.Clone()
	stale.Priority = 9
	assert.ErrorIs(t, s.CompareAndSwap(ctx, stale, 1), jobs.ErrVersionConflict)

	got, err := s.Get(ctx, queue, j.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 0, got.Priority, "a losing swap must not write")
	assert.Equal(t, true, got.Results["ok"])

	missing := NewJob(queue, 0, base)
	assert.ErrorIs(t, s.CompareAndSwap(ctx, missing, 1), jobs.ErrNotFound)
}

func testClaimOrder(t *testing.T, s jobs.Store, queue string) {
	ctx := context.Background()
	for _, p := range []int{3, 1, 5} {
		insert(t, s, NewJob(queue, p, base))
	}
	// Equal priority: oldest first.
	older := insert(t, s, NewJob(queue, 1, base-1000))

	var got []int
	var ids []string
	for {
		j, err := s.Claim(ctx, queue, base+1)
		require.NoError(t, err)
		if j == nil {
			break
		}
		assert.Equal(t, jobs.StatusProcessing, j.Status)
		assert.Equal(t, 1, j.Attempts)
		assert.Equal(t, base+1, j.StartedAt)
		assert.Equal(t, int64(2), j.Version)
		got = append(got, j.Priority)
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []int{5, 3, 1, 1}, got)
	assert.Equal(t, older.ID, ids[2])
}

// Jobs 1ms apart at the edges of the priority range still come out oldest
// first within each priority.
func testClaimOrderExtremePriority(t *testing.T, s jobs.Store, queue string) {
	ctx := context.Background()
	type key struct {
		priority  int
		createdAt int64
	}
	for _, p := range []int{jobs.MinPriority, 1000, jobs.MaxPriority} {
		for _, off := range []int64{2, 0, 1} {
			insert(t, s, NewJob(queue, p, base+off))
		}
	}

	var got []key
	for {
		j, err := s.Claim(ctx, queue, base+10)
		require.NoError(t, err)
		if j == nil {
			break
		}
		got = append(got, key{j.Priority, j.CreatedAt})
	}
	assert.Equal(t, []key{
		{jobs.MaxPriority, base}, {jobs.MaxPriority, base + 1}, {jobs.MaxPriority, base + 2},
		{1000, base}, {1000, base + 1}, {1000, base + 2},
		{jobs.MinPriority, base}, {jobs.MinPriority, base + 1}, {jobs.MinPriority, base + 2},
	}, got)
}

func testClaimAtomic(t *testing.T, s jobs.Store, queue string) {
	ctx := context.Background()
	j := insert(t, s, NewJob(queue, 0, base))

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []*jobs.Job
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c, err := s.Claim(ctx, queue, base)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if c != nil {
				claimed = append(claimed, c)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, errs)
	require.Len(t, claimed, 1, "exactly one claimer wins")
	assert.Equal(t, j.ID, claimed[0].ID)
}

func testClaimOnlyWaiting(t *testing.T, s jobs.Store, queue string) {
	ctx := context.Background()
	j := insert(t, s, NewJob(queue, 0, base))

	done := j.Clone()
	done.Status = jobs.StatusFailed
	require.NoError(t, s.CompareAndSwap(ctx, done, j.Version))

	c, err := s.Claim(ctx, queue, base)
	require.NoError(t, err)
	assert.Nil(t, c, "failed jobs are not claimable")

	again := done.Clone()
	again.Status = jobs.StatusWaiting
	require.NoError(t, s.CompareAndSwap(ctx, again, done.Version))

	c, err = s.Claim(ctx, queue, base)
	require.NoError(t, err)
	require.NotNil(t, c, "a job put back to waiting is claimable again")
	assert.Equal(t, j.ID, c.ID)
}

func testDelete(t *testing.T, s jobs.Store, queue string) {
	ctx := context.Background()
	j := insert(t, s, NewJob(queue, 0, base))

	ok, err := s.Delete(ctx, queue, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, queue, j.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := s.Claim(ctx, queue, base)
	require.NoError(t, err)
	assert.Nil(t, c, "deleted jobs are not claimable")
}

func testList(t *testing.T, s jobs.Store, queue string) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		insert(t, s, NewJob(queue, i, base+int64(i)))
	}
	c, err := s.Claim(ctx, queue, base+10)
	require.NoError(t, err)
	require.NotNil(t, c)

	all, err := s.List(ctx, queue, jobs.Query{})
	require.NoError(t, err)
	assert.Equal(t, 5, all.Total)
	require.Len(t, all.Jobs, 5)
	assert.Equal(t, base+4, all.Jobs[0].CreatedAt, "newest first by default")

	waiting, err := s.List(ctx, queue, jobs.Query{
		Filter: jobs.Filter{Statuses: []jobs.Status{jobs.StatusWaiting}},
		Sort:   jobs.Sort{Field: jobs.SortPriority, Ascending: true},
		Page:   jobs.Page{Offset: 1, Limit: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, waiting.Total)
	require.Len(t, waiting.Jobs, 2)
	assert.Equal(t, 1, waiting.Jobs[0].Priority)
	assert.Equal(t, 2, waiting.Jobs[1].Priority)

	minPrio := 3
	high, err := s.List(ctx, queue, jobs.Query{Filter: jobs.Filter{MinPriority: &minPrio}})
	require.NoError(t, err)
	assert.Equal(t, 2, high.Total)

	past, err := s.List(ctx, queue, jobs.Query{Page: jobs.Page{Offset: 10}})
	require.NoError(t, err)
	assert.Equal(t, 5, past.Total)
	assert.Empty(t, past.Jobs)
}

func testScan(t *testing.T, s jobs.Store, queue string) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		insert(t, s, NewJob(queue, 0, base))
	}
	insert(t, s, NewJob(queue+"-other", 0, base))

	n := 0
	require.NoError(t, s.Scan(ctx, queue, func(j *jobs.Job) error {
		assert.Equal(t, queue, j.Queue)
		n++
		return nil
	}))
	assert.Equal(t, 3, n)
}
