package jobs

import (
	"context"
	"slices"
)

// Store is the durable home of job records. Implementations:
//   - boltstore:  a bbolt file, for a single process
//   - redisstore: Redis, shared by every worker process
//   - pgstore:    PostgreSQL, shared by every worker process
//
// All methods must be safe for concurrent use, including from several
// processes when the backend is shared.
type Store interface {
	// Insert writes a new job and sets its Version to 1.
	Insert(ctx context.Context, job *Job) error

	// Get returns the job or ErrNotFound.
	Get(ctx context.Context, queue, id string) (*Job, error)

	// CompareAndSwap replaces the stored job with job if the stored Version
	// equals expected, then sets job.Version to expected+1. It returns
	// ErrVersionConflict on a mismatch and ErrNotFound if the job is gone.
	CompareAndSwap(ctx context.Context, job *Job, expected int64) error

	// Claim atomically moves the next waiting job of queue to processing
	// (see Next and MarkClaimed) and returns it. It returns nil, nil when no
	// job is waiting.
	Claim(ctx context.Context, queue string, now int64) (*Job, error)

	// Delete removes the job and reports whether it existed.
	Delete(ctx context.Context, queue, id string) (bool, error)

	// List returns one page of the jobs of queue matching q.
	List(ctx context.Context, queue string, q Query) (JobList, error)

	// Scan calls fn for every job of queue, in no particular order, until
	// fn returns an error.
	Scan(ctx context.Context, queue string, fn func(*Job) error) error

	Close() error
}

// ─── Helpers shared by store implementations ─────────────────────────────────

// Next reports whether a should be claimed before b: higher priority first,
// then earlier CreatedAt, then smaller ID.
func Next(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// MarkClaimed applies the waiting → processing change to j.
func MarkClaimed(j *Job, now int64) {
	j.Status = StatusProcessing
	j.Attempts++
	j.StartedAt = now
	j.CompletedAt = 0
	j.UpdatedAt = now
}

// Matches reports whether j passes f.
func (f Filter) Matches(j *Job) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
		return false
	}
	if f.MinPriority != nil && j.Priority < *f.MinPriority {
		return false
	}
	if f.CreatedAfter > 0 && j.CreatedAt <= f.CreatedAfter {
		return false
	}
	if f.CreatedBefore > 0 && j.CreatedAt >= f.CreatedBefore {
		return false
	}
	return true
}

// Normalize fills in the defaults of a page.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Key returns the sort key of j for s.
func (s Sort) Key(j *Job) int64 {
	switch s.Field {
	case SortUpdatedAt:
		return j.UpdatedAt
	case SortPriority:
		return int64(j.Priority)
	default:
		return j.CreatedAt
	}
}

// Apply filters, sorts and pages jobs in memory. Stores without a query
// engine use it on the output of a full scan.
func (q Query) Apply(all []*Job) JobList {
	matched := make([]*Job, 0, len(all))
	for _, j := range all {
		if q.Filter.Matches(j) {
			matched = append(matched, j)
		}
	}
	slices.SortStableFunc(matched, func(a, b *Job) int {
		ka, kb := q.Sort.Key(a), q.Sort.Key(b)
		c := 0
		switch {
		case ka < kb:
			c = -1
		case ka > kb:
			c = 1
		default:
			if a.ID < b.ID {
				c = -1
			} else if a.ID > b.ID {
				c = 1
			}
		}
		if !q.Sort.Ascending {
			c = -c
		}
		return c
	})

	page := q.Page.Normalize()
	out := JobList{Jobs: []*Job{}, Total: len(matched)}
	if page.Offset < len(matched) {
		end := min(page.Offset+page.Limit, len(matched))
		out.Jobs = matched[page.Offset:end]
	}
	return out
}
