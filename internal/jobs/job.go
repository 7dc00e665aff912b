// Package jobs is the generic job-queue layer: the Job record, its status
// state machine, the Store contract every backend implements and the Adapter
// that turns store mutations into lifecycle events on a broker.
//
// Job records are the only state shared between processes. Every mutation
// that changes a job's status goes through Store.CompareAndSwap or
// Store.Claim, both guarded by the record's Version.
package jobs

import (
	"maps"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is one unit of asynchronous work. Timestamps are UTC milliseconds;
// zero means unset.
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Status      Status         `json:"status"`
	Priority    int            `json:"priority"`
	Data        map[string]any `json:"data,omitempty"`
	Progress    map[string]any `json:"progress,omitempty"`
	Results     map[string]any `json:"results,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	CreatedAt   int64          `json:"createdAt"`
	StartedAt   int64          `json:"startedAt,omitempty"`
	CompletedAt int64          `json:"completedAt,omitempty"`
	UpdatedAt   int64          `json:"updatedAt"`

	// Version increases by one on every stored write and is the token
	// CompareAndSwap checks.
	Version int64 `json:"version"`
}

// Clone returns a copy whose maps can be modified without touching j.
func (j *Job) Clone() *Job {
	c := *j
	c.Data = maps.Clone(j.Data)
	c.Progress = maps.Clone(j.Progress)
	c.Results = maps.Clone(j.Results)
	return &c
}

// Retryable reports whether a failed job may go back to waiting.
func (j *Job) Retryable() bool {
	return j.Status == StatusFailed && j.Attempts < j.MaxAttempts
}

// Terminal reports whether no further status change is allowed.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || (j.Status == StatusFailed && !j.Retryable())
}

// ProcessingTime is CompletedAt - StartedAt, or zero while either is unset.
func (j *Job) ProcessingTime() time.Duration {
	if j.StartedAt == 0 || j.CompletedAt == 0 || j.CompletedAt < j.StartedAt {
		return 0
	}
	return time.Duration(j.CompletedAt-j.StartedAt) * time.Millisecond
}

// ─── Create / update requests ─────────────────────────────────────────────────

// NewJob describes a job to create.
type NewJob struct {
	Priority int
	Data     map[string]any
	// MaxAttempts overrides the adapter's retry policy when > 0.
	MaxAttempts int
}

// Update is a partial change to a job. Zero fields are left untouched.
type Update struct {
	Status Status
	// Progress replaces the progress document.
	Progress map[string]any
	// Results replaces the results document.
	Results map[string]any
	// MergeResults is merged into the results document key by key. It is
	// applied inside the compare-and-swap loop, so concurrent merges do not
	// lose each other's keys.
	MergeResults map[string]any
	Error        *string
	Data         map[string]any
	Priority     *int
}

func (u Update) empty() bool {
	return u.Status == "" && u.Progress == nil && u.Results == nil && u.MergeResults == nil &&
		u.Error == nil && u.Data == nil && u.Priority == nil
}

// ─── Listing ──────────────────────────────────────────────────────────────────

// Filter selects jobs for GetJobs. Zero fields match everything.
type Filter struct {
	Statuses      []Status
	MinPriority   *int
	CreatedAfter  int64
	CreatedBefore int64
}

// SortField names the ordering key for GetJobs.
type SortField string

const (
	SortCreatedAt SortField = "createdAt"
	SortUpdatedAt SortField = "updatedAt"
	SortPriority  SortField = "priority"
)

// Sort orders GetJobs results. The zero value is newest first.
type Sort struct {
	Field     SortField
	Ascending bool
}

// Page bounds GetJobs results. Limit <= 0 uses DefaultPageLimit.
type Page struct {
	Offset int
	Limit  int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
)

// Query combines filter, sort and page.
type Query struct {
	Filter Filter
	Sort   Sort
	Page   Page
}

// JobList is one page of GetJobs results plus the total number of matches.
type JobList struct {
	Jobs  []*Job `json:"jobs"`
	Total int    `json:"total"`
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// Throughput counts jobs completed in rolling windows.
type Throughput struct {
	Last24h int `json:"last24h"`
	Last7d  int `json:"last7d"`
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue             string     `json:"queue"`
	Waiting           int        `json:"waiting"`
	Processing        int        `json:"processing"`
	Completed         int        `json:"completed"`
	Failed            int        `json:"failed"`
	Throughput        Throughput `json:"throughput"`
	AvgProcessingTime int64      `json:"avgProcessingTimeMs"`
	// OldestWaitingJob is the smallest CreatedAt among waiting jobs, 0 if none.
	OldestWaitingJob int64 `json:"oldestWaitingJob,omitempty"`
}

// Total is the number of live jobs.
func (s QueueStats) Total() int {
	return s.Waiting + s.Processing + s.Completed + s.Failed
}
