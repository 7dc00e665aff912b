package jobs

import (
	"context"
	"fmt"
	"maps"
)

// Dead letters are failed jobs whose attempts are exhausted. They stay in the
// store, terminal, until an operator replays or deletes them.

// DeadLetters returns one page of dead-lettered jobs, most recently failed
// first.
func (a *Adapter) DeadLetters(ctx context.Context, page Page) (JobList, error) {
	var dead []*Job
	err := a.store.Scan(ctx, a.queue, func(j *Job) error {
		if j.Status == StatusFailed && !j.Retryable() {
			dead = append(dead, j)
		}
		return nil
	})
	if err != nil {
		return JobList{}, fmt.Errorf("jobs: dead letters %s: %w", a.queue, err)
	}
	return Query{Sort: Sort{Field: SortUpdatedAt}, Page: page}.Apply(dead), nil
}

// ReplayDeadLetters re-creates up to limit dead-lettered jobs as fresh waiting
// jobs with the same priority and data, then deletes the originals. A job
// whose re-creation fails stays dead-lettered; a replayed job whose
// job.queued event fails is still counted. It returns the number
// replayed.
func (a *Adapter) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	dead, err := a.DeadLetters(ctx, Page{Limit: limit})
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, j := range dead.Jobs {
		data := maps.Clone(j.Data)
		if data == nil {
			data = map[string]any{}
		}
		data["replayedFrom"] = j.ID

		id, cerr := a.CreateJob(ctx, NewJob{Priority: j.Priority, Data: data, MaxAttempts: j.MaxAttempts})
		if id == "" {
			a.logger.Warn("dead letter replay failed", "job_id", j.ID, "err", cerr)
			continue
		}
		if _, derr := a.store.Delete(ctx, a.queue, j.ID); derr != nil {
			a.logger.Warn("dead letter replayed but not removed", "job_id", j.ID, "err", derr)
		}
		replayed++
	}
	return replayed, nil
}
