package jobs

import (
	"context"
	"fmt"
	"time"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// GetQueueStats counts jobs by status and derives throughput and processing
// time from completed jobs. Throughput counts jobs whose CompletedAt falls in
// the last 24h and 7d; the average covers completed jobs of the 7d window.
func (a *Adapter) GetQueueStats(ctx context.Context) (QueueStats, error) {
	acc := newStatsAccumulator(a.queue, a.now())
	if err := a.store.Scan(ctx, a.queue, func(j *Job) error {
		acc.add(j)
		return nil
	}); err != nil {
		return QueueStats{}, fmt.Errorf("jobs: stats %s: %w", a.queue, err)
	}
	return acc.result(), nil
}

type statsAccumulator struct {
	stats     QueueStats
	dayStart  int64
	weekStart int64
	totalMs   int64
	timed     int64
}

func newStatsAccumulator(queue string, now time.Time) *statsAccumulator {
	return &statsAccumulator{
		stats:     QueueStats{Queue: queue},
		dayStart:  now.Add(-day).UnixMilli(),
		weekStart: now.Add(-week).UnixMilli(),
	}
}

func (s *statsAccumulator) add(j *Job) {
	switch j.Status {
	case StatusWaiting:
		s.stats.Waiting++
		if s.stats.OldestWaitingJob == 0 || j.CreatedAt < s.stats.OldestWaitingJob {
			s.stats.OldestWaitingJob = j.CreatedAt
		}
	case StatusProcessing:
		s.stats.Processing++
	case StatusFailed:
		s.stats.Failed++
	case StatusCompleted:
		s.stats.Completed++
		if j.CompletedAt >= s.weekStart {
			s.stats.Throughput.Last7d++
			if j.StartedAt > 0 {
				s.totalMs += j.ProcessingTime().Milliseconds()
				s.timed++
			}
		}
		if j.CompletedAt >= s.dayStart {
			s.stats.Throughput.Last24h++
		}
	}
}

func (s *statsAccumulator) result() QueueStats {
	if s.timed > 0 {
		s.stats.AvgProcessingTime = s.totalMs / s.timed
	}
	return s.stats
}
