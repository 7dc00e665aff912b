// Package redisstore keeps job records in Redis so every worker process can
// share them. Status changes use WATCH/MULTI/EXEC optimistic transactions:
// a write commits only if nobody touched the watched keys since they were
// read.
//
// Layout (prefix defaults to "jobrelay:"):
//
//	<prefix>job:{<queue>}:<id>   string, JSON job
//	<prefix>ids:{<queue>}        set of every job id in the queue
//	<prefix>waiting:{<queue>}    zset of waiting jobs, score = -priority,
//	                             member = zero-padded createdAt ":" id
//
// The braces are a Redis Cluster hash tag: every key of one queue lives in
// the same slot, so the WATCH transactions below work against a cluster.
// Members with equal score sort bytewise, which makes the padded createdAt
// break priority ties oldest first without squeezing both into one float.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sneh-joshi/jobrelay/internal/jobs"
)

const (
	DefaultPrefix = "jobrelay:"

	// maxTxRetries bounds how often Insert, Claim and Delete restart after
	// a watched key changed under them.
	maxTxRetries = 32
	scanBatch    = 200
)

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements jobs.Store on Redis.
type Store struct {
	client goredis.UniversalClient
	owned  bool
	prefix string
	logger *slog.Logger
	closed atomic.Bool
}

var _ jobs.Store = (*Store)(nil)

// Open dials url and returns a Store that owns the client.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	s := New(client, opts...)
	s.owned = true
	return s, nil
}

// New wraps an existing client. Close leaves the client open.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "redisstore")
	return s
}

func (s *Store) jobKey(queue, id string) string { return s.prefix + "job:{" + queue + "}:" + id }
func (s *Store) idsKey(queue string) string     { return s.prefix + "ids:{" + queue + "}" }
func (s *Store) waitKey(queue string) string    { return s.prefix + "waiting:{" + queue + "}" }

// waiting is j's entry in the waiting set: higher priority first, then older
// first, then by id.
func waiting(j *jobs.Job) goredis.Z {
	return goredis.Z{Score: float64(-j.Priority), Member: fmt.Sprintf("%019d:%s", j.CreatedAt, j.ID)}
}

// memberID extracts the job id from a waiting-set member.
func memberID(member string) (string, bool) {
	i := strings.IndexByte(member, ':')
	if i < 0 || i == len(member)-1 {
		return "", false
	}
	return member[i+1:], true
}

func (s *Store) load(ctx context.Context, c goredis.Cmdable, queue, id string) (*jobs.Job, error) {
	data, err := c.Get(ctx, s.jobKey(queue, id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var j jobs.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("redisstore: decode job %s: %w", id, err)
	}
	return &j, nil
}

// write queues the commands that store j and keep the waiting set in step.
func (s *Store) write(ctx context.Context, pipe goredis.Pipeliner, j *jobs.Job, data []byte) {
	pipe.Set(ctx, s.jobKey(j.Queue, j.ID), data, 0)
	z := waiting(j)
	if j.Status == jobs.StatusWaiting {
		pipe.ZAdd(ctx, s.waitKey(j.Queue), z)
	} else {
		pipe.ZRem(ctx, s.waitKey(j.Queue), z.Member)
	}
}

// retry runs a WATCH transaction until it commits, restarting when a watched
// key changed.
func (s *Store) retry(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	if s.closed.Load() {
		return jobs.ErrStoreClosed
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		s.logger.Debug("watched key changed, retrying", "keys", keys, "attempt", i+1)
	}
	return fmt.Errorf("redisstore: transaction kept conflicting on %v", keys)
}

// ─── jobs.Store ───────────────────────────────────────────────────────────────

// Insert implements jobs.Store.
func (s *Store) Insert(ctx context.Context, j *jobs.Job) error {
	key := s.jobKey(j.Queue, j.ID)
	j.Version = 1
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("redisstore: encode job: %w", err)
	}
	return s.retry(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("redisstore: job %s already exists", j.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.write(ctx, pipe, j, data)
			pipe.SAdd(ctx, s.idsKey(j.Queue), j.ID)
			return nil
		})
		return err
	}, key)
}

// Get implements jobs.Store.
func (s *Store) Get(ctx context.Context, queue, id string) (*jobs.Job, error) {
	if s.closed.Load() {
		return nil, jobs.ErrStoreClosed
	}
	return s.load(ctx, s.client, queue, id)
}

// CompareAndSwap implements jobs.Store. Losing the WATCH race is reported as
// a version conflict; the caller re-reads and decides again.
func (s *Store) CompareAndSwap(ctx context.Context, j *jobs.Job, expected int64) error {
	if s.closed.Load() {
		return jobs.ErrStoreClosed
	}
	key := s.jobKey(j.Queue, j.ID)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := s.load(ctx, tx, j.Queue, j.ID)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return jobs.ErrVersionConflict
		}
		next := *j
		next.Version = expected + 1
		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("redisstore: encode job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.write(ctx, pipe, &next, data)
			return nil
		})
		if err == nil {
			j.Version = next.Version
		}
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return jobs.ErrVersionConflict
	}
	return err
}

// Claim implements jobs.Store. The waiting set and the candidate's record are
// both watched, so two claimers racing for the same job cannot both commit.
func (s *Store) Claim(ctx context.Context, queue string, now int64) (*jobs.Job, error) {
	var claimed *jobs.Job
	wait := s.waitKey(queue)
	err := s.retry(ctx, func(tx *goredis.Tx) error {
		claimed = nil
		members, err := tx.ZRange(ctx, wait, 0, 0).Result()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		// A stale member. Removing it touches the watched set, so the
		// transaction restarts with a clean view.
		drop := func() error {
			if err := tx.ZRem(ctx, wait, members[0]).Err(); err != nil {
				return err
			}
			return goredis.TxFailedErr
		}
		id, ok := memberID(members[0])
		if !ok {
			return drop()
		}
		if err := tx.Watch(ctx, s.jobKey(queue, id)).Err(); err != nil {
			return err
		}
		j, err := s.load(ctx, tx, queue, id)
		if err != nil && !errors.Is(err, jobs.ErrNotFound) {
			return err
		}
		if err != nil || j.Status != jobs.StatusWaiting {
			return drop()
		}

		jobs.MarkClaimed(j, now)
		j.Version++
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("redisstore: encode job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.write(ctx, pipe, j, data)
			return nil
		})
		if err == nil {
			claimed = j
		}
		return err
	}, wait)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Delete implements jobs.Store.
func (s *Store) Delete(ctx context.Context, queue, id string) (bool, error) {
	key := s.jobKey(queue, id)
	var existed bool
	err := s.retry(ctx, func(tx *goredis.Tx) error {
		j, err := s.load(ctx, tx, queue, id)
		if err != nil && !errors.Is(err, jobs.ErrNotFound) {
			return err
		}
		existed = err == nil
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			if existed {
				pipe.ZRem(ctx, s.waitKey(queue), waiting(j).Member)
			}
			pipe.SRem(ctx, s.idsKey(queue), id)
			return nil
		})
		return err
	}, key)
	return existed, err
}

// List implements jobs.Store with a full scan of the queue.
func (s *Store) List(ctx context.Context, queue string, q jobs.Query) (jobs.JobList, error) {
	var all []*jobs.Job
	err := s.Scan(ctx, queue, func(j *jobs.Job) error {
		all = append(all, j)
		return nil
	})
	if err != nil {
		return jobs.JobList{}, err
	}
	return q.Apply(all), nil
}

// Scan implements jobs.Store. Jobs deleted between listing the ids and
// reading them are skipped.
func (s *Store) Scan(ctx context.Context, queue string, fn func(*jobs.Job) error) error {
	if s.closed.Load() {
		return jobs.ErrStoreClosed
	}
	ids, err := s.client.SMembers(ctx, s.idsKey(queue)).Result()
	if err != nil {
		return fmt.Errorf("redisstore: list ids: %w", err)
	}
	for start := 0; start < len(ids); start += scanBatch {
		batch := ids[start:min(start+scanBatch, len(ids))]
		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = s.jobKey(queue, id)
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redisstore: read jobs: %w", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var j jobs.Job
			if err := json.Unmarshal([]byte(str), &j); err != nil {
				return fmt.Errorf("redisstore: decode job %s: %w", batch[i], err)
			}
			if err := fn(&j); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close implements jobs.Store.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.owned {
		return s.client.Close()
	}
	return nil
}
