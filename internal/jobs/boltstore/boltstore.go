// Package boltstore keeps job records in a single bbolt file. It suits one
// relay process; bbolt's file lock keeps a second process out.
//
// Layout:
//
//	jobs/<queue>/<id>         → JSON job
//	waiting/<queue>/<claimKey> → id, for every waiting job
//
// claimKey sorts by priority descending, then CreatedAt ascending, then id,
// so the first key of a queue's waiting bucket is the next job to claim.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/jobrelay/internal/jobs"
)

var (
	bucketJobs    = []byte("jobs")
	bucketWaiting = []byte("waiting")
)

// Store implements jobs.Store on bbolt.
type Store struct {
	db     *bbolt.DB
	closed atomic.Bool
}

var _ jobs.Store = (*Store)(nil)

// Open opens or creates the store file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("boltstore: create dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketJobs, bucketWaiting} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// claimKey encodes the claim order of j. Signed integers are flipped into
// unsigned big-endian so byte order matches numeric order.
func claimKey(j *jobs.Job) []byte {
	k := make([]byte, 16, 16+len(j.ID))
	binary.BigEndian.PutUint64(k[0:8], ^(uint64(int64(j.Priority)) ^ 1<<63))
	binary.BigEndian.PutUint64(k[8:16], uint64(j.CreatedAt)^1<<63)
	return append(k, j.ID...)
}

// queueBuckets returns (creating when writable) the per-queue buckets.
func queueBuckets(tx *bbolt.Tx, queue string) (jobsB, waitB *bbolt.Bucket, err error) {
	name := []byte(queue)
	if tx.Writable() {
		if jobsB, err = tx.Bucket(bucketJobs).CreateBucketIfNotExists(name); err != nil {
			return nil, nil, err
		}
		if waitB, err = tx.Bucket(bucketWaiting).CreateBucketIfNotExists(name); err != nil {
			return nil, nil, err
		}
		return jobsB, waitB, nil
	}
	return tx.Bucket(bucketJobs).Bucket(name), tx.Bucket(bucketWaiting).Bucket(name), nil
}

func (s *Store) view(fn func(*bbolt.Tx) error) error {
	if s.closed.Load() {
		return jobs.ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(*bbolt.Tx) error) error {
	if s.closed.Load() {
		return jobs.ErrStoreClosed
	}
	return s.db.Update(fn)
}

func put(jobsB, waitB *bbolt.Bucket, prev, j *jobs.Job) error {
	if prev != nil && prev.Status == jobs.StatusWaiting {
		if err := waitB.Delete(claimKey(prev)); err != nil {
			return err
		}
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := jobsB.Put([]byte(j.ID), data); err != nil {
		return err
	}
	if j.Status == jobs.StatusWaiting {
		return waitB.Put(claimKey(j), []byte(j.ID))
	}
	return nil
}

func get(jobsB *bbolt.Bucket, id []byte) (*jobs.Job, error) {
	if jobsB == nil {
		return nil, jobs.ErrNotFound
	}
	data := jobsB.Get(id)
	if data == nil {
		return nil, jobs.ErrNotFound
	}
	var j jobs.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

// ─── jobs.Store ───────────────────────────────────────────────────────────────

// Insert implements jobs.Store.
func (s *Store) Insert(_ context.Context, j *jobs.Job) error {
	return s.update(func(tx *bbolt.Tx) error {
		jobsB, waitB, err := queueBuckets(tx, j.Queue)
		if err != nil {
			return err
		}
		if jobsB.Get([]byte(j.ID)) != nil {
			return fmt.Errorf("boltstore: job %s already exists", j.ID)
		}
		j.Version = 1
		return put(jobsB, waitB, nil, j)
	})
}

// Get implements jobs.Store.
func (s *Store) Get(_ context.Context, queue, id string) (*jobs.Job, error) {
	var j *jobs.Job
	err := s.view(func(tx *bbolt.Tx) error {
		jobsB, _, _ := queueBuckets(tx, queue)
		var err error
		j, err = get(jobsB, []byte(id))
		return err
	})
	return j, err
}

// CompareAndSwap implements jobs.Store. bbolt serialises writers, so the
// version check and the write share one transaction.
func (s *Store) CompareAndSwap(_ context.Context, j *jobs.Job, expected int64) error {
	return s.update(func(tx *bbolt.Tx) error {
		jobsB, waitB, err := queueBuckets(tx, j.Queue)
		if err != nil {
			return err
		}
		prev, err := get(jobsB, []byte(j.ID))
		if err != nil {
			return err
		}
		if prev.Version != expected {
			return jobs.ErrVersionConflict
		}
		j.Version = expected + 1
		return put(jobsB, waitB, prev, j)
	})
}

// Claim implements jobs.Store.
func (s *Store) Claim(_ context.Context, queue string, now int64) (*jobs.Job, error) {
	var claimed *jobs.Job
	err := s.update(func(tx *bbolt.Tx) error {
		jobsB, waitB, err := queueBuckets(tx, queue)
		if err != nil {
			return err
		}
		k, id := waitB.Cursor().First()
		if k == nil {
			return nil
		}
		j, err := get(jobsB, id)
		if err != nil {
			return err
		}
		prev := *j
		jobs.MarkClaimed(j, now)
		j.Version++
		if err := put(jobsB, waitB, &prev, j); err != nil {
			return err
		}
		claimed = j
		return nil
	})
	return claimed, err
}

// Delete implements jobs.Store.
func (s *Store) Delete(_ context.Context, queue, id string) (bool, error) {
	var existed bool
	err := s.update(func(tx *bbolt.Tx) error {
		jobsB, waitB, err := queueBuckets(tx, queue)
		if err != nil {
			return err
		}
		j, err := get(jobsB, []byte(id))
		if errors.Is(err, jobs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		if j.Status == jobs.StatusWaiting {
			if err := waitB.Delete(claimKey(j)); err != nil {
				return err
			}
		}
		return jobsB.Delete([]byte(id))
	})
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

// Scan implements jobs.Store.
func (s *Store) Scan(_ context.Context, queue string, fn func(*jobs.Job) error) error {
	return s.view(func(tx *bbolt.Tx) error {
		jobsB, _, _ := queueBuckets(tx, queue)
		if jobsB == nil {
			return nil
		}
		return jobsB.ForEach(func(k, v []byte) error {
			var j jobs.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return fmt.Errorf("decode job %s: %w", bytes.Clone(k), err)
			}
			return fn(&j)
		})
	})
}

// Close implements jobs.Store.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
