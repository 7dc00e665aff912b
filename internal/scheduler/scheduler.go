package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// FireFunc is called from the scheduler goroutine when an entry is due. It
// should hand work off rather than block.
type FireFunc func(k Key)

// Scheduler calls a FireFunc for each scheduled key at or after its due
// time. A key is scheduled at most once; scheduling it again moves it.
//
//	s := scheduler.New()
//	s.Start(ctx, func(k scheduler.Key) { retry(k.Queue, k.JobID) })
//	defer s.Stop()
//	s.Schedule(scheduler.Key{Queue: "web-crawl", JobID: id}, time.Now().Add(4*time.Second))
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	h     dueHeap
	byKey map[Key]*entry

	// wake has capacity 1; a pending signal is enough to re-evaluate.
	wake chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a stopped Scheduler. Call Start to begin firing.
func New() *Scheduler {
	return &Scheduler{
		h:     make(dueHeap, 0, 64),
		byKey: make(map[Key]*entry),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Schedule arranges for k to fire at at. A time in the past fires promptly.
func (s *Scheduler) Schedule(k Key, at time.Time) {
	s.mu.Lock()
	if prev, ok := s.byKey[k]; ok {
		s.h.remove(prev)
	}
	e := &entry{key: k, dueAt: at.UnixMilli()}
	heap.Push(&s.h, e)
	s.byKey[k] = e
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel removes k. It reports whether k was pending.
func (s *Scheduler) Cancel(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[k]
	if !ok {
		return false
	}
	s.h.remove(e)
	delete(s.byKey, k)
	return true
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Pending returns the number of pending entries for queue.
func (s *Scheduler) Pending(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.byKey {
		if k.Queue == queue {
			n++
		}
	}
	return n
}

// Start launches the run loop. It must be called once.
func (s *Scheduler) Start(ctx context.Context, fire FireFunc) {
	s.wg.Add(1)
	go s.run(ctx, fire)
}

// Stop ends the run loop and waits for it. Pending entries are abandoned.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// ─── run loop ─────────────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context, fire FireFunc) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		var next *entry
		if s.h.Len() > 0 {
			next = s.h[0]
		}
		s.mu.Unlock()

		var timerC <-chan time.Time
		if next != nil {
			delay := time.Until(time.UnixMilli(next.dueAt))
			if delay <= 0 {
				if k, ok := s.popDue(); ok {
					fire(k)
				}
				continue
			}
			timer.Reset(delay)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
			timer.Stop()
		case <-timerC:
			if k, ok := s.popDue(); ok {
				fire(k)
			}
		}
	}
}

// popDue removes and returns the root if it is due.
func (s *Scheduler) popDue() (Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 || s.h[0].dueAt > time.Now().UnixMilli() {
		return Key{}, false
	}
	e := heap.Pop(&s.h).(*entry)
	delete(s.byKey, e.key)
	return e.key, true
}
