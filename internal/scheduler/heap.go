// Package scheduler fires callbacks for jobs at a later time. The worker pool
// uses it to put failed jobs back to waiting once their retry backoff has
// elapsed.
//
// Pending entries sit in a min-heap ordered by due time: the run loop peeks
// at the root, sleeps until it is due, then pops it and calls the fire
// function. Schedule wakes the loop early when a new entry is due sooner
// than the current root.
package scheduler

import "container/heap"

// Key identifies a scheduled job.
type Key struct {
	Queue string
	JobID string
}

type entry struct {
	key   Key
	dueAt int64 // Unix milliseconds
	index int   // position in the heap, kept by Swap for heap.Remove
}

// dueHeap orders entries by dueAt, soonest first.
type dueHeap []*entry

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool { return h[i].dueAt < h[j].dueAt }

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h *dueHeap) remove(e *entry) {
	if e.index >= 0 {
		heap.Remove(h, e.index)
	}
}
