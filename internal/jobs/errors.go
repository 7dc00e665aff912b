package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores for a missing job.
	ErrNotFound = errors.New("jobs: not found")

	// ErrVersionConflict is returned by Store.CompareAndSwap when the stored
	// version differs from the expected one.
	ErrVersionConflict = errors.New("jobs: version conflict")

	// ErrInvalidTransition is matched by every *InvalidStateTransitionError.
	ErrInvalidTransition = errors.New("jobs: invalid state transition")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("jobs: store closed")

	// ErrInvalidPriority is returned for a priority outside
	// [MinPriority, MaxPriority].
	ErrInvalidPriority = errors.New("jobs: invalid priority")
)

// Priority bounds accepted by CreateJob and UpdateJob.
const (
	MinPriority = -1_000_000
	MaxPriority = 1_000_000
)

// CheckPriority rejects a priority outside [MinPriority, MaxPriority].
func CheckPriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPriority, p, MinPriority, MaxPriority)
	}
	return nil
}

// JobNotFoundError reports a lookup of a job that does not exist in queue.
type JobNotFoundError struct {
	Queue string
	ID    string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("jobs: job %s not found in queue %s", e.ID, e.Queue)
}

func (e *JobNotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateTransitionError reports an update that would break the status
// state machine.
type InvalidStateTransitionError struct {
	ID     string
	From   Status
	To     Status
	Reason string
}

func (e *InvalidStateTransitionError) Error() string {
	msg := fmt.Sprintf("jobs: job %s cannot move from %s to %s", e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidTransition }
