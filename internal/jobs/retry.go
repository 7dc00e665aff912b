package jobs

import (
	"time"

	"github.com/sneh-joshi/jobrelay/internal/backoff"
)

// RetryPolicy bounds how often a failed job goes back to waiting and how long
// a worker waits before retrying it.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy allows three attempts with 1s..5m backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: time.Second, Cap: 5 * time.Minute}
}

// Delay returns the wait before the retry that follows attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return backoff.Policy{Base: p.Base, Cap: p.Cap}.Delay(attempt - 1)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Cap <= 0 {
		p.Cap = d.Cap
	}
	return p
}
