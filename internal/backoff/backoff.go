// Package backoff computes retry delays: exponential growth from a base,
// capped, with full jitter. The connection supervisor, the broker's publish
// retries and the job retry policy all share it.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Default delays used by the connection manager.
const (
	DefaultBase = time.Second
	DefaultCap  = 30 * time.Second
)

// Policy describes an exponential backoff with full jitter.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
	// NoJitter returns the upper bound instead of a random delay below it.
	// Tests use it for deterministic timing.
	NoJitter bool
}

// Default returns the base 1s / cap 30s policy.
func Default() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap}
}

// Ceiling is min(Cap, Base*2^attempt) for a zero-based attempt.
func (p Policy) Ceiling(attempt int) time.Duration {
	base, limit := p.Base, p.Cap
	if base <= 0 {
		base = DefaultBase
	}
	if limit <= 0 {
		limit = DefaultCap
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Delay returns a random duration in [0, Ceiling(attempt)].
func (p Policy) Delay(attempt int) time.Duration {
	ceil := p.Ceiling(attempt)
	if p.NoJitter {
		return ceil
	}
	return time.Duration(rand.Int64N(int64(ceil) + 1))
}

// Sleep waits for Delay(attempt) or until ctx is done, whichever is first.
// It returns ctx.Err() when cancelled.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
