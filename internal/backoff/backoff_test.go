package backoff_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/backoff"
)

func TestCeiling_DoublesUntilCap(t *testing.T) {
	p := backoff.Default()
	assert.Equal(t, time.Second, p.Ceiling(0))
	assert.Equal(t, 2*time.Second, p.Ceiling(1))
	assert.Equal(t, 16*time.Second, p.Ceiling(4))
	assert.Equal(t, 30*time.Second, p.Ceiling(5))
	assert.Equal(t, 30*time.Second, p.Ceiling(500))
}

func TestDelay_FullJitterStaysInRange(t *testing.T) {
	p := backoff.Policy{Base: 10 * time.Millisecond, Cap: 80 * time.Millisecond}
	for attempt := 0; attempt < 8; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, p.Ceiling(attempt))
		}
	}
}

func TestSleep_CancelledByContext(t *testing.T) {
	p := backoff.Policy{Base: time.Hour, Cap: time.Hour, NoJitter: true}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := p.Sleep(ctx, 3)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
