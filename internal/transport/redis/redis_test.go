package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/transport"
	redistransport "github.com/sneh-joshi/jobrelay/internal/transport/redis"
)

func newDialer(t *testing.T) (*miniredis.Miniredis, *redistransport.Dialer) {
	t.Helper()
	mr := miniredis.RunT(t)
	d, err := redistransport.NewDialer("redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	return mr, d
}

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	_, d := newDialer(t)

	sub, err := d.Dial(ctx)
	require.NoError(t, err)
	defer sub.Close()
	pub, err := d.Dial(ctx)
	require.NoError(t, err)
	defer pub.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	require.NoError(t, sub.Subscribe(ctx, "document-extraction", func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}))

	require.Eventually(t, func() bool {
		_ = pub.Publish(ctx, "document-extraction", []byte("hello"))
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "hello", got[0])
	mu.Unlock()
}

func TestRedisTransport_AuthFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cret")

	d, err := redistransport.NewDialer("redis://"+mr.Addr(), nil)
	require.NoError(t, err)

	_, err = d.Dial(context.Background())
	require.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestRedisTransport_ServerLossClosesDone(t *testing.T) {
	mr, d := newDialer(t)
	c, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Subscribe(context.Background(), "q", func([]byte) {}))

	mr.Close()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after server loss")
	}
	assert.ErrorIs(t, c.Err(), transport.ErrLost)
}

func TestRedisTransport_CloseIsIdempotent(t *testing.T) {
	_, d := newDialer(t)
	c, err := d.Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Err(), transport.ErrClosed)
	assert.ErrorIs(t, c.Publish(context.Background(), "q", nil), transport.ErrClosed)
}
