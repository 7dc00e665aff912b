package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/transport"
	"github.com/sneh-joshi/jobrelay/internal/transport/memory"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(data []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(data))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestHub_DeliversInOrderIncludingSelf(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()

	a, err := hub.Dial(ctx, "")
	require.NoError(t, err)
	b, err := hub.Dial(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	var ra, rb recorder
	require.NoError(t, a.Subscribe(ctx, "q", ra.handle))
	require.NoError(t, b.Subscribe(ctx, "q", rb.handle))

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, a.Publish(ctx, "q", []byte(m)))
	}

	want := []string{"1", "2", "3"}
	require.Eventually(t, func() bool { return len(rb.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(ra.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rb.snapshot())
	assert.Equal(t, want, ra.snapshot())
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	c, err := hub.Dial(ctx, "")
	require.NoError(t, err)
	defer c.Close()

	var r recorder
	require.NoError(t, c.Subscribe(ctx, "q", r.handle))
	assert.Equal(t, 1, hub.Subscribers("q"))
	require.NoError(t, c.Unsubscribe(ctx, "q"))
	assert.Equal(t, 0, hub.Subscribers("q"))

	hub.Publish("q", []byte("x"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.snapshot())
}

func TestHub_TokenAuth(t *testing.T) {
	hub := memory.NewHub(memory.WithToken("s3cret"))

	_, err := hub.Dial(context.Background(), "wrong")
	require.ErrorIs(t, err, transport.ErrUnauthorized)

	c, err := hub.Dial(context.Background(), "s3cret")
	require.NoError(t, err)
	_ = c.Close()
}

func TestHub_DisconnectClosesDone(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	c, err := hub.Dial(ctx, "")
	require.NoError(t, err)

	hub.Disconnect()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Disconnect")
	}
	assert.ErrorIs(t, c.Err(), transport.ErrLost)
	assert.ErrorIs(t, c.Publish(ctx, "q", []byte("x")), transport.ErrClosed)
	assert.Equal(t, 0, hub.Conns())
}

func TestHub_SetDownRefusesDials(t *testing.T) {
	hub := memory.NewHub()
	hub.SetDown(true)

	_, err := hub.Dial(context.Background(), "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrUnauthorized)

	hub.SetDown(false)
	c, err := hub.Dial(context.Background(), "")
	require.NoError(t, err)
	_ = c.Close()
}
