package redisstore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/jobs"
	"github.com/sneh-joshi/jobrelay/internal/jobs/jobstest"
	"github.com/sneh-joshi/jobrelay/internal/jobs/redisstore"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestConformance(t *testing.T) {
	_, client := newClient(t)
	jobstest.Run(t, redisstore.New(client))
}

func TestSharedAcrossStores(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()
	a := redisstore.New(client)
	b := redisstore.New(client)

	j := jobstest.NewJob("model-training", 1, 1000)
	require.NoError(t, a.Insert(ctx, j))

	got, err := b.Claim(ctx, "model-training", 2000)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)

	again, err := a.Claim(ctx, "model-training", 2000)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, a.Close())
	_, err = b.Get(ctx, "model-training", j.ID)
	assert.NoError(t, err, "closing a borrowing store leaves the client open")
}

func TestClaimDropsStaleMembers(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()
	s := redisstore.New(client, redisstore.WithPrefix("t:"))

	j := jobstest.NewJob("q", 1, 1000)
	require.NoError(t, s.Insert(ctx, j))
	_, err := mr.ZAdd("t:waiting:{q}", -1e6, "0000000000000000500:ghost")
	require.NoError(t, err)
	_, err = mr.ZAdd("t:waiting:{q}", -1e6, "malformed")
	require.NoError(t, err)

	got, err := s.Claim(ctx, "q", 2000)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
	left, _ := mr.ZMembers("t:waiting:{q}")
	assert.Empty(t, left, "stale members are removed on the way")
}

func TestKeysShareQueueHashTag(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()
	s := redisstore.New(client, redisstore.WithPrefix("t:"))

	j := jobstest.NewJob("web-crawl", jobs.MaxPriority, 1000)
	require.NoError(t, s.Insert(ctx, j))

	assert.True(t, mr.Exists("t:job:{web-crawl}:"+j.ID))
	assert.True(t, mr.Exists("t:ids:{web-crawl}"))
	members, err := mr.ZMembers("t:waiting:{web-crawl}")
	require.NoError(t, err)
	assert.Equal(t, []string{"0000000000000001000:" + j.ID}, members)
	score, err := mr.ZScore("t:waiting:{web-crawl}", members[0])
	require.NoError(t, err)
	assert.Equal(t, float64(-jobs.MaxPriority), score)

	ok, err := s.Delete(ctx, "web-crawl", j.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	members, _ = mr.ZMembers("t:waiting:{web-crawl}")
	assert.Empty(t, members, "delete removes the waiting entry")
}

func TestClosedStore(t *testing.T) {
	_, client := newClient(t)
	s := redisstore.New(client)
	require.NoError(t, s.Close())
	_, err := s.Claim(context.Background(), "q", 0)
	assert.ErrorIs(t, err, jobs.ErrStoreClosed)
}
