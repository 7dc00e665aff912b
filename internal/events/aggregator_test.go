package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/events"
	"github.com/sneh-joshi/jobrelay/internal/queues"
	"github.com/sneh-joshi/jobrelay/internal/transport/memory"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

func newBroker(t *testing.T) (broker.Broker, *memory.Hub) {
	t.Helper()
	hub := memory.NewHub()
	b, err := broker.NewBasic(broker.Deps{Dialer: hub.Dialer(""), NodeID: "test"})
	require.NoError(t, err)
	require.NoError(t, b.Init(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b, hub
}

type sink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (s *sink) handle(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	s.evs = append(s.evs, ev)
	s.mu.Unlock()
	return nil
}

func (s *sink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.evs...)
}

func (s *sink) len() int { return len(s.all()) }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func queued(id string, priority int) types.QueuedPayload {
	return types.QueuedPayload{JobID: id, Priority: priority, Attempt: 1}
}

func TestAggregator_FanOutOverOneBrokerSubscription(t *testing.T) {
	b, _ := newBroker(t)
	agg := events.NewAggregator(b)
	ctx := context.Background()

	var s1, s2 sink
	_, err := agg.SubscribeExtraction(ctx, []types.MessageType{types.JobQueued}, s1.handle)
	require.NoError(t, err)
	_, err = agg.Subscribe(ctx, queues.Extraction, []types.MessageType{types.JobQueued}, s2.handle)
	require.NoError(t, err)

	assert.Equal(t, 1, agg.Routes())
	assert.Equal(t, 1, b.Stats().ActiveSubscriptions)

	require.NoError(t, b.Publish(ctx, queues.Extraction, types.JobQueued, queued("j1", 5)))
	waitFor(t, func() bool { return s1.len() == 1 && s2.len() == 1 }, "both observers get the event")

	ev := s1.all()[0]
	assert.Equal(t, types.JobQueued, ev.Type)
	assert.Equal(t, queues.Extraction, ev.QueueID)
	assert.Equal(t, "j1", ev.JobID())
	assert.NotEmpty(t, ev.ID)
	assert.NotZero(t, ev.Timestamp)
	assert.Equal(t, s1.all()[0], s2.all()[0])
}

func TestAggregator_TypesAndQueuesAreSeparate(t *testing.T) {
	b, _ := newBroker(t)
	agg := events.NewAggregator(b)
	ctx := context.Background()

	var failed, crawl sink
	_, err := agg.SubscribeTraining(ctx, []types.MessageType{types.JobFailed}, failed.handle)
	require.NoError(t, err)
	_, err = agg.SubscribeCrawl(ctx, nil, crawl.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, queues.Training, types.JobQueued, queued("t1", 0)))
	require.NoError(t, b.Publish(ctx, queues.Training, types.JobFailed, types.FailedPayload{JobID: "t1", Error: "oom"}))
	require.NoError(t, b.Publish(ctx, queues.Crawl, types.JobStarted, types.StartedPayload{JobID: "c1", Attempt: 1}))
	require.NoError(t, b.Publish(ctx, queues.Crawl, types.JobCompleted, types.CompletedPayload{JobID: "c1"}))

	waitFor(t, func() bool { return failed.len() == 1 && crawl.len() == 2 }, "routed events")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, failed.len())
	assert.Equal(t, "oom", failed.all()[0].Data["error"])
	assert.Equal(t, 2, crawl.len())
}

func TestAggregator_LastTeardownReleasesBrokerSubscription(t *testing.T) {
	b, hub := newBroker(t)
	agg := events.NewAggregator(b)
	ctx := context.Background()

	var s1, s2 sink
	td1, err := agg.Subscribe(ctx, "web-crawl", []types.MessageType{types.JobQueued, types.JobFailed}, s1.handle)
	require.NoError(t, err)
	td2, err := agg.Subscribe(ctx, "web-crawl", []types.MessageType{types.JobQueued}, s2.handle)
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Routes())

	require.NoError(t, td1(ctx))
	require.NoError(t, td1(ctx), "teardown is idempotent")
	assert.Equal(t, 1, agg.Routes(), "job.queued still has an observer")

	require.NoError(t, td2(ctx))
	assert.Zero(t, agg.Routes())
	st := b.Stats()
	assert.Zero(t, st.ActiveSubscriptions)
	assert.Zero(t, st.ActiveChannels)
	assert.Zero(t, hub.Subscribers("web-crawl"))
}

func TestAggregator_UnsubscribeAll(t *testing.T) {
	b, hub := newBroker(t)
	agg := events.NewAggregator(b)
	ctx := context.Background()

	var s sink
	all := []types.MessageType{types.JobQueued, types.JobStarted, types.JobProgress, types.JobCompleted, types.JobFailed}
	var tds []broker.Teardown
	for _, sub := range []func(context.Context, []types.MessageType, events.Handler) (broker.Teardown, error){
		agg.SubscribeExtraction, agg.SubscribeCrawl, agg.SubscribeTraining,
	} {
		td, err := sub(ctx, all, s.handle)
		require.NoError(t, err)
		tds = append(tds, td)
	}
	assert.Equal(t, 15, agg.Routes())
	assert.Equal(t, 3, b.Stats().ActiveChannels)

	require.NoError(t, agg.UnsubscribeAll(ctx))
	assert.Zero(t, agg.Routes())
	st := b.Stats()
	assert.Zero(t, st.ActiveChannels)
	assert.Zero(t, st.ActiveSubscriptions)
	for _, q := range []string{queues.Extraction, queues.Crawl, queues.Training} {
		assert.Zero(t, hub.Subscribers(q), q)
	}

	for _, td := range tds {
		assert.NoError(t, td(ctx), "earlier teardowns become no-ops")
	}

	require.NoError(t, b.Publish(ctx, queues.Crawl, types.JobQueued, queued("late", 0)))
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, s.len())
}

func TestAggregator_Filtered(t *testing.T) {
	b, _ := newBroker(t)
	agg := events.NewAggregator(b)
	ctx := context.Background()

	var urgent, everything sink
	_, err := agg.SubscribeFiltered(ctx, "document-extraction", []types.MessageType{types.JobQueued},
		`data.priority >= 3`, urgent.handle)
	require.NoError(t, err)
	_, err = agg.Subscribe(ctx, "document-extraction", []types.MessageType{types.JobQueued}, everything.handle)
	require.NoError(t, err)

	for i, p := range []int{1, 5, 2, 3} {
		require.NoError(t, b.Publish(ctx, "document-extraction", types.JobQueued, queued(string(rune('a'+i)), p)))
	}
	waitFor(t, func() bool { return everything.len() == 4 }, "unfiltered observer sees all")
	waitFor(t, func() bool { return urgent.len() == 2 }, "filtered observer sees two")

	var ids []string
	for _, ev := range urgent.all() {
		ids = append(ids, ev.JobID())
	}
	assert.ElementsMatch(t, []string{"b", "d"}, ids)
}

func TestAggregator_FilterErrors(t *testing.T) {
	b, _ := newBroker(t)
	agg := events.NewAggregator(b)
	ctx := context.Background()
	var s sink

	_, err := agg.SubscribeFiltered(ctx, "q", nil, `type ==`, s.handle)
	assert.ErrorIs(t, err, events.ErrInvalidFilter)
	_, err = agg.SubscribeFiltered(ctx, "q", nil, `timestamp + 1`, s.handle)
	assert.ErrorIs(t, err, events.ErrInvalidFilter, "non-boolean filters are rejected")
	_, err = agg.Subscribe(ctx, "q", nil, nil)
	assert.ErrorIs(t, err, events.ErrNoHandler)
	_, err = agg.Subscribe(ctx, "", nil, s.handle)
	assert.ErrorIs(t, err, broker.ErrInvalidSubscription)
	assert.Zero(t, agg.Routes())
}

func TestAggregator_ObserverIsolation(t *testing.T) {
	b, _ := newBroker(t)
	agg := events.NewAggregator(b)
	ctx := context.Background()

	var good sink
	_, err := agg.Subscribe(ctx, "q", nil, func(context.Context, events.Event) error {
		var m map[string]int
		m["boom"]++
		return nil
	})
	require.NoError(t, err)
	_, err = agg.Subscribe(ctx, "q", nil, func(context.Context, events.Event) error {
		return errors.New("rejected")
	})
	require.NoError(t, err)
	_, err = agg.Subscribe(ctx, "q", nil, good.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "q", types.CustomEvent, types.Custom{"note": "hi"}))
	waitFor(t, func() bool { return good.len() == 1 }, "healthy observer still served")
	assert.Equal(t, "hi", good.all()[0].Data["note"])
	waitFor(t, func() bool { return b.Stats().Errors == 1 }, "one broker handler error per message")
}
