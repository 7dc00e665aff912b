package app_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/app"
	"github.com/sneh-joshi/jobrelay/internal/config"
	"github.com/sneh-joshi/jobrelay/internal/events"
	"github.com/sneh-joshi/jobrelay/internal/jobs"
	"github.com/sneh-joshi/jobrelay/internal/queues"
	"github.com/sneh-joshi/jobrelay/internal/types"
	"github.com/sneh-joshi/jobrelay/internal/worker"
)

func testConfig(t *testing.T, tier string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Node.Host = "127.0.0.1"
	cfg.Node.Port = 0
	cfg.Broker.Tier = tier
	cfg.API.MaxRate = 0
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestNew_Basic(t *testing.T) {
	a := newApp(t, testConfig(t, "basic"))

	assert.NotEmpty(t, a.NodeID())
	assert.Equal(t, "basic", a.Broker().Stats().Tier.String())

	names := make([]string, 0)
	for _, q := range a.Queues().List() {
		names = append(names, q.Name)
		assert.True(t, q.Builtin, q.Name)
	}
	assert.Equal(t, []string{queues.Extraction, queues.Training, queues.Crawl}, names)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_NodeIDPersisted(t *testing.T) {
	cfg := testConfig(t, "basic")
	first, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	id := first.NodeID()
	require.NoError(t, first.Close(context.Background()))

	second := newApp(t, cfg)
	assert.Equal(t, id, second.NodeID())
}

func TestNew_EnhancedOpensLocalLog(t *testing.T) {
	cfg := testConfig(t, "enhanced")
	a := newApp(t, cfg)

	assert.Equal(t, "enhanced", a.Broker().Stats().Tier.String())
	_, err := os.Stat(filepath.Join(cfg.Node.DataDir, "log"))
	assert.NoError(t, err)
}

func TestNew_AutoResolvesTier(t *testing.T) {
	cfg := testConfig(t, "auto")
	cfg.Broker.Scaling = true
	a := newApp(t, cfg)
	assert.Equal(t, "advanced", a.Broker().Stats().Tier.String())
}

func TestNew_Errors(t *testing.T) {
	cases := map[string]func(*config.Config){
		"unknown tier":      func(c *config.Config) { c.Broker.Tier = "platinum" },
		"unknown transport": func(c *config.Config) { c.Transport.Kind = "carrier-pigeon" },
		"unknown job store": func(c *config.Config) { c.Storage.Jobs = "tape" },
		"unknown log": func(c *config.Config) {
			c.Broker.Tier = "enhanced"
			c.Storage.Log = "tape"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t, "basic")
			mutate(cfg)
			_, err := app.New(context.Background(), cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestWork_ProcessesJobsAndEmitsEvents(t *testing.T) {
	a := newApp(t, testConfig(t, "basic"))
	ctx := context.Background()

	var completed atomic.Int32
	_, err := a.Aggregator().Subscribe(ctx, "emails", []types.MessageType{types.JobCompleted},
		func(_ context.Context, ev events.Event) error {
			completed.Add(1)
			return nil
		})
	require.NoError(t, err)

	_, err = a.Work(ctx, "emails", func(_ context.Context, j *jobs.Job, _ worker.Reporter) (map[string]any, error) {
		return map[string]any{"sent": j.Data["to"]}, nil
	}, worker.Config{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	adapter, err := a.Queues().Get("emails")
	require.NoError(t, err)
	id, err := adapter.CreateJob(ctx, jobs.NewJob{Data: map[string]any{"to": "ops@example.com"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := adapter.GetJob(ctx, id)
		return err == nil && j.Status == jobs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	j, err := adapter.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", j.Results["sent"])
	assert.Eventually(t, func() bool { return completed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWork_InvalidQueue(t *testing.T) {
	a := newApp(t, testConfig(t, "basic"))
	_, err := a.Work(context.Background(), "Not Valid", nil, worker.Config{})
	assert.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	cfg := testConfig(t, "enhanced")
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)

	require.NoError(t, a.Close(context.Background()))
	assert.NoError(t, a.Close(context.Background()))
}

func TestRun_StopsOnCancel(t *testing.T) {
	a, err := app.New(context.Background(), testConfig(t, "basic"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
