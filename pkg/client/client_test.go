package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/config"
	"github.com/sneh-joshi/jobrelay/internal/events"
	"github.com/sneh-joshi/jobrelay/internal/httpapi"
	"github.com/sneh-joshi/jobrelay/internal/jobs/boltstore"
	"github.com/sneh-joshi/jobrelay/internal/queues"
	"github.com/sneh-joshi/jobrelay/internal/transport/memory"
	"github.com/sneh-joshi/jobrelay/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

// newTestEnv spins up a real node (broker, job store, HTTP API) behind an
// httptest.Server.
func newTestEnv(t *testing.T) *client.Client {
	t.Helper()

	hub := memory.NewHub()
	b, err := broker.NewBasic(broker.Deps{Dialer: hub.Dialer(""), NodeID: "test-node"})
	if err != nil {
		t.Fatalf("broker.NewBasic: %v", err)
	}
	if err := b.Init(ctx()); err != nil {
		t.Fatalf("broker.Init: %v", err)
	}
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	store, err := boltstore.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg, err := queues.NewRegistry("", store, b)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	extraction, err := queues.NewExtractionQueue(store, b)
	if err != nil {
		t.Fatalf("NewExtractionQueue: %v", err)
	}
	training, err := queues.NewTrainingQueue(store, b)
	if err != nil {
		t.Fatalf("NewTrainingQueue: %v", err)
	}
	if err := reg.Register(extraction.Adapter); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(training.Adapter); err != nil {
		t.Fatalf("Register: %v", err)
	}

	fwd := events.NewForwarder(events.NewAggregator(b))
	t.Cleanup(func() { _ = fwd.Close(context.Background()) })

	cfg := config.Default()
	cfg.API.MaxRate = 0
	srv := httpapi.New(httpapi.Deps{
		Queues:   reg,
		Broker:   b,
		Pipeline: httpapi.Pipeline{Extraction: extraction, Training: training},
		Webhooks: fwd,
		NodeID:   "test-node",
	}, cfg)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return client.New(ts.URL)
}

func ctx() context.Context { return context.Background() }

// ─── Job tests ────────────────────────────────────────────────────────────────

func TestJob_CreateGetDelete(t *testing.T) {
	c := newTestEnv(t)

	id, err := c.CreateJob(ctx(), "reports", client.JobRequest{Priority: 3, Data: map[string]any{"month": "june"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	j, err := c.GetJob(ctx(), "reports", id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "waiting" || j.Priority != 3 || j.Data["month"] != "june" {
		t.Fatalf("job = %+v", j)
	}

	if err := c.DeleteJob(ctx(), "reports", id); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := c.GetJob(ctx(), "reports", id); !client.IsNotFound(err) {
		t.Fatalf("GetJob after delete: want 404, got %v", err)
	}
}

func TestJob_ClaimCompleteLifecycle(t *testing.T) {
	c := newTestEnv(t)

	if j, err := c.Claim(ctx(), "reports"); !client.IsNotFound(err) || j != nil {
		t.Fatalf("Claim on unknown queue = %v, %v", j, err)
	}
	id, err := c.CreateJob(ctx(), "reports", client.JobRequest{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	j, err := c.Claim(ctx(), "reports")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if j == nil || j.ID != id || j.Status != "processing" {
		t.Fatalf("claimed = %+v", j)
	}
	if again, err := c.Claim(ctx(), "reports"); err != nil || again != nil {
		t.Fatalf("second Claim = %+v, %v; want nil, nil", again, err)
	}

	pct := map[string]any{"percent": 40}
	if _, err := c.UpdateJob(ctx(), "reports", id, client.JobUpdate{Progress: pct}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	done, err := c.Complete(ctx(), "reports", id, map[string]any{"rows": 12})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != "completed" || done.Results["rows"] != float64(12) || done.CompletedAt == 0 {
		t.Fatalf("completed job = %+v", done)
	}

	if _, err := c.RetryJob(ctx(), "reports", id); !client.IsConflict(err) {
		t.Fatalf("RetryJob on completed job: want 409, got %v", err)
	}
}

func TestJob_FailRetryAndDeadLetters(t *testing.T) {
	c := newTestEnv(t)
	id, err := c.CreateJob(ctx(), "reports", client.JobRequest{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := c.Claim(ctx(), "reports"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	failed, err := c.Fail(ctx(), "reports", id, "disk full")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != "failed" || failed.Error != "disk full" {
		t.Fatalf("failed job = %+v", failed)
	}
	if _, err := c.RetryJob(ctx(), "reports", id); !client.IsConflict(err) {
		t.Fatalf("RetryJob with attempts exhausted: want 409, got %v", err)
	}

	dead, err := c.DeadLetters(ctx(), "reports", 0, 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if dead.Total != 1 || dead.Jobs[0].ID != id {
		t.Fatalf("dead letters = %+v", dead)
	}
	n, err := c.ReplayDeadLetters(ctx(), "reports", 0)
	if err != nil || n != 1 {
		t.Fatalf("ReplayDeadLetters = %d, %v", n, err)
	}
	stats, err := c.QueueStats(ctx(), "reports")
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Waiting != 1 || stats.Failed != 0 {
		t.Fatalf("stats after replay = %+v", stats)
	}
}

func TestListJobs(t *testing.T) {
	c := newTestEnv(t)
	for _, p := range []int{1, 4, 2, 5} {
		if _, err := c.CreateJob(ctx(), "reports", client.JobRequest{Priority: p}); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	minP := 2
	list, err := c.ListJobs(ctx(), "reports", client.ListOptions{
		Statuses:    []string{"waiting"},
		MinPriority: &minP,
		Sort:        "priority",
		Limit:       2,
	})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if list.Total != 3 || len(list.Jobs) != 2 {
		t.Fatalf("list = total %d, len %d", list.Total, len(list.Jobs))
	}
	if list.Jobs[0].Priority != 5 || list.Jobs[1].Priority != 4 {
		t.Errorf("priorities = %d,%d, want 5,4", list.Jobs[0].Priority, list.Jobs[1].Priority)
	}
}

// ─── Pipeline & queue tests ───────────────────────────────────────────────────

func TestPipeline(t *testing.T) {
	c := newTestEnv(t)

	id, err := c.EnqueueExtraction(ctx(), client.ExtractionRequest{FileName: "a.pdf", FileURL: "s3://b/a.pdf"})
	if err != nil {
		t.Fatalf("EnqueueExtraction: %v", err)
	}
	j, err := c.GetJob(ctx(), queues.Extraction, id)
	if err != nil || j.Data["fileName"] != "a.pdf" {
		t.Fatalf("extraction job = %+v, %v", j, err)
	}

	if _, err := c.EnqueueTraining(ctx(), client.TrainingRequest{ModelType: "resnet"}); err == nil {
		t.Fatal("EnqueueTraining without dataset should fail")
	}
	if _, err := c.EnqueueCrawl(ctx(), client.CrawlRequest{URL: "https://example.com"}); !client.IsNotFound(err) {
		t.Fatalf("crawl is not served here, got %v", err)
	}
}

func TestQueues_ListStatsDelete(t *testing.T) {
	c := newTestEnv(t)
	if _, err := c.CreateJob(ctx(), "reports", client.JobRequest{}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	qs, err := c.ListQueues(ctx())
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if len(qs) != 3 {
		t.Fatalf("queues = %+v, want reports plus two built-ins", qs)
	}

	all, err := c.Stats(ctx())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	waiting := 0
	for _, s := range all {
		waiting += s.Waiting
	}
	if len(all) != 3 || waiting != 1 {
		t.Fatalf("stats = %d queues, %d waiting", len(all), waiting)
	}

	if err := c.DeleteQueue(ctx(), queues.Extraction); !client.IsConflict(err) {
		t.Fatalf("DeleteQueue on built-in: want 409, got %v", err)
	}
	if err := c.DeleteQueue(ctx(), "reports"); err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}
}

func TestWebhooks(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer endpoint.Close()

	c := newTestEnv(t)
	wh, err := c.AddWebhook(ctx(), queues.Extraction, client.WebhookRequest{
		URL:    endpoint.URL,
		Types:  []string{"job.failed"},
		Filter: `data.retryable == false`,
	})
	if err != nil {
		t.Fatalf("AddWebhook: %v", err)
	}
	list, err := c.ListWebhooks(ctx())
	if err != nil || len(list) != 1 || list[0].ID != wh.ID {
		t.Fatalf("ListWebhooks = %+v, %v", list, err)
	}
	if err := c.RemoveWebhook(ctx(), wh.ID); err != nil {
		t.Fatalf("RemoveWebhook: %v", err)
	}
	if err := c.RemoveWebhook(ctx(), wh.ID); !client.IsNotFound(err) {
		t.Fatalf("second RemoveWebhook: want 404, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	c := newTestEnv(t)
	h, err := c.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.NodeID != "test-node" || h.Tier != "basic" {
		t.Fatalf("health = %+v", h)
	}
}

// ─── APIError tests ───────────────────────────────────────────────────────────

func TestAPIError_IsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /queues/phantom", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := client.New(ts.URL)
	err := c.DeleteQueue(ctx(), "phantom")

	var ae *client.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if ae.StatusCode != http.StatusNotFound || ae.Message != "not found" {
		t.Fatalf("APIError = %+v", ae)
	}
	if !client.IsNotFound(err) {
		t.Fatal("IsNotFound should return true")
	}
}

// ─── Client options tests ─────────────────────────────────────────────────────

func TestWithAPIKey_Passed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "mysecret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "nodeId": "test"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	if _, err := client.New(ts.URL).Health(ctx()); err == nil {
		t.Fatal("expected auth error without API key")
	}
	if _, err := client.New(ts.URL, client.WithAPIKey("mysecret")).Health(ctx()); err != nil {
		t.Fatalf("Health with API key: %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	c := client.New("http://localhost:1", client.WithTimeout(50*time.Millisecond))
	if _, err := c.Health(ctx()); err == nil {
		t.Fatal("expected error on unreachable server")
	}
}
