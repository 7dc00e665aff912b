package queues_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/jobs"
	"github.com/sneh-joshi/jobrelay/internal/jobs/boltstore"
	"github.com/sneh-joshi/jobrelay/internal/queues"
	"github.com/sneh-joshi/jobrelay/internal/transport/memory"
)

func setup(t *testing.T) (jobs.Store, broker.Broker) {
	t.Helper()
	hub := memory.NewHub()
	b, err := broker.NewBasic(broker.Deps{Dialer: hub.Dialer(""), NodeID: "test"})
	require.NoError(t, err)
	require.NoError(t, b.Init(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	s, err := boltstore.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, b
}

// ─── Typed queues ────────────────────────────────────────────────────────────

func TestExtraction_Enqueue(t *testing.T) {
	s, b := setup(t)
	q, err := queues.NewExtractionQueue(s, b)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queues.ExtractionRequest{
		FileName: "catalog.pdf",
		FileURL:  "s3://uploads/catalog.pdf",
		Priority: 5,
		Options:  map[string]any{"ocr": true},
	})
	require.NoError(t, err)

	j, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queues.Extraction, j.Queue)
	assert.Equal(t, 5, j.Priority)
	assert.Equal(t, "catalog.pdf", j.Data["fileName"])
	assert.Equal(t, map[string]any{"ocr": true}, j.Data["options"])

	_, err = q.Enqueue(ctx, queues.ExtractionRequest{FileName: "catalog.pdf"})
	assert.ErrorIs(t, err, queues.ErrInvalidRequest)
}

func TestExtraction_LinkImports(t *testing.T) {
	s, b := setup(t)
	ctx := context.Background()
	extraction, err := queues.NewExtractionQueue(s, b)
	require.NoError(t, err)
	imports, err := jobs.NewAdapter(queues.MaterialImport, s, b)
	require.NoError(t, err)

	stop, err := extraction.LinkImports(ctx)
	require.NoError(t, err)
	defer stop(ctx)

	src, err := extraction.Enqueue(ctx, queues.ExtractionRequest{FileName: "catalog.pdf", FileURL: "file:///catalog.pdf"})
	require.NoError(t, err)
	claimed, err := extraction.ProcessNextJob(ctx)
	require.NoError(t, err)
	_, err = extraction.CompleteJob(ctx, claimed.ID, map[string]any{"pages": 12})
	require.NoError(t, err)

	_, err = imports.CreateJob(ctx, jobs.NewJob{Data: map[string]any{queues.SourceJobKey: src}})
	require.NoError(t, err)
	ij, err := imports.ProcessNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, ij)
	_, err = imports.CompleteJob(ctx, ij.ID, map[string]any{queues.SourceJobKey: src, "records": 42})
	require.NoError(t, err)

	var got *jobs.Job
	require.Eventually(t, func() bool {
		got, err = extraction.GetJob(ctx, src)
		return err == nil && got.Results["import"] != nil
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, jobs.StatusCompleted, got.Status, "linking never changes status")
	assert.Equal(t, float64(12), got.Results["pages"], "existing results are kept")
	link := got.Results["import"].(map[string]any)
	assert.Equal(t, ij.ID, link["jobId"])
	assert.Equal(t, map[string]any{"records": float64(42)}, link["results"])
}

func TestExtraction_LinkImportsIgnoresUnrelatedImports(t *testing.T) {
	s, b := setup(t)
	ctx := context.Background()
	extraction, err := queues.NewExtractionQueue(s, b)
	require.NoError(t, err)
	imports, err := jobs.NewAdapter(queues.MaterialImport, s, b)
	require.NoError(t, err)

	stop, err := extraction.LinkImports(ctx)
	require.NoError(t, err)
	defer stop(ctx)

	for _, results := range []map[string]any{
		{"records": 1},
		{queues.SourceJobKey: "no-such-job"},
	} {
		_, err = imports.CreateJob(ctx, jobs.NewJob{})
		require.NoError(t, err)
		ij, err := imports.ProcessNextJob(ctx)
		require.NoError(t, err)
		_, err = imports.CompleteJob(ctx, ij.ID, results)
		require.NoError(t, err)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, b.Stats().Errors, "unmatched imports are not handler errors")
}

func TestCrawl_Enqueue(t *testing.T) {
	s, b := setup(t)
	q, err := queues.NewCrawlQueue(s, b)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queues.CrawlRequest{URL: "https://example.com/docs", MaxPages: 10})
	require.NoError(t, err)
	j, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queues.Crawl, j.Queue)
	assert.Equal(t, "https://example.com/docs", j.Data["url"])
	assert.Equal(t, float64(queues.DefaultMaxDepth), j.Data["maxDepth"])
	assert.Equal(t, float64(10), j.Data["maxPages"])

	for _, bad := range []queues.CrawlRequest{
		{URL: "example.com"},
		{URL: "ftp://example.com"},
		{URL: "https://example.com", MaxDepth: -1},
	} {
		_, err := q.Enqueue(ctx, bad)
		assert.ErrorIs(t, err, queues.ErrInvalidRequest, "%+v", bad)
	}
}

func TestTraining_Enqueue(t *testing.T) {
	s, b := setup(t)
	q, err := queues.NewTrainingQueue(s, b)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queues.TrainingRequest{ModelType: "classifier", DatasetID: "ds-1", Priority: 1})
	require.NoError(t, err)
	j, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queues.Training, j.Queue)
	assert.Equal(t, float64(queues.DefaultEpochs), j.Data["epochs"])

	_, err = q.Enqueue(ctx, queues.TrainingRequest{ModelType: "classifier"})
	assert.ErrorIs(t, err, queues.ErrInvalidRequest)
}

// ─── Registry ────────────────────────────────────────────────────────────────

func TestRegistry_EnsureAndList(t *testing.T) {
	s, b := setup(t)
	r, err := queues.NewRegistry(t.TempDir(), s, b)
	require.NoError(t, err)

	for _, n := range []string{"payments", "notifications", "analytics"} {
		a, err := r.Ensure(n)
		require.NoError(t, err)
		assert.Equal(t, n, a.Queue())
	}
	a1, _ := r.Ensure("payments")
	a2, err := r.Get("payments")
	require.NoError(t, err)
	assert.Same(t, a1, a2, "Ensure is idempotent")

	var names []string
	for _, info := range r.List() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"analytics", "notifications", "payments"}, names)
}

func TestRegistry_InvalidName(t *testing.T) {
	s, b := setup(t)
	r, err := queues.NewRegistry("", s, b)
	require.NoError(t, err)

	for _, bad := range []string{"", "-leading", "UPPER", "has space", "a/b", string(make([]byte, 65))} {
		_, err := r.Ensure(bad)
		assert.ErrorIs(t, err, queues.ErrInvalidName, "%q", bad)
	}
	assert.True(t, queues.ValidateName("web-crawl"))
}

func TestRegistry_Persistence(t *testing.T) {
	s, b := setup(t)
	dir := t.TempDir()
	r, err := queues.NewRegistry(dir, s, b)
	require.NoError(t, err)

	crawl, err := queues.NewCrawlQueue(s, b)
	require.NoError(t, err)
	require.NoError(t, r.Register(crawl.Adapter))
	_, err = r.Ensure("reports")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "queues.json"))
	require.NoError(t, err)

	r2, err := queues.NewRegistry(dir, s, b)
	require.NoError(t, err)
	_, err = r2.Get("reports")
	assert.NoError(t, err, "generic queues survive a restart")
	_, err = r2.Get(queues.Crawl)
	assert.ErrorIs(t, err, queues.ErrNotFound, "typed queues are registered by the process")
}

func TestRegistry_Remove(t *testing.T) {
	s, b := setup(t)
	r, err := queues.NewRegistry("", s, b)
	require.NoError(t, err)

	training, err := queues.NewTrainingQueue(s, b)
	require.NoError(t, err)
	require.NoError(t, r.Register(training.Adapter))
	assert.ErrorIs(t, r.Remove(queues.Training), queues.ErrBuiltin)

	_, err = r.Ensure("scratch")
	require.NoError(t, err)
	require.NoError(t, r.Remove("scratch"))
	assert.ErrorIs(t, r.Remove("scratch"), queues.ErrNotFound)
	_, err = r.Get("scratch")
	assert.ErrorIs(t, err, queues.ErrNotFound)
}
