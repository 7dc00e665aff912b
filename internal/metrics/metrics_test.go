package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/metrics"
)

func TestRegistry_BrokerCounters(t *testing.T) {
	reg := metrics.New("node-1")

	reg.MessagePublished("web-crawl", "job.queued")
	reg.MessagePublished("web-crawl", "job.queued")
	reg.MessageReceived("web-crawl")
	reg.HandlerError("web-crawl")
	reg.PublishFailed("web-crawl", "persistence")
	reg.SetBrokerGauges(2, 5)

	expected := `
# HELP jobrelay_messages_published_total Messages broadcast by the broker
# TYPE jobrelay_messages_published_total counter
jobrelay_messages_published_total{node_id="node-1",queue="web-crawl",type="job.queued"} 2
# HELP jobrelay_broker_subscriptions Active broker subscriptions
# TYPE jobrelay_broker_subscriptions gauge
jobrelay_broker_subscriptions{node_id="node-1"} 5
`
	require.NoError(t, testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected),
		"jobrelay_messages_published_total", "jobrelay_broker_subscriptions"))
}

func TestRegistry_JobCounters(t *testing.T) {
	reg := metrics.New("")

	reg.JobTransition("model-training", "completed")
	reg.JobClaim("model-training", true)
	reg.JobClaim("model-training", false)
	reg.JobClaim("model-training", false)

	expected := `
# HELP jobrelay_job_claims_total ProcessNextJob outcomes
# TYPE jobrelay_job_claims_total counter
jobrelay_job_claims_total{queue="model-training",result="claimed"} 1
jobrelay_job_claims_total{queue="model-training",result="empty"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected),
		"jobrelay_job_claims_total"))
}

func TestRegistry_NilIsSafe(t *testing.T) {
	var reg *metrics.Registry
	assert.NotPanics(t, func() {
		reg.MessagePublished("q", "custom")
		reg.SetBrokerGauges(1, 1)
		reg.JobClaim("q", true)
		reg.HTTPRequest("GET", "/health", 200, time.Millisecond)
	})
}

func TestRegistry_Handler(t *testing.T) {
	reg := metrics.New("")
	reg.HTTPRequest("POST", "/queues/{queue}/jobs", 201, 12*time.Millisecond)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `jobrelay_http_requests_total{method="POST",route="/queues/{queue}/jobs",status="201"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
