// Package httpapi is the HTTP surface of a jobrelay node.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /stats
//	GET    /queues
//	DELETE /queues/{queue}
//	POST   /queues/{queue}/jobs
//	GET    /queues/{queue}/jobs
//	GET    /queues/{queue}/jobs/{id}
//	PATCH  /queues/{queue}/jobs/{id}
//	DELETE /queues/{queue}/jobs/{id}
//	POST   /queues/{queue}/jobs/{id}/retry
//	POST   /queues/{queue}/jobs/{id}/complete
//	POST   /queues/{queue}/jobs/{id}/fail
//	POST   /queues/{queue}/claim
//	GET    /queues/{queue}/stats
//	GET    /queues/{queue}/deadletters
//	POST   /queues/{queue}/deadletters/replay
//	POST   /queues/{queue}/webhooks
//	GET    /webhooks
//	DELETE /webhooks/{id}
//	POST   /pipeline/extraction
//	POST   /pipeline/crawl
//	POST   /pipeline/training
//	GET    /realtime
//	GET    /metrics
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/config"
	"github.com/sneh-joshi/jobrelay/internal/events"
	"github.com/sneh-joshi/jobrelay/internal/metrics"
	"github.com/sneh-joshi/jobrelay/internal/queues"
)

// APIKeyHeader carries the API key when auth is enabled.
const APIKeyHeader = "X-Api-Key"

// WarningHeader is set when a job change was stored but its lifecycle event
// could not be published.
const WarningHeader = "X-Jobrelay-Warning"

// Pipeline holds the typed queues served under /pipeline. Nil queues are not
// routed.
type Pipeline struct {
	Extraction *queues.ExtractionQueue
	Crawl      *queues.CrawlQueue
	Training   *queues.TrainingQueue
}

// Deps are the node components the API serves.
type Deps struct {
	Queues   *queues.Registry
	Broker   broker.Broker
	Pipeline Pipeline
	// Webhooks enables the webhook routes when non-nil.
	Webhooks *events.Forwarder
	// Relay is mounted on /realtime when non-nil.
	Relay   http.Handler
	Metrics *metrics.Registry
	Logger  *slog.Logger
	NodeID  string
}

// Server wraps the stdlib HTTP server with the jobrelay routes.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller runs ListenAndServe and Shutdown.
func New(d Deps, cfg *config.Config) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	h := &Handler{
		queues:   d.Queues,
		broker:   d.Broker,
		pipeline: d.Pipeline,
		webhooks: d.Webhooks,
		nodeID:   d.NodeID,
		started:  time.Now(),
		logger:   logger,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /stats", h.allStats)

	// Queues
	mux.HandleFunc("GET /queues", h.listQueues)
	mux.HandleFunc("DELETE /queues/{queue}", h.deleteQueue)
	mux.HandleFunc("GET /queues/{queue}/stats", h.queueStats)

	// Jobs
	mux.HandleFunc("POST /queues/{queue}/jobs", h.createJob)
	mux.HandleFunc("GET /queues/{queue}/jobs", h.listJobs)
	mux.HandleFunc("GET /queues/{queue}/jobs/{id}", h.getJob)
	mux.HandleFunc("PATCH /queues/{queue}/jobs/{id}", h.updateJob)
	mux.HandleFunc("DELETE /queues/{queue}/jobs/{id}", h.deleteJob)
	mux.HandleFunc("POST /queues/{queue}/jobs/{id}/retry", h.retryJob)
	mux.HandleFunc("POST /queues/{queue}/jobs/{id}/complete", h.completeJob)
	mux.HandleFunc("POST /queues/{queue}/jobs/{id}/fail", h.failJob)
	mux.HandleFunc("POST /queues/{queue}/claim", h.claimJob)

	// Dead letters
	mux.HandleFunc("GET /queues/{queue}/deadletters", h.deadLetters)
	mux.HandleFunc("POST /queues/{queue}/deadletters/replay", h.replayDeadLetters)

	// Webhooks
	if d.Webhooks != nil {
		mux.HandleFunc("POST /queues/{queue}/webhooks", h.createWebhook)
		mux.HandleFunc("GET /webhooks", h.listWebhooks)
		mux.HandleFunc("DELETE /webhooks/{id}", h.deleteWebhook)
	}

	// Typed pipeline queues
	if d.Pipeline.Extraction != nil {
		mux.HandleFunc("POST /pipeline/extraction", h.enqueueExtraction)
	}
	if d.Pipeline.Crawl != nil {
		mux.HandleFunc("POST /pipeline/crawl", h.enqueueCrawl)
	}
	if d.Pipeline.Training != nil {
		mux.HandleFunc("POST /pipeline/training", h.enqueueTraining)
	}

	if d.Relay != nil {
		mux.Handle("GET /realtime", d.Relay)
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	handler := chain(mux,
		CORSMiddleware,
		MaxBodyMiddleware(int64(cfg.API.MaxBodyKB)<<10),
		LoggingMiddleware(logger, d.Metrics),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.API.MaxRate, cfg.API.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler.
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe serves on addr (e.g. ":8080") until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown stops accepting requests and waits up to ctx's deadline for
// in-flight ones. Hijacked websocket connections are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
