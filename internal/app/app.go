// Package app assembles a jobrelay node from configuration: transport,
// message log, broker, job store, queues, event aggregation and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/backoff"
	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/config"
	"github.com/sneh-joshi/jobrelay/internal/events"
	"github.com/sneh-joshi/jobrelay/internal/httpapi"
	"github.com/sneh-joshi/jobrelay/internal/jobs"
	"github.com/sneh-joshi/jobrelay/internal/jobs/boltstore"
	"github.com/sneh-joshi/jobrelay/internal/jobs/pgstore"
	"github.com/sneh-joshi/jobrelay/internal/jobs/redisstore"
	"github.com/sneh-joshi/jobrelay/internal/metrics"
	"github.com/sneh-joshi/jobrelay/internal/node"
	"github.com/sneh-joshi/jobrelay/internal/queues"
	"github.com/sneh-joshi/jobrelay/internal/storage"
	"github.com/sneh-joshi/jobrelay/internal/storage/local"
	"github.com/sneh-joshi/jobrelay/internal/storage/redisstream"
	"github.com/sneh-joshi/jobrelay/internal/transport"
	"github.com/sneh-joshi/jobrelay/internal/transport/memory"
	transportredis "github.com/sneh-joshi/jobrelay/internal/transport/redis"
	"github.com/sneh-joshi/jobrelay/internal/transport/websocket"
	"github.com/sneh-joshi/jobrelay/internal/worker"
)

const shutdownTimeout = 5 * time.Second

// App is a running node. Build it with New, serve with Run and release it
// with Close.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	nodeID  string
	metrics *metrics.Registry

	hub    *memory.Hub // nil unless the transport is memory
	msgLog storage.MessageLog
	broker broker.Broker
	store  jobs.Store

	queues     *queues.Registry
	extraction *queues.ExtractionQueue
	crawl      *queues.CrawlQueue
	training   *queues.TrainingQueue

	aggregator *events.Aggregator
	webhooks   *events.Forwarder
	server     *httpapi.Server

	mu        sync.Mutex
	pools     []*worker.Pool
	teardowns []broker.Teardown
	closeOnce sync.Once
	closeErr  error
}

// New builds every component and initialises the broker. On error,
// everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	ident, err := node.Load(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return nil, fmt.Errorf("app: node identity: %w", err)
	}
	a.nodeID = ident.ID().String()
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(a.nodeID)
	}

	kind, err := brokerKind(cfg.Broker)
	if err != nil {
		return nil, err
	}
	dialer, err := a.dialer()
	if err != nil {
		return nil, err
	}
	if kind != broker.KindBasic {
		if a.msgLog, err = a.openLog(ctx); err != nil {
			return nil, err
		}
	}

	a.broker, err = broker.New(kind, broker.Deps{Dialer: dialer, Log: a.msgLog, NodeID: a.nodeID}, a.brokerOptions()...)
	if err != nil {
		return nil, fmt.Errorf("app: broker: %w", err)
	}
	if err := a.broker.Init(ctx); err != nil {
		return nil, fmt.Errorf("app: broker init: %w", err)
	}

	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.buildQueues(ctx); err != nil {
		return nil, err
	}

	a.aggregator = events.NewAggregator(a.broker, events.WithLogger(logger))
	a.webhooks = events.NewForwarder(a.aggregator,
		events.WithHTTPClient(&http.Client{Timeout: config.Ms(cfg.Webhook.TimeoutMs)}),
		events.WithDeliveryRetry(cfg.Webhook.Attempts, backoff.Policy{
			Base: config.Ms(cfg.Webhook.RetryBaseMs),
			Cap:  config.Ms(cfg.Webhook.RetryCapMs),
		}),
		events.WithBuffer(cfg.Webhook.Buffer),
		events.WithForwarderLogger(logger),
	)

	var relay http.Handler
	switch {
	case !cfg.Relay.Enabled:
	case a.hub == nil:
		logger.Info("relay disabled: transport is not the in-process hub", "transport", cfg.Transport.Kind)
	default:
		opts := []websocket.RelayOption{
			websocket.WithHubToken(cfg.Transport.Token),
			websocket.WithRateLimit(cfg.Relay.MaxRate, cfg.Relay.Burst),
			websocket.WithLogger(logger),
		}
		if cfg.Auth.Enabled {
			opts = append(opts, websocket.WithAPIKey(cfg.Auth.APIKey))
		}
		relay = websocket.NewRelay(a.hub, opts...)
	}

	a.server = httpapi.New(httpapi.Deps{
		Queues: a.queues,
		Broker: a.broker,
		Pipeline: httpapi.Pipeline{
			Extraction: a.extraction,
			Crawl:      a.crawl,
			Training:   a.training,
		},
		Webhooks: a.webhooks,
		Relay:    relay,
		Metrics:  a.metrics,
		Logger:   logger,
		NodeID:   a.nodeID,
	}, cfg)

	logger.Info("jobrelay node ready",
		"node_id", a.nodeID,
		"tier", kind.String(),
		"transport", cfg.Transport.Kind,
		"job_store", cfg.Storage.Jobs,
		"queues", len(a.queues.List()),
	)
	return a, nil
}

// ─── Accessors ────────────────────────────────────────────────────────────────

func (a *App) NodeID() string                      { return a.nodeID }
func (a *App) Broker() broker.Broker               { return a.broker }
func (a *App) Queues() *queues.Registry            { return a.queues }
func (a *App) Extraction() *queues.ExtractionQueue { return a.extraction }
func (a *App) Crawl() *queues.CrawlQueue           { return a.crawl }
func (a *App) Training() *queues.TrainingQueue     { return a.training }
func (a *App) Aggregator() *events.Aggregator      { return a.aggregator }
func (a *App) Webhooks() *events.Forwarder         { return a.webhooks }
func (a *App) Handler() http.Handler               { return a.server.Handler() }

// Addr is the configured listen address.
func (a *App) Addr() string {
	return net.JoinHostPort(a.cfg.Node.Host, strconv.Itoa(a.cfg.Node.Port))
}

// Work starts a worker pool over queue, registering the queue if needed. The
// pool is stopped by Close.
func (a *App) Work(ctx context.Context, queue string, fn worker.Func, cfg worker.Config) (*worker.Pool, error) {
	adapter, err := a.queues.Ensure(queue)
	if err != nil {
		return nil, err
	}
	p := worker.New(adapter, fn, cfg, worker.WithLogger(a.logger))
	p.Start(ctx)
	a.mu.Lock()
	a.pools = append(a.pools, p)
	a.mu.Unlock()
	return p, nil
}

// Run serves the HTTP API until ctx is cancelled or the listener fails, then
// closes the node.
func (a *App) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http listening", "addr", a.Addr())
		if err := a.server.ListenAndServe(a.Addr()); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("app: http server: %w", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutCtx); err != nil {
		a.logger.Warn("http shutdown error", "err", err)
	}
	return errors.Join(runErr, a.Close(shutCtx))
}

// Close stops workers, webhooks and subscriptions, flushes and shuts the
// broker down, then closes the stores. It is idempotent.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		a.mu.Lock()
		pools, teardowns := a.pools, a.teardowns
		a.pools, a.teardowns = nil, nil
		a.mu.Unlock()

		for _, p := range pools {
			errs = append(errs, p.Stop(ctx))
		}
		if a.webhooks != nil {
			errs = append(errs, a.webhooks.Close(ctx))
		}
		for _, td := range teardowns {
			errs = append(errs, td(ctx))
		}
		if a.aggregator != nil {
			errs = append(errs, a.aggregator.UnsubscribeAll(ctx))
		}
		if a.broker != nil {
			if err := a.broker.Flush(ctx); err != nil && !errors.Is(err, broker.ErrNotStarted) {
				errs = append(errs, err)
			}
			if err := a.broker.Shutdown(ctx); err != nil && !errors.Is(err, broker.ErrNotStarted) {
				errs = append(errs, err)
			}
		}
		if a.hub != nil {
			// Ends relay sessions of remote brokers.
			a.hub.Disconnect()
		}
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		if a.msgLog != nil {
			errs = append(errs, a.msgLog.Close())
		}
		a.closeErr = errors.Join(errs...)
		a.logger.Info("jobrelay node stopped")
	})
	return a.closeErr
}

// ─── Construction helpers ─────────────────────────────────────────────────────

func brokerKind(c config.BrokerConfig) (broker.Kind, error) {
	if c.Tier == "" || c.Tier == "auto" {
		return broker.Resolve(broker.Requirements{Persistence: c.Persistence, Scaling: c.Scaling}), nil
	}
	k, err := broker.ParseKind(c.Tier)
	if err != nil {
		return 0, fmt.Errorf("app: %w", err)
	}
	return k, nil
}

func (a *App) dialer() (transport.Dialer, error) {
	t := a.cfg.Transport
	switch t.Kind {
	case config.TransportMemory, "":
		var opts []memory.HubOption
		if t.Token != "" {
			opts = append(opts, memory.WithToken(t.Token))
		}
		a.hub = memory.NewHub(opts...)
		return a.hub.Dialer(t.Token), nil
	case config.TransportRedis:
		d, err := transportredis.NewDialer(t.URL, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: redis transport: %w", err)
		}
		return d, nil
	case config.TransportWebSocket:
		return websocket.NewDialer(t.URL, t.Token, a.logger), nil
	}
	return nil, fmt.Errorf("app: unknown transport %q", t.Kind)
}

func (a *App) openLog(ctx context.Context) (storage.MessageLog, error) {
	s := a.cfg.Storage
	switch s.Log {
	case config.LogLocal, "":
		l, err := local.Open(filepath.Join(a.cfg.Node.DataDir, "log"), local.Config{
			Fsync:           local.FsyncPolicy(s.Fsync),
			FsyncIntervalMs: s.FsyncIntervalMs,
			FsyncBatchSize:  s.FsyncBatchSize,
			Logger:          a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("app: local message log: %w", err)
		}
		return l, nil
	case config.LogRedis:
		l, err := redisstream.Open(ctx, s.LogURL,
			redisstream.WithPrefix(s.RedisPrefix),
			redisstream.WithLogger(a.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("app: redis message log: %w", err)
		}
		return l, nil
	}
	return nil, fmt.Errorf("app: unknown message log %q", s.Log)
}

func (a *App) brokerOptions() []broker.Option {
	b := a.cfg.Broker
	reconnect := backoff.Policy{Base: config.Ms(b.ReconnectBaseMs), Cap: config.Ms(b.ReconnectCapMs)}
	opts := []broker.Option{
		broker.WithLogger(a.logger),
		broker.WithMetrics(a.metrics),
		broker.WithPublishTimeout(config.Ms(b.PublishTimeoutMs)),
		broker.WithSubscribeTimeout(config.Ms(b.SubscribeTimeoutMs)),
		broker.WithPublishRetry(b.PublishRetries, reconnect),
		broker.WithReconnectBackoff(reconnect),
		broker.WithMaxAuthFailures(b.MaxAuthFailures),
		broker.WithPoolSize(b.PoolSize),
		broker.WithMailboxSize(b.MailboxSize),
		broker.WithCircuitBreaker(b.CircuitThreshold, config.Ms(b.CircuitCooldownMs)),
		broker.WithReplayBatch(b.ReplayBatch),
		broker.WithErrorHook(func(err error) {
			a.logger.Warn("broker error", "err", err)
		}),
	}
	if b.DegradeOnPersistenceFailure {
		opts = append(opts, broker.WithDegradeOnPersistenceFailure())
	}
	return opts
}

func (a *App) openStore(ctx context.Context) (jobs.Store, error) {
	s := a.cfg.Storage
	switch s.Jobs {
	case config.StoreBolt, "":
		st, err := boltstore.Open(filepath.Join(a.cfg.Node.DataDir, "jobs.db"))
		if err != nil {
			return nil, fmt.Errorf("app: bolt job store: %w", err)
		}
		return st, nil
	case config.StoreRedis:
		st, err := redisstore.Open(ctx, s.JobsURL,
			redisstore.WithPrefix(s.RedisPrefix),
			redisstore.WithLogger(a.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("app: redis job store: %w", err)
		}
		return st, nil
	case config.StorePostgres:
		st, err := pgstore.Open(ctx, s.JobsURL, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: postgres job store: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("app: unknown job store %q", s.Jobs)
}

func (a *App) buildQueues(ctx context.Context) error {
	j := a.cfg.Jobs
	opts := []jobs.Option{
		jobs.WithLogger(a.logger),
		jobs.WithMetrics(a.metrics),
		jobs.WithRetryPolicy(jobs.RetryPolicy{
			MaxAttempts: j.MaxAttempts,
			Base:        config.Ms(j.RetryBaseMs),
			Cap:         config.Ms(j.RetryCapMs),
		}),
	}

	var err error
	if a.queues, err = queues.NewRegistry(a.cfg.Node.DataDir, a.store, a.broker, opts...); err != nil {
		return fmt.Errorf("app: queue registry: %w", err)
	}
	if a.extraction, err = queues.NewExtractionQueue(a.store, a.broker, opts...); err != nil {
		return err
	}
	if a.crawl, err = queues.NewCrawlQueue(a.store, a.broker, opts...); err != nil {
		return err
	}
	if a.training, err = queues.NewTrainingQueue(a.store, a.broker, opts...); err != nil {
		return err
	}
	for _, ad := range []*jobs.Adapter{a.extraction.Adapter, a.crawl.Adapter, a.training.Adapter} {
		if err := a.queues.Register(ad); err != nil {
			return fmt.Errorf("app: register %s: %w", ad.Queue(), err)
		}
	}

	if j.LinkImports {
		td, err := a.extraction.LinkImports(ctx)
		if err != nil {
			return fmt.Errorf("app: link imports: %w", err)
		}
		a.teardowns = append(a.teardowns, td)
	}
	return nil
}
