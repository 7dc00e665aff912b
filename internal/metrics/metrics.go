// Package metrics exposes jobrelay's Prometheus metrics.
//
// Every Registry owns a private prometheus.Registry so tests and multiple
// brokers in one process never collide on the global default registerer.
// All recording methods are safe on a nil *Registry, so components can take an
// optional registry without guarding each call.
//
// # Families
//
//	jobrelay_messages_published_total{queue,type}
//	jobrelay_messages_received_total{queue}
//	jobrelay_messages_replayed_total{queue}
//	jobrelay_handler_errors_total{queue}
//	jobrelay_publish_failures_total{queue,reason}
//	jobrelay_broker_channels / jobrelay_broker_subscriptions
//	jobrelay_job_transitions_total{queue,status}
//	jobrelay_job_claims_total{queue,result}
//	jobrelay_http_requests_total{method,route,status}
//	jobrelay_http_request_duration_seconds{method,route}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobrelay"

// Registry holds all jobrelay application metrics.
type Registry struct {
	reg *prometheus.Registry

	published      *prometheus.CounterVec
	received       *prometheus.CounterVec
	replayed       *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	publishFailed  *prometheus.CounterVec
	channels       prometheus.Gauge
	subscriptions  prometheus.Gauge
	jobTransitions *prometheus.CounterVec
	jobClaims      *prometheus.CounterVec
	httpReqs       *prometheus.CounterVec
	httpDur        *prometheus.HistogramVec
}

// New builds a Registry. nodeID is attached to every series as a const label
// when non-empty.
func New(nodeID string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var labels prometheus.Labels
	if nodeID != "" {
		labels = prometheus.Labels{"node_id": nodeID}
	}
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_published_total",
			Help: "Messages broadcast by the broker", ConstLabels: labels,
		}, []string{"queue", "type"}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Messages delivered to local handlers", ConstLabels: labels,
		}, []string{"queue"}),
		replayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_replayed_total",
			Help: "Messages redelivered from the durable log after a reconnect", ConstLabels: labels,
		}, []string{"queue"}),
		handlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_errors_total",
			Help: "Handler invocations that returned an error or panicked", ConstLabels: labels,
		}, []string{"queue"}),
		publishFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_failures_total",
			Help: "Publish calls that failed, by reason", ConstLabels: labels,
		}, []string{"queue", "reason"}),
		channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "broker_channels",
			Help: "Active broker channels", ConstLabels: labels,
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "broker_subscriptions",
			Help: "Active broker subscriptions", ConstLabels: labels,
		}),
		jobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_transitions_total",
			Help: "Job status transitions, by target status", ConstLabels: labels,
		}, []string{"queue", "status"}),
		jobClaims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_claims_total",
			Help: "ProcessNextJob outcomes", ConstLabels: labels,
		}, []string{"queue", "result"}),
		httpReqs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code", ConstLabels: labels,
		}, []string{"method", "route", "status"}),
		httpDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help: "HTTP request latency", ConstLabels: labels,
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
	}
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler renders the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ─── Broker ───────────────────────────────────────────────────────────────────

func (r *Registry) MessagePublished(queue, typ string) {
	if r == nil {
		return
	}
	r.published.WithLabelValues(queue, typ).Inc()
}

func (r *Registry) MessageReceived(queue string) {
	if r == nil {
		return
	}
	r.received.WithLabelValues(queue).Inc()
}

func (r *Registry) MessageReplayed(queue string) {
	if r == nil {
		return
	}
	r.replayed.WithLabelValues(queue).Inc()
}

func (r *Registry) HandlerError(queue string) {
	if r == nil {
		return
	}
	r.handlerErrors.WithLabelValues(queue).Inc()
}

// PublishFailed records a failed publish. reason is a short fixed token such
// as "persistence", "transport", "timeout" or "circuit_open".
func (r *Registry) PublishFailed(queue, reason string) {
	if r == nil {
		return
	}
	r.publishFailed.WithLabelValues(queue, reason).Inc()
}

// SetBrokerGauges records the current channel and subscription counts.
func (r *Registry) SetBrokerGauges(channels, subscriptions int) {
	if r == nil {
		return
	}
	r.channels.Set(float64(channels))
	r.subscriptions.Set(float64(subscriptions))
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

func (r *Registry) JobTransition(queue, status string) {
	if r == nil {
		return
	}
	r.jobTransitions.WithLabelValues(queue, status).Inc()
}

// JobClaim records a ProcessNextJob outcome.
func (r *Registry) JobClaim(queue string, claimed bool) {
	if r == nil {
		return
	}
	result := "empty"
	if claimed {
		result = "claimed"
	}
	r.jobClaims.WithLabelValues(queue, result).Inc()
}

// ─── HTTP ─────────────────────────────────────────────────────────────────────

// HTTPRequest records one served request. route is the mux pattern, not the
// raw path, so IDs do not explode cardinality.
func (r *Registry) HTTPRequest(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpReqs.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDur.WithLabelValues(method, route).Observe(d.Seconds())
}
