package broker

import (
	"log/slog"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/backoff"
	"github.com/sneh-joshi/jobrelay/internal/metrics"
)

// Defaults.
const (
	DefaultPublishTimeout   = 10 * time.Second
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultPublishAttempts  = 3
	DefaultPoolSize         = 4
	DefaultMailboxSize      = 256
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultReplayBatch      = 500
)

type settings struct {
	logger           *slog.Logger
	metrics          *metrics.Registry
	errorHook        func(error)
	publishTimeout   time.Duration
	subscribeTimeout time.Duration
	publishAttempts  int
	publishBackoff   backoff.Policy
	reconnectBackoff backoff.Policy
	maxAuthFailures  int
	degrade          bool
	poolSize         int
	mailboxSize      int
	breakerThreshold int
	breakerCooldown  time.Duration
	replayBatch      int
}

func defaultSettings() settings {
	return settings{
		logger:           slog.Default(),
		publishTimeout:   DefaultPublishTimeout,
		subscribeTimeout: DefaultSubscribeTimeout,
		publishAttempts:  DefaultPublishAttempts,
		publishBackoff:   backoff.Policy{Base: 100 * time.Millisecond, Cap: 2 * time.Second},
		reconnectBackoff: backoff.Default(),
		poolSize:         DefaultPoolSize,
		mailboxSize:      DefaultMailboxSize,
		breakerThreshold: DefaultBreakerThreshold,
		breakerCooldown:  DefaultBreakerCooldown,
		replayBatch:      DefaultReplayBatch,
	}
}

// Option configures a broker.
type Option func(*settings)

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics exports counters to reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *settings) { s.metrics = reg }
}

// WithErrorHook receives every contained *HandlerError. fn runs on the
// delivery goroutine and must not block.
func WithErrorHook(fn func(error)) Option {
	return func(s *settings) { s.errorHook = fn }
}

// WithPublishTimeout bounds each Publish call.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithSubscribeTimeout bounds subscription setup.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.subscribeTimeout = d
		}
	}
}

// WithPublishRetry sets how many broadcast attempts the durable tiers make
// and the backoff between them. Basic always makes one attempt.
func WithPublishRetry(attempts int, p backoff.Policy) Option {
	return func(s *settings) {
		if attempts > 0 {
			s.publishAttempts = attempts
		}
		s.publishBackoff = p
	}
}

// WithReconnectBackoff sets the connection manager backoff.
func WithReconnectBackoff(p backoff.Policy) Option {
	return func(s *settings) { s.reconnectBackoff = p }
}

// WithMaxAuthFailures sets the connection manager auth failure limit.
func WithMaxAuthFailures(n int) Option {
	return func(s *settings) { s.maxAuthFailures = n }
}

// WithDegradeOnPersistenceFailure lets durable tiers broadcast a message the
// log rejected instead of failing the publish. Every such message is logged
// at WARN.
func WithDegradeOnPersistenceFailure() Option {
	return func(s *settings) { s.degrade = true }
}

// WithPoolSize sets the number of pooled connections on the Advanced tier.
func WithPoolSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

// WithMailboxSize sets the default per-channel mailbox on the Advanced tier.
func WithMailboxSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.mailboxSize = n
		}
	}
}

// WithCircuitBreaker opens the Advanced tier's breaker after threshold
// consecutive publish failures and probes again after cooldown.
func WithCircuitBreaker(threshold int, cooldown time.Duration) Option {
	return func(s *settings) {
		if threshold > 0 {
			s.breakerThreshold = threshold
		}
		if cooldown > 0 {
			s.breakerCooldown = cooldown
		}
	}
}

// WithReplayBatch sets how many log entries are read per replay round trip.
func WithReplayBatch(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.replayBatch = n
		}
	}
}
