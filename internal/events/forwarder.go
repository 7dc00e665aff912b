package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/backoff"
	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/node"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

// SignatureHeader carries "sha256=<hex hmac of body>" when a webhook has a
// secret.
const SignatureHeader = "X-Jobrelay-Signature"

var (
	// ErrWebhookNotFound is returned by Deregister for an unknown id.
	ErrWebhookNotFound = errors.New("events: webhook not found")

	// ErrInvalidWebhook is returned by Register for a bad configuration.
	ErrInvalidWebhook = errors.New("events: invalid webhook")
)

// Webhook describes an HTTP endpoint receiving a queue's events.
type Webhook struct {
	ID     string              `json:"id"`
	Queue  string              `json:"queue"`
	Types  []types.MessageType `json:"types,omitempty"`
	URL    string              `json:"url"`
	Filter string              `json:"filter,omitempty"`
	Secret string              `json:"-"`
}

// Forwarder POSTs aggregated events to registered webhooks. Each webhook has
// its own buffer and delivery goroutine, so a slow endpoint never holds up
// the broker or the other webhooks.
type Forwarder struct {
	agg      *Aggregator
	client   *http.Client
	retry    backoff.Policy
	attempts int
	buffer   int
	logger   *slog.Logger

	mu    sync.Mutex
	hooks map[string]*hook
}

type hook struct {
	Webhook
	teardown broker.Teardown
	queue    chan Event
	cancel   context.CancelFunc
	done     chan struct{}
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) ForwarderOption {
	return func(f *Forwarder) { f.client = c }
}

// WithDeliveryRetry sets how many times a delivery is attempted and the
// backoff between attempts.
func WithDeliveryRetry(attempts int, p backoff.Policy) ForwarderOption {
	return func(f *Forwarder) {
		if attempts > 0 {
			f.attempts = attempts
		}
		f.retry = p
	}
}

// WithBuffer sets the per-webhook event buffer. Events arriving while it is
// full are dropped and logged.
func WithBuffer(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.buffer = n
		}
	}
}

// WithForwarderLogger sets the forwarder logger.
func WithForwarderLogger(l *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewForwarder returns a Forwarder subscribing through agg.
func NewForwarder(agg *Aggregator, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		agg:      agg,
		client:   &http.Client{Timeout: 10 * time.Second},
		retry:    backoff.Policy{Base: 500 * time.Millisecond, Cap: 30 * time.Second},
		attempts: 5,
		buffer:   256,
		logger:   slog.Default(),
		hooks:    make(map[string]*hook),
	}
	for _, o := range opts {
		o(f)
	}
	f.logger = f.logger.With("component", "webhooks")
	return f
}

// Register starts forwarding w.Queue's events to w.URL and returns the
// webhook id.
func (f *Forwarder) Register(ctx context.Context, w Webhook) (string, error) {
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url must be an absolute http(s) URL: %q", ErrInvalidWebhook, w.URL)
	}
	if w.Queue == "" {
		return "", fmt.Errorf("%w: queue is required", ErrInvalidWebhook)
	}
	id, err := node.NewID()
	if err != nil {
		return "", fmt.Errorf("events: generate webhook ID: %w", err)
	}
	w.ID = id

	runCtx, cancel := context.WithCancel(context.Background())
	h := &hook{
		Webhook: w,
		queue:   make(chan Event, f.buffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	td, err := f.agg.SubscribeFiltered(ctx, w.Queue, w.Types, w.Filter, func(_ context.Context, ev Event) error {
		select {
		case h.queue <- ev:
		default:
			f.logger.Warn("webhook buffer full, event dropped", "webhook", h.ID, "event", ev.String())
		}
		return nil
	})
	if err != nil {
		cancel()
		return "", err
	}
	h.teardown = td

	f.mu.Lock()
	f.hooks[id] = h
	f.mu.Unlock()

	go f.deliveryLoop(runCtx, h)
	f.logger.Info("webhook registered", "id", id, "queue", w.Queue, "url", w.URL)
	return id, nil
}

// Deregister stops a webhook. Buffered events not yet delivered are dropped.
func (f *Forwarder) Deregister(ctx context.Context, id string) error {
	f.mu.Lock()
	h, ok := f.hooks[id]
	if ok {
		delete(f.hooks, id)
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	err := f.stop(ctx, h)
	f.logger.Info("webhook deregistered", "id", id)
	return err
}

// List returns the registered webhooks.
func (f *Forwarder) List() []Webhook {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Webhook, 0, len(f.hooks))
	for _, h := range f.hooks {
		out = append(out, h.Webhook)
	}
	return out
}

// Close stops every webhook.
func (f *Forwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	hooks := f.hooks
	f.hooks = make(map[string]*hook)
	f.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		errs = append(errs, f.stop(ctx, h))
	}
	return errors.Join(errs...)
}

func (f *Forwarder) stop(ctx context.Context, h *hook) error {
	err := h.teardown(ctx)
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (f *Forwarder) deliveryLoop(ctx context.Context, h *hook) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.queue:
			if err := f.deliverWithRetry(ctx, h, ev); err != nil && ctx.Err() == nil {
				f.logger.Warn("webhook delivery failed, event dropped",
					"webhook", h.ID, "event", ev.String(), "err", err)
			}
		}
	}
}

func (f *Forwarder) deliverWithRetry(ctx context.Context, h *hook, ev Event) error {
	var err error
	for attempt := 0; attempt < f.attempts; attempt++ {
		if attempt > 0 {
			if serr := f.retry.Sleep(ctx, attempt-1); serr != nil {
				return serr
			}
		}
		if err = deliver(ctx, f.client, h.Webhook, ev); err == nil {
			return nil
		}
		f.logger.Debug("webhook attempt failed", "webhook", h.ID, "attempt", attempt+1, "err", err)
	}
	return err
}

// deliver POSTs ev as JSON. Any 2xx response is a success.
func deliver(ctx context.Context, client *http.Client, w Webhook, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("events: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jobrelay-Event", string(ev.Type))
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.Secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("events: POST to %s: %w", w.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("events: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in
// SignatureHeader.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
