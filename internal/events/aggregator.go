package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/queues"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

// ErrNoHandler is returned when subscribing without a handler.
var ErrNoHandler = errors.New("events: handler is required")

// Aggregator multiplexes observers onto the broker. However many handlers
// watch a (queue, type) pair, the broker sees a single subscription for it,
// created with the first handler and torn down with the last.
type Aggregator struct {
	broker  broker.Broker
	logger  *slog.Logger
	subOpts types.SubscribeOptions

	// setupMu serializes broker subscribe and teardown calls. Dispatch never
	// takes it.
	setupMu sync.Mutex

	mu     sync.RWMutex
	routes map[routeKey]*route
	nextID uint64
}

type routeKey struct {
	queue string
	typ   types.MessageType
}

type route struct {
	teardown broker.Teardown
	subs     map[uint64]*observer
}

type observer struct {
	id      uint64
	handler Handler
	filter  *Filter
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the aggregator logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSubscribeOptions sets the options of the broker subscriptions, e.g.
// RetryOnReconnect so observers see events missed during an outage on the
// durable tiers.
func WithSubscribeOptions(o types.SubscribeOptions) Option {
	return func(a *Aggregator) { a.subOpts = o }
}

// NewAggregator returns an Aggregator over b.
func NewAggregator(b broker.Broker, opts ...Option) *Aggregator {
	a := &Aggregator{
		broker: b,
		logger: slog.Default(),
		routes: make(map[routeKey]*route),
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("component", "events")
	return a
}

// Subscribe delivers events of the given types on queueID to h. No types
// means every type. The teardown is idempotent.
func (a *Aggregator) Subscribe(ctx context.Context, queueID string, eventTypes []types.MessageType, h Handler) (broker.Teardown, error) {
	return a.subscribe(ctx, queueID, eventTypes, nil, h)
}

// SubscribeFiltered is Subscribe with a CEL filter expression evaluated
// against each event (see Filter).
func (a *Aggregator) SubscribeFiltered(ctx context.Context, queueID string, eventTypes []types.MessageType, expr string, h Handler) (broker.Teardown, error) {
	f, err := CompileFilter(expr)
	if err != nil {
		return nil, err
	}
	return a.subscribe(ctx, queueID, eventTypes, f, h)
}

// SubscribeExtraction watches the document-extraction queue.
func (a *Aggregator) SubscribeExtraction(ctx context.Context, eventTypes []types.MessageType, h Handler) (broker.Teardown, error) {
	return a.Subscribe(ctx, queues.Extraction, eventTypes, h)
}

// SubscribeCrawl watches the web-crawl queue.
func (a *Aggregator) SubscribeCrawl(ctx context.Context, eventTypes []types.MessageType, h Handler) (broker.Teardown, error) {
	return a.Subscribe(ctx, queues.Crawl, eventTypes, h)
}

// SubscribeTraining watches the model-training queue.
func (a *Aggregator) SubscribeTraining(ctx context.Context, eventTypes []types.MessageType, h Handler) (broker.Teardown, error) {
	return a.Subscribe(ctx, queues.Training, eventTypes, h)
}

func (a *Aggregator) subscribe(ctx context.Context, queueID string, eventTypes []types.MessageType, f *Filter, h Handler) (broker.Teardown, error) {
	if h == nil {
		return nil, ErrNoHandler
	}
	if queueID == "" {
		return nil, fmt.Errorf("%w: queue id is required", broker.ErrInvalidSubscription)
	}
	if len(eventTypes) == 0 {
		eventTypes = []types.MessageType{broker.AnyType}
	}

	a.setupMu.Lock()
	defer a.setupMu.Unlock()

	a.mu.Lock()
	a.nextID++
	obs := &observer{id: a.nextID, handler: h, filter: f}
	a.mu.Unlock()

	keys := make([]routeKey, 0, len(eventTypes))
	for _, typ := range eventTypes {
		key := routeKey{queue: queueID, typ: typ}
		if err := a.attach(ctx, key, obs); err != nil {
			for _, k := range keys {
				if derr := a.detach(ctx, k, obs.id); derr != nil {
					a.logger.Warn("rollback teardown failed", "queue", k.queue, "type", k.typ, "err", derr)
				}
			}
			return nil, fmt.Errorf("events: subscribe %s/%s: %w", queueID, typ, err)
		}
		keys = append(keys, key)
	}
	a.logger.Debug("observer added", "queue", queueID, "types", eventTypes, "filter", f.String())

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			a.setupMu.Lock()
			defer a.setupMu.Unlock()
			var errs []error
			for _, k := range keys {
				errs = append(errs, a.detach(ctx, k, obs.id))
			}
			err = errors.Join(errs...)
		})
		return err
	}, nil
}

// attach adds obs to the route for key, subscribing on the broker when the
// route is new. Caller holds setupMu.
func (a *Aggregator) attach(ctx context.Context, key routeKey, obs *observer) error {
	a.mu.Lock()
	r, ok := a.routes[key]
	if ok {
		r.subs[obs.id] = obs
		a.mu.Unlock()
		return nil
	}
	r = &route{subs: map[uint64]*observer{obs.id: obs}}
	a.routes[key] = r
	a.mu.Unlock()

	td, err := a.broker.SubscribeWithOptions(ctx, key.queue, key.typ, a.dispatch(key), a.subOpts)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		delete(a.routes, key)
		return err
	}
	r.teardown = td
	return nil
}

// detach removes an observer and tears the route down when it was the last
// one. Caller holds setupMu.
func (a *Aggregator) detach(ctx context.Context, key routeKey, id uint64) error {
	a.mu.Lock()
	r, ok := a.routes[key]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	delete(r.subs, id)
	if len(r.subs) > 0 {
		a.mu.Unlock()
		return nil
	}
	delete(a.routes, key)
	a.mu.Unlock()
	return r.teardown(ctx)
}

// dispatch is the broker handler for one route.
func (a *Aggregator) dispatch(key routeKey) broker.Handler {
	return func(ctx context.Context, msg *types.Message) error {
		a.mu.RLock()
		var obs []*observer
		if r, ok := a.routes[key]; ok {
			obs = make([]*observer, 0, len(r.subs))
			for _, o := range r.subs {
				obs = append(obs, o)
			}
		}
		a.mu.RUnlock()
		if len(obs) == 0 {
			return nil
		}
		sort.Slice(obs, func(i, j int) bool { return obs[i].id < obs[j].id })

		ev := Normalize(msg)
		var errs []error
		for _, o := range obs {
			if !o.filter.Match(ev) {
				continue
			}
			if err := a.call(ctx, o, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// call runs one observer, converting a panic into an error so the other
// observers of the route still get the event.
func (a *Aggregator) call(ctx context.Context, o *observer, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: observer panic on %s: %v", ev, r)
		}
		if err != nil {
			a.logger.Warn("observer failed", "event", ev.Type, "queue", ev.QueueID, "err", err)
		}
	}()
	return o.handler(ctx, ev)
}

// Routes returns the number of live broker subscriptions held.
func (a *Aggregator) Routes() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.routes)
}

// UnsubscribeAll drops every observer and tears down every broker
// subscription. Teardowns returned earlier become no-ops.
func (a *Aggregator) UnsubscribeAll(ctx context.Context) error {
	a.setupMu.Lock()
	defer a.setupMu.Unlock()

	a.mu.Lock()
	routes := a.routes
	a.routes = make(map[routeKey]*route)
	a.mu.Unlock()

	var errs []error
	for key, r := range routes {
		if err := r.teardown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("events: teardown %s/%s: %w", key.queue, key.typ, err))
		}
	}
	a.logger.Debug("all observers removed", "routes", len(routes))
	return errors.Join(errs...)
}
