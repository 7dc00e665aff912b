// Package queues holds the named queues of a jobrelay node: the typed
// pipeline queues (document extraction, web crawl, model training) and a
// registry of generic queues created on first use.
//
// Queue names follow a simple rule: lowercase alphanumeric and hyphens,
// 1-64 characters, must start with a letter or digit. A queue name is also
// its broker channel, so the rule keeps every name a valid transport topic.
package queues

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/jobs"
)

var (
	// ErrNotFound is returned when a queue is not registered.
	ErrNotFound = errors.New("queues: queue not found")

	// ErrInvalidName is returned when the name violates the naming rules.
	ErrInvalidName = errors.New("queues: invalid queue name")

	// ErrBuiltin is returned when removing one of the typed pipeline queues.
	ErrBuiltin = errors.New("queues: built-in queue")
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

// ValidateName reports whether name is a valid queue name.
func ValidateName(name string) bool { return nameRe.MatchString(name) }

// Info describes a registered queue.
type Info struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"` // Unix milliseconds
	Builtin   bool   `json:"builtin,omitempty"`
}

// Registry maps queue names to their adapters. Generic queues are persisted
// to <dir>/queues.json so they come back after a restart; typed queues are
// registered by the process on every start and never written to disk.
type Registry struct {
	mu       sync.RWMutex
	store    jobs.Store
	broker   broker.Broker
	opts     []jobs.Option
	filePath string // empty: nothing persisted
	queues   map[string]*entry
}

type entry struct {
	info    Info
	adapter *jobs.Adapter
}

// NewRegistry loads the generic queues persisted in dir and builds their
// adapters over store and b with opts. An empty dir keeps the registry in
// memory.
func NewRegistry(dir string, store jobs.Store, b broker.Broker, opts ...jobs.Option) (*Registry, error) {
	r := &Registry{
		store:  store,
		broker: b,
		opts:   opts,
		queues: make(map[string]*entry),
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("queues: mkdir %s: %w", dir, err)
		}
		r.filePath = filepath.Join(dir, "queues.json")
		if err := r.load(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a typed queue's adapter. It replaces a generic queue of the
// same name, which keeps its jobs since both share the store.
func (r *Registry) Register(a *jobs.Adapter) error {
	if !nameRe.MatchString(a.Queue()) {
		return fmt.Errorf("%w: %q", ErrInvalidName, a.Queue())
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	created := time.Now().UnixMilli()
	if e, ok := r.queues[a.Queue()]; ok {
		created = e.info.CreatedAt
	}
	r.queues[a.Queue()] = &entry{
		info:    Info{Name: a.Queue(), CreatedAt: created, Builtin: true},
		adapter: a,
	}
	return r.save()
}

// Ensure returns the adapter for name, registering a generic queue if it
// does not exist yet. Returns ErrInvalidName if the name fails validation.
func (r *Registry) Ensure(name string) (*jobs.Adapter, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.queues[name]; ok {
		return e.adapter, nil
	}
	e, err := r.newEntry(Info{Name: name, CreatedAt: time.Now().UnixMilli()})
	if err != nil {
		return nil, err
	}
	r.queues[name] = e
	if err := r.save(); err != nil {
		delete(r.queues, name)
		return nil, err
	}
	return e.adapter, nil
}

// Get returns the adapter for a registered queue, or ErrNotFound.
func (r *Registry) Get(name string) (*jobs.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e.adapter, nil
}

// Remove unregisters a generic queue. Its jobs stay in the store and
// reappear if the queue is ensured again.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if e.info.Builtin {
		return fmt.Errorf("%w: %s", ErrBuiltin, name)
	}
	delete(r.queues, name)
	return r.save()
}

// List returns all registered queues sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.queues))
	for _, e := range r.queues {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) newEntry(info Info) (*entry, error) {
	a, err := jobs.NewAdapter(info.Name, r.store, r.broker, r.opts...)
	if err != nil {
		return nil, fmt.Errorf("queues: %s: %w", info.Name, err)
	}
	return &entry{info: info, adapter: a}, nil
}

// ─── Persistence ──────────────────────────────────────────────────────────────

type fileModel struct {
	Queues []Info `json:"queues"`
}

// load reads queues.json. A missing file is not an error.
func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("queues: read %s: %w", r.filePath, err)
	}

	var m fileModel
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("queues: parse %s: %w", r.filePath, err)
	}
	for _, info := range m.Queues {
		if !nameRe.MatchString(info.Name) {
			return fmt.Errorf("queues: parse %s: %w: %q", r.filePath, ErrInvalidName, info.Name)
		}
		e, err := r.newEntry(info)
		if err != nil {
			return err
		}
		r.queues[info.Name] = e
	}
	return nil
}

// save writes the generic queues atomically (temp file, rename). Must be
// called with mu held.
func (r *Registry) save() error {
	if r.filePath == "" {
		return nil
	}
	list := make([]Info, 0, len(r.queues))
	for _, e := range r.queues {
		if !e.info.Builtin {
			list = append(list, e.info)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(fileModel{Queues: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("queues: marshal: %w", err)
	}
	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("queues: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.filePath); err != nil {
		return fmt.Errorf("queues: rename to %s: %w", r.filePath, err)
	}
	return nil
}
