package datasource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Adapter is implemented once per engine kind. Every call opens its own
// connection and closes it before returning.
type Adapter interface {
	Kind() EngineKind

	// TestConnection never fails; any problem is reported as false.
	TestConnection(ctx context.Context, d Descriptor) bool
	GetRawSchema(ctx context.Context, d Descriptor) (string, error)
	GetStructuredSchema(ctx context.Context, d Descriptor) (*Schema, error)
	ExecuteQuery(ctx context.Context, d Descriptor, query string) (*QueryResult, error)
}

// Options are the per-engine connection defaults shared by all adapters.
type Options struct {
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
}

func (o Options) WithDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.StatementTimeout <= 0 {
		o.StatementTimeout = 30 * time.Second
	}
	return o
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[EngineKind]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[EngineKind]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

func (r *Registry) Get(kind EngineKind) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: ErrUnsupportedEngine, Engine: kind, Err: fmt.Errorf("no adapter registered for %q", kind)}
	}
	return a, nil
}

func (r *Registry) Kinds() []EngineKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EngineKind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
