package connector

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/fault"
)

// Factory builds a Driver from an instance's frozen settings. One
// factory is registered per connector type.
type Factory func(settings map[string]string) (Driver, error)

// Registry creates and holds connector runtimes and addresses them by
// id. Nothing holds a reference back: other components reach
// connectors only through here.
type Registry struct {
	bus        *bus.Bus
	opts       Options
	logger     *slog.Logger
	mu         sync.RWMutex
	factories  map[string]Factory
	instances  map[string]*Runtime
	manifested map[string]bool
}

// NewRegistry builds an empty connector registry.
func NewRegistry(b *bus.Bus, opts Options) *Registry {
	return &Registry{
		bus:        b,
		opts:       opts,
		logger:     slog.Default().With("component", "connector.registry"),
		factories:  make(map[string]Factory),
		instances:  make(map[string]*Runtime),
		manifested: make(map[string]bool),
	}
}

// RegisterType installs a driver factory for a connector type. The
// first instance of the type registers its manifest with the
// capability registry.
func (r *Registry) RegisterType(typ string, f Factory) {
	r.mu.Lock()
	r.factories[typ] = f
	r.mu.Unlock()
}

// Create constructs a connector instance but does not connect it.
func (r *Registry) Create(id, typ string, settings map[string]string) (*Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		return nil, fault.New(fault.KindConfig, "connector.create", "empty connector id")
	}
	if _, dup := r.instances[id]; dup {
		return nil, fault.Newf(fault.KindConfig, "connector.create", "connector %q already exists", id)
	}
	factory, ok := r.factories[typ]
	if !ok {
		return nil, fault.Newf(fault.KindConfig, "connector.create", "unknown connector type %q", typ)
	}
	drv, err := factory(settings)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfig, "connector.create", err)
	}

	rt := New(id, drv, settings, r.bus, r.opts)
	if r.opts.Caps != nil && !r.manifested[typ] {
		if err := r.opts.Caps.Register(drv.Manifest()); err != nil {
			return nil, err
		}
		r.manifested[typ] = true
	}
	r.instances[id] = rt
	r.logger.Info("connector created", "connector", id, "type", typ)
	return rt, nil
}

// Get returns a connector by id.
func (r *Registry) Get(id string) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.instances[id]
	return rt, ok
}

// List returns all instances sorted by id.
func (r *Registry) List() []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Runtime, 0, len(r.instances))
	for _, rt := range r.instances {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Remove disconnects and forgets an instance.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	rt, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return rt.Disconnect(ctx)
}

// Shutdown disconnects every instance concurrently, each bounded by
// its own drain deadline.
func (r *Registry) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range r.List() {
		rt := rt
		g.Go(func() error { return rt.Disconnect(gctx) })
	}
	return g.Wait()
}
