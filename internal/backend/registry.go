package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/manifoldmcp/manifold/internal/model"
	"github.com/manifoldmcp/manifold/internal/pool"
)

// Factory builds an un-dialed Transport for a backend definition.
type Factory func(cfg model.BackendConfig) Transport

// Registry holds backend definitions and the protocol factories that dial
// them. It also remembers backends marked as crashed so the gateway can
// reject calls to them without touching the pool.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory           // keyed by protocol
	backends  map[string]model.BackendConfig // keyed by backend name
	crashed   map[string]bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		backends:  make(map[string]model.BackendConfig),
		crashed:   make(map[string]bool),
	}
}

// RegisterProtocol registers a transport factory for a protocol name.
func (r *Registry) RegisterProtocol(protocol string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[protocol] = factory
}

// Register adds or replaces a backend definition. The protocol must have a
// registered factory.
func (r *Registry) Register(cfg model.BackendConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[cfg.Protocol]; !ok {
		return fmt.Errorf("unsupported protocol: %s (available: %v)", cfg.Protocol, r.protocols())
	}
	r.backends[cfg.Name] = cfg
	delete(r.crashed, cfg.Name)
	return nil
}

// Lookup resolves a backend name, failing with BackendNotFound for unknown
// or disabled backends and BackendCrashed for ones marked permanently
// failed.
func (r *Registry) Lookup(name string) (model.BackendConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.backends[name]
	if !ok {
		return model.BackendConfig{}, model.NewError(model.KindBackendNotFound,
			"backend %q not found (available: %v)", name, r.names())
	}
	if !cfg.IsActive {
		return model.BackendConfig{}, model.NewError(model.KindBackendNotFound,
			"backend %q is disabled", name)
	}
	if r.crashed[name] {
		return model.BackendConfig{}, model.NewError(model.KindBackendCrashed,
			"backend %q is marked as crashed", name)
	}
	return cfg, nil
}

// Dial establishes and initializes one new transport to the named backend.
// It satisfies pool.DialFunc so the pool manager can create connections on
// demand.
func (r *Registry) Dial(ctx context.Context, name string) (pool.Transport, error) {
	cfg, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory := r.factories[cfg.Protocol]
	r.mu.RUnlock()

	t := factory(cfg)
	if err := t.Initialize(ctx); err != nil {
		t.Close()
		return nil, fmt.Errorf("initialize backend %q: %w", name, err)
	}
	return t, nil
}

// MarkCrashed flags a backend as permanently failed; subsequent lookups
// fail with BackendCrashed until the definition is re-registered.
func (r *Registry) MarkCrashed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; ok {
		r.crashed[name] = true
	}
}

// Remove deletes a backend definition.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backends, name)
	delete(r.crashed, name)
}

// Names returns the registered backend names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

// List returns every registered backend definition.
func (r *Registry) List() []model.BackendConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.BackendConfig, 0, len(r.backends))
	for _, cfg := range r.backends {
		out = append(out, cfg)
	}
	return out
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	return names
}

func (r *Registry) protocols() []string {
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	return out
}
