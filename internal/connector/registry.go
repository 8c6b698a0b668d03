package connector

import (
	"fmt"
	"sync"

	"github.com/catherinevee/syncmgr/internal/config"
)

// Factory constructs a driver for one configured instance. Factories
// close over their runtime dependencies; the registry only needs the
// config.
type Factory func(cfg config.ConnectorConfig) (Driver, error)

// Registry maps source names to factories and holds the live driver
// instances for webhook and stream dispatch.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Driver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Driver),
	}
}

// RegisterFactory registers the constructor for a source kind.
func (r *Registry) RegisterFactory(source string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[source] = factory
}

// Build constructs and registers a driver from its configuration using
// the factory registered for cfg.Source.
func (r *Registry) Build(cfg config.ConnectorConfig) (Driver, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported source: %s", cfg.Source)
	}
	d, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.Add(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Add registers a live driver instance.
func (r *Registry) Add(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[d.ID()]; exists {
		return fmt.Errorf("connector %s already registered", d.ID())
	}
	r.instances[d.ID()] = d
	return nil
}

// Get returns the driver for a connector instance id.
func (r *Registry) Get(connectorID string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.instances[connectorID]
	return d, ok
}

// BySource returns all instances of one source kind.
func (r *Registry) BySource(source string) []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Driver
	for _, d := range r.instances {
		if d.Source() == source {
			out = append(out, d)
		}
	}
	return out
}

// All returns every registered instance.
func (r *Registry) All() []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Driver, 0, len(r.instances))
	for _, d := range r.instances {
		out = append(out, d)
	}
	return out
}

// Remove drops an instance, typically after Cleanup.
func (r *Registry) Remove(connectorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, connectorID)
}
