package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tradeforge/tradeforge/internal/domain"
)

// Factory builds a fresh strategy instance from validated parameters.
// Missing optional parameters arrive absent; factories apply defaults.
type Factory func(params map[string]interface{}) (Strategy, error)

type registration struct {
	meta    Meta
	schema  *ParamSchema
	factory Factory
}

// Registry maps strategy names to factories and their parameter schemas.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a strategy under meta.Name. The schema is rendered into
// meta.ParamSchema so API consumers see the same document used for
// validation. Registering a taken name fails with ErrConflict.
func (r *Registry) Register(meta Meta, schema *ParamSchema, factory Factory) error {
	if meta.Name == "" {
		return fmt.Errorf("register strategy: empty name: %w", domain.ErrValidation)
	}
	if factory == nil {
		return fmt.Errorf("register strategy %s: nil factory: %w", meta.Name, domain.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[meta.Name]; ok {
		return fmt.Errorf("register strategy %s: %w", meta.Name, domain.ErrConflict)
	}
	if schema != nil {
		meta.ParamSchema = schema.JSON()
	}
	r.entries[meta.Name] = registration{meta: meta, schema: schema, factory: factory}
	return nil
}

// Create validates params against the registered schema and builds an
// instance. Unknown names fail with ErrNotFound, bad params with
// ErrValidation.
func (r *Registry) Create(name string, params map[string]interface{}) (Strategy, error) {
	r.mu.RLock()
	reg, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w", name, domain.ErrNotFound)
	}
	if reg.schema != nil {
		if err := reg.schema.Validate(params); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", name, err)
		}
	}
	return reg.factory(params)
}

// Meta returns the descriptor for a registered strategy.
func (r *Registry) Meta(name string) (Meta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	if !ok {
		return Meta{}, fmt.Errorf("strategy %s: %w", name, domain.ErrNotFound)
	}
	return reg.meta, nil
}

// Schema returns the parameter schema for a registered strategy, nil when
// the strategy takes no parameters.
func (r *Registry) Schema(name string) (*ParamSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w", name, domain.ErrNotFound)
	}
	return reg.schema, nil
}

// List returns descriptors for every registered strategy sorted by name.
func (r *Registry) List() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
