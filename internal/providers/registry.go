package providers

import (
	"fmt"
	"sort"
)

// Factory builds a provider from its configuration.
type Factory func(cfg Config) (Provider, error)

// Registry maps provider kinds to their constructors.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// Kinds lists registered provider kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build validates cfg and constructs the provider for its kind.
func (r *Registry) Build(cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, ok := r.factories[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("provider kind not registered: %s", cfg.Kind)
	}
	return f(cfg)
}

// BuildBackend constructs every configured provider, in order, into a Backend.
func (r *Registry) BuildBackend(personas PersonaTable, cfgs []Config) (*Backend, error) {
	b := NewBackend(personas)
	for _, cfg := range cfgs {
		p, err := r.Build(cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", cfg.Name, err)
		}
		b.Add(p, cfg.Timeout())
	}
	return b, nil
}
