package record

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Registry maps kind names to schemas. It is safe for concurrent use.
// The zero value is ready to use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry returns a registry pre-populated with schemas. Each schema is
// validated before registration.
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{}
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates s and adds a normalised copy of it to the registry, so
// later changes to s have no effect. Registering a second schema under an
// existing kind is an error.
func (r *Registry) Register(s *Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.schemas == nil {
		r.schemas = make(map[string]*Schema)
	}
	if _, exists := r.schemas[s.Kind]; exists {
		return fmt.Errorf("record: kind %q already registered", s.Kind)
	}
	r.schemas[s.Kind] = s.normalized()
	return nil
}

// Lookup returns the schema for kind. Returns [ErrUnknownKind] when the kind
// has not been registered.
func (r *Registry) Lookup(kind string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

// Kinds returns all registered kind names in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.schemas))
}

// Schemas returns all registered schemas ordered by kind.
func (r *Registry) Schemas() []*Schema {
	kinds := r.Kinds()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Schema, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, r.schemas[k])
	}
	return out
}
