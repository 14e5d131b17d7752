package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
)

// ErrBackendNotRegistered is returned by [Registry.Open] when no factory has
// been registered for the configured backend.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// OpenedStore is a store created by a [StoreFactory]. Close releases the
// resources the store owns; it may be nil.
type OpenedStore struct {
	Store upsert.Store
	Close func() error
}

// StoreFactory opens a store for cfg using the record kinds in reg.
type StoreFactory func(ctx context.Context, cfg StoreConfig, reg *record.Registry) (OpenedStore, error)

// Registry maps backend names to store factories. It is safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	factories map[Backend]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Backend]StoreFactory)}
}

// Register registers factory under backend. Subsequent calls with the same
// backend overwrite the previous registration.
func (r *Registry) Register(backend Backend, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backend] = factory
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.factories))
	for b := range r.factories {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}

// Open creates the store selected by cfg.Backend.
func (r *Registry) Open(ctx context.Context, cfg StoreConfig, reg *record.Registry) (OpenedStore, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return OpenedStore{}, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	s, err := factory(ctx, cfg, reg)
	if err != nil {
		return OpenedStore{}, fmt.Errorf("config: open %s store: %w", cfg.Backend, err)
	}
	if s.Close == nil {
		s.Close = func() error { return nil }
	}
	return s, nil
}
