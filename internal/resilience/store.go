package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
)

// Compile-time interface checks.
var (
	_ upsert.Store  = (*Store)(nil)
	_ upsert.Pinger = (*Store)(nil)
)

// Store wraps an [upsert.Store] with a [CircuitBreaker].
type Store struct {
	inner upsert.Store
	cb    *CircuitBreaker
}

// NewStore wraps inner. The breaker's IsFailure is replaced with
// [IsStoreFailure] unless cfg sets one.
func NewStore(inner upsert.Store, cfg CircuitBreakerConfig) *Store {
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsStoreFailure
	}
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	return &Store{inner: inner, cb: NewCircuitBreaker(cfg)}
}

// IsStoreFailure reports whether err means the store itself is unhealthy.
// Constraint violations, ambiguous matches, invalid records and context
// cancellation by the caller are not store failures.
func IsStoreFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, upsert.ErrDuplicate),
		errors.Is(err, upsert.ErrAmbiguousMatch),
		errors.Is(err, upsert.ErrInvalidRecord),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Breaker returns the breaker guarding the store.
func (s *Store) Breaker() *CircuitBreaker { return s.cb }

// Unwrap returns the wrapped store.
func (s *Store) Unwrap() upsert.Store { return s.inner }

// GetBy implements [upsert.Store.GetBy].
func (s *Store) GetBy(ctx context.Context, kind string, criteria upsert.Criteria) (rec record.Record, err error) {
	err = s.guard(kind, func() error {
		rec, err = s.inner.GetBy(ctx, kind, criteria)
		return err
	})
	return rec, err
}

// Insert implements [upsert.Store.Insert].
func (s *Store) Insert(ctx context.Context, in record.Record) (rec record.Record, err error) {
	err = s.guard(kindOf(in), func() error {
		rec, err = s.inner.Insert(ctx, in)
		return err
	})
	return rec, err
}

// InsertOrUpdate implements [upsert.Store.InsertOrUpdate].
func (s *Store) InsertOrUpdate(ctx context.Context, in record.Record) (rec record.Record, err error) {
	err = s.guard(kindOf(in), func() error {
		rec, err = s.inner.InsertOrUpdate(ctx, in)
		return err
	})
	return rec, err
}

// Ping implements [upsert.Pinger]. Pings go through the breaker so that a
// readiness probe both reports an open breaker and helps close it again.
func (s *Store) Ping(ctx context.Context) error {
	p, ok := s.inner.(upsert.Pinger)
	if !ok {
		if s.cb.State() == StateOpen {
			return ErrCircuitOpen
		}
		return nil
	}
	return s.guard("", func() error { return p.Ping(ctx) })
}

// Migrate forwards to the wrapped store when it supports migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if m, ok := s.inner.(interface{ Migrate(context.Context) error }); ok {
		return m.Migrate(ctx)
	}
	return nil
}

func (s *Store) guard(kind string, fn func() error) error {
	err := s.cb.Execute(fn)
	if errors.Is(err, ErrCircuitOpen) {
		if kind == "" {
			return err
		}
		return fmt.Errorf("%s: %w", kind, err)
	}
	return err
}

func kindOf(rec record.Record) string {
	if rec == nil {
		return ""
	}
	return rec.Kind()
}
