// Package mock provides a recording test double for [upsert.Store] and
// [upsert.Recorder].
//
// Store records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.GetByResult = existing
//
//	// run the pipeline against store …
//
//	if got := store.CallCount("Insert"); got != 0 {
//	    t.Errorf("expected no Insert call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [upsert.Store].
// All *Err fields default to nil (success).
type Store struct {
	mu    sync.Mutex
	calls []Call

	// GetByResult is returned by [Store.GetBy]. Nil means no match.
	GetByResult record.Record

	// GetByErr is returned by [Store.GetBy] when non-nil.
	GetByErr error

	// InsertResult is returned by [Store.Insert]. When nil, Insert returns
	// the record it was given.
	InsertResult record.Record

	// InsertErr is returned by [Store.Insert] when non-nil.
	InsertErr error

	// InsertOrUpdateResult is returned by [Store.InsertOrUpdate]. When nil,
	// InsertOrUpdate returns the record it was given.
	InsertOrUpdateResult record.Record

	// InsertOrUpdateErr is returned by [Store.InsertOrUpdate] when non-nil.
	InsertOrUpdateErr error
}

// Ensure Store satisfies the interface at compile time.
var _ upsert.Store = (*Store)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// GetBy implements [upsert.Store].
func (m *Store) GetBy(_ context.Context, kind string, criteria upsert.Criteria) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetBy", Args: []any{kind, criteria}})
	if m.GetByErr != nil {
		return nil, m.GetByErr
	}
	return m.GetByResult, nil
}

// Insert implements [upsert.Store].
func (m *Store) Insert(_ context.Context, rec record.Record) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Insert", Args: []any{rec}})
	if m.InsertErr != nil {
		return nil, m.InsertErr
	}
	if m.InsertResult != nil {
		return m.InsertResult, nil
	}
	return rec, nil
}

// InsertOrUpdate implements [upsert.Store].
func (m *Store) InsertOrUpdate(_ context.Context, rec record.Record) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "InsertOrUpdate", Args: []any{rec}})
	if m.InsertOrUpdateErr != nil {
		return nil, m.InsertOrUpdateErr
	}
	if m.InsertOrUpdateResult != nil {
		return m.InsertOrUpdateResult, nil
	}
	return rec, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Recorder mock
// ─────────────────────────────────────────────────────────────────────────────

// Recorder is a test double for [upsert.Recorder] that keeps every
// measurement it receives.
type Recorder struct {
	mu         sync.Mutex
	Lookups    []string
	Writes     []string
	Operations []string
}

// Ensure Recorder satisfies the interface at compile time.
var _ upsert.Recorder = (*Recorder)(nil)

// RecordLookup implements [upsert.Recorder]. Entries are "kind/outcome".
func (r *Recorder) RecordLookup(_ context.Context, kind, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Lookups = append(r.Lookups, kind+"/"+outcome)
}

// RecordWrite implements [upsert.Recorder]. Entries are "kind/op/status".
func (r *Recorder) RecordWrite(_ context.Context, kind, op, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Writes = append(r.Writes, kind+"/"+op+"/"+status)
}

// RecordOperation implements [upsert.Recorder]. Entries are the op name.
func (r *Recorder) RecordOperation(_ context.Context, op string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Operations = append(r.Operations, op)
}
