// Package memory provides a thread-safe, in-memory [upsert.Store].
//
// Records are kept per kind in insertion order. Primary keys are generated
// when absent: increasing integers for [record.KeySerial] schemas and UUIDs
// for [record.KeyText] schemas. Unique field sets declared on a record's
// [record.Schema] are enforced on every write.
//
// The store is suitable for tests, the CLI's default backend and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
)

// Compile-time interface checks.
var (
	_ upsert.Store   = (*Store)(nil)
	_ upsert.Counter = (*Store)(nil)
	_ upsert.Pinger  = (*Store)(nil)
)

// Store is an in-memory [upsert.Store]. The zero value is ready to use.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
}

// table holds the records of one kind.
type table struct {
	rows  map[string]record.Record
	order []string
	seq   int64
}

// New returns an empty [Store].
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// GetBy implements [upsert.Store.GetBy]. Empty criteria match every record
// of the kind.
func (s *Store) GetBy(ctx context.Context, kind string, criteria upsert.Criteria) (record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tables[kind]
	if t == nil {
		return nil, nil
	}

	var (
		match record.Record
		n     int
	)
	for _, key := range t.order {
		r := t.rows[key]
		if !criteria.Matches(r) {
			continue
		}
		n++
		match = r
	}
	switch n {
	case 0:
		return nil, nil
	case 1:
		return match, nil
	}
	return nil, fmt.Errorf("memory: %w: %d %s records match %v", upsert.ErrAmbiguousMatch, n, kind, criteria)
}

// Insert implements [upsert.Store.Insert].
func (s *Store) Insert(ctx context.Context, rec record.Record) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec)
}

// InsertOrUpdate implements [upsert.Store.InsertOrUpdate]. A record whose
// key is set replaces the stored record with that key, or is added when no
// such record exists.
func (s *Store) InsertOrUpdate(ctx context.Context, rec record.Record) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := record.ID(rec)
	if !ok {
		return s.insertLocked(rec)
	}

	t := s.table(rec.Kind())
	key := keyOf(id)
	if err := t.checkUnique(rec, key); err != nil {
		return nil, err
	}
	if _, exists := t.rows[key]; !exists {
		t.order = append(t.order, key)
		t.bumpSeq(id)
	}
	t.rows[key] = rec
	return rec, nil
}

// Count implements [upsert.Counter].
func (s *Store) Count(ctx context.Context, kind string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t := s.tables[kind]; t != nil {
		return len(t.rows), nil
	}
	return 0, nil
}

// Ping implements [upsert.Pinger]. It always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Records returns all records of kind in insertion order.
func (s *Store) Records(kind string) []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tables[kind]
	if t == nil {
		return nil
	}
	out := make([]record.Record, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, t.rows[key])
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) table(kind string) *table {
	if s.tables == nil {
		s.tables = make(map[string]*table)
	}
	t := s.tables[kind]
	if t == nil {
		t = &table{rows: make(map[string]record.Record)}
		s.tables[kind] = t
	}
	return t
}

func (s *Store) insertLocked(rec record.Record) (record.Record, error) {
	t := s.table(rec.Kind())

	id, ok := record.ID(rec)
	if !ok {
		var err error
		id = t.nextID(rec)
		rec, err = rec.With(map[string]any{record.PrimaryKey(rec): id})
		if err != nil {
			return nil, fmt.Errorf("memory: assign key: %w", err)
		}
		id, _ = record.ID(rec)
	}

	key := keyOf(id)
	if _, exists := t.rows[key]; exists {
		return nil, fmt.Errorf("memory: %w: %s with %s %v already exists", upsert.ErrDuplicate, rec.Kind(), record.PrimaryKey(rec), id)
	}
	if err := t.checkUnique(rec, key); err != nil {
		return nil, err
	}

	t.rows[key] = rec
	t.order = append(t.order, key)
	t.bumpSeq(id)
	return rec, nil
}

// nextID generates a key for rec according to its schema's key type.
func (t *table) nextID(rec record.Record) any {
	if schemaOf(rec).KeyKind() == record.KeyText {
		return uuid.NewString()
	}
	for {
		t.seq++
		if _, taken := t.rows[keyOf(t.seq)]; !taken {
			return t.seq
		}
	}
}

// bumpSeq keeps generated serial keys above explicitly supplied ones.
func (t *table) bumpSeq(id any) {
	if n, ok := record.Normalize(id).(int64); ok && n > t.seq {
		t.seq = n
	}
}

// checkUnique reports a duplicate when another record (one not stored under
// key) carries the same values for one of the schema's unique field sets.
// Sets with an unset field never conflict.
func (t *table) checkUnique(rec record.Record, key string) error {
	for _, set := range schemaOf(rec).Unique {
		crit := make(upsert.Criteria, len(set))
		for _, f := range set {
			v, ok := rec.Get(f)
			if !ok {
				crit = nil
				break
			}
			crit[f] = v
		}
		if crit == nil {
			continue
		}
		for k, other := range t.rows {
			if k != key && crit.Matches(other) {
				return fmt.Errorf("memory: %w: %s with %v already exists", upsert.ErrDuplicate, rec.Kind(), crit)
			}
		}
	}
	return nil
}

// schemaOf returns rec's schema, or an empty schema for records that do not
// expose one.
func schemaOf(rec record.Record) *record.Schema {
	if s, ok := rec.(interface{ Schema() *record.Schema }); ok && s.Schema() != nil {
		return s.Schema()
	}
	return &record.Schema{Kind: rec.Kind()}
}

// keyOf renders a primary key value as a map key.
func keyOf(id any) string {
	return fmt.Sprintf("%T:%v", record.Normalize(id), record.Normalize(id))
}
