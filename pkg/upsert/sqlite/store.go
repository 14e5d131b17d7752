// Package sqlite provides an [upsert.Store] on top of the pure-Go
// modernc.org/sqlite driver.
//
// The table layout matches the postgres package: one table per kind, serial
// keys are INTEGER PRIMARY KEY columns and JSON fields are stored as TEXT.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
	"github.com/MrWong99/recordkit/pkg/upsert/internal/sqlkit"
)

var (
	_ upsert.Store   = (*Store)(nil)
	_ upsert.Counter = (*Store)(nil)
	_ upsert.Pinger  = (*Store)(nil)
)

var dialect = sqlkit.Dialect{
	Placeholder: sq.Question,
	Quote:       quote,
	ColumnType: func(t record.FieldType) string {
		switch t {
		case record.TypeInt, record.TypeBool:
			return "INTEGER"
		case record.TypeFloat:
			return "REAL"
		}
		return "TEXT"
	},
	KeyColumn: func(k record.KeyType) string {
		if k == record.KeyText {
			return "TEXT PRIMARY KEY"
		}
		return "INTEGER PRIMARY KEY"
	},
	JSONAsText: true,
}

// Store is an [upsert.Store] backed by a SQLite database.
type Store struct {
	db  *sql.DB
	reg *record.Registry
}

// Open opens the database at path (":memory:" for a private in-memory
// database) and creates the tables of every kind in reg.
func Open(ctx context.Context, path string, reg *record.Registry) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// In-memory databases are per connection; writes are serialised by
	// SQLite anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set busy timeout: %w", err)
	}
	s := &Store{db: db, reg: reg}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables and unique indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, schema := range s.reg.Schemas() {
		for _, stmt := range dialect.DDL(schema) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sqlite: migrate %s: %w", schema.Kind, err)
			}
		}
	}
	return nil
}

// GetBy implements [upsert.Store.GetBy].
func (s *Store) GetBy(ctx context.Context, kind string, criteria upsert.Criteria) (record.Record, error) {
	schema, err := s.schema(kind)
	if err != nil {
		return nil, err
	}
	query, args, err := dialect.Select(schema, criteria, 2)
	if err != nil {
		return nil, err
	}
	found, err := s.query(ctx, schema, query, args)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s: %w", kind, err)
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	}
	return nil, sqlkit.Ambiguous("sqlite", kind, criteria)
}

// Insert implements [upsert.Store.Insert].
func (s *Store) Insert(ctx context.Context, rec record.Record) (record.Record, error) {
	return s.write(ctx, rec, false)
}

// InsertOrUpdate implements [upsert.Store.InsertOrUpdate].
func (s *Store) InsertOrUpdate(ctx context.Context, rec record.Record) (record.Record, error) {
	return s.write(ctx, rec, true)
}

func (s *Store) write(ctx context.Context, rec record.Record, onConflict bool) (record.Record, error) {
	schema, err := s.schema(rec.Kind())
	if err != nil {
		return nil, err
	}
	if _, ok := rec.Get(schema.Key()); !ok && schema.KeyKind() == record.KeyText {
		if rec, err = rec.With(map[string]any{schema.Key(): uuid.NewString()}); err != nil {
			return nil, fmt.Errorf("sqlite: assign key: %w", err)
		}
	}
	query, args, err := dialect.Insert(schema, rec, onConflict)
	if err != nil {
		return nil, err
	}
	stored, err := s.query(ctx, schema, query, args)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("sqlite: %w: %s: %w", upsert.ErrDuplicate, rec.Kind(), err)
		}
		return nil, fmt.Errorf("sqlite: write %s: %w", rec.Kind(), err)
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("sqlite: write %s: no row returned", rec.Kind())
	}
	return stored[0], nil
}

func (s *Store) query(ctx context.Context, schema *record.Schema, query string, args []any) ([]*record.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := len(schema.Columns())
	var out []*record.Row
	for rows.Next() {
		vals := make([]any, cols)
		ptrs := make([]any, cols)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r, err := dialect.Decode(schema, vals)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count implements [upsert.Counter].
func (s *Store) Count(ctx context.Context, kind string) (int, error) {
	schema, err := s.schema(kind)
	if err != nil {
		return 0, err
	}
	query, args, err := dialect.Count(schema)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", kind, err)
	}
	return n, nil
}

// Ping implements [upsert.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) schema(kind string) (*record.Schema, error) {
	schema, err := s.reg.Lookup(kind)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w: %w", upsert.ErrInvalidRecord, err)
	}
	return schema, nil
}

func quote(name string) string {
	return `"` + name + `"`
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
