// Package postgres provides a PostgreSQL-backed [upsert.Store].
//
// Every registered kind is stored in a table of the same name with one
// column per schema field. Serial keys are BIGSERIAL columns, text keys are
// generated as UUIDs on insert. Fields typed [record.TypeJSON] are JSONB
// columns. Unique field sets become unique indexes, so a racing duplicate
// insert is reported as [upsert.ErrDuplicate].
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
	"github.com/MrWong99/recordkit/pkg/upsert/internal/sqlkit"
)

// DB is the database interface used by [Store]. *pgxpool.Pool, *pgx.Conn
// and pgxmock pools satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface checks.
var (
	_ upsert.Store   = (*Store)(nil)
	_ upsert.Counter = (*Store)(nil)
	_ upsert.Pinger  = (*Store)(nil)
)

// dialect is the PostgreSQL flavour of the shared SQL builder.
var dialect = sqlkit.Dialect{
	Placeholder: sq.Dollar,
	Quote:       func(name string) string { return pgx.Identifier{name}.Sanitize() },
	ColumnType: func(t record.FieldType) string {
		switch t {
		case record.TypeString:
			return "TEXT"
		case record.TypeInt:
			return "BIGINT"
		case record.TypeFloat:
			return "DOUBLE PRECISION"
		case record.TypeBool:
			return "BOOLEAN"
		}
		return "JSONB"
	},
	KeyColumn: func(k record.KeyType) string {
		if k == record.KeyText {
			return "TEXT PRIMARY KEY"
		}
		return "BIGSERIAL PRIMARY KEY"
	},
}

// Store is an [upsert.Store] backed by PostgreSQL.
type Store struct {
	db    DB
	reg   *record.Registry
	close func()
}

// NewStore returns a store that runs its queries on db. Rows are rebuilt
// using the schemas in reg. The caller owns db.
func NewStore(db DB, reg *record.Registry) *Store {
	return &Store{db: db, reg: reg}
}

// Connect opens a connection pool to dsn and verifies it with a ping. The
// returned store owns the pool; call [Store.Close] to release it.
func Connect(ctx context.Context, dsn string, reg *record.Registry) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := NewStore(pool, reg)
	s.close = pool.Close
	return s, nil
}

// Close releases the connection pool when the store owns one.
func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// Migrate creates the table and unique indexes of every registered kind if
// they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, schema := range s.reg.Schemas() {
		for _, stmt := range dialect.DDL(schema) {
			if _, err := s.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("postgres: migrate %s: %w", schema.Kind, err)
			}
		}
	}
	return nil
}

// GetBy implements [upsert.Store.GetBy]. Empty criteria match every row of
// the kind.
func (s *Store) GetBy(ctx context.Context, kind string, criteria upsert.Criteria) (record.Record, error) {
	schema, err := s.schema(kind)
	if err != nil {
		return nil, err
	}
	query, args, err := dialect.Select(schema, criteria, 2)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get %s: %w", kind, err)
	}
	defer rows.Close()

	var found []*record.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres: get %s scan: %w", kind, err)
		}
		r, err := dialect.Decode(schema, vals)
		if err != nil {
			return nil, err
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: get %s: %w", kind, err)
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	}
	return nil, sqlkit.Ambiguous("postgres", kind, criteria)
}

// Insert implements [upsert.Store.Insert].
func (s *Store) Insert(ctx context.Context, rec record.Record) (record.Record, error) {
	return s.write(ctx, rec, false)
}

// InsertOrUpdate implements [upsert.Store.InsertOrUpdate] with
// INSERT … ON CONFLICT (key) DO UPDATE when the key is set.
func (s *Store) InsertOrUpdate(ctx context.Context, rec record.Record) (record.Record, error) {
	return s.write(ctx, rec, true)
}

func (s *Store) write(ctx context.Context, rec record.Record, onConflict bool) (record.Record, error) {
	schema, err := s.schema(rec.Kind())
	if err != nil {
		return nil, err
	}
	_, explicitKey := rec.Get(schema.Key())
	if !explicitKey && schema.KeyKind() == record.KeyText {
		if rec, err = rec.With(map[string]any{schema.Key(): uuid.NewString()}); err != nil {
			return nil, fmt.Errorf("postgres: assign key: %w", err)
		}
	}

	query, args, err := dialect.Insert(schema, rec, onConflict)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapWriteErr(rec.Kind(), err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, wrapWriteErr(rec.Kind(), err)
		}
		return nil, fmt.Errorf("postgres: write %s: no row returned", rec.Kind())
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("postgres: write %s scan: %w", rec.Kind(), err)
	}
	stored, err := dialect.Decode(schema, vals)
	if err != nil {
		return nil, err
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapWriteErr(rec.Kind(), err)
	}

	if explicitKey && schema.KeyKind() == record.KeySerial {
		s.advanceSequence(ctx, schema, stored)
	}
	return stored, nil
}

// advanceSequenceSQL moves the key column's sequence up to $3 unless it is
// already past it. setval ignores the NULL produced for columns without a
// sequence.
const advanceSequenceSQL = `SELECT setval(seq, $3::bigint)
FROM (SELECT pg_get_serial_sequence($1, $2)::regclass AS seq) AS s
WHERE $3::bigint > COALESCE(pg_sequence_last_value(seq), 0)`

// advanceSequence keeps generated keys clear of a key that was written
// explicitly. The row is already stored, so a failure is only logged.
func (s *Store) advanceSequence(ctx context.Context, schema *record.Schema, stored record.Record) {
	id, ok := stored.Get(schema.Key())
	if !ok {
		return
	}
	n, ok := record.Normalize(id).(int64)
	if !ok {
		return
	}
	if _, err := s.db.Exec(ctx, advanceSequenceSQL, dialect.Quote(schema.Kind), schema.Key(), n); err != nil {
		slog.Warn("postgres: failed to advance key sequence", "kind", schema.Kind, "id", n, "err", err)
	}
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
	var n int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count %s: %w", kind, err)
	}
	return int(n), nil
}

// Ping implements [upsert.Pinger] when the underlying DB supports it.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.db.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

func (s *Store) schema(kind string) (*record.Schema, error) {
	schema, err := s.reg.Lookup(kind)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w: %w", upsert.ErrInvalidRecord, err)
	}
	return schema, nil
}

// wrapWriteErr maps unique violations onto [upsert.ErrDuplicate].
func wrapWriteErr(kind string, err error) error {
	if isDuplicateKeyError(err) {
		return fmt.Errorf("postgres: %w: %s: %w", upsert.ErrDuplicate, kind, err)
	}
	return fmt.Errorf("postgres: write %s: %w", kind, err)
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
