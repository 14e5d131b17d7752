// Package sqlkit builds the SQL statements and value conversions shared by
// the relational stores. Each record kind maps to one table named after the
// kind, with one column per schema field.
package sqlkit

import (
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
)

// Dialect captures what differs between the relational backends.
type Dialect struct {
	// Placeholder is the bind parameter format.
	Placeholder sq.PlaceholderFormat

	// Quote quotes an identifier.
	Quote func(string) string

	// ColumnType maps a field type to a column type.
	ColumnType func(record.FieldType) string

	// KeyColumn returns the column definition of a primary key.
	KeyColumn func(record.KeyType) string

	// JSONAsText reports whether JSON columns are read back as text that
	// still has to be decoded.
	JSONAsText bool
}

// Select returns a query for at most limit rows of s matching crit. A limit
// of 0 means no limit.
func (d Dialect) Select(s *record.Schema, crit upsert.Criteria, limit uint64) (string, []any, error) {
	q := sq.Select(d.columns(s)...).From(d.Quote(s.Kind)).PlaceholderFormat(d.Placeholder)
	if len(crit) > 0 {
		eq := make(sq.Eq, len(crit))
		for _, f := range crit.Fields() {
			if !s.Has(f) {
				return "", nil, fmt.Errorf("%w: kind %q has no field %q", upsert.ErrInvalidRecord, s.Kind, f)
			}
			v, err := Encode(s, f, crit[f])
			if err != nil {
				return "", nil, err
			}
			eq[d.Quote(f)] = v
		}
		q = q.Where(eq)
	}
	q = q.OrderBy(d.Quote(s.Key()))
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q.ToSql()
}

// Insert returns an INSERT … RETURNING statement for rec. When onConflict is
// true and rec's key is set, the statement overwrites the row with that key.
// Unset non-key fields are written as NULL so that the stored row matches rec.
func (d Dialect) Insert(s *record.Schema, rec record.Record, onConflict bool) (string, []any, error) {
	values := rec.Fields()
	_, hasKey := values[s.Key()]

	var (
		cols []string
		args []any
	)
	for _, f := range s.Columns() {
		v, ok := values[f]
		if f == s.Key() && !ok {
			continue
		}
		if !ok && !onConflict {
			continue
		}
		enc, err := Encode(s, f, v)
		if err != nil {
			return "", nil, err
		}
		cols = append(cols, d.Quote(f))
		args = append(args, enc)
	}

	returning := "RETURNING " + strings.Join(d.columns(s), ", ")
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES %s", d.Quote(s.Kind), returning), nil, nil
	}

	q := sq.Insert(d.Quote(s.Kind)).Columns(cols...).Values(args...).PlaceholderFormat(d.Placeholder)
	if onConflict && hasKey {
		q = q.Suffix(d.conflictClause(s) + " " + returning)
	} else {
		q = q.Suffix(returning)
	}
	return q.ToSql()
}

// Count returns a row count query for s.
func (d Dialect) Count(s *record.Schema) (string, []any, error) {
	return sq.Select("COUNT(*)").From(d.Quote(s.Kind)).PlaceholderFormat(d.Placeholder).ToSql()
}

// DDL returns the statements creating the table and unique indexes for s.
func (d Dialect) DDL(s *record.Schema) []string {
	defs := make([]string, 0, len(s.Fields)+1)
	defs = append(defs, d.Quote(s.Key())+" "+d.KeyColumn(s.KeyKind()))
	for _, f := range s.Columns()[1:] {
		defs = append(defs, d.Quote(f)+" "+d.ColumnType(s.TypeOf(f)))
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		d.Quote(s.Kind), strings.Join(defs, ",\n    "))}
	for _, set := range s.Unique {
		cols := make([]string, len(set))
		for i, f := range set {
			cols[i] = d.Quote(f)
		}
		name := s.Kind + "_" + strings.Join(set, "_") + "_key"
		stmts = append(stmts, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			d.Quote(name), d.Quote(s.Kind), strings.Join(cols, ", ")))
	}
	return stmts
}

func (d Dialect) conflictClause(s *record.Schema) string {
	cols := s.Columns()
	sets := make([]string, 0, len(cols))
	for _, f := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", d.Quote(f), d.Quote(f)))
	}
	if len(sets) == 0 {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", d.Quote(s.Key()), d.Quote(s.Key())))
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", d.Quote(s.Key()), strings.Join(sets, ", "))
}

func (d Dialect) columns(s *record.Schema) []string {
	cols := s.Columns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = d.Quote(c)
	}
	return out
}

// Encode converts a field value to a bind argument. JSON fields are
// marshalled to their text form; nil stays nil.
func Encode(s *record.Schema, field string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s.TypeOf(field) != record.TypeJSON {
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sqlkit: encode %s.%s: %w", s.Kind, field, err)
	}
	return string(b), nil
}

// Decode builds a row of s from one result row whose columns are in
// [record.Schema.Columns] order.
func (d Dialect) Decode(s *record.Schema, vals []any) (*record.Row, error) {
	cols := s.Columns()
	if len(vals) != len(cols) {
		return nil, fmt.Errorf("sqlkit: decode %s: got %d values for %d columns", s.Kind, len(vals), len(cols))
	}
	values := make(map[string]any, len(cols))
	for i, f := range cols {
		v, err := d.decodeValue(s, f, vals[i])
		if err != nil {
			return nil, err
		}
		if v != nil {
			values[f] = v
		}
	}
	return s.New(values)
}

func (d Dialect) decodeValue(s *record.Schema, field string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch s.TypeOf(field) {
	case record.TypeJSON:
		if !d.JSONAsText {
			return record.Normalize(v), nil
		}
		var raw []byte
		switch t := v.(type) {
		case string:
			raw = []byte(t)
		case []byte:
			raw = t
		default:
			return record.Normalize(v), nil
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("sqlkit: decode %s.%s: %w", s.Kind, field, err)
		}
		return record.Normalize(out), nil
	case record.TypeBool:
		if n, ok := record.Normalize(v).(int64); ok {
			return n != 0, nil
		}
	}
	return record.Normalize(v), nil
}

// Ambiguous returns the error reported when more than one row matches.
func Ambiguous(store, kind string, crit upsert.Criteria) error {
	return fmt.Errorf("%s: %w: more than one %s record matches %v", store, upsert.ErrAmbiguousMatch, kind, crit)
}
