// Package record defines the schema-bearing record abstraction that flows
// through recordkit's lookup and write pipeline.
//
// A [Record] is an immutable value: every operation that changes field values
// returns a new record and leaves the receiver untouched. Concurrent callers
// that share a record can therefore never observe each other's changes.
//
// The package ships one concrete implementation, [Row], which pairs a
// [Schema] with a map of populated field values. Stores rebuild rows through a
// [Registry] that maps kind names to schemas.
package record

import "errors"

// DefaultPrimaryKey is the identifying field used when a [Schema] does not
// name one explicitly.
const DefaultPrimaryKey = "id"

// ErrUnknownField is returned when a field name is not defined by a schema.
var ErrUnknownField = errors.New("record: unknown field")

// ErrUnknownKind is returned by [Registry.Lookup] when no schema has been
// registered under the requested kind.
var ErrUnknownKind = errors.New("record: unknown kind")

// Record is one entity instance of a known kind.
//
// Implementations must be immutable from the caller's perspective and safe
// for concurrent reads.
type Record interface {
	// Kind returns the schema name used to route store calls.
	Kind() string

	// Has reports whether the record's schema defines field, regardless of
	// whether a value is currently set.
	Has(field string) bool

	// Get returns the value of field and whether it is set. A field that is
	// defined but nil reports false.
	Get(field string) (any, bool)

	// Fields returns a snapshot of all populated fields. The returned map is
	// owned by the caller.
	Fields() map[string]any

	// Blank returns a fresh record of the same kind with no values set.
	Blank() Record

	// With returns a copy of the record with changes applied. A nil value
	// clears the field. Unknown fields yield [ErrUnknownField].
	With(changes map[string]any) (Record, error)
}

// PrimaryKey returns the identifying field name for r. Records that expose a
// [Schema] use its key; all others fall back to [DefaultPrimaryKey].
func PrimaryKey(r Record) string {
	if s, ok := r.(interface{ Schema() *Schema }); ok && s.Schema() != nil {
		return s.Schema().Key()
	}
	return DefaultPrimaryKey
}

// ID returns the value of r's primary key and whether it is set.
func ID(r Record) (any, bool) {
	return r.Get(PrimaryKey(r))
}
