package record

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Compile-time assertion that Row satisfies the Record interface.
var _ Record = (*Row)(nil)

// Row is the map-backed [Record] implementation. Build one with
// [Schema.New]; the zero value is not usable.
type Row struct {
	schema *Schema
	values map[string]any
}

// Schema returns the schema the row was built from.
func (r *Row) Schema() *Schema { return r.schema }

// Kind implements [Record.Kind].
func (r *Row) Kind() string { return r.schema.Kind }

// Has implements [Record.Has].
func (r *Row) Has(field string) bool { return r.schema.Has(field) }

// Get implements [Record.Get].
func (r *Row) Get(field string) (any, bool) {
	v, ok := r.values[field]
	return v, ok && v != nil
}

// Fields implements [Record.Fields].
func (r *Row) Fields() map[string]any {
	return maps.Clone(r.values)
}

// Blank implements [Record.Blank].
func (r *Row) Blank() Record {
	return &Row{schema: r.schema, values: map[string]any{}}
}

// With implements [Record.With].
func (r *Row) With(changes map[string]any) (Record, error) {
	next := &Row{schema: r.schema, values: maps.Clone(r.values)}
	if next.values == nil {
		next.values = map[string]any{}
	}
	for k, v := range changes {
		if !r.schema.Has(k) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, r.schema.Kind, k)
		}
		if v == nil {
			delete(next.values, k)
			continue
		}
		next.values[k] = Normalize(v)
	}
	return next, nil
}

// Equal reports whether r and other are of the same kind and carry the same
// populated values.
func (r *Row) Equal(other Record) bool {
	if other == nil || r.Kind() != other.Kind() {
		return false
	}
	ov := other.Fields()
	if len(ov) != len(r.values) {
		return false
	}
	for k, v := range r.values {
		if !ValuesEqual(v, ov[k]) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the populated fields as a JSON object.
func (r *Row) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.values)
}

// MarshalYAML encodes the populated fields as a YAML mapping.
func (r *Row) MarshalYAML() (any, error) {
	return r.values, nil
}

// String renders the row as kind{field:value ...} with fields in schema order.
func (r *Row) String() string {
	var b strings.Builder
	b.WriteString(r.schema.Kind)
	b.WriteByte('{')
	first := true
	for _, f := range r.schema.Columns() {
		v, ok := r.values[f]
		if !ok {
			continue
		}
		if !first {
			b.WriteByte(' ')
		}
		first = false
		fmt.Fprintf(&b, "%s:%v", f, v)
	}
	b.WriteByte('}')
	return b.String()
}

// SortedFields returns the populated field names in lexical order.
func SortedFields(r Record) []string {
	return slices.Sorted(maps.Keys(r.Fields()))
}
