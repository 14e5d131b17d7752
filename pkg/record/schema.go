package record

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// KeyType controls how stores generate primary key values for a schema.
type KeyType string

const (
	// KeySerial keys are integers assigned by the store in insertion order.
	KeySerial KeyType = "serial"

	// KeyText keys are opaque strings; stores generate UUIDs when absent.
	KeyText KeyType = "text"
)

// IsValid reports whether k is a recognised key type.
func (k KeyType) IsValid() bool {
	return k == KeySerial || k == KeyText
}

// FieldType is the storage type of a field. SQL stores derive column types
// from it; other stores ignore it.
type FieldType string

const (
	// TypeJSON values are stored as JSON documents. It is the default.
	TypeJSON FieldType = "json"

	// TypeString values are text.
	TypeString FieldType = "string"

	// TypeInt values are 64-bit integers.
	TypeInt FieldType = "int"

	// TypeFloat values are 64-bit floats.
	TypeFloat FieldType = "float"

	// TypeBool values are booleans.
	TypeBool FieldType = "bool"
)

// IsValid reports whether t is a recognised field type.
func (t FieldType) IsValid() bool {
	switch t {
	case TypeJSON, TypeString, TypeInt, TypeFloat, TypeBool:
		return true
	}
	return false
}

// Schema describes one record kind.
//
// A Schema must not be modified after it has been used to build rows or has
// been added to a [Registry].
type Schema struct {
	// Kind is the schema name. Stores use it as the table or key prefix.
	Kind string `yaml:"kind" json:"kind"`

	// PrimaryKey names the identifying field. Default: [DefaultPrimaryKey].
	PrimaryKey string `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`

	// KeyType controls primary key generation. Default: [KeySerial].
	KeyType KeyType `yaml:"key_type,omitempty" json:"key_type,omitempty"`

	// Fields lists every field the kind defines, including the primary key.
	// The primary key is added automatically when missing.
	Fields []string `yaml:"fields" json:"fields"`

	// Types assigns storage types to fields. Unlisted fields are
	// [TypeJSON]; the primary key type follows KeyType.
	Types map[string]FieldType `yaml:"types,omitempty" json:"types,omitempty"`

	// Unique lists field sets whose combined values must be unique across
	// all records of the kind.
	Unique [][]string `yaml:"unique,omitempty" json:"unique,omitempty"`
}

// NewSchema returns a validated schema with a serial primary key named
// [DefaultPrimaryKey].
func NewSchema(kind string, fields ...string) (*Schema, error) {
	s := &Schema{Kind: kind, Fields: fields}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s.normalized(), nil
}

// MustSchema is like [NewSchema] but panics on error. Intended for tests and
// package-level declarations.
func MustSchema(kind string, fields ...string) *Schema {
	s, err := NewSchema(kind, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Key returns the primary key field name.
func (s *Schema) Key() string {
	if s.PrimaryKey == "" {
		return DefaultPrimaryKey
	}
	return s.PrimaryKey
}

// KeyKind returns the effective key type.
func (s *Schema) KeyKind() KeyType {
	if s.KeyType == "" {
		return KeySerial
	}
	return s.KeyType
}

// TypeOf returns the storage type of field.
func (s *Schema) TypeOf(field string) FieldType {
	if field == s.Key() {
		if s.KeyKind() == KeyText {
			return TypeString
		}
		return TypeInt
	}
	if t, ok := s.Types[field]; ok {
		return t
	}
	return TypeJSON
}

// Has reports whether the schema defines field.
func (s *Schema) Has(field string) bool {
	return field == s.Key() || slices.Contains(s.Fields, field)
}

// Columns returns the field list with the primary key first.
func (s *Schema) Columns() []string {
	cols := make([]string, 0, len(s.Fields)+1)
	cols = append(cols, s.Key())
	for _, f := range s.Fields {
		if f != s.Key() {
			cols = append(cols, f)
		}
	}
	return cols
}

// Validate checks the schema for a usable kind name, well-formed field names
// and unique sets that only reference defined fields. It does not modify s.
func (s *Schema) Validate() error {
	var errs []error

	if !isIdentifier(s.Kind) {
		errs = append(errs, fmt.Errorf("kind %q must match [a-z_][a-z0-9_]*", s.Kind))
	}
	if s.PrimaryKey != "" && !isIdentifier(s.PrimaryKey) {
		errs = append(errs, fmt.Errorf("primary_key %q must match [a-z_][a-z0-9_]*", s.PrimaryKey))
	}
	if s.KeyType != "" && !s.KeyType.IsValid() {
		errs = append(errs, fmt.Errorf("key_type %q is invalid; valid values: serial, text", s.KeyType))
	}

	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if !isIdentifier(f) {
			errs = append(errs, fmt.Errorf("fields[%d] %q must match [a-z_][a-z0-9_]*", i, f))
		}
		if seen[f] {
			errs = append(errs, fmt.Errorf("fields[%d] %q is a duplicate", i, f))
		}
		seen[f] = true
	}

	for f, t := range s.Types {
		if !s.Has(f) {
			errs = append(errs, fmt.Errorf("types references unknown field %q", f))
		}
		if !t.IsValid() {
			errs = append(errs, fmt.Errorf("types.%s %q is invalid; valid values: json, string, int, float, bool", f, t))
		}
	}

	for i, set := range s.Unique {
		if len(set) == 0 {
			errs = append(errs, fmt.Errorf("unique[%d] must not be empty", i))
		}
		for _, f := range set {
			if !s.Has(f) {
				errs = append(errs, fmt.Errorf("unique[%d] references unknown field %q", i, f))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("record: schema %q: %w", s.Kind, errors.Join(errs...))
	}
	return nil
}

// normalized returns a copy of s whose field list starts with the primary
// key and contains it exactly once.
func (s *Schema) normalized() *Schema {
	c := *s
	c.Fields = s.Columns()
	c.Types = maps.Clone(s.Types)
	c.Unique = make([][]string, len(s.Unique))
	for i, set := range s.Unique {
		c.Unique[i] = slices.Clone(set)
	}
	return &c
}

// New builds a [Row] of this schema from values. Nil values are treated as
// unset. Unknown fields yield [ErrUnknownField].
func (s *Schema) New(values map[string]any) (*Row, error) {
	r := &Row{schema: s, values: make(map[string]any, len(values))}
	for k, v := range values {
		if !s.Has(k) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, s.Kind, k)
		}
		if v == nil {
			continue
		}
		r.values[k] = Normalize(v)
	}
	return r, nil
}

// MustNew is like [Schema.New] but panics on error.
func (s *Schema) MustNew(values map[string]any) *Row {
	r, err := s.New(values)
	if err != nil {
		panic(err)
	}
	return r
}

// isIdentifier reports whether name is safe to use as an SQL identifier
// without quoting.
func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
