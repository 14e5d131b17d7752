package upsert

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/MrWong99/recordkit/pkg/record"
)

// Selectors is an ordered list of field names identifying a record.
// Duplicates are tolerated.
type Selectors []string

// By builds a selector list. A single name is a one-element list.
func By(fields ...string) Selectors {
	return Selectors(fields)
}

// String renders the list as [a b c].
func (s Selectors) String() string {
	return "[" + strings.Join(s, " ") + "]"
}

// Criteria is the resolved field → value mapping used for a lookup. Fields
// whose value was nil or absent on the candidate are not present.
type Criteria map[string]any

// Fields returns the criteria field names in lexical order.
func (c Criteria) Fields() []string {
	return slices.Sorted(maps.Keys(c))
}

// Matches reports whether r carries every criteria value. Empty criteria
// match every record.
func (c Criteria) Matches(r record.Record) bool {
	for f, want := range c {
		got, ok := r.Get(f)
		if !ok || !record.ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// String renders the criteria with fields in lexical order.
func (c Criteria) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range c.Fields() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%v", f, c[f])
	}
	b.WriteByte('}')
	return b.String()
}

// Resolve builds lookup criteria from rec for the given selectors.
//
// It returns [ErrMissingSelectors] for an empty list and [ErrInvalidRecord]
// when rec is nil or does not define one of the selector fields. Selector
// fields that are defined but unset are left out of the result; when every
// selector is unset the result is empty and it is up to the store to decide
// what an empty lookup matches.
func Resolve(rec record.Record, sel Selectors) (Criteria, error) {
	if len(sel) == 0 {
		return nil, ErrMissingSelectors
	}
	if err := checkRecord(rec); err != nil {
		return nil, err
	}

	crit := make(Criteria, len(sel))
	for _, f := range sel {
		if !rec.Has(f) {
			return nil, fmt.Errorf("%w: kind %q has no field %q", ErrInvalidRecord, rec.Kind(), f)
		}
		if v, ok := rec.Get(f); ok {
			crit[f] = v
		}
	}
	return crit, nil
}

// checkRecord rejects nil records, including typed nil pointers, and records
// without a kind.
func checkRecord(rec record.Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if v := reflect.ValueOf(rec); v.Kind() == reflect.Pointer && v.IsNil() {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if rec.Kind() == "" {
		return fmt.Errorf("%w: record has no kind", ErrInvalidRecord)
	}
	return nil
}
