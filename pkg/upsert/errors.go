package upsert

import (
	"errors"
	"fmt"
)

// ErrMissingSelectors is returned when a by-selector operation receives a nil
// or empty selector list. The store is never called in that case.
var ErrMissingSelectors = errors.New("upsert: missing selectors")

// ErrAmbiguousMatch is returned when lookup criteria match more than one
// stored record. Stores return it from [Store.GetBy]; the pipeline never
// picks one of several matches.
var ErrAmbiguousMatch = errors.New("upsert: ambiguous match")

// ErrInvalidRecord is returned when the input is not a usable record: nil,
// of an unrecognised kind, or missing a field named by a selector.
var ErrInvalidRecord = errors.New("upsert: invalid record")

// ErrStoreWrite matches every [*StoreWriteError] via [errors.Is].
var ErrStoreWrite = errors.New("upsert: store write failed")

// ErrDuplicate is returned by stores when a write violates a primary key or
// unique constraint. Callers usually see it wrapped in a [*StoreWriteError].
var ErrDuplicate = errors.New("upsert: duplicate record")

// errNoRecord is reported when a store write succeeds without returning a record.
var errNoRecord = errors.New("store returned no record")

// errNoTag is returned by the composers for a zero [Outcome].
var errNoTag = errors.New("upsert: outcome has no tag")

// StoreWriteError reports a rejected insert or insert-or-update. It matches
// both [ErrStoreWrite] and the store's own error via [errors.Is].
type StoreWriteError struct {
	// Op is the store operation that failed: "insert" or "insert_or_update".
	Op string

	// Kind is the kind of the record that was being written.
	Kind string

	// Err is the store's failure detail.
	Err error
}

// Error implements the error interface.
func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("upsert: %s %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both [ErrStoreWrite] and the wrapped store error.
func (e *StoreWriteError) Unwrap() []error {
	return []error{ErrStoreWrite, e.Err}
}

// writeError wraps err in a [*StoreWriteError] unless it already is one.
func writeError(op, kind string, err error) error {
	var swe *StoreWriteError
	if errors.As(err, &swe) {
		return err
	}
	return &StoreWriteError{Op: op, Kind: kind, Err: err}
}
