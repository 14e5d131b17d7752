package upsert

import (
	"fmt"

	"github.com/MrWong99/recordkit/pkg/record"
)

// Merge returns base with every populated field of changes applied. Fields
// that changes leaves unset keep base's value. Neither argument is modified.
//
// Both records must be of the same kind; otherwise Merge returns
// [ErrInvalidRecord].
func Merge(base, changes record.Record) (record.Record, error) {
	if err := checkRecord(base); err != nil {
		return nil, err
	}
	if err := checkRecord(changes); err != nil {
		return nil, err
	}
	if base.Kind() != changes.Kind() {
		return nil, fmt.Errorf("%w: cannot merge %q onto %q", ErrInvalidRecord, changes.Kind(), base.Kind())
	}
	merged, err := base.With(changes.Fields())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return merged, nil
}
