package upsert

import (
	"context"
	"time"

	"github.com/MrWong99/recordkit/pkg/record"
)

// Store is the backing store capability the pipeline calls into. It is the
// pipeline's entire external boundary: the pipeline never builds queries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// GetBy returns the single record of kind matching every criteria value.
	// It returns (nil, nil) when nothing matches and an error wrapping
	// [ErrAmbiguousMatch] when more than one record matches.
	GetBy(ctx context.Context, kind string, criteria Criteria) (record.Record, error)

	// Insert persists rec as a new record and returns it as stored, with a
	// generated primary key when rec had none. Constraint violations wrap
	// [ErrDuplicate].
	Insert(ctx context.Context, rec record.Record) (record.Record, error)

	// InsertOrUpdate inserts rec when its primary key is unset and otherwise
	// writes it over the record with that key, creating it if necessary.
	InsertOrUpdate(ctx context.Context, rec record.Record) (record.Record, error)
}

// Pinger is implemented by stores that can report their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter is implemented by stores that can count the records of a kind.
type Counter interface {
	Count(ctx context.Context, kind string) (int, error)
}

// Recorder receives pipeline measurements. internal/observe.Metrics
// satisfies it; a nil Recorder disables recording.
type Recorder interface {
	// RecordLookup counts one lookup by kind and outcome tag.
	RecordLookup(ctx context.Context, kind, outcome string)

	// RecordWrite counts one store write by kind, op and status.
	RecordWrite(ctx context.Context, kind, op, status string)

	// RecordOperation observes the duration of one pipeline entry point.
	RecordOperation(ctx context.Context, op string, d time.Duration, err error)
}
