package upsert

import (
	"fmt"

	"github.com/MrWong99/recordkit/pkg/record"
)

// Tag identifies the variant held by an [Outcome].
type Tag uint8

const (
	// TagNone is the zero value and never produced by the pipeline.
	TagNone Tag = iota

	// TagFound means the store returned an existing record.
	TagFound

	// TagNotFound means nothing matched; the outcome carries the candidate.
	TagNotFound

	// TagFailed means resolution or lookup failed; the outcome carries the error.
	TagFailed
)

// String returns the tag's metric label.
func (t Tag) String() string {
	switch t {
	case TagFound:
		return "found"
	case TagNotFound:
		return "not_found"
	case TagFailed:
		return "failed"
	}
	return "none"
}

// Outcome is the tagged result of the lookup stage: Found, NotFound or Failed.
// Composers branch on [Outcome.Tag] only and pass a Failed outcome's error
// through unchanged.
type Outcome struct {
	tag       Tag
	rec       record.Record
	candidate record.Record
	err       error
}

// Found returns an outcome for an existing record. candidate is the record
// the lookup was made for; it may be nil when only the existing record is
// known.
func Found(existing, candidate record.Record) Outcome {
	return Outcome{tag: TagFound, rec: existing, candidate: candidate}
}

// NotFound returns an outcome carrying the original candidate.
func NotFound(candidate record.Record) Outcome {
	return Outcome{tag: TagNotFound, rec: candidate, candidate: candidate}
}

// Failed returns an outcome carrying err.
func Failed(err error) Outcome {
	return Outcome{tag: TagFailed, err: err}
}

// Tag returns the variant tag.
func (o Outcome) Tag() Tag { return o.tag }

// Record returns the existing record for Found, the candidate for NotFound
// and nil for Failed.
func (o Outcome) Record() record.Record { return o.rec }

// Candidate returns the record the lookup was made for.
func (o Outcome) Candidate() record.Record { return o.candidate }

// Err returns the failure for Failed outcomes and nil otherwise.
func (o Outcome) Err() error { return o.err }

// Found reports whether o is a Found outcome.
func (o Outcome) Found() bool { return o.tag == TagFound }

// Result returns the outcome as a Go result pair. NotFound yields the
// candidate with a nil error.
func (o Outcome) Result() (record.Record, error) {
	if o.tag == TagNone {
		return nil, errNoTag
	}
	return o.rec, o.err
}

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o.tag {
	case TagFound, TagNotFound:
		return fmt.Sprintf("%s(%v)", o.tag, o.rec)
	case TagFailed:
		return fmt.Sprintf("failed(%v)", o.err)
	}
	return "none"
}
