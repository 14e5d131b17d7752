// Package upsert implements find, find-or-create and upsert for a single
// candidate record as a pipeline of small, independently usable stages:
//
//	candidate ─► Resolve ─► FindBy ─► Outcome ─► OrCreate / UpdateOrInsert ─► stored record
//
// [Resolve] turns a record and a selector list into lookup [Criteria].
// [Pipeline.FindBy] performs one [Store.GetBy] call and tags the result as
// Found, NotFound or Failed. [Pipeline.OrCreate] and [Pipeline.UpdateOrInsert]
// consume an [Outcome] and perform at most one write. The remaining entry
// points are compositions of those stages.
//
// The pipeline is synchronous and holds no state between calls. It does not
// serialise concurrent callers: a record inserted by another writer between
// the lookup and the write is reported by the store, typically as an
// [ErrDuplicate] wrapped in a [*StoreWriteError]. Errors are never retried.
package upsert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/recordkit/pkg/record"
)

// tracerName is the instrumentation scope for pipeline spans.
const tracerName = "github.com/MrWong99/recordkit/pkg/upsert"

// Pipeline binds a [Store] to the lookup and write stages. It is safe for
// concurrent use.
type Pipeline struct {
	store    Store
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLogger sets the logger used for lookup and write diagnostics.
// Default: [slog.Default] at call time.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithRecorder sets the metrics recorder. Default: none.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithTracer sets the tracer used for pipeline spans. Default: the global
// OpenTelemetry tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// New returns a pipeline backed by store.
func New(store Store, opts ...Option) *Pipeline {
	p := &Pipeline{store: store}
	for _, o := range opts {
		o(p)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	return p
}

// Store returns the store the pipeline is bound to.
func (p *Pipeline) Store() Store { return p.store }

// ─────────────────────────────────────────────────────────────────────────────
// Lookup stage
// ─────────────────────────────────────────────────────────────────────────────

// FindBy looks up the record matching rec on the given selectors.
//
// Resolver errors are returned unchanged as a Failed outcome without calling
// the store. A nil store result yields NotFound carrying rec itself.
func (p *Pipeline) FindBy(ctx context.Context, rec record.Record, sel Selectors) Outcome {
	ctx, done := p.begin(ctx, "find_by", rec)
	out := p.lookup(ctx, rec, sel)
	done(out.Err())
	return out
}

// Find looks rec up by its primary key. A record without a primary key value
// cannot match anything, so Find returns NotFound(rec) without calling the
// store. Find never fails with [ErrMissingSelectors].
func (p *Pipeline) Find(ctx context.Context, rec record.Record) Outcome {
	ctx, done := p.begin(ctx, "find", rec)
	out := p.findByKey(ctx, rec)
	done(out.Err())
	return out
}

func (p *Pipeline) findByKey(ctx context.Context, rec record.Record) Outcome {
	if err := checkRecord(rec); err != nil {
		return Failed(err)
	}
	if _, ok := record.ID(rec); !ok {
		p.recordLookup(ctx, rec.Kind(), TagNotFound)
		return NotFound(rec)
	}
	return p.lookup(ctx, rec, By(record.PrimaryKey(rec)))
}

func (p *Pipeline) lookup(ctx context.Context, rec record.Record, sel Selectors) Outcome {
	crit, err := Resolve(rec, sel)
	if err != nil {
		return Failed(err)
	}

	existing, err := p.store.GetBy(ctx, rec.Kind(), crit)
	switch {
	case err != nil:
		p.recordLookup(ctx, rec.Kind(), TagFailed)
		return Failed(fmt.Errorf("upsert: get %s by %v: %w", rec.Kind(), crit, err))
	case existing == nil:
		p.recordLookup(ctx, rec.Kind(), TagNotFound)
		p.log().DebugContext(ctx, "lookup: not found", "kind", rec.Kind(), "criteria", crit.String())
		return NotFound(rec)
	default:
		p.recordLookup(ctx, rec.Kind(), TagFound)
		p.log().DebugContext(ctx, "lookup: found", "kind", rec.Kind(), "criteria", crit.String())
		return Found(existing, rec)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Outcome composers
// ─────────────────────────────────────────────────────────────────────────────

// OrCreate completes find-or-create. Found returns the existing record
// without writing; NotFound inserts the candidate; Failed returns its error
// unchanged.
func (p *Pipeline) OrCreate(ctx context.Context, out Outcome) (record.Record, error) {
	switch out.Tag() {
	case TagFound:
		return out.Record(), nil
	case TagNotFound:
		return p.write(ctx, opInsert, out.Record())
	case TagFailed:
		return nil, out.Err()
	}
	return nil, errNoTag
}

// UpdateOrInsert completes upsert. Found merges the candidate's populated
// fields onto the existing record, keeping the existing primary key so the
// matched record is the one that gets updated; NotFound merges the candidate onto a blank
// record of its kind. Both hand the merged record to
// [Store.InsertOrUpdate], which decides between insert and update. Failed
// returns its error unchanged.
func (p *Pipeline) UpdateOrInsert(ctx context.Context, out Outcome) (record.Record, error) {
	var (
		merged record.Record
		err    error
	)
	switch out.Tag() {
	case TagFound:
		merged = out.Record()
		if c := out.Candidate(); c != nil {
			merged, err = mergeKeepingKey(out.Record(), c)
		}
	case TagNotFound:
		if err := checkRecord(out.Record()); err != nil {
			return nil, err
		}
		merged, err = Merge(out.Record().Blank(), out.Record())
	case TagFailed:
		return nil, out.Err()
	default:
		return nil, errNoTag
	}
	if err != nil {
		return nil, err
	}
	return p.write(ctx, opInsertOrUpdate, merged)
}

// mergeKeepingKey merges candidate onto existing without touching existing's
// primary key. A candidate matched on other selectors may carry a different
// key; writing it would insert a second record instead of updating the match.
func mergeKeepingKey(existing, candidate record.Record) (record.Record, error) {
	if err := checkRecord(candidate); err != nil {
		return nil, err
	}
	key := record.PrimaryKey(existing)
	if _, ok := candidate.Get(key); ok {
		stripped, err := candidate.With(map[string]any{key: nil})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		candidate = stripped
	}
	return Merge(existing, candidate)
}

const (
	opInsert         = "insert"
	opInsertOrUpdate = "insert_or_update"
)

func (p *Pipeline) write(ctx context.Context, op string, rec record.Record) (record.Record, error) {
	if err := checkRecord(rec); err != nil {
		return nil, err
	}
	var (
		stored record.Record
		err    error
	)
	if op == opInsert {
		stored, err = p.store.Insert(ctx, rec)
	} else {
		stored, err = p.store.InsertOrUpdate(ctx, rec)
	}
	if err == nil && stored == nil {
		err = errNoRecord
	}
	if err != nil {
		p.recordWrite(ctx, rec.Kind(), op, "error")
		p.log().WarnContext(ctx, "store write failed", "kind", rec.Kind(), "op", op, "err", err)
		return nil, writeError(op, rec.Kind(), err)
	}
	p.recordWrite(ctx, rec.Kind(), op, "ok")
	return stored, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Entry points
// ─────────────────────────────────────────────────────────────────────────────

// FindOrCreateBy returns the record matching rec on sel, inserting rec when
// none exists.
func (p *Pipeline) FindOrCreateBy(ctx context.Context, rec record.Record, sel Selectors) (record.Record, error) {
	ctx, done := p.begin(ctx, "find_or_create_by", rec)
	stored, err := p.OrCreate(ctx, p.lookup(ctx, rec, sel))
	done(err)
	return stored, err
}

// FindOrCreate returns the record with rec's primary key, inserting rec when
// none exists or rec has no key.
func (p *Pipeline) FindOrCreate(ctx context.Context, rec record.Record) (record.Record, error) {
	ctx, done := p.begin(ctx, "find_or_create", rec)
	stored, err := p.OrCreate(ctx, p.findByKey(ctx, rec))
	done(err)
	return stored, err
}

// UpsertBy merges rec onto the record matching it on sel and writes the
// result, or inserts rec when nothing matches.
func (p *Pipeline) UpsertBy(ctx context.Context, rec record.Record, sel Selectors) (record.Record, error) {
	ctx, done := p.begin(ctx, "upsert_by", rec)
	stored, err := p.UpdateOrInsert(ctx, p.lookup(ctx, rec, sel))
	done(err)
	return stored, err
}

// Upsert is UpsertBy on rec's primary key. A record without a key value is
// inserted as new without a lookup.
func (p *Pipeline) Upsert(ctx context.Context, rec record.Record) (record.Record, error) {
	ctx, done := p.begin(ctx, "upsert", rec)
	stored, err := p.UpdateOrInsert(ctx, p.findByKey(ctx, rec))
	done(err)
	return stored, err
}

// ─────────────────────────────────────────────────────────────────────────────
// Instrumentation
// ─────────────────────────────────────────────────────────────────────────────

// begin starts a span for op and returns a function that ends it and records
// the operation duration.
func (p *Pipeline) begin(ctx context.Context, op string, rec record.Record) (context.Context, func(error)) {
	start := time.Now()
	kind := ""
	if checkRecord(rec) == nil {
		kind = rec.Kind()
	}
	ctx, span := p.tracer.Start(ctx, "upsert."+op,
		trace.WithAttributes(
			attribute.String("recordkit.op", op),
			attribute.String("recordkit.kind", kind),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if p.recorder != nil {
			p.recorder.RecordOperation(ctx, op, time.Since(start), err)
		}
	}
}

func (p *Pipeline) recordLookup(ctx context.Context, kind string, tag Tag) {
	if p.recorder != nil {
		p.recorder.RecordLookup(ctx, kind, tag.String())
	}
}

func (p *Pipeline) recordWrite(ctx context.Context, kind, op, status string) {
	if p.recorder != nil {
		p.recorder.RecordWrite(ctx, kind, op, status)
	}
}

func (p *Pipeline) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}
