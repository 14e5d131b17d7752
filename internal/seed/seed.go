// Package seed imports records from a YAML seed file through the
// find-or-create or upsert pipeline.
//
// A seed file lists entries of the form
//
//	records:
//	  - kind: users
//	    by: [first_name, last_name]
//	    values: { first_name: Harry, last_name: Potter, age: 11 }
//
// Entries without "by" are matched by primary key. Every entry is one
// independent pipeline call; entries run concurrently up to a limit, so
// entries that must not race should differ in their selectors or rely on a
// unique constraint of the store.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/recordkit/internal/observe"
	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
)

// DefaultConcurrency is the number of entries imported in parallel.
const DefaultConcurrency = 8

// Mode selects the pipeline entry point used for every entry.
type Mode int

const (
	// FindOrCreate leaves existing records untouched.
	FindOrCreate Mode = iota

	// Upsert merges entry values into existing records.
	Upsert
)

func (m Mode) String() string {
	if m == Upsert {
		return "upsert"
	}
	return "find_or_create"
}

// Entry is one record of a seed file.
type Entry struct {
	Kind   string         `yaml:"kind"`
	By     []string       `yaml:"by,omitempty"`
	Values map[string]any `yaml:"values"`
}

// File is a parsed seed file.
type File struct {
	Records []Entry `yaml:"records"`
}

// Parse decodes a seed file from r.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("seed: decode yaml: %w", err)
	}
	return f, nil
}

// ReadFile parses the seed file at path.
func ReadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("seed: open %q: %w", path, err)
	}
	defer fh.Close()
	return Parse(fh)
}

// Result reports what happened to one entry.
type Result struct {
	// Index is the entry's position in the file.
	Index int

	// Kind is the entry's record kind.
	Kind string

	// Record is the stored record; nil when Err is set.
	Record record.Record

	// Err is the entry's failure, if any.
	Err error
}

// Option configures [Import].
type Option func(*importer)

// WithMode selects the pipeline entry point. Default: [FindOrCreate].
func WithMode(m Mode) Option {
	return func(im *importer) { im.mode = m }
}

// WithConcurrency bounds the number of entries imported in parallel.
func WithConcurrency(n int) Option {
	return func(im *importer) {
		if n > 0 {
			im.limit = n
		}
	}
}

// WithMetrics counts imported entries.
func WithMetrics(m *observe.Metrics) Option {
	return func(im *importer) { im.metrics = m }
}

type importer struct {
	p       *upsert.Pipeline
	reg     *record.Registry
	mode    Mode
	limit   int
	metrics *observe.Metrics
}

// Import runs every entry of f through p. It returns one result per entry in
// file order and an error joining all entry failures. Cancelling ctx stops
// scheduling new entries.
func Import(ctx context.Context, p *upsert.Pipeline, reg *record.Registry, f *File, opts ...Option) ([]Result, error) {
	im := &importer{p: p, reg: reg, limit: DefaultConcurrency}
	for _, o := range opts {
		o(im)
	}

	ctx, span := observe.StartSpan(ctx, "seed.import",
		trace.WithAttributes(
			attribute.String("recordkit.seed.mode", im.mode.String()),
			attribute.Int("recordkit.seed.entries", len(f.Records)),
		),
	)

	results := make([]Result, len(f.Records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.limit)
	for i, e := range f.Records {
		results[i] = Result{Index: i, Kind: e.Kind}
		if gctx.Err() != nil {
			results[i].Err = gctx.Err()
			continue
		}
		g.Go(func() error {
			results[i].Record, results[i].Err = im.entry(gctx, e)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("seed: records[%d] (%s): %w", r.Index, r.Kind, r.Err))
		}
	}
	err := errors.Join(errs...)
	observe.EndSpan(span, err)

	observe.Logger(ctx).Info("seed import finished",
		"mode", im.mode.String(),
		"entries", len(results),
		"failed", len(errs),
	)
	return results, err
}

func (im *importer) entry(ctx context.Context, e Entry) (rec record.Record, err error) {
	defer func() {
		if im.metrics != nil {
			im.metrics.RecordSeed(ctx, e.Kind, err)
		}
		if err != nil {
			slog.DebugContext(ctx, "seed entry failed", "kind", e.Kind, "err", err)
		}
	}()

	schema, err := im.reg.Lookup(e.Kind)
	if err != nil {
		return nil, err
	}
	candidate, err := schema.New(e.Values)
	if err != nil {
		return nil, err
	}

	switch {
	case im.mode == Upsert && e.By == nil:
		return im.p.Upsert(ctx, candidate)
	case im.mode == Upsert:
		return im.p.UpsertBy(ctx, candidate, upsert.By(e.By...))
	case e.By == nil:
		return im.p.FindOrCreate(ctx, candidate)
	default:
		return im.p.FindOrCreateBy(ctx, candidate, upsert.By(e.By...))
	}
}
