package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/recordkit/internal/app"
	"github.com/MrWong99/recordkit/internal/seed"
	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
)

// ── serve ─────────────────────────────────────────────────────────────────────

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			printStartupSummary(cmd.OutOrStdout(), c.cfg)

			application, err := app.New(ctx, c.cfg,
				app.WithLevelVar(c.level),
				app.WithConfigPath(c.configPath),
			)
			if err != nil {
				return err
			}

			slog.Info("server ready, press Ctrl+C to shut down")
			runErr := application.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout+5*time.Second)
			defer cancel()
			if err := application.Shutdown(shutdownCtx); err != nil {
				return errors.Join(runErr, err)
			}
			slog.Info("goodbye")
			return runErr
		},
	}
}

// ── find / find-or-create / upsert ────────────────────────────────────────────

// recordFlags are the flags shared by the single-record commands.
type recordFlags struct {
	kind string
	by   []string
	set  []string
}

func (f *recordFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.kind, "kind", "k", "", "record kind")
	cmd.Flags().StringSliceVar(&f.by, "by", nil, "selector fields; omit to match on the primary key")
	cmd.Flags().StringArrayVarP(&f.set, "set", "s", nil, "field value as field=value; values are parsed as YAML")
	_ = cmd.MarkFlagRequired("kind")
}

// result is printed by the single-record commands.
type result struct {
	Outcome string        `json:"outcome"`
	Record  record.Record `json:"record,omitempty"`
}

func newFindCmd(c *cli) *cobra.Command {
	f := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Look up one record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withPipeline(cmd.Context(), func(p *upsert.Pipeline, reg *record.Registry) error {
				rec, err := f.record(reg)
				if err != nil {
					return err
				}
				out := f.lookup(cmd.Context(), p, rec)
				if out.Err() != nil {
					return out.Err()
				}
				if !out.Found() {
					return printResult(cmd.OutOrStdout(), result{Outcome: "not_found"})
				}
				return printResult(cmd.OutOrStdout(), result{Outcome: "found", Record: out.Record()})
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newFindOrCreateCmd(c *cli) *cobra.Command {
	f := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "find-or-create",
		Short: "Return the matching record or insert a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withPipeline(cmd.Context(), func(p *upsert.Pipeline, reg *record.Registry) error {
				rec, err := f.record(reg)
				if err != nil {
					return err
				}
				out := f.lookup(cmd.Context(), p, rec)
				stored, err := p.OrCreate(cmd.Context(), out)
				if err != nil {
					return err
				}
				outcome := "created"
				if out.Found() {
					outcome = "found"
				}
				return printResult(cmd.OutOrStdout(), result{Outcome: outcome, Record: stored})
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newUpsertCmd(c *cli) *cobra.Command {
	f := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Merge values into the matching record or insert a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withPipeline(cmd.Context(), func(p *upsert.Pipeline, reg *record.Registry) error {
				rec, err := f.record(reg)
				if err != nil {
					return err
				}
				out := f.lookup(cmd.Context(), p, rec)
				stored, err := p.UpdateOrInsert(cmd.Context(), out)
				if err != nil {
					return err
				}
				outcome := "created"
				if out.Found() {
					outcome = "updated"
				}
				return printResult(cmd.OutOrStdout(), result{Outcome: outcome, Record: stored})
			})
		},
	}
	f.register(cmd)
	return cmd
}

// record builds the candidate from --kind and --set.
func (f *recordFlags) record(reg *record.Registry) (record.Record, error) {
	schema, err := reg.Lookup(f.kind)
	if err != nil {
		return nil, err
	}
	values, err := parseSet(f.set)
	if err != nil {
		return nil, err
	}
	return schema.New(values)
}

// lookup matches on --by, or on the primary key when --by is absent.
func (f *recordFlags) lookup(ctx context.Context, p *upsert.Pipeline, rec record.Record) upsert.Outcome {
	if len(f.by) == 0 {
		return p.Find(ctx, rec)
	}
	return p.FindBy(ctx, rec, upsert.By(f.by...))
}

// parseSet turns field=value pairs into a value map. Values are YAML, so
// 11 is an integer, true a boolean, [a, b] a list and null unsets the field.
func parseSet(pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		field, raw, ok := strings.Cut(pair, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("--set %q: want field=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("--set %s: %w", field, err)
		}
		values[field] = v
	}
	return values, nil
}

func printResult(w io.Writer, r result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// ── import ────────────────────────────────────────────────────────────────────

func newImportCmd(c *cli) *cobra.Command {
	var (
		upsertMode  bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := seed.ReadFile(args[0])
			if err != nil {
				return err
			}
			mode := seed.FindOrCreate
			if upsertMode {
				mode = seed.Upsert
			}
			return c.withPipeline(cmd.Context(), func(p *upsert.Pipeline, reg *record.Registry) error {
				results, err := seed.Import(cmd.Context(), p, reg, f,
					seed.WithMode(mode),
					seed.WithConcurrency(concurrency),
				)
				failed := 0
				for _, r := range results {
					if r.Err != nil {
						failed++
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d records (%s)\n", len(results)-failed, len(results), mode)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&upsertMode, "upsert", false, "merge values into existing records instead of leaving them untouched")
	cmd.Flags().IntVar(&concurrency, "concurrency", seed.DefaultConcurrency, "maximum number of records imported in parallel")
	return cmd
}

// ── migrate ───────────────────────────────────────────────────────────────────

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and indexes for every configured kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(s upsert.Store, reg *record.Registry) error {
				m, ok := s.(interface{ Migrate(context.Context) error })
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s backend needs no migration\n", c.cfg.Store.Backend)
					return nil
				}
				if err := m.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %d kinds: %s\n", len(reg.Kinds()), strings.Join(reg.Kinds(), ", "))
				return nil
			})
		},
	}
}

// ── Store helpers ─────────────────────────────────────────────────────────────

// withStore opens the configured store, runs fn and closes the store.
func (c *cli) withStore(ctx context.Context, fn func(upsert.Store, *record.Registry) error) error {
	reg, err := c.cfg.RecordRegistry()
	if err != nil {
		return err
	}
	opened, err := app.BuiltinBackends().Open(ctx, c.cfg.Store, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := opened.Close(); err != nil {
			slog.Warn("store close error", "backend", c.cfg.Store.Backend, "err", err)
		}
	}()
	return fn(opened.Store, reg)
}

// withPipeline is withStore with a pipeline logging to the default logger.
func (c *cli) withPipeline(ctx context.Context, fn func(*upsert.Pipeline, *record.Registry) error) error {
	return c.withStore(ctx, func(s upsert.Store, reg *record.Registry) error {
		return fn(upsert.New(s, upsert.WithLogger(slog.Default())), reg)
	})
}
