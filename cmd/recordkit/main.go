// Command recordkit serves the find-or-create / upsert pipeline over HTTP and
// runs one-off lookups, seed imports and migrations against the configured
// store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/recordkit/internal/app"
	"github.com/MrWong99/recordkit/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "recordkit: %v\n", err)
		return 1
	}
	return 0
}

// cli holds state shared by all subcommands. It is filled in by the root
// command's PersistentPreRunE.
type cli struct {
	configPath string
	logLevel   string

	cfg   *config.Config
	level *slog.LevelVar
}

func newRootCmd() *cobra.Command {
	c := &cli{level: new(slog.LevelVar)}

	root := &cobra.Command{
		Use:           "recordkit",
		Short:         "Find-or-create and upsert records against a configured store",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       app.Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(c),
		newFindCmd(c),
		newFindOrCreateCmd(c),
		newUpsertCmd(c),
		newImportCmd(c),
		newMigrateCmd(c),
	)
	return root
}

// load reads the configuration and installs the default logger.
func (c *cli) load(logOut io.Writer) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", c.configPath)
		}
		return err
	}
	if c.logLevel != "" {
		lvl := config.LogLevel(c.logLevel)
		if !lvl.IsValid() {
			return fmt.Errorf("--log-level %q is invalid; valid values: debug, info, warn, error", c.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	c.cfg = cfg

	c.level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: c.level})))
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        recordkit: startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Store", string(cfg.Store.Backend))
	printRow(w, "Kinds", fmt.Sprint(len(cfg.Schemas)))
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	printRow(w, "Log level", string(cfg.Server.LogLevel))
	if cfg.Seed.File != "" {
		printRow(w, "Seed file", cfg.Seed.File)
	}
	if cfg.Telemetry.DisableMetrics {
		printRow(w, "Metrics", "(disabled)")
	} else {
		printRow(w, "Metrics", "/metrics")
	}
	if cfg.Server.WatchInterval > 0 {
		printRow(w, "Config reload", cfg.Server.WatchInterval.String())
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", label, value)
}
