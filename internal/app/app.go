// Package app wires the recordkit subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the store, sets up
// telemetry, the lookup pipeline and the HTTP API, and imports the seed
// file; Run serves requests until the context is cancelled; Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithListener, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/recordkit/internal/config"
	"github.com/MrWong99/recordkit/internal/health"
	"github.com/MrWong99/recordkit/internal/httpapi"
	"github.com/MrWong99/recordkit/internal/observe"
	"github.com/MrWong99/recordkit/internal/resilience"
	"github.com/MrWong99/recordkit/internal/seed"
	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
)

// Version is reported as the OTel service.version. It is set by the linker.
var Version = "dev"

// App owns all subsystem lifetimes of the recordkit server.
type App struct {
	cfg        *config.Config
	configPath string
	backends   *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	reg      *record.Registry
	store    upsert.Store
	pipeline *upsert.Pipeline
	metrics  *observe.Metrics
	provider *observe.Provider
	health   *health.Handler
	server   *http.Server
	listener net.Listener
	watcher  *config.Watcher
	level    *slog.LevelVar

	// reloadMu serialises config reloads.
	reloadMu sync.Mutex

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening the configured backend.
func WithStore(s upsert.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBackends replaces the registry used to open the configured backend.
func WithBackends(r *config.Registry) Option {
	return func(a *App) { a.backends = r }
}

// WithListener makes Run serve on ln instead of listening on
// cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithLevelVar lets config reloads change the level of the logger that
// main installed.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables polling path for changes when
// cfg.Server.WatchInterval is set.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It performs all
// initialisation synchronously: store connection, telemetry setup, seed
// import and HTTP handler assembly. On error, everything opened so far is
// closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.backends == nil {
		a.backends = BuiltinBackends()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}

	if err := a.init(ctx); err != nil {
		a.runClosers()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Schemas ───────────────────────────────────────────────────────
	reg, err := a.cfg.RecordRegistry()
	if err != nil {
		return fmt.Errorf("app: build registry: %w", err)
	}
	a.reg = reg

	// ── 2. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 3. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return fmt.Errorf("app: init store: %w", err)
	}

	// ── 4. Pipeline ──────────────────────────────────────────────────────
	popts := []upsert.Option{upsert.WithTracer(observe.Tracer())}
	if !a.cfg.Telemetry.DisableMetrics {
		popts = append(popts, upsert.WithRecorder(a.metrics))
	}
	a.pipeline = upsert.New(a.store, popts...)

	// ── 5. Seed ──────────────────────────────────────────────────────────
	if err := a.importSeed(ctx); err != nil {
		return fmt.Errorf("app: seed: %w", err)
	}

	// ── 6. HTTP ──────────────────────────────────────────────────────────
	a.health = health.New(health.StoreChecker(a.store))
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 7. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" && a.cfg.Server.WatchInterval > 0 {
		w, err := config.NewWatcher(a.configPath, a.Reload, config.WithInterval(a.cfg.Server.WatchInterval))
		if err != nil {
			return fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured backend unless a store was injected and
// puts the circuit breaker in front of it.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		opened, err := a.backends.Open(ctx, a.cfg.Store, a.reg)
		if err != nil {
			return err
		}
		a.store = opened.Store
		a.closers = append(a.closers, opened.Close)
		slog.Info("store opened", "backend", a.cfg.Store.Backend, "kinds", a.reg.Kinds())
	}

	bc := a.cfg.Store.Breaker
	if bc.Disabled {
		return nil
	}
	a.store = resilience.NewStore(a.store, resilience.CircuitBreakerConfig{
		Name:         "store/" + string(a.cfg.Store.Backend),
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		OnStateChange: func(_, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), to.String())
		},
	})
	return nil
}

// initTelemetry sets up the OTel providers and the metric instruments.
// With metrics disabled the instruments record into a no-op provider so
// that the HTTP middleware still traces requests.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.cfg.Telemetry.DisableMetrics {
		m, err := observe.NewMetrics(noop.NewMeterProvider())
		if err != nil {
			return err
		}
		a.metrics = m
		return nil
	}

	p, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRatio:    a.cfg.Telemetry.SampleRatio,
		Registry:       prometheus.NewRegistry(),
	})
	if err != nil {
		return err
	}
	a.provider = p
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.Shutdown(ctx)
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// importSeed imports cfg.Seed.File. Entry failures are logged; only an
// unreadable file aborts startup.
func (a *App) importSeed(ctx context.Context) error {
	if a.cfg.Seed.File == "" {
		return nil
	}
	f, err := seed.ReadFile(a.cfg.Seed.File)
	if err != nil {
		return err
	}
	mode := seed.FindOrCreate
	if a.cfg.Seed.Upsert {
		mode = seed.Upsert
	}
	if _, err := seed.Import(ctx, a.pipeline, a.reg, f, seed.WithMode(mode), seed.WithMetrics(a.metrics)); err != nil {
		slog.Warn("seed import incomplete", "file", a.cfg.Seed.File, "err", err)
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Pipeline returns the lookup pipeline used by the HTTP API.
func (a *App) Pipeline() *upsert.Pipeline { return a.pipeline }

// Registry returns the record kinds the server knows about.
func (a *App) Registry() *record.Registry { return a.reg }

// Handler returns the root HTTP handler: the record API, health probes and,
// unless disabled, the Prometheus scrape endpoint, all wrapped in the
// tracing and metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	httpapi.New(a.pipeline, a.reg).Register(mux)
	a.health.Register(mux)
	if a.provider != nil {
		mux.Handle("GET /metrics", a.provider.Handler())
	}
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and polls the config file until ctx is cancelled,
// then drains in-flight requests within cfg.Server.ShutdownTimeout. It
// returns nil after a clean drain.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	slog.Info("http api listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.drain(drainCtx)
	})
	return g.Wait()
}

// drain fails readiness first so that load balancers stop routing, then
// waits for in-flight requests.
func (a *App) drain(ctx context.Context) error {
	a.health.SetDraining()
	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("app: drain: %w", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server if it is still running and closes the
// store and telemetry providers in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.drain(ctx); err != nil {
				slog.Warn("http drain error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases what a failed New opened.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
