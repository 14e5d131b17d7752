package app

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/recordkit/internal/config"
)

// migrateTimeout bounds table creation for kinds added by a reload.
const migrateTimeout = 30 * time.Second

// Reload applies the hot-reloadable parts of a config change: the log level
// and newly added record kinds. Everything else is logged as requiring a
// restart. Reload is the [config.Watcher] callback but may be called
// directly.
func (a *App) Reload(old, new *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	d := config.Diff(old, new)

	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if len(d.AddedKinds) > 0 {
		a.addKinds(new, d.AddedKinds)
	}

	if d.NeedsRestart() {
		slog.Warn("config changes require a restart",
			"store_changed", d.StoreChanged,
			"removed_kinds", d.RemovedKinds,
			"changed_kinds", d.ChangedKinds,
		)
	}
}

// addKinds registers the schemas of cfg named in kinds and creates their
// tables when the store supports it.
func (a *App) addKinds(cfg *config.Config, kinds []string) {
	var added []string
	for _, s := range cfg.Schemas {
		if !slices.Contains(kinds, s.Kind) {
			continue
		}
		if err := a.reg.Register(s); err != nil {
			slog.Warn("failed to register reloaded kind", "kind", s.Kind, "err", err)
			continue
		}
		added = append(added, s.Kind)
	}
	if len(added) == 0 {
		return
	}

	if m, ok := a.store.(migrator); ok {
		ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
		defer cancel()
		if err := m.Migrate(ctx); err != nil {
			slog.Error("failed to migrate reloaded kinds", "kinds", added, "err", err)
			return
		}
	}
	slog.Info("record kinds added", "kinds", added)
}
