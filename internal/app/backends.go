package app

import (
	"context"

	"github.com/MrWong99/recordkit/internal/config"
	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert/memory"
	"github.com/MrWong99/recordkit/pkg/upsert/postgres"
	"github.com/MrWong99/recordkit/pkg/upsert/redis"
	"github.com/MrWong99/recordkit/pkg/upsert/sqlite"
)

// migrator is implemented by stores that can create their tables.
type migrator interface {
	Migrate(ctx context.Context) error
}

// BuiltinBackends returns a registry with every store backend that ships
// with recordkit.
func BuiltinBackends() *config.Registry {
	reg := config.NewRegistry()
	reg.Register(config.BackendMemory, openMemory)
	reg.Register(config.BackendPostgres, openPostgres)
	reg.Register(config.BackendSQLite, openSQLite)
	reg.Register(config.BackendRedis, openRedis)
	return reg
}

func openMemory(_ context.Context, _ config.StoreConfig, _ *record.Registry) (config.OpenedStore, error) {
	return config.OpenedStore{Store: memory.New()}, nil
}

func openPostgres(ctx context.Context, cfg config.StoreConfig, reg *record.Registry) (config.OpenedStore, error) {
	s, err := postgres.Connect(ctx, cfg.DSN, reg)
	if err != nil {
		return config.OpenedStore{}, err
	}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return config.OpenedStore{}, err
		}
	}
	return config.OpenedStore{
		Store: s,
		Close: func() error { s.Close(); return nil },
	}, nil
}

// openSQLite always migrates: a fresh database file has no tables.
func openSQLite(ctx context.Context, cfg config.StoreConfig, reg *record.Registry) (config.OpenedStore, error) {
	s, err := sqlite.Open(ctx, cfg.DSN, reg)
	if err != nil {
		return config.OpenedStore{}, err
	}
	return config.OpenedStore{Store: s, Close: s.Close}, nil
}

func openRedis(ctx context.Context, cfg config.StoreConfig, reg *record.Registry) (config.OpenedStore, error) {
	var opts []redis.Option
	if cfg.Prefix != "" {
		opts = append(opts, redis.WithPrefix(cfg.Prefix))
	}
	s, err := redis.Connect(ctx, cfg.DSN, reg, opts...)
	if err != nil {
		return config.OpenedStore{}, err
	}
	return config.OpenedStore{Store: s, Close: s.Close}, nil
}
