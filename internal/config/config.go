// Package config provides the configuration schema, loader, and store backend
// registry for the recordkit server and CLI.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/recordkit/pkg/record"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to an [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Backend selects the store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	BackendRedis    Backend = "redis"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool {
	switch b {
	case BackendMemory, BackendPostgres, BackendSQLite, BackendRedis:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Store     StoreConfig      `yaml:"store"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Seed      SeedConfig       `yaml:"seed"`
	Schemas   []*record.Schema `yaml:"schemas"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart when
	// WatchInterval is set.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// WatchInterval enables polling the config file for changes. Zero
	// disables reloading.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// StoreConfig selects and configures the backing store.
type StoreConfig struct {
	// Backend selects the implementation. Default: memory.
	Backend Backend `yaml:"backend"`

	// DSN is the connection string: a postgres:// URL, a SQLite file path
	// (":memory:" allowed) or a redis:// URL. Overridden by the
	// RECORDKIT_STORE_DSN environment variable.
	DSN string `yaml:"dsn"`

	// Migrate creates missing tables and indexes on startup (SQL backends).
	Migrate bool `yaml:"migrate"`

	// Prefix is the key prefix of the redis backend.
	Prefix string `yaml:"prefix"`

	// Breaker guards the store against cascading failures.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the store. Zero
// values use the breaker defaults.
type BreakerConfig struct {
	// Disabled removes the breaker.
	Disabled bool `yaml:"disabled"`

	// MaxFailures is the number of consecutive store failures that opens
	// the breaker. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported as the OTel service.name. Default: "recordkit".
	ServiceName string `yaml:"service_name"`

	// DisableMetrics turns off the /metrics endpoint and pipeline metrics.
	DisableMetrics bool `yaml:"disable_metrics"`

	// SampleRatio is the fraction of traces sampled in [0, 1]. Zero samples
	// everything.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// SeedConfig names a seed file imported on startup.
type SeedConfig struct {
	// File is the path of the seed file. Empty disables seeding.
	File string `yaml:"file"`

	// Upsert imports with UpsertBy instead of FindOrCreateBy.
	Upsert bool `yaml:"upsert"`
}

// Defaults used by [Config.ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultServiceName     = "recordkit"
)

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// RecordRegistry builds a [record.Registry] from the configured schemas.
func (c *Config) RecordRegistry() (*record.Registry, error) {
	return record.NewRegistry(c.Schemas...)
}
