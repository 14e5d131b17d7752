package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding file values.
const (
	EnvStoreDSN   = "RECORDKIT_STORE_DSN"
	EnvListenAddr = "RECORDKIT_LISTEN_ADDR"
	EnvLogLevel   = "RECORDKIT_LOG_LEVEL"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the RECORDKIT_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvStoreDSN); ok && v != "" {
		cfg.Store.DSN = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		cfg.Server.ListenAddr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if cfg.Server.WatchInterval < 0 {
		errs = append(errs, fmt.Errorf("server.watch_interval %s must not be negative", cfg.Server.WatchInterval))
	}

	// Store
	switch b := cfg.Store.Backend; {
	case b != "" && !b.IsValid():
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres, sqlite, redis", b))
	case b == BackendPostgres || b == BackendSQLite || b == BackendRedis:
		if cfg.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for backend %q (or set %s)", b, EnvStoreDSN))
		}
	case b == BackendMemory:
		if cfg.Store.DSN != "" {
			slog.Warn("store.dsn is ignored by the memory backend")
		}
	}

	if cfg.Store.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("store.breaker.max_failures %d must not be negative", cfg.Store.Breaker.MaxFailures))
	}
	if cfg.Store.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("store.breaker.reset_timeout %s must not be negative", cfg.Store.Breaker.ResetTimeout))
	}

	// Telemetry
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", cfg.Telemetry.SampleRatio))
	}

	// Schemas
	if len(cfg.Schemas) == 0 {
		slog.Warn("no schemas configured; every request will fail with an unknown kind")
	}
	kindsSeen := make(map[string]int, len(cfg.Schemas))
	for i, s := range cfg.Schemas {
		prefix := fmt.Sprintf("schemas[%d]", i)
		if s == nil {
			errs = append(errs, fmt.Errorf("%s must not be empty", prefix))
			continue
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if prev, ok := kindsSeen[s.Kind]; ok {
			errs = append(errs, fmt.Errorf("%s.kind %q is a duplicate of schemas[%d]", prefix, s.Kind, prev))
		}
		kindsSeen[s.Kind] = i
	}

	return errors.Join(errs...)
}
