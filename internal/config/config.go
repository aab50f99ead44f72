// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

// Package config loads and validates garrison configuration from YAML files
// and command-line flags. Precedence is built-in defaults, then the config
// file, then explicitly set flags.
package config

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/garrisonhq/garrison/internal/xdg"
)

// Backend driver names accepted by the "backend.driver" key.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the root configuration for the garrison daemon.
type Config struct {
	Service ServiceConfig `koanf:"service" json:"service,omitempty"`
	Backend BackendConfig `koanf:"backend" json:"backend,omitempty"`
	Persist PersistConfig `koanf:"persist" json:"persist,omitempty"`
	Metrics MetricsConfig `koanf:"metrics" json:"metrics,omitempty"`
}

// ServiceConfig identifies the running service and controls logging.
type ServiceConfig struct {
	// Name stamps every log line. Defaults to "garrison".
	Name string `koanf:"name" json:"name,omitempty" jsonschema:"minLength=1"`
	// Organization is the owning group ID snapshots are filed under.
	Organization string `koanf:"organization" json:"organization,omitempty" jsonschema:"minLength=1"`
	LogFormat    string `koanf:"log_format" json:"log_format,omitempty" jsonschema:"enum=json,enum=text"`
	LogLevel     string `koanf:"log_level" json:"log_level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=warning,enum=error"`
}

// BackendConfig selects and parameterizes the snapshot backend.
type BackendConfig struct {
	Driver string `koanf:"driver" json:"driver,omitempty" jsonschema:"enum=memory,enum=postgres,enum=sqlite"`
	// URL is the PostgreSQL connection URL. Required for the postgres driver.
	URL string `koanf:"url" json:"url,omitempty"`
	// Path is the SQLite database file. Defaults to snapshots.db under the
	// state directory when empty.
	Path string `koanf:"path" json:"path,omitempty"`
}

// PersistConfig tunes the persistence coordinator.
type PersistConfig struct {
	// DebounceMS is the flush debounce window in milliseconds. Zero selects
	// the coordinator's built-in default.
	DebounceMS int `koanf:"debounce_ms" json:"debounce_ms,omitempty" jsonschema:"minimum=0"`
	// RetryBaseMS is the base delay for backend locate retries.
	RetryBaseMS int `koanf:"retry_base_ms" json:"retry_base_ms,omitempty" jsonschema:"minimum=0"`
	// MaxRetries bounds backend locate attempts per flush.
	MaxRetries int `koanf:"max_retries" json:"max_retries,omitempty" jsonschema:"minimum=0"`
}

// MetricsConfig controls the observability HTTP server. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" json:"addr,omitempty"`
}

// DefaultConfig returns the built-in defaults. Flag defaults registered by
// BindFlags come from here so the two never disagree.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "garrison",
			Organization: "default",
			LogFormat:    "json",
			LogLevel:     "info",
		},
		Backend: BackendConfig{
			Driver: DriverMemory,
		},
		Persist: PersistConfig{
			DebounceMS:  300,
			RetryBaseMS: 200,
			MaxRetries:  5,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9100",
		},
	}
}

// DefaultPath returns the config file path used when --config is not given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigDir(), "garrison.yaml")
}

// BindFlags registers the flags Load understands on fs. Flag defaults mirror
// DefaultConfig so an unset flag never overrides a config file value.
func BindFlags(fs *pflag.FlagSet) {
	def := DefaultConfig()
	fs.String("log-format", def.Service.LogFormat, "log output format (json or text)")
	fs.String("log-level", def.Service.LogLevel, "log level (debug, info, warn, error)")
	fs.String("organization", def.Service.Organization, "owning group ID snapshots are filed under")
	fs.String("backend", def.Backend.Driver, "snapshot backend driver (memory, postgres, sqlite)")
	fs.String("database-url", def.Backend.URL, "PostgreSQL connection URL")
	fs.String("snapshot-path", def.Backend.Path, "SQLite snapshot database path")
	fs.Int("debounce-ms", def.Persist.DebounceMS, "flush debounce window in milliseconds")
	fs.Int("retry-base-ms", def.Persist.RetryBaseMS, "backend retry base delay in milliseconds")
	fs.Int("max-retries", def.Persist.MaxRetries, "maximum backend locate retries per flush")
	fs.String("metrics-addr", def.Metrics.Addr, "observability listen address (empty disables)")
}

// flagKey maps a flag name to its config key. Flags with no config
// counterpart are skipped.
func flagKey(name, value string) (string, any) {
	switch name {
	case "log-format":
		return "service.log_format", value
	case "log-level":
		return "service.log_level", value
	case "organization":
		return "service.organization", value
	case "backend":
		return "backend.driver", value
	case "database-url":
		return "backend.url", value
	case "snapshot-path":
		return "backend.path", value
	case "debounce-ms":
		return "persist.debounce_ms", value
	case "retry-base-ms":
		return "persist.retry_base_ms", value
	case "max-retries":
		return "persist.max_retries", value
	case "metrics-addr":
		return "metrics.addr", value
	default:
		return "", nil
	}
}

// Load builds a Config from defaults, the YAML file at path, and flags, in
// that order of precedence. An empty path falls back to DefaultPath and
// tolerates the file being absent; an explicit path must exist. flags may be
// nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()

	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, oops.Code("config_read_failed").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		// Passing k lets posflag skip unset flags whose keys the file
		// already provides.
		if err := k.Load(posflag.ProviderWithValue(flags, ".", k, flagKey), nil); err != nil {
			return nil, oops.Code("config_flags_failed").Wrap(err)
		}
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code("config_parse_failed").With("path", path).Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks semantic constraints that the schema cannot express.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return oops.Code("config_invalid").Errorf("service.name must not be empty")
	}
	if c.Service.Organization == "" {
		return oops.Code("config_invalid").Errorf("service.organization must not be empty")
	}

	switch c.Service.LogFormat {
	case "", "json", "text":
	default:
		return oops.Code("config_invalid").With("log_format", c.Service.LogFormat).
			Errorf("service.log_format must be json or text")
	}

	switch c.Service.LogLevel {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return oops.Code("config_invalid").With("log_level", c.Service.LogLevel).
			Errorf("service.log_level must be debug, info, warn, or error")
	}

	switch c.Backend.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Backend.URL == "" {
			return oops.Code("config_invalid").Errorf("backend.url is required for the postgres driver")
		}
	default:
		return oops.Code("config_invalid").With("driver", c.Backend.Driver).
			Errorf("backend.driver must be memory, postgres, or sqlite")
	}

	if c.Persist.DebounceMS < 0 {
		return oops.Code("config_invalid").Errorf("persist.debounce_ms must not be negative")
	}
	if c.Persist.RetryBaseMS < 0 {
		return oops.Code("config_invalid").Errorf("persist.retry_base_ms must not be negative")
	}
	if c.Persist.MaxRetries < 0 {
		return oops.Code("config_invalid").Errorf("persist.max_retries must not be negative")
	}

	return nil
}

// SQLitePath returns the configured SQLite database path, falling back to
// snapshots.db under the state directory.
func (c *Config) SQLitePath() string {
	if c.Backend.Path != "" {
		return c.Backend.Path
	}
	return filepath.Join(xdg.StateDir(), "snapshots.db")
}
