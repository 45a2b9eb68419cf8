// Package config provides YAML configuration loading and validation for the
// Tracer backend.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvDatabaseURL names the environment variable that, when set, overrides
// database.driver and database.dsn. It accepts "sqlite:///<path>" and
// postgres:// or postgresql:// URLs.
const EnvDatabaseURL = "DATABASE_URL"

// Config is the top-level configuration structure for the Tracer backend.
type Config struct {
	// HTTPAddr is the listen address of the REST API. Defaults to
	// "127.0.0.1:8000".
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// CORSOrigins lists the origins allowed to call the API from a browser.
	// Defaults to ["*"].
	CORSOrigins []string `yaml:"cors_origins"`

	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Watch    WatchConfig    `yaml:"watch"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DatabaseConfig selects and tunes the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres". Defaults to "sqlite".
	Driver string `yaml:"driver"`

	// DSN is the SQLite file path or the PostgreSQL URL. Defaults to
	// "data/logs.db" for SQLite; required for PostgreSQL.
	DSN string `yaml:"dsn"`

	// MaxConns caps the PostgreSQL pool size. Zero keeps the pgxpool
	// default. Ignored by SQLite, which always uses one connection.
	MaxConns int `yaml:"max_conns"`
}

// AuthConfig enables bearer-token authentication on /api. Leaving
// JWTPublicKeyPath empty disables it.
type AuthConfig struct {
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
	Issuer           string `yaml:"issuer"`
	Audience         string `yaml:"audience"`
}

// WatchConfig tunes the recorder.
type WatchConfig struct {
	// SkipUnchanged drops modified events whose content is identical to the
	// previous record for the same file.
	SkipUnchanged bool `yaml:"skip_unchanged"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to "/metrics".
	Path string `yaml:"path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDrivers is the set of accepted database drivers.
var validDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// the DATABASE_URL override and defaults, and validates the result. An empty
// path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv(EnvDatabaseURL)); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyEnv applies a DATABASE_URL value, when non-empty.
func applyEnv(cfg *Config, databaseURL string) error {
	switch {
	case databaseURL == "":
		return nil
	case strings.HasPrefix(databaseURL, "sqlite:///"):
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = strings.TrimPrefix(databaseURL, "sqlite:///")
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = databaseURL
	default:
		return fmt.Errorf("%s: unsupported scheme in %q", EnvDatabaseURL, databaseURL)
	}
	return nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" {
		cfg.Database.DSN = "data/logs.db"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validDrivers[cfg.Database.Driver] {
		errs = append(errs, fmt.Errorf("database.driver %q must be one of: sqlite, postgres", cfg.Database.Driver))
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN != "" &&
		!strings.HasPrefix(cfg.Database.DSN, "postgres://") && !strings.HasPrefix(cfg.Database.DSN, "postgresql://") {
		errs = append(errs, errors.New("database.dsn must be a postgres:// URL for the postgres driver"))
	}
	if cfg.Database.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("database.max_conns %d must not be negative", cfg.Database.MaxConns))
	}
	if cfg.Auth.JWTPublicKeyPath == "" && (cfg.Auth.Issuer != "" || cfg.Auth.Audience != "") {
		errs = append(errs, errors.New("auth.issuer and auth.audience require auth.jwt_public_key_path"))
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path %q must start with /", cfg.Metrics.Path))
	}

	return errors.Join(errs...)
}
