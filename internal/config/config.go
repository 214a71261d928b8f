// Package config loads storesync settings from YAML.
//
// Every field has a default (see Default); a config file only needs the
// values it changes. Durations are written as Go duration strings ("500ms",
// "15m").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/storesync/internal/engine"
	"github.com/roach88/storesync/internal/source"
)

// DefaultPath is read when no --config flag is given. A missing file at
// this path is not an error.
const DefaultPath = "storesync.yaml"

// MaxPageSize is the largest page the source accepts.
const MaxPageSize = 250

// Config is the complete storesync configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Source   SourceConfig   `yaml:"source"`
	Sync     SyncConfig     `yaml:"sync"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	Path   string `yaml:"path"`   // sqlite file
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// SourceConfig configures the HTTP collector.
type SourceConfig struct {
	BaseURL      string        `yaml:"base_url"`
	TokenHeader  string        `yaml:"token_header"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	Retry        RetryConfig   `yaml:"retry"`
}

// RetryConfig mirrors source.RetryPolicy.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	JitterFactor  float64       `yaml:"jitter_factor"`
}

// Policy converts the config to a retry policy.
func (r RetryConfig) Policy() source.RetryPolicy {
	return source.RetryPolicy{
		MaxAttempts:   r.MaxAttempts,
		InitialDelay:  r.InitialDelay,
		MaxDelay:      r.MaxDelay,
		BackoffFactor: r.BackoffFactor,
		JitterFactor:  r.JitterFactor,
	}
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	PageSize          int           `yaml:"page_size"`
	PageDelay         time.Duration `yaml:"page_delay"`
	CheckpointEvery   int           `yaml:"checkpoint_every"`
	OrderSafetyWindow time.Duration `yaml:"order_safety_window"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	Interval          time.Duration `yaml:"interval"` // serve loop period
}

// MetricsConfig configures the serve command's HTTP listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures slog.
type LogConfig struct {
	Format string `yaml:"format"` // text or json
	Level  string `yaml:"level"`  // debug, info, warn, error
}

// Default returns the built-in configuration.
func Default() *Config {
	retry := source.DefaultRetryPolicy()
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "storesync.db",
		},
		Source: SourceConfig{
			BaseURL:      "https://{domain}/admin/api/2024-01",
			TokenHeader:  source.DefaultTokenHeader,
			FetchTimeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:   retry.MaxAttempts,
				InitialDelay:  retry.InitialDelay,
				MaxDelay:      retry.MaxDelay,
				BackoffFactor: retry.BackoffFactor,
				JitterFactor:  retry.JitterFactor,
			},
		},
		Sync: SyncConfig{
			PageSize:          engine.DefaultPageSize,
			PageDelay:         engine.DefaultPageDelay,
			CheckpointEvery:   engine.DefaultCheckpointEvery,
			OrderSafetyWindow: engine.DefaultOrderSafety,
			LeaseTTL:          engine.DefaultLeaseTTL,
			Interval:          15 * time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads path over the defaults and validates the result.
//
// An empty path reads DefaultPath if it exists and falls back to the
// defaults otherwise. An explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Keys absent from data keep cfg's values;
// unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver)
	}

	if c.Source.BaseURL == "" {
		return errors.New("source.base_url is required")
	}
	if c.Source.FetchTimeout <= 0 {
		return errors.New("source.fetch_timeout must be positive")
	}
	if c.Source.Retry.MaxAttempts < 1 {
		return errors.New("source.retry.max_attempts must be at least 1")
	}
	if c.Source.Retry.InitialDelay < 0 || c.Source.Retry.MaxDelay < 0 {
		return errors.New("source.retry delays must not be negative")
	}
	if c.Source.Retry.BackoffFactor < 1 {
		return errors.New("source.retry.backoff_factor must be at least 1")
	}
	if c.Source.Retry.JitterFactor < 0 || c.Source.Retry.JitterFactor > 1 {
		return errors.New("source.retry.jitter_factor must be within [0, 1]")
	}

	if c.Sync.PageSize <= 0 || c.Sync.PageSize > MaxPageSize {
		return fmt.Errorf("sync.page_size %d: must be within [1, %d]", c.Sync.PageSize, MaxPageSize)
	}
	if c.Sync.PageDelay < 0 {
		return errors.New("sync.page_delay must not be negative")
	}
	if c.Sync.CheckpointEvery <= 0 {
		return errors.New("sync.checkpoint_every must be positive")
	}
	if c.Sync.OrderSafetyWindow < 0 {
		return errors.New("sync.order_safety_window must not be negative")
	}
	if c.Sync.LeaseTTL <= 0 {
		return errors.New("sync.lease_ttl must be positive")
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}
