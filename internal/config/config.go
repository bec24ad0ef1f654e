// Package config loads sheet session settings from defaults, an optional
// config file and SHEETS_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SHEETS_STORAGE_PRIMARY_DRIVER.
const EnvPrefix = "SHEETS"

// Config is the complete sheet session configuration.
type Config struct {
	Session   SessionConfig   `mapstructure:"session"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Autosave  AutosaveConfig  `mapstructure:"autosave"`
	Export    ExportConfig    `mapstructure:"export"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// SessionConfig identifies the session owner. Every persisted record is
// scoped to Owner.
type SessionConfig struct {
	Owner string `mapstructure:"owner"`
}

// StorageConfig selects the primary and fallback diagram stores.
type StorageConfig struct {
	Primary  PrimaryConfig  `mapstructure:"primary"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

// PrimaryConfig describes the remote store.
type PrimaryConfig struct {
	// Driver is one of "postgres", "redis", "sqlite", "memory" or "none".
	Driver      string `mapstructure:"driver"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisURL    string `mapstructure:"redis_url"`
	// AutoMigrate creates the diagrams table on startup (postgres only).
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// FallbackConfig describes the local store used after the breaker trips.
type FallbackConfig struct {
	// Driver is "sqlite" or "memory".
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RetryConfig bounds transient retries against the primary store.
type RetryConfig struct {
	MaxRetries        int `mapstructure:"max_retries"`
	InitialIntervalMs int `mapstructure:"initial_interval_ms"`
	MaxIntervalMs     int `mapstructure:"max_interval_ms"`
}

// AutosaveConfig controls the debounce window.
type AutosaveConfig struct {
	DebounceMs int `mapstructure:"debounce_ms"`
}

// ExportConfig controls page geometry and rendering.
type ExportConfig struct {
	PageWidthMM  float64 `mapstructure:"page_width_mm"`
	PageHeightMM float64 `mapstructure:"page_height_mm"`
	MarginMM     float64 `mapstructure:"margin_mm"`
	SettleMs     int     `mapstructure:"settle_ms"`
	Title        string  `mapstructure:"title"`
	// Scale multiplies the editor zoom when rasterizing.
	Scale float64 `mapstructure:"scale"`
}

// ArtifactsConfig selects where exported documents are published.
type ArtifactsConfig struct {
	// Driver is "fs", "memory" or "s3".
	Driver      string `mapstructure:"driver"`
	FSRoot      string `mapstructure:"fs_root"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Dir receives sheets.log. Empty logs to stderr.
	Dir string `mapstructure:"dir"`
}

// MetricsConfig names the Prometheus namespace.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// Default returns a Config with the built-in defaults.
func Default() *Config {
	return &Config{
		Session: SessionConfig{Owner: "local"},
		Storage: StorageConfig{
			Primary:  PrimaryConfig{Driver: "none"},
			Fallback: FallbackConfig{Driver: "sqlite", SQLitePath: "sheets.db"},
			Retry:    RetryConfig{MaxRetries: 3, InitialIntervalMs: 200, MaxIntervalMs: 2000},
		},
		Autosave: AutosaveConfig{DebounceMs: 1000},
		Export: ExportConfig{
			PageWidthMM:  210,
			PageHeightMM: 297,
			MarginMM:     10,
			SettleMs:     300,
			Scale:        1,
		},
		Artifacts: ArtifactsConfig{Driver: "fs", FSRoot: "exports", S3Region: "us-east-1"},
		Logging:   LoggingConfig{Level: "info"},
		Metrics:   MetricsConfig{Namespace: "sheets"},
	}
}

// Debounce returns the autosave window as a duration.
func (c AutosaveConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// Settle returns the pause between switching and capturing during batch export.
func (c ExportConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// InitialInterval returns the first backoff interval.
func (c RetryConfig) InitialInterval() time.Duration {
	return time.Duration(c.InitialIntervalMs) * time.Millisecond
}

// MaxInterval returns the backoff ceiling.
func (c RetryConfig) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalMs) * time.Millisecond
}

// SetDefaults registers every default with v so environment overrides apply
// to all keys during Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("session.owner", d.Session.Owner)

	v.SetDefault("storage.primary.driver", d.Storage.Primary.Driver)
	v.SetDefault("storage.primary.postgres_dsn", d.Storage.Primary.PostgresDSN)
	v.SetDefault("storage.primary.redis_url", d.Storage.Primary.RedisURL)
	v.SetDefault("storage.primary.auto_migrate", d.Storage.Primary.AutoMigrate)
	v.SetDefault("storage.fallback.driver", d.Storage.Fallback.Driver)
	v.SetDefault("storage.fallback.sqlite_path", d.Storage.Fallback.SQLitePath)
	v.SetDefault("storage.retry.max_retries", d.Storage.Retry.MaxRetries)
	v.SetDefault("storage.retry.initial_interval_ms", d.Storage.Retry.InitialIntervalMs)
	v.SetDefault("storage.retry.max_interval_ms", d.Storage.Retry.MaxIntervalMs)

	v.SetDefault("autosave.debounce_ms", d.Autosave.DebounceMs)

	v.SetDefault("export.page_width_mm", d.Export.PageWidthMM)
	v.SetDefault("export.page_height_mm", d.Export.PageHeightMM)
	v.SetDefault("export.margin_mm", d.Export.MarginMM)
	v.SetDefault("export.settle_ms", d.Export.SettleMs)
	v.SetDefault("export.title", d.Export.Title)
	v.SetDefault("export.scale", d.Export.Scale)

	v.SetDefault("artifacts.driver", d.Artifacts.Driver)
	v.SetDefault("artifacts.fs_root", d.Artifacts.FSRoot)
	v.SetDefault("artifacts.s3_bucket", d.Artifacts.S3Bucket)
	v.SetDefault("artifacts.s3_region", d.Artifacts.S3Region)
	v.SetDefault("artifacts.s3_endpoint", d.Artifacts.S3Endpoint)
	v.SetDefault("artifacts.s3_path_style", d.Artifacts.S3PathStyle)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)

	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when non-empty) plus the environment and validates the
// result.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return FromViper(v)
}

// FromViper unmarshals and validates the settings held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}
