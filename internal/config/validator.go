package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Accepted driver names.
var (
	PrimaryDrivers  = []string{"postgres", "redis", "sqlite", "memory", "none"}
	FallbackDrivers = []string{"sqlite", "memory"}
	ArtifactDrivers = []string{"fs", "memory", "s3"}
	LogLevels       = []string{"debug", "info", "warn", "error"}
)

// Validate checks the Config and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if strings.TrimSpace(c.Session.Owner) == "" {
		add("session.owner", c.Session.Owner, "must not be empty")
	}

	p := c.Storage.Primary
	if !slices.Contains(PrimaryDrivers, p.Driver) {
		add("storage.primary.driver", p.Driver, "must be one of "+strings.Join(PrimaryDrivers, ", "))
	}
	if p.Driver == "postgres" && p.PostgresDSN == "" {
		add("storage.primary.postgres_dsn", p.PostgresDSN, "required when driver is postgres")
	}
	if p.Driver == "redis" && p.RedisURL == "" {
		add("storage.primary.redis_url", p.RedisURL, "required when driver is redis")
	}
	if !slices.Contains(FallbackDrivers, c.Storage.Fallback.Driver) {
		add("storage.fallback.driver", c.Storage.Fallback.Driver, "must be one of "+strings.Join(FallbackDrivers, ", "))
	}
	r := c.Storage.Retry
	if r.MaxRetries < 0 {
		add("storage.retry.max_retries", r.MaxRetries, "must be >= 0")
	}
	if r.InitialIntervalMs <= 0 {
		add("storage.retry.initial_interval_ms", r.InitialIntervalMs, "must be positive")
	}
	if r.MaxIntervalMs < r.InitialIntervalMs {
		add("storage.retry.max_interval_ms", r.MaxIntervalMs, "must be >= initial_interval_ms")
	}

	if c.Autosave.DebounceMs <= 0 {
		add("autosave.debounce_ms", c.Autosave.DebounceMs, "must be positive")
	}

	e := c.Export
	if e.PageWidthMM <= 0 || e.PageHeightMM <= 0 {
		add("export.page_width_mm", fmt.Sprintf("%gx%g", e.PageWidthMM, e.PageHeightMM), "page dimensions must be positive")
	}
	if e.MarginMM < 0 || 2*e.MarginMM >= e.PageWidthMM || 2*e.MarginMM >= e.PageHeightMM {
		add("export.margin_mm", e.MarginMM, "must be >= 0 and leave a printable area")
	}
	if e.SettleMs < 0 {
		add("export.settle_ms", e.SettleMs, "must be >= 0")
	}
	if e.Scale <= 0 {
		add("export.scale", e.Scale, "must be positive")
	}

	a := c.Artifacts
	if !slices.Contains(ArtifactDrivers, a.Driver) {
		add("artifacts.driver", a.Driver, "must be one of "+strings.Join(ArtifactDrivers, ", "))
	}
	if a.Driver == "s3" && a.S3Bucket == "" {
		add("artifacts.s3_bucket", a.S3Bucket, "required when driver is s3")
	}

	if !slices.Contains(LogLevels, strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(LogLevels, ", "))
	}
	return errs
}
