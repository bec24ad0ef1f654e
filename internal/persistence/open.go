package persistence

import (
	"context"
	"fmt"

	"sheetcore/internal/config"
	"sheetcore/internal/infra/persistence/memory"
	"sheetcore/internal/infra/persistence/postgres"
	"sheetcore/internal/infra/persistence/redis"
	"sheetcore/internal/infra/persistence/sqlite"
	"sheetcore/internal/logging"
	"sheetcore/pkg/domain"
)

// Driver identifies a concrete diagram store implementation.
type Driver string

const (
	DriverNone     Driver = "none"
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverRedis    Driver = "redis"
)

// OpenStore opens a single store for driver.
func OpenStore(ctx context.Context, driver Driver, cfg config.StorageConfig, owner string) (domain.DiagramStore, error) {
	switch driver {
	case DriverMemory:
		return memory.NewStore(owner), nil
	case DriverSQLite:
		return sqlite.NewStore(cfg.Fallback.SQLitePath, owner)
	case DriverPostgres:
		return postgres.NewStore(ctx, postgres.Options{DSN: cfg.Primary.PostgresDSN, Owner: owner, AutoMigrate: cfg.Primary.AutoMigrate})
	case DriverRedis:
		return redis.Open(cfg.Primary.RedisURL, owner)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// Open builds a gateway from configuration. The fallback must open. A primary
// that cannot be opened is logged and the gateway starts on the fallback.
func Open(ctx context.Context, cfg config.StorageConfig, owner string, opts Options) (*Gateway, error) {
	fallback, err := OpenStore(ctx, Driver(cfg.Fallback.Driver), cfg, owner)
	if err != nil {
		return nil, fmt.Errorf("open fallback store: %w", err)
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = RetryPolicy{
			MaxRetries:      uint64(max(cfg.Retry.MaxRetries, 0)),
			InitialInterval: cfg.Retry.InitialInterval(),
			MaxInterval:     cfg.Retry.MaxInterval(),
		}
	}
	var primary domain.DiagramStore
	if d := Driver(cfg.Primary.Driver); d != "" && d != DriverNone {
		primary, err = OpenStore(ctx, d, cfg, owner)
		if err != nil {
			logging.OrNop(opts.Logger).WithComponent("gateway").Warn("primary store unavailable, starting on fallback",
				"driver", cfg.Primary.Driver, "error", err)
			primary = nil
		}
	}
	return New(primary, fallback, opts), nil
}
