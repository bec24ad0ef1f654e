// Package artifact is the only entry point to exported-document storage.
// Callers depend on Store; the concrete drivers live under
// internal/infra/artifact.
package artifact

import (
	"context"
	"fmt"

	"sheetcore/internal/artifact/core"
	"sheetcore/internal/config"
	"sheetcore/internal/infra/artifact/fs"
	"sheetcore/internal/infra/artifact/memory"
	"sheetcore/internal/infra/artifact/s3"
)

type (
	Driver           = core.Driver
	PutOptions       = core.PutOptions
	SignedURLOptions = core.SignedURLOptions
	Info             = core.Info
	Store            = core.Store
	S3Config         = s3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrExists      = core.ErrExists
	ErrNotFound    = core.ErrNotFound
)

// NewFilesystem returns a store rooted at root.
func NewFilesystem(root string) (Store, error) { return fs.New(root) }

// NewMemory returns a process-local store.
func NewMemory() Store { return memory.New() }

// NewS3 returns an S3 or MinIO backed store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) { return s3.New(ctx, cfg) }

// Open selects a driver from configuration.
func Open(ctx context.Context, cfg config.ArtifactsConfig) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverFilesystem, "":
		return NewFilesystem(cfg.FSRoot)
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown artifact driver %q", cfg.Driver)
	}
}
