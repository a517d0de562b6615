// Package blobstore stores backup artifacts in object storage.
package blobstore

import (
	"context"
	"fmt"
	"io"
)

// Store is a destination for backup artifacts.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// Location is the driver tag recorded on each backup row.
	Location() string
}

const (
	DriverS3    = "s3"
	DriverGCS   = "gcs"
	DriverLocal = "local"
)

type Config struct {
	Driver   string
	S3       S3Config
	GCS      GCSConfig
	LocalDir string
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverS3:
		return NewS3Store(cfg.S3)
	case DriverGCS:
		return NewGCSStore(ctx, cfg.GCS)
	case DriverLocal, "":
		return NewFileStore(cfg.LocalDir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
