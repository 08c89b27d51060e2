package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
)

// Type selects a replica backend.
type Type string

const (
	TypeNone Type = "none"
	TypeFS   Type = "fs"
	TypeS3   Type = "s3"
	TypeGCS  Type = "gcs"
)

// Config selects and configures the replica backend.
type Config struct {
	Type Type
	// Dir is the base directory of the fs backend.
	Dir string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	GCSBucket string
	GCSPrefix string
}

// New returns the configured store, or nil when replication is disabled.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil
	case TypeFS:
		if cfg.Dir == "" {
			return nil, errors.New("a replica directory is required for fs storage")
		}
		return NewFileStore(filepath.Join(cfg.Dir, "replica"))
	case TypeS3:
		if cfg.S3Bucket == "" {
			return nil, errors.New("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case TypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".md":
		return "text/markdown"
	default:
		return "application/octet-stream"
	}
}
