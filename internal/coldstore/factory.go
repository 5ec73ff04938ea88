package coldstore

import (
	"context"
	"fmt"
)

// GCSConfig holds configuration for the GCS backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// Config selects and configures a payload backend.
type Config struct {
	Type BackendType
	// Dir is the root of the fs backend.
	Dir string
	S3  S3Config
	GCS GCSConfig
	// Key enables encryption at rest when set. It must be 32 bytes.
	Key []byte
}

// NewBackend creates the backend described by cfg.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	var b Backend
	switch cfg.Type {
	case BackendFS, "":
		fs, err := NewFSBackend(cfg.Dir)
		if err != nil {
			return nil, err
		}
		b = fs
	case BackendS3:
		s3, err := NewS3Backend(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		b = s3
	case BackendGCS:
		gcs, err := NewGCSBackend(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		b = gcs
	default:
		return nil, fmt.Errorf("unknown cold storage backend %q (use fs, s3 or gcs)", cfg.Type)
	}
	if len(cfg.Key) == 0 {
		return b, nil
	}
	return Sealed(b, cfg.Key)
}
