//go:build !gcp

package coldstore

import (
	"context"
	"errors"
)

// NewGCSBackend is only available in builds with the gcp tag.
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (Backend, error) {
	return nil, errors.New("GCS storage is not enabled in this build (use -tags gcp)")
}
