// Package coldstore is the external archive layer of the lake: large
// payloads written outside the artifact table, tracked by a small metadata
// row each.
package coldstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotExist is returned by [Backend.Get] when the key is absent.
var ErrNotExist = errors.New("archive payload does not exist")

// Backend is a byte-addressable payload store.
type Backend interface {
	// Put writes data at key, replacing any previous payload.
	Put(ctx context.Context, key string, data []byte) error
	// Get reads the payload at key. It returns ErrNotExist when absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the payload at key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
}

// BackendType names a backend implementation.
type BackendType string

// Backend types.
const (
	BackendFS  BackendType = "fs"
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// FSBackend stores payloads as files under a root directory.
type FSBackend struct {
	root string
}

// NewFSBackend returns a backend rooted at dir.
func NewFSBackend(dir string) (*FSBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FSBackend{root: dir}, nil
}

func (b *FSBackend) path(key string) (string, error) {
	if key == "" || filepath.IsAbs(key) || strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(b.root, filepath.FromSlash(key)), nil
}

// Put implements [Backend]. The payload is written to a temporary file first
// and renamed in place, so readers never see a partial payload.
func (b *FSBackend) Put(ctx context.Context, key string, data []byte) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create archive subdirectory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(p), ".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Join(fmt.Errorf("failed to write archive: %w", err), os.Remove(tmp))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Join(fmt.Errorf("failed to sync archive: %w", err), os.Remove(tmp))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmp))
	}
	if err := os.Rename(tmp, p); err != nil {
		return errors.Join(fmt.Errorf("failed to rename archive to final location: %w", err), os.Remove(tmp))
	}
	return nil
}

// Get implements [Backend].
func (b *FSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

// Delete implements [Backend].
func (b *FSBackend) Delete(ctx context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove archive: %w", err)
	}
	return nil
}
