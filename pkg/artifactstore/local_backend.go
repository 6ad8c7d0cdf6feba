package artifactstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalFileBackend stores blobs as files under root, one file per
// sha256, with URLs of the form file://<root>/<sha256>.
type LocalFileBackend struct {
	root string
}

// NewLocalFileBackend creates a LocalFileBackend rooted at root,
// creating the directory if it does not exist.
func NewLocalFileBackend(root string) (*LocalFileBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifactstore: failed to create storage root: %w", err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: failed to resolve storage root: %w", err)
	}
	return &LocalFileBackend{root: absRoot}, nil
}

func (b *LocalFileBackend) path(sha256 string) string {
	return filepath.Join(b.root, sha256)
}

func (b *LocalFileBackend) url(sha256 string) string {
	return fmt.Sprintf("file://%s", b.path(sha256))
}

// Put writes data to <root>/<sha256>.
func (b *LocalFileBackend) Put(ctx context.Context, sha256 string, data []byte) (string, error) {
	if err := os.WriteFile(b.path(sha256), data, 0o644); err != nil {
		return "", fmt.Errorf("artifactstore: failed to write blob: %w", err)
	}
	return b.url(sha256), nil
}

// Get reads bytes from the file:// storage URL.
func (b *LocalFileBackend) Get(ctx context.Context, storageURL string) ([]byte, error) {
	path := strings.TrimPrefix(storageURL, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobMissing
		}
		return nil, fmt.Errorf("artifactstore: failed to read blob: %w", err)
	}
	return data, nil
}
