package artifactstore

import (
	"context"
	"fmt"
)

// Backend stores and retrieves opaque bytes keyed by content hash.
// The key derivation from sha256 is normative (spec.md §6): neither
// implementation may insert randomness or timestamps into the key.
type Backend interface {
	// Put writes data under sha256 and returns the storage URL.
	Put(ctx context.Context, sha256 string, data []byte) (storageURL string, err error)
	// Get resolves storageURL back to bytes. Returns ErrBlobMissing if
	// the row exists but the backend has nothing at that URL.
	Get(ctx context.Context, storageURL string) ([]byte, error)
}

// ErrBlobMissing signals operator-visible corruption: an artifact row
// exists but its blob does not.
var ErrBlobMissing = fmt.Errorf("artifactstore: blob missing from backend")
