package artifactstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	intErrors "github.com/edgegate/edgegate/internal/errors"
)

// SizeCaps maps a Kind to its maximum accepted size in bytes. Kinds
// absent from the map are unbounded.
type SizeCaps map[Kind]int64

// Store is the engine's content-addressed artifact store: it
// combines a Backend (blob bytes) with a Repository (metadata) and
// enforces per-kind size caps and (workspace, sha256) dedup.
type Store struct {
	backend    Backend
	repository *Repository
	caps       SizeCaps
	logger     *zap.Logger
	auditFn    func(ctx context.Context, workspaceID, actor, eventType string, payload map[string]interface{})
}

// NewStore builds a Store. auditFn may be nil; when set it is invoked
// with an "artifact.created" event on every new (non-dedup) Put.
func NewStore(backend Backend, repository *Repository, caps SizeCaps, logger *zap.Logger, auditFn func(ctx context.Context, workspaceID, actor, eventType string, payload map[string]interface{})) *Store {
	return &Store{backend: backend, repository: repository, caps: caps, logger: logger, auditFn: auditFn}
}

// Put stores bytes under workspace/kind, deduplicating on
// (workspace, sha256). actor, if non-empty, is attributed in the
// artifact.created audit event.
func (s *Store) Put(ctx context.Context, workspaceID string, kind Kind, data []byte, filename *string, actor string) (*Artifact, error) {
	if cap, ok := s.caps[kind]; ok && int64(len(data)) > cap {
		return nil, intErrors.NewValidationError(
			fmt.Sprintf("artifact of kind %s exceeds size limit of %d bytes", kind, cap),
		).WithDetailsf("size=%d cap=%d", len(data), cap)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	existing, err := s.repository.GetByHash(ctx, workspaceID, digest)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	storageURL, err := s.backend.Put(ctx, digest, data)
	if err != nil {
		return nil, err
	}

	artifact := &Artifact{
		WorkspaceID: workspaceID,
		Kind:        kind,
		StorageURL:  storageURL,
		SHA256:      digest,
		SizeBytes:   int64(len(data)),
		Filename:    filename,
	}

	created, err := s.repository.Create(ctx, artifact)
	if err != nil {
		return nil, err
	}

	if s.auditFn != nil {
		s.auditFn(ctx, workspaceID, actor, "artifact.created", map[string]interface{}{
			"artifact_id": created.ID,
			"kind":        string(kind),
			"sha256":      digest,
			"size_bytes":  created.SizeBytes,
			"at":          time.Now().UTC(),
		})
	}

	return created, nil
}

// Get retrieves artifact metadata by id.
func (s *Store) Get(ctx context.Context, workspaceID, id string) (*Artifact, error) {
	return s.repository.GetByID(ctx, workspaceID, id)
}

// GetByHash retrieves artifact metadata by content hash, nil if absent.
func (s *Store) GetByHash(ctx context.Context, workspaceID, sha256 string) (*Artifact, error) {
	return s.repository.GetByHash(ctx, workspaceID, sha256)
}

// List returns workspace artifacts, optionally filtered by kind.
func (s *Store) List(ctx context.Context, workspaceID string, kind *Kind) ([]*Artifact, error) {
	return s.repository.List(ctx, workspaceID, kind)
}

// ReadBytes resolves an artifact's storage URL through the backend.
// It returns ErrBlobMissing if the row exists but the blob does not —
// operator-visible corruption, never silently swallowed.
func (s *Store) ReadBytes(ctx context.Context, workspaceID, id string) ([]byte, error) {
	artifact, err := s.repository.GetByID(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	data, err := s.backend.Get(ctx, artifact.StorageURL)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("artifact blob missing from backend",
				zap.String("artifact_id", artifact.ID),
				zap.String("storage_url", artifact.StorageURL),
			)
		}
		return nil, err
	}
	return data, nil
}
