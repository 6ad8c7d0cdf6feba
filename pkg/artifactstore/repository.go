package artifactstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/pkg/datastorage/validation"
)

// Repository persists Artifact rows. It never touches blob bytes —
// that is Backend's job — only the content-addressed metadata.
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRepository builds an artifact Repository over db.
func NewRepository(db *sql.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Create inserts a new artifact row. A (workspace_id, sha256) unique
// violation is translated to an RFC7807 conflict problem so callers
// can fall back to GetByHash for dedup.
func (r *Repository) Create(ctx context.Context, a *Artifact) (*Artifact, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO artifacts (workspace_id, kind, storage_url, sha256, size_bytes, filename)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, a.WorkspaceID, string(a.Kind), a.StorageURL, a.SHA256, a.SizeBytes, a.Filename)

	if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, validation.NewConflictProblem("artifact", "sha256", a.SHA256)
		}
		return nil, fmt.Errorf("artifactstore: failed to insert artifact: %w", err)
	}
	return a, nil
}

// GetByID retrieves an artifact by (workspace, id).
func (r *Repository) GetByID(ctx context.Context, workspaceID, id string) (*Artifact, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, kind, storage_url, sha256, size_bytes, filename, created_at, expires_at
		FROM artifacts WHERE workspace_id = $1 AND id = $2
	`, workspaceID, id)
	return scanArtifact(row, validation.NewNotFoundProblem("artifact", id))
}

// GetByHash retrieves an artifact by (workspace, sha256), returning
// nil (not an error) when none exists.
func (r *Repository) GetByHash(ctx context.Context, workspaceID, sha256 string) (*Artifact, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, kind, storage_url, sha256, size_bytes, filename, created_at, expires_at
		FROM artifacts WHERE workspace_id = $1 AND sha256 = $2
	`, workspaceID, sha256)

	a, err := scanArtifact(row, nil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// List returns workspace artifacts ordered by created_at descending,
// optionally filtered by kind.
func (r *Repository) List(ctx context.Context, workspaceID string, kind *Kind) ([]*Artifact, error) {
	var rows *sql.Rows
	var err error
	if kind != nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, workspace_id, kind, storage_url, sha256, size_bytes, filename, created_at, expires_at
			FROM artifacts WHERE workspace_id = $1 AND kind = $2 ORDER BY created_at DESC
		`, workspaceID, string(*kind))
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, workspace_id, kind, storage_url, sha256, size_bytes, filename, created_at, expires_at
			FROM artifacts WHERE workspace_id = $1 ORDER BY created_at DESC
		`, workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("artifactstore: failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifactRow(rows)
		if err != nil {
			return nil, fmt.Errorf("artifactstore: failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row scanner, notFound error) (*Artifact, error) {
	var a Artifact
	var kind string
	err := row.Scan(&a.ID, &a.WorkspaceID, &kind, &a.StorageURL, &a.SHA256, &a.SizeBytes, &a.Filename, &a.CreatedAt, &a.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if notFound != nil {
				return nil, notFound
			}
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("artifactstore: failed to retrieve artifact: %w", err)
	}
	a.Kind = Kind(kind)
	return &a, nil
}

func scanArtifactRow(rows *sql.Rows) (*Artifact, error) {
	var a Artifact
	var kind string
	if err := rows.Scan(&a.ID, &a.WorkspaceID, &kind, &a.StorageURL, &a.SHA256, &a.SizeBytes, &a.Filename, &a.CreatedAt, &a.ExpiresAt); err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)
	return &a, nil
}

// HealthCheck verifies the underlying connection is reachable.
func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("artifactstore: health check failed: %w", err)
	}
	return nil
}
