package runengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/pkg/datastorage/validation"
)

// ErrNotFound is returned when a run id does not exist in the
// workspace.
var ErrNotFound = errors.New("runengine: run not found")

// RunRepository persists runs and their state transitions, and
// records the append-only audit trail spec.md §4.H requires for every
// externally requested action.
type RunRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRunRepository builds a RunRepository.
func NewRunRepository(db *sqlx.DB, logger *zap.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

type runRow struct {
	ID               uuid.UUID      `db:"id"`
	WorkspaceID      uuid.UUID      `db:"workspace_id"`
	PipelineID       uuid.UUID      `db:"pipeline_id"`
	PipelineName     string         `db:"pipeline_name"`
	ModelArtifactID  uuid.UUID      `db:"model_artifact_id"`
	ModelSHA256      string         `db:"model_sha256"`
	PromptpackID     uuid.UUID      `db:"promptpack_id"`
	Trigger          string         `db:"trigger"`
	Status           string         `db:"status"`
	ErrorCode        sql.NullString `db:"error_code"`
	ErrorDetail      sql.NullString `db:"error_detail"`
	DeviceJobs       []byte         `db:"device_jobs"`
	Metrics          []byte         `db:"metrics"`
	GateEvaluation   []byte         `db:"gate_evaluation"`
	BundleArtifactID sql.NullString `db:"bundle_artifact_id"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
}

func fromRow(row runRow) (*Run, error) {
	var jobs []DeviceJob
	if len(row.DeviceJobs) > 0 {
		if err := json.Unmarshal(row.DeviceJobs, &jobs); err != nil {
			return nil, fmt.Errorf("runengine: decode device_jobs: %w", err)
		}
	}

	r := &Run{
		ID:              row.ID,
		WorkspaceID:     row.WorkspaceID,
		PipelineID:      row.PipelineID,
		PipelineName:    row.PipelineName,
		ModelArtifactID: row.ModelArtifactID,
		ModelSHA256:     row.ModelSHA256,
		PromptpackID:    row.PromptpackID,
		Trigger:         row.Trigger,
		Status:          Status(row.Status),
		ErrorCode:       ErrorCode(row.ErrorCode.String),
		ErrorDetail:     row.ErrorDetail.String,
		DeviceJobs:      jobs,
		Metrics:         row.Metrics,
		GateEvaluation:  row.GateEvaluation,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if row.BundleArtifactID.Valid {
		id := row.BundleArtifactID.String
		r.BundleArtifactID = &id
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		r.CompletedAt = &t
	}
	return r, nil
}

// Create inserts a new run in the queued state and writes its
// run.created audit row in the same transaction.
func (repo *RunRepository) Create(ctx context.Context, r *Run, actor string) (*Run, error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("runengine: begin create tx: %w", err)
	}
	defer tx.Rollback()

	r.ID = uuid.New()
	r.Status = StatusQueued
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt

	row := struct {
		ID              uuid.UUID `db:"id"`
		WorkspaceID     uuid.UUID `db:"workspace_id"`
		PipelineID      uuid.UUID `db:"pipeline_id"`
		PipelineName    string    `db:"pipeline_name"`
		ModelArtifactID uuid.UUID `db:"model_artifact_id"`
		ModelSHA256     string    `db:"model_sha256"`
		PromptpackID    uuid.UUID `db:"promptpack_id"`
		Trigger         string    `db:"trigger"`
		Status          string    `db:"status"`
		CreatedAt       time.Time `db:"created_at"`
		UpdatedAt       time.Time `db:"updated_at"`
	}{
		r.ID, r.WorkspaceID, r.PipelineID, r.PipelineName, r.ModelArtifactID,
		r.ModelSHA256, r.PromptpackID, r.Trigger, string(r.Status), r.CreatedAt, r.UpdatedAt,
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO runs (id, workspace_id, pipeline_id, pipeline_name, model_artifact_id,
			model_sha256, promptpack_id, trigger, status, created_at, updated_at)
		VALUES (:id, :workspace_id, :pipeline_id, :pipeline_name, :model_artifact_id,
			:model_sha256, :promptpack_id, :trigger, :status, :created_at, :updated_at)
	`, row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, validation.NewConflictProblem("run", "id", r.ID.String())
		}
		return nil, fmt.Errorf("runengine: failed to insert run: %w", err)
	}

	if err := insertAuditEvent(ctx, tx, r.WorkspaceID, actor, "run.created", map[string]interface{}{
		"run_id": r.ID, "pipeline_id": r.PipelineID, "trigger": r.Trigger,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("runengine: commit create tx: %w", err)
	}
	return r, nil
}

// Get retrieves a run by workspace and id.
func (repo *RunRepository) Get(ctx context.Context, workspaceID, id uuid.UUID) (*Run, error) {
	var row runRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT id, workspace_id, pipeline_id, pipeline_name, model_artifact_id, model_sha256,
			promptpack_id, trigger, status, error_code, error_detail, device_jobs, metrics,
			gate_evaluation, bundle_artifact_id, created_at, updated_at, completed_at
		FROM runs WHERE workspace_id = $1 AND id = $2
	`, workspaceID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runengine: failed to retrieve run: %w", err)
	}
	return fromRow(row)
}

// GetByID retrieves a run by id alone, for internal use by the worker
// pool, which learns a run's workspace only after loading it.
func (repo *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	var row runRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT id, workspace_id, pipeline_id, pipeline_name, model_artifact_id, model_sha256,
			promptpack_id, trigger, status, error_code, error_detail, device_jobs, metrics,
			gate_evaluation, bundle_artifact_id, created_at, updated_at, completed_at
		FROM runs WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runengine: failed to retrieve run: %w", err)
	}
	return fromRow(row)
}

// Transition persists r's current in-memory status and related fields
// as one transactional write, guarded by an optimistic check that the
// row is still at expectedFrom — a concurrent transition loses this
// race and returns ErrInvalidStateTransition rather than clobbering.
func (repo *RunRepository) Transition(ctx context.Context, r *Run, expectedFrom Status) error {
	deviceJobs, err := json.Marshal(r.DeviceJobs)
	if err != nil {
		return fmt.Errorf("runengine: encode device_jobs: %w", err)
	}

	var bundleID interface{}
	if r.BundleArtifactID != nil {
		bundleID = *r.BundleArtifactID
	}
	var completedAt interface{}
	if r.CompletedAt != nil {
		completedAt = *r.CompletedAt
	}

	result, err := repo.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, error_code = NULLIF($2, ''), error_detail = NULLIF($3, ''),
			device_jobs = $4, metrics = $5, gate_evaluation = $6, bundle_artifact_id = $7,
			updated_at = $8, completed_at = $9
		WHERE id = $10 AND status = $11
	`, string(r.Status), string(r.ErrorCode), r.ErrorDetail, deviceJobs, r.Metrics,
		r.GateEvaluation, bundleID, r.UpdatedAt, completedAt, r.ID, string(expectedFrom))
	if err != nil {
		return fmt.Errorf("runengine: failed to persist transition: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("runengine: failed to persist transition: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s is no longer at %s", ErrInvalidStateTransition, r.ID, expectedFrom)
	}
	return nil
}

// ListStale returns non-terminal, non-queued runs whose updated_at is
// older than grace — candidates for the startup reaper to fail with
// ErrorStale.
func (repo *RunRepository) ListStale(ctx context.Context, grace time.Duration) ([]*Run, error) {
	var rows []runRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT id, workspace_id, pipeline_id, pipeline_name, model_artifact_id, model_sha256,
			promptpack_id, trigger, status, error_code, error_detail, device_jobs, metrics,
			gate_evaluation, bundle_artifact_id, created_at, updated_at, completed_at
		FROM runs
		WHERE status NOT IN ('queued', 'passed', 'failed', 'error')
		AND updated_at < $1
	`, time.Now().Add(-grace))
	if err != nil {
		return nil, fmt.Errorf("runengine: failed to list stale runs: %w", err)
	}

	out := make([]*Run, 0, len(rows))
	for _, row := range rows {
		r, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ActiveCount returns how many non-terminal runs a workspace currently
// has, for workspace-concurrency admission (spec.md §4.H: at most one
// non-terminal run per workspace).
func (repo *RunRepository) ActiveCount(ctx context.Context, workspaceID uuid.UUID) (int, error) {
	var n int
	err := repo.db.GetContext(ctx, &n, `
		SELECT count(*) FROM runs
		WHERE workspace_id = $1 AND status NOT IN ('passed', 'failed', 'error')
	`, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("runengine: failed to count active runs: %w", err)
	}
	return n, nil
}

func insertAuditEvent(ctx context.Context, tx *sqlx.Tx, workspaceID uuid.UUID, actor, eventType string, payload map[string]interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("runengine: encode audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, workspace_id, actor, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, uuid.New(), workspaceID, actor, eventType, encoded)
	if err != nil {
		return fmt.Errorf("runengine: failed to insert audit event: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is alive.
func (repo *RunRepository) HealthCheck(ctx context.Context) error {
	if err := repo.db.PingContext(ctx); err != nil {
		return fmt.Errorf("runengine: health check failed: %w", err)
	}
	return nil
}
