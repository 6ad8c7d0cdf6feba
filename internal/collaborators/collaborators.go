// Package collaborators adapts the engine's read-only external
// collaborators (spec.md §1 component I: pipeline config, promptpacks,
// workspace/user data) onto the boundary interfaces runengine and
// ciauth depend on. Pipeline and PromptPack CRUD themselves live
// outside the engine; this package only reads what a run needs.
package collaborators

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/runengine"
	"github.com/edgegate/edgegate/pkg/datastorage/validation"
	"github.com/edgegate/edgegate/pkg/kms"
	"github.com/edgegate/edgegate/pkg/metrics/gate"
)

// PipelineRepository resolves pipeline specs over the shared Postgres
// pool.
type PipelineRepository struct {
	db     *sqlx.DB
	kms    kms.KeyManagementService
	logger *zap.Logger
}

// NewPipelineRepository builds a PipelineRepository.
func NewPipelineRepository(db *sqlx.DB, km kms.KeyManagementService, logger *zap.Logger) *PipelineRepository {
	return &PipelineRepository{db: db, kms: km, logger: logger}
}

type pipelineRow struct {
	DeviceMatrix []byte `db:"device_matrix"`
	Gates        []byte `db:"gates"`
	RunPolicy    []byte `db:"run_policy"`
}

type deviceMatrixEntry struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type gateSpec struct {
	Metric      string  `json:"metric"`
	Operator    string  `json:"operator"`
	Threshold   float64 `json:"threshold"`
	Description string  `json:"description,omitempty"`
}

type runPolicySpec struct {
	WarmupRuns         int `json:"warmup_runs"`
	MeasurementRepeats int `json:"measurement_repeats"`
	MaxNewTokens       int `json:"max_new_tokens"`
	TimeoutMinutes     int `json:"timeout_minutes"`
}

// LoadPipeline implements runengine.PipelineLoader: it reads a
// pipeline's device matrix, gates, and run policy and resolves only
// the enabled devices (spec.md §3: "≥1 enabled device").
func (p *PipelineRepository) LoadPipeline(ctx context.Context, workspaceID, pipelineID string) (runengine.PipelineSpec, error) {
	var row pipelineRow
	err := p.db.GetContext(ctx, &row, `
		SELECT device_matrix, gates, run_policy
		FROM pipelines WHERE workspace_id = $1 AND id = $2
	`, workspaceID, pipelineID)
	if err != nil {
		return runengine.PipelineSpec{}, validation.NewNotFoundProblem("pipeline", pipelineID)
	}

	var matrix []deviceMatrixEntry
	if err := json.Unmarshal(row.DeviceMatrix, &matrix); err != nil {
		return runengine.PipelineSpec{}, fmt.Errorf("collaborators: failed to decode device matrix: %w", err)
	}
	var devices []runengine.Device
	for _, d := range matrix {
		if d.Enabled {
			devices = append(devices, runengine.Device{Name: d.Name})
		}
	}

	var gateSpecs []gateSpec
	if err := json.Unmarshal(row.Gates, &gateSpecs); err != nil {
		return runengine.PipelineSpec{}, fmt.Errorf("collaborators: failed to decode gates: %w", err)
	}
	gates := make([]gate.Gate, 0, len(gateSpecs))
	for _, g := range gateSpecs {
		gates = append(gates, gate.Gate{
			Metric:      g.Metric,
			Operator:    gate.Operator(g.Operator),
			Threshold:   g.Threshold,
			Description: g.Description,
		})
	}

	var policy runPolicySpec
	if err := json.Unmarshal(row.RunPolicy, &policy); err != nil {
		return runengine.PipelineSpec{}, fmt.Errorf("collaborators: failed to decode run policy: %w", err)
	}

	return runengine.PipelineSpec{
		Devices:            devices,
		Gates:              gates,
		WarmupRuns:         policy.WarmupRuns,
		MeasurementRepeats: policy.MeasurementRepeats,
		Timeout:            time.Duration(policy.TimeoutMinutes) * time.Minute,
	}, nil
}

// PromptpackRepository resolves immutable promptpack content.
type PromptpackRepository struct {
	db *sqlx.DB
}

// NewPromptpackRepository builds a PromptpackRepository.
func NewPromptpackRepository(db *sqlx.DB) *PromptpackRepository {
	return &PromptpackRepository{db: db}
}

// LoadPromptpack implements runengine.PromptpackLoader.
func (p *PromptpackRepository) LoadPromptpack(ctx context.Context, workspaceID, promptpackID string) ([]byte, string, string, error) {
	var row struct {
		Content []byte `db:"content"`
		SHA256  string `db:"sha256"`
		Version string `db:"version"`
	}
	err := p.db.GetContext(ctx, &row, `
		SELECT content, sha256, version
		FROM promptpacks WHERE workspace_id = $1 AND id = $2
	`, workspaceID, promptpackID)
	if err != nil {
		return nil, "", "", validation.NewNotFoundProblem("promptpack", promptpackID)
	}
	return row.Content, row.SHA256, row.Version, nil
}

// IntegrationResolver resolves a workspace's wrapped device-cloud
// token and, separately, its CI HMAC secret — both stored encrypted
// under the KMS master key, unwrapped only on the calling goroutine's
// stack (spec.md §3 Integration: "the plaintext token never leaves the
// unwrap call").
type IntegrationResolver struct {
	db  *sqlx.DB
	kms kms.KeyManagementService
}

// NewIntegrationResolver builds an IntegrationResolver.
func NewIntegrationResolver(db *sqlx.DB, km kms.KeyManagementService) *IntegrationResolver {
	return &IntegrationResolver{db: db, kms: km}
}

// ResolveDeviceCloudToken implements runengine.TokenResolver: it
// returns the workspace's active device-cloud integration token,
// still wrapped — the orchestrator unwraps it immediately before use.
func (r *IntegrationResolver) ResolveDeviceCloudToken(ctx context.Context, workspaceID string) ([]byte, error) {
	var wrapped []byte
	err := r.db.GetContext(ctx, &wrapped, `
		SELECT wrapped_token FROM integrations
		WHERE workspace_id = $1 AND status = 'active'
		ORDER BY created_at DESC LIMIT 1
	`, workspaceID)
	if err != nil {
		return nil, validation.NewNotFoundProblem("integration", workspaceID)
	}
	return wrapped, nil
}

// ResolveSecret implements ciauth.SecretResolver: it returns the
// workspace's stored CI-signing secret still envelope-encrypted — the
// authenticator decrypts it. A workspace with no stored secret returns
// ok=false so the authenticator falls back to its deterministic
// HMAC(master-key, workspace-id) scheme (spec.md §4.D).
func (r *IntegrationResolver) ResolveSecret(workspaceID string) (secret []byte, ok bool, err error) {
	var wrapped []byte
	dbErr := r.db.Get(&wrapped, `
		SELECT ci_signing_secret FROM workspaces WHERE id = $1 AND ci_signing_secret IS NOT NULL
	`, workspaceID)
	if dbErr != nil {
		return nil, false, nil
	}
	return wrapped, true, nil
}
