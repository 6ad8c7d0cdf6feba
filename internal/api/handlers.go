package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	intErrors "github.com/edgegate/edgegate/internal/errors"
	"github.com/edgegate/edgegate/internal/runengine"
	"github.com/edgegate/edgegate/pkg/artifactstore"
	"github.com/edgegate/edgegate/pkg/ciauth"
	"github.com/edgegate/edgegate/pkg/datastorage/validation"
)

// RunQueue enqueues a newly created run for pickup by the worker
// pool; runengine.Pool satisfies this.
type RunQueue interface {
	Enqueue(runID uuid.UUID)
}

// Handler holds the dependencies the API-edge routes need. It carries
// no HTTP framework state of its own, following the teacher's
// datastorage Handler/MockDB separation between transport and
// business logic.
type Handler struct {
	runs      *runengine.RunRepository
	artifacts *artifactstore.Store
	queue     RunQueue
	auth      *ciauth.Authenticator
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(runs *runengine.RunRepository, artifacts *artifactstore.Store, queue RunQueue, auth *ciauth.Authenticator, logger *zap.Logger) *Handler {
	return &Handler{
		runs:      runs,
		artifacts: artifacts,
		queue:     queue,
		auth:      auth,
		validate:  validator.New(),
		logger:    logger,
	}
}

// createRunRequest is the run-create payload (spec.md §6 data flow:
// a caller posts a run-create request naming a pipeline, model
// artifact, and promptpack).
type createRunRequest struct {
	WorkspaceID     string `json:"workspace_id" validate:"required,uuid"`
	PipelineID      string `json:"pipeline_id" validate:"required,uuid"`
	PipelineName    string `json:"pipeline_name" validate:"required"`
	ModelArtifactID string `json:"model_artifact_id" validate:"required,uuid"`
	ModelSHA256     string `json:"model_sha256" validate:"required,len=64,hexadecimal"`
	PromptpackID    string `json:"promptpack_id" validate:"required,uuid"`
	Trigger         string `json:"trigger" validate:"required,oneof=user ci"`
}

type runResponse struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Status      string `json:"status"`
	ErrorCode   string `json:"error_code,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	BundleURL   string `json:"bundle_url,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toRunResponse(r *runengine.Run) runResponse {
	resp := runResponse{
		ID:          r.ID.String(),
		WorkspaceID: r.WorkspaceID.String(),
		Status:      string(r.Status),
		ErrorCode:   string(r.ErrorCode),
		ErrorDetail: r.ErrorDetail,
		CreatedAt:   r.CreatedAt.Format(httpTimeFormat),
		UpdatedAt:   r.UpdatedAt.Format(httpTimeFormat),
	}
	if r.BundleArtifactID != nil {
		resp.BundleURL = "/api/v1/workspaces/" + r.WorkspaceID.String() + "/bundles/" + *r.BundleArtifactID
	}
	return resp
}

const httpTimeFormat = "2006-01-02T15:04:05Z07:00"

// CreateRun handles POST /api/v1/runs: validates the payload,
// persists a new run in state queued, and hands it to the worker
// pool.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, intErrors.New(intErrors.ErrorTypeValidation, "failed to read request body"))
		return
	}

	var req createRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, intErrors.New(intErrors.ErrorTypeValidation, "malformed JSON body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, intErrors.New(intErrors.ErrorTypeValidation, err.Error()))
		return
	}

	run := &runengine.Run{
		WorkspaceID:     uuid.MustParse(req.WorkspaceID),
		PipelineID:      uuid.MustParse(req.PipelineID),
		PipelineName:    req.PipelineName,
		ModelArtifactID: uuid.MustParse(req.ModelArtifactID),
		ModelSHA256:     req.ModelSHA256,
		PromptpackID:    uuid.MustParse(req.PromptpackID),
		Trigger:         req.Trigger,
	}

	created, err := h.runs.Create(r.Context(), run, req.Trigger)
	if err != nil {
		writeError(w, err)
		return
	}

	h.queue.Enqueue(created.ID)
	writeJSON(w, http.StatusAccepted, toRunResponse(created))
}

// GetRun handles GET /api/v1/workspaces/{workspaceID}/runs/{runID}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := uuid.Parse(chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, intErrors.New(intErrors.ErrorTypeValidation, "invalid workspace id"))
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, intErrors.New(intErrors.ErrorTypeValidation, "invalid run id"))
		return
	}

	run, err := h.runs.Get(r.Context(), workspaceID, runID)
	if err != nil {
		if err == runengine.ErrNotFound {
			writeProblem(w, validation.NewNotFoundProblem("run", runID.String()))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// GetBundle handles GET /api/v1/workspaces/{workspaceID}/bundles/{artifactID}:
// it streams the raw evidence-bundle blob a completed run produced.
func (h *Handler) GetBundle(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	artifactID := chi.URLParam(r, "artifactID")

	data, err := h.artifacts.ReadBytes(r.Context(), workspaceID, artifactID)
	if err != nil {
		if errors.Is(err, artifactstore.ErrBlobMissing) {
			writeProblem(w, validation.NewNotFoundProblem("bundle", artifactID))
			return
		}
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HealthCheck handles GET /healthz.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.runs.HealthCheck(r.Context()); err != nil {
		writeProblem(w, validation.NewServiceUnavailableProblem("database unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
