// Package runengine implements the run state machine and worker
// pipeline (spec.md §4.H): prepare → submit → poll → collect →
// evaluate → report, with transactional persistence of every
// transition and workspace-concurrency admission control.
package runengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/edgegate/pkg/metrics/gate"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusPreparing  Status = "preparing"
	StatusSubmitting Status = "submitting"
	StatusRunning    Status = "running"
	StatusCollecting Status = "collecting"
	StatusEvaluating Status = "evaluating"
	StatusReporting  Status = "reporting"
	StatusPassed     Status = "passed"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
)

// Terminal reports whether status has no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

// transitions lists, for each non-terminal status, the statuses it
// may move to. Every row also implicitly allows StatusError, added in
// validTransition to avoid repeating it at every entry.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusPreparing},
	StatusPreparing:  {StatusSubmitting},
	StatusSubmitting: {StatusRunning},
	StatusRunning:    {StatusCollecting},
	StatusCollecting: {StatusEvaluating},
	StatusEvaluating: {StatusReporting},
	StatusReporting:  {StatusPassed, StatusFailed},
}

// ErrInvalidStateTransition is returned when a transition is attempted
// from a terminal state, or to a state not listed for the current one.
var ErrInvalidStateTransition = errors.New("runengine: invalid state transition")

func validTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusError {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrorCode enumerates the stage-specific failure reasons spec.md
// §4.H assigns to the error terminal state.
type ErrorCode string

const (
	ErrorMissingInput  ErrorCode = "MISSING_INPUT"
	ErrorRunNotFound   ErrorCode = "RUN_NOT_FOUND"
	ErrorNoToken       ErrorCode = "NO_TOKEN"
	ErrorCompileFailed ErrorCode = "COMPILE_FAILED"
	ErrorSubmitFailed  ErrorCode = "SUBMIT_FAILED"
	ErrorProfileFailed ErrorCode = "PROFILE_FAILED"
	ErrorTimeout       ErrorCode = "TIMEOUT"
	ErrorCollectFailed ErrorCode = "COLLECT_FAILED"
	ErrorStale         ErrorCode = "STALE"
)

// DeviceJob tracks one device's compile/profile job ids through the
// submitting/running/collecting stages.
type DeviceJob struct {
	Device        string `json:"device"`
	CompileJobID  string `json:"compile_job_id,omitempty"`
	ProfileJobID  string `json:"profile_job_id,omitempty"`
}

// Run is a single regression-test execution of a pipeline.
type Run struct {
	ID              uuid.UUID
	WorkspaceID     uuid.UUID
	PipelineID      uuid.UUID
	PipelineName    string
	ModelArtifactID uuid.UUID
	ModelSHA256     string
	PromptpackID    uuid.UUID
	Trigger         string
	Status          Status
	ErrorCode       ErrorCode
	ErrorDetail     string
	DeviceJobs      []DeviceJob
	Metrics         []byte // canonical JSON, written at evaluating
	GateEvaluation  []byte // canonical JSON, written at evaluating
	BundleArtifactID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time

	// collectedMeasurements, aggregation, and evaluation carry
	// in-memory stage output between the collecting/evaluating/
	// reporting stages of a single Advance call; Metrics and
	// GateEvaluation are serialized from them, and they are never
	// persisted directly.
	collectedMeasurements []gate.DeviceMeasurements
	aggregation           gate.AggregationResult
	evaluation            gate.EvaluationResult
}

// MoveTo validates and applies a transition in memory; callers persist
// it through RunRepository.Transition in the same logical step.
func (r *Run) MoveTo(to Status) error {
	if !validTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	if to.Terminal() {
		now := r.UpdatedAt
		r.CompletedAt = &now
	}
	return nil
}

// Fail moves the run to error with the given code and detail. It is
// always valid unless the run is already terminal.
func (r *Run) Fail(code ErrorCode, detail string) error {
	if err := r.MoveTo(StatusError); err != nil {
		return err
	}
	r.ErrorCode = code
	r.ErrorDetail = detail
	return nil
}
