package runengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/pkg/artifactstore"
	"github.com/edgegate/edgegate/pkg/devicecloud"
	"github.com/edgegate/edgegate/pkg/evidence"
	"github.com/edgegate/edgegate/pkg/kms"
	"github.com/edgegate/edgegate/pkg/metrics/gate"
	"github.com/edgegate/edgegate/pkg/notification"
	sharederrors "github.com/edgegate/edgegate/pkg/shared/errors"
)

func marshalJSON(v interface{}) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("runengine: marshal stage output: %w", err)
	}
	return out, nil
}

var tracer = otel.Tracer("edgegate/runengine")

// Device is one enabled entry of a pipeline's device matrix.
type Device struct {
	Name string
}

// PipelineSpec is the subset of a pipeline's configuration (pipeline
// CRUD itself is an out-of-scope external collaborator per spec.md
// §1) the engine needs to drive a run: the device matrix, gates, and
// run policy.
type PipelineSpec struct {
	Devices           []Device
	Gates             []gate.Gate
	PolicyModule      string // optional Rego override, empty if unused
	WarmupRuns        int
	MeasurementRepeats int
	Timeout           time.Duration
}

// PipelineLoader resolves a pipeline's spec by id. Pipeline CRUD
// itself lives outside this engine (spec.md §1); this is the
// engine-facing boundary contract.
type PipelineLoader interface {
	LoadPipeline(ctx context.Context, workspaceID, pipelineID string) (PipelineSpec, error)
}

// PromptpackLoader resolves a promptpack's content and sha256 by id.
type PromptpackLoader interface {
	LoadPromptpack(ctx context.Context, workspaceID, promptpackID string) (content []byte, sha256 string, version string, err error)
}

// TokenResolver resolves a workspace's wrapped device-cloud token.
type TokenResolver interface {
	ResolveDeviceCloudToken(ctx context.Context, workspaceID string) (wrapped []byte, err error)
}

// Orchestrator drives a single run through every stage, persisting
// each transition transactionally through RunRepository.
type Orchestrator struct {
	repo       *RunRepository
	devices    devicecloud.Client
	artifacts  *artifactstore.Store
	kms        kms.KeyManagementService
	pipelines  PipelineLoader
	promptpacks PromptpackLoader
	tokens     TokenResolver
	notifier   notification.Service
	logger     *zap.Logger
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(repo *RunRepository, devices devicecloud.Client, artifacts *artifactstore.Store, km kms.KeyManagementService, pipelines PipelineLoader, promptpacks PromptpackLoader, tokens TokenResolver, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		repo: repo, devices: devices, artifacts: artifacts, kms: km,
		pipelines: pipelines, promptpacks: promptpacks, tokens: tokens, logger: logger,
	}
}

// SetNotifier attaches a run-completion notifier. Delivery failures
// are logged, never surfaced to the caller — a run's terminal state
// is already durably persisted before notification is attempted.
func (o *Orchestrator) SetNotifier(n notification.Service) {
	o.notifier = n
}

// Advance runs every stage of r from its current status through to a
// terminal status, persisting each transition, then best-effort
// delivers a run-completion notification if r reached one. A stage
// failure is recorded on r and persisted as the error terminal state,
// and Advance then returns nil; a non-nil error means loading,
// persisting, or a state transition itself failed, and r may then not
// have reached a terminal status.
func (o *Orchestrator) Advance(ctx context.Context, r *Run) error {
	err := o.advance(ctx, r)
	if r.Status.Terminal() {
		o.notifyCompletion(ctx, r)
	}
	return err
}

func (o *Orchestrator) advance(ctx context.Context, r *Run) error {
	spec, err := o.pipelines.LoadPipeline(ctx, r.WorkspaceID.String(), r.PipelineID.String())
	if err != nil {
		return o.failAndPersist(ctx, r, ErrorMissingInput, err.Error())
	}

	stageCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	for !r.Status.Terminal() {
		from := r.Status
		if err := o.runStage(stageCtx, r, spec); err != nil {
			return err
		}
		if err := o.repo.Transition(ctx, r, from); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) notifyCompletion(ctx context.Context, r *Run) {
	if o.notifier == nil {
		return
	}

	event := notification.RunCompletion{
		RunID:        r.ID.String(),
		WorkspaceID:  r.WorkspaceID.String(),
		PipelineName: r.PipelineName,
		Status:       string(r.Status),
		GatesPassed:  r.evaluation.GatesPassed,
	}
	for _, g := range r.evaluation.Results {
		if !g.Passed {
			event.GatesFailed = append(event.GatesFailed, g.Gate.Metric)
		}
	}
	if r.BundleArtifactID != nil {
		event.BundleURL = "/api/v1/workspaces/" + r.WorkspaceID.String() + "/bundles/" + *r.BundleArtifactID
	}

	if err := o.notifier.Deliver(ctx, event); err != nil {
		o.logger.Warn("run-completion notification delivery failed",
			zap.String("run_id", r.ID.String()), zap.Error(err))
	}
}

func (o *Orchestrator) runStage(ctx context.Context, r *Run, spec PipelineSpec) error {
	ctx, span := tracer.Start(ctx, "runengine.stage."+string(r.Status))
	defer span.End()

	switch r.Status {
	case StatusQueued:
		return o.stagePrepare(ctx, r, spec)
	case StatusPreparing:
		return o.stageSubmit(ctx, r, spec)
	case StatusSubmitting:
		return o.stageRunning(ctx, r, spec)
	case StatusRunning:
		return o.stageCollect(ctx, r, spec)
	case StatusCollecting:
		return o.stageEvaluate(ctx, r, spec)
	case StatusEvaluating:
		return o.stageStartReporting(ctx, r, spec)
	case StatusReporting:
		return o.stageReport(ctx, r, spec)
	default:
		return fmt.Errorf("runengine: no stage handler for status %s", r.Status)
	}
}

func (o *Orchestrator) failAndPersist(ctx context.Context, r *Run, code ErrorCode, detail string) error {
	from := r.Status
	if err := r.Fail(code, detail); err != nil {
		return err
	}
	return o.repo.Transition(ctx, r, from)
}

// stagePrepare: load promptpack content, ensure the model artifact is
// readable, assemble the device-job list.
func (o *Orchestrator) stagePrepare(ctx context.Context, r *Run, spec PipelineSpec) error {
	if _, _, _, err := o.promptpacks.LoadPromptpack(ctx, r.WorkspaceID.String(), r.PromptpackID.String()); err != nil {
		return r.Fail(ErrorMissingInput, "promptpack resolution failed: "+err.Error())
	}
	if _, err := o.artifacts.ReadBytes(ctx, r.WorkspaceID.String(), r.ModelArtifactID.String()); err != nil {
		return r.Fail(ErrorMissingInput, "model artifact unreadable: "+err.Error())
	}

	jobs := make([]DeviceJob, len(spec.Devices))
	for i, d := range spec.Devices {
		jobs[i] = DeviceJob{Device: d.Name}
	}
	r.DeviceJobs = jobs

	return r.MoveTo(StatusPreparing)
}

// stageSubmit: resolve the device-cloud token, compile then profile
// each device, recording job ids.
func (o *Orchestrator) stageSubmit(ctx context.Context, r *Run, spec PipelineSpec) error {
	wrapped, err := o.tokens.ResolveDeviceCloudToken(ctx, r.WorkspaceID.String())
	if err != nil {
		return r.Fail(ErrorNoToken, err.Error())
	}
	token, err := o.kms.Unwrap(wrapped)
	if err != nil {
		return r.Fail(ErrorNoToken, "failed to unwrap device-cloud token: "+err.Error())
	}

	modelURL := "artifact://" + r.ModelArtifactID.String()
	for i, job := range r.DeviceJobs {
		var compileJob devicecloud.Job
		var err error
		compileJob, err = o.devices.SubmitCompile(ctx, string(token), modelURL, job.Device)
		if err != nil && sharederrors.IsRetryable(err) {
			compileJob, err = o.devices.SubmitCompile(ctx, string(token), modelURL, job.Device)
		}
		if err != nil {
			return r.Fail(ErrorSubmitFailed, err.Error())
		}

		deadline := time.Now().Add(spec.Timeout)
		status, err := o.devices.WaitForJob(ctx, string(token), compileJob.ID, deadline)
		if err != nil && sharederrors.IsRetryable(err) {
			status, err = o.devices.WaitForJob(ctx, string(token), compileJob.ID, deadline)
		}
		if err != nil {
			return r.Fail(ErrorSubmitFailed, err.Error())
		}
		if status == devicecloud.JobStatusTimeout {
			return r.Fail(ErrorTimeout, "compile job timed out for device "+job.Device)
		}
		if status == devicecloud.JobStatusFailed {
			return r.Fail(ErrorCompileFailed, "compile failed for device "+job.Device)
		}

		profileJob, err := o.devices.SubmitProfile(ctx, string(token), compileJob.ID, job.Device, spec.MeasurementRepeats)
		if err != nil {
			return r.Fail(ErrorSubmitFailed, err.Error())
		}

		r.DeviceJobs[i].CompileJobID = compileJob.ID
		r.DeviceJobs[i].ProfileJobID = profileJob.ID
	}

	return r.MoveTo(StatusSubmitting)
}

// stageRunning: wait for every profile job to reach a terminal state.
func (o *Orchestrator) stageRunning(ctx context.Context, r *Run, spec PipelineSpec) error {
	wrapped, err := o.tokens.ResolveDeviceCloudToken(ctx, r.WorkspaceID.String())
	if err != nil {
		return r.Fail(ErrorNoToken, err.Error())
	}
	token, err := o.kms.Unwrap(wrapped)
	if err != nil {
		return r.Fail(ErrorNoToken, err.Error())
	}

	deadline := time.Now().Add(spec.Timeout)
	for _, job := range r.DeviceJobs {
		status, err := o.devices.WaitForJob(ctx, string(token), job.ProfileJobID, deadline)
		if err != nil {
			return r.Fail(ErrorProfileFailed, err.Error())
		}
		switch status {
		case devicecloud.JobStatusTimeout:
			return r.Fail(ErrorTimeout, "profile job timed out for device "+job.Device)
		case devicecloud.JobStatusFailed:
			return r.Fail(ErrorProfileFailed, "profile failed for device "+job.Device)
		}
	}

	return r.MoveTo(StatusRunning)
}

// stageCollect: download each device's profile payload and normalize
// it to the measurement-list shape.
func (o *Orchestrator) stageCollect(ctx context.Context, r *Run, spec PipelineSpec) error {
	wrapped, err := o.tokens.ResolveDeviceCloudToken(ctx, r.WorkspaceID.String())
	if err != nil {
		return r.Fail(ErrorCollectFailed, err.Error())
	}
	token, err := o.kms.Unwrap(wrapped)
	if err != nil {
		return r.Fail(ErrorCollectFailed, err.Error())
	}

	measurements := make([]gate.DeviceMeasurements, 0, len(r.DeviceJobs))
	for _, job := range r.DeviceJobs {
		result, err := o.devices.GetProfileResults(ctx, string(token), job.ProfileJobID)
		if err != nil {
			return r.Fail(ErrorCollectFailed, err.Error())
		}
		if result.Error != "" {
			return r.Fail(ErrorCollectFailed, result.Error)
		}

		repeats := make([]map[string]float64, 0, spec.MeasurementRepeats)
		for i := 0; i < spec.MeasurementRepeats; i++ {
			repeats = append(repeats, result.Metrics)
		}
		measurements = append(measurements, gate.DeviceMeasurements{Device: job.Device, Measurements: repeats})
	}

	r.collectedMeasurements = measurements
	return r.MoveTo(StatusCollecting)
}

// stageEvaluate: aggregate metrics and evaluate gates.
func (o *Orchestrator) stageEvaluate(ctx context.Context, r *Run, spec PipelineSpec) error {
	agg := gate.Aggregate(r.collectedMeasurements, spec.WarmupRuns)
	evalResult := gate.Evaluate(spec.Gates, agg.Metrics)

	metricsJSON, err := marshalJSON(agg.Metrics)
	if err != nil {
		return err
	}
	evalJSON, err := marshalJSON(evalResult)
	if err != nil {
		return err
	}

	r.Metrics = metricsJSON
	r.GateEvaluation = evalJSON
	r.aggregation = agg
	r.evaluation = evalResult

	return r.MoveTo(StatusEvaluating)
}

// stageStartReporting advances evaluating -> reporting. Aggregation
// and gate evaluation already ran in stageEvaluate; this stage exists
// only so the state machine's transition table stays the single
// source of truth for what "reporting" means.
func (o *Orchestrator) stageStartReporting(ctx context.Context, r *Run, spec PipelineSpec) error {
	return r.MoveTo(StatusReporting)
}

// stageReport: build and sign the evidence bundle, store it, and move
// to the final passed/failed status.
func (o *Orchestrator) stageReport(ctx context.Context, r *Run, spec PipelineSpec) error {
	_, sha256, version, err := o.promptpacks.LoadPromptpack(ctx, r.WorkspaceID.String(), r.PromptpackID.String())
	if err != nil {
		return r.Fail(ErrorMissingInput, err.Error())
	}

	devicesTested := make([]string, len(r.DeviceJobs))
	for i, job := range r.DeviceJobs {
		devicesTested[i] = job.Device
	}

	status := "passed"
	if !r.evaluation.GatesPassed {
		status = "failed"
	}

	summary := evidence.Summary{
		RunID:             r.ID.String(),
		WorkspaceID:       r.WorkspaceID.String(),
		PipelineID:        r.PipelineID.String(),
		PipelineName:      r.PipelineName,
		ModelArtifactID:   r.ModelArtifactID.String(),
		ModelSHA256:       r.ModelSHA256,
		Status:            status,
		Trigger:           r.Trigger,
		CreatedAt:         r.CreatedAt,
		CompletedAt:       time.Now().UTC(),
		GatesPassed:       r.evaluation.GatesPassed,
		GateCount:         len(spec.Gates),
		GatesEvaluated:    len(r.evaluation.Results),
		GatesFailed:       r.evaluation.FailedNames,
		DevicesTested:     devicesTested,
		PromptpackID:      r.PromptpackID.String(),
		PromptpackVersion: version,
		PromptpackSHA256:  sha256,
	}

	bundle, err := evidence.Build(o.kms, summary, r.aggregation, r.evaluation)
	if err != nil {
		return r.Fail(ErrorMissingInput, err.Error())
	}
	bundleBytes, err := evidence.Marshal(bundle)
	if err != nil {
		return r.Fail(ErrorMissingInput, err.Error())
	}

	artifact, err := o.artifacts.Put(ctx, r.WorkspaceID.String(), artifactstore.KindBundle, bundleBytes, nil, "runengine")
	if err != nil {
		return r.Fail(ErrorMissingInput, err.Error())
	}

	r.BundleArtifactID = &artifact.ID

	if status == "passed" {
		return r.MoveTo(StatusPassed)
	}
	return r.MoveTo(StatusFailed)
}
