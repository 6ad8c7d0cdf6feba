// Package devicecloud defines the polymorphic capability interface
// the run engine uses to talk to the remote device cloud (spec.md
// §4.E), plus the production and mock implementations under aihub.
package devicecloud

import (
	"context"
	"time"
)

// JobStatus is the lifecycle state of a submitted compile/profile/
// inference job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimeout   JobStatus = "timeout"
)

// Device describes one entry in the device matrix as reported by the
// device cloud.
type Device struct {
	Name      string
	Available bool
}

// Job identifies a submitted unit of work.
type Job struct {
	ID     string
	Status JobStatus
}

// ProfileResult is the outcome of a completed profiling job. A
// failure inside the device cloud is data (Error non-empty), not an
// exception — the run state machine branches on it.
type ProfileResult struct {
	Status  JobStatus
	Metrics map[string]float64
	Error   string
}

// InferenceResult is the outcome of a completed inference job.
type InferenceResult struct {
	Status  JobStatus
	Outputs map[string]interface{}
	Error   string
}

// Client is the capability set the run engine depends on. Two
// implementations exist under the aihub subpackage: a real client and
// a deterministic mock.
type Client interface {
	ValidateToken(ctx context.Context, token string) (bool, error)
	ListDevices(ctx context.Context, token string) ([]Device, error)
	SubmitCompile(ctx context.Context, token string, modelArtifactURL string, device string) (Job, error)
	SubmitProfile(ctx context.Context, token string, compiledJobID string, device string, repeats int) (Job, error)
	SubmitInference(ctx context.Context, token string, compiledJobID string, device string, inputs map[string]interface{}) (Job, error)
	GetJobStatus(ctx context.Context, token string, jobID string) (JobStatus, error)
	// WaitForJob polls until the job reaches a terminal status or
	// deadline elapses. On deadline it returns JobStatusTimeout rather
	// than an error.
	WaitForJob(ctx context.Context, token string, jobID string, deadline time.Time) (JobStatus, error)
	GetProfileResults(ctx context.Context, token string, jobID string) (ProfileResult, error)
	GetInferenceResults(ctx context.Context, token string, jobID string) (InferenceResult, error)
}
