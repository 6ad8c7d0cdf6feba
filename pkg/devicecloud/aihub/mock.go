// Package aihub provides the production and mock implementations of
// devicecloud.Client: the remote device cloud EdgeGate submits
// compile/profile/inference jobs to (spec.md §4.E).
package aihub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgegate/edgegate/pkg/devicecloud"
)

// MockClient is a deterministic, in-memory devicecloud.Client used in
// tests and local development. Jobs complete immediately on
// WaitForJob; profile results are derived from a seeded metrics table
// so gate-evaluation tests can exercise realistic values without a
// live device cloud.
type MockClient struct {
	mu sync.Mutex

	ValidTokens map[string]bool
	Devices     []devicecloud.Device

	// ProfileMetrics seeds GetProfileResults by profile job ID. Missing
	// entries fall back to a single default metric.
	ProfileMetrics map[string]map[string]float64

	// FailJobs marks job IDs that should resolve to JobStatusFailed
	// instead of JobStatusCompleted.
	FailJobs map[string]bool

	jobs    map[string]devicecloud.JobStatus
	nextID  int
}

// NewMockClient builds a MockClient with a small default device
// matrix and a single valid token.
func NewMockClient() *MockClient {
	return &MockClient{
		ValidTokens: map[string]bool{"mock-token": true},
		Devices: []devicecloud.Device{
			{Name: "edge-cpu-a", Available: true},
			{Name: "edge-gpu-a", Available: true},
		},
		ProfileMetrics: map[string]map[string]float64{},
		FailJobs:       map[string]bool{},
		jobs:           map[string]devicecloud.JobStatus{},
	}
}

func (m *MockClient) ValidateToken(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ValidTokens[token], nil
}

func (m *MockClient) ListDevices(ctx context.Context, token string) ([]devicecloud.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]devicecloud.Device, len(m.Devices))
	copy(out, m.Devices)
	return out, nil
}

func (m *MockClient) newJob() devicecloud.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("mock-job-%d", m.nextID)
	m.jobs[id] = devicecloud.JobStatusCompleted
	return devicecloud.Job{ID: id, Status: devicecloud.JobStatusCompleted}
}

func (m *MockClient) SubmitCompile(ctx context.Context, token, modelArtifactURL, device string) (devicecloud.Job, error) {
	return m.newJob(), nil
}

func (m *MockClient) SubmitProfile(ctx context.Context, token, compiledJobID, device string, repeats int) (devicecloud.Job, error) {
	return m.newJob(), nil
}

func (m *MockClient) SubmitInference(ctx context.Context, token, compiledJobID, device string, inputs map[string]interface{}) (devicecloud.Job, error) {
	return m.newJob(), nil
}

func (m *MockClient) GetJobStatus(ctx context.Context, token, jobID string) (devicecloud.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("aihub mock: unknown job %q", jobID)
	}
	if m.FailJobs[jobID] {
		return devicecloud.JobStatusFailed, nil
	}
	return status, nil
}

// WaitForJob resolves immediately; the mock never queues.
func (m *MockClient) WaitForJob(ctx context.Context, token, jobID string, deadline time.Time) (devicecloud.JobStatus, error) {
	return m.GetJobStatus(ctx, token, jobID)
}

func (m *MockClient) GetProfileResults(ctx context.Context, token, jobID string) (devicecloud.ProfileResult, error) {
	status, err := m.GetJobStatus(ctx, token, jobID)
	if err != nil {
		return devicecloud.ProfileResult{}, err
	}
	if status == devicecloud.JobStatusFailed {
		return devicecloud.ProfileResult{Status: status, Error: "mock: device profiling failed"}, nil
	}

	m.mu.Lock()
	metrics, ok := m.ProfileMetrics[jobID]
	m.mu.Unlock()
	if !ok {
		metrics = map[string]float64{"latency_ms": 42.0}
	}
	return devicecloud.ProfileResult{Status: status, Metrics: metrics}, nil
}

func (m *MockClient) GetInferenceResults(ctx context.Context, token, jobID string) (devicecloud.InferenceResult, error) {
	status, err := m.GetJobStatus(ctx, token, jobID)
	if err != nil {
		return devicecloud.InferenceResult{}, err
	}
	if status == devicecloud.JobStatusFailed {
		return devicecloud.InferenceResult{Status: status, Error: "mock: inference failed"}, nil
	}
	return devicecloud.InferenceResult{Status: status, Outputs: map[string]interface{}{"ok": true}}, nil
}

var _ devicecloud.Client = (*MockClient)(nil)
