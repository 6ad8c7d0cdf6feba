package aihub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sharedhttp "github.com/edgegate/edgegate/pkg/shared/http"
	"github.com/edgegate/edgegate/pkg/devicecloud"
)

var tracer = otel.Tracer("edgegate/devicecloud/aihub")

var (
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgegate_devicecloud_request_duration_seconds",
		Help:    "Latency of device-cloud HTTP calls by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_devicecloud_requests_total",
		Help: "Device-cloud HTTP calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	pollInterval = 2 * time.Second
)

func init() {
	prometheus.MustRegister(requestDuration, requestsTotal)
}

// Client is the production devicecloud.Client: an HTTP client talking
// to a remote aihub-compatible endpoint, wrapped in a circuit breaker
// and instrumented with tracing and metrics.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient builds a production Client. baseURL is the device cloud's
// API root, with no trailing slash.
func NewClient(baseURL string, timeout time.Duration) *Client {
	settings := gobreaker.Settings{
		Name:        "devicecloud",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		baseURL: baseURL,
		http:    sharedhttp.NewClient(sharedhttp.DeviceCloudClientConfig(timeout)),
		breaker: gobreaker.NewCircuitBreaker[*http.Response](settings),
	}
}

func (c *Client) do(ctx context.Context, operation, method, path string, body interface{}, token string) (*http.Response, error) {
	ctx, span := tracer.Start(ctx, "devicecloud."+operation, trace.WithAttributes(
		attribute.String("devicecloud.operation", operation),
	))
	defer span.End()

	start := time.Now()
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			encoded, marshalErr := json.Marshal(body)
			if marshalErr != nil {
				return nil, marshalErr
			}
			reader = bytes.NewReader(encoded)
		}

		req, reqErr := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if reqErr != nil {
			return nil, reqErr
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("aihub: %s returned %d", operation, resp.StatusCode)
		}
		return resp, nil
	})

	requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	requestsTotal.WithLabelValues(operation, outcome).Inc()

	return resp, err
}

func decodeJSON(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) ValidateToken(ctx context.Context, token string) (bool, error) {
	resp, err := c.do(ctx, "validate_token", http.MethodGet, "/v1/auth/validate", nil, token)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) ListDevices(ctx context.Context, token string) ([]devicecloud.Device, error) {
	resp, err := c.do(ctx, "list_devices", http.MethodGet, "/v1/devices", nil, token)
	if err != nil {
		return nil, err
	}
	var out struct {
		Devices []devicecloud.Device `json:"devices"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("aihub: decode list_devices response: %w", err)
	}
	return out.Devices, nil
}

func (c *Client) SubmitCompile(ctx context.Context, token, modelArtifactURL, device string) (devicecloud.Job, error) {
	payload := map[string]string{"model_artifact_url": modelArtifactURL, "device": device}
	return c.submitJob(ctx, "submit_compile", "/v1/jobs/compile", payload, token)
}

func (c *Client) SubmitProfile(ctx context.Context, token, compiledJobID, device string, repeats int) (devicecloud.Job, error) {
	payload := map[string]interface{}{"compiled_job_id": compiledJobID, "device": device, "repeats": repeats}
	return c.submitJob(ctx, "submit_profile", "/v1/jobs/profile", payload, token)
}

func (c *Client) SubmitInference(ctx context.Context, token, compiledJobID, device string, inputs map[string]interface{}) (devicecloud.Job, error) {
	payload := map[string]interface{}{"compiled_job_id": compiledJobID, "device": device, "inputs": inputs}
	return c.submitJob(ctx, "submit_inference", "/v1/jobs/inference", payload, token)
}

func (c *Client) submitJob(ctx context.Context, operation, path string, payload interface{}, token string) (devicecloud.Job, error) {
	resp, err := c.do(ctx, operation, http.MethodPost, path, payload, token)
	if err != nil {
		return devicecloud.Job{}, err
	}
	var job devicecloud.Job
	if err := decodeJSON(resp, &job); err != nil {
		return devicecloud.Job{}, fmt.Errorf("aihub: decode %s response: %w", operation, err)
	}
	return job, nil
}

func (c *Client) GetJobStatus(ctx context.Context, token, jobID string) (devicecloud.JobStatus, error) {
	resp, err := c.do(ctx, "get_job_status", http.MethodGet, "/v1/jobs/"+jobID, nil, token)
	if err != nil {
		return "", err
	}
	var out struct {
		Status devicecloud.JobStatus `json:"status"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", fmt.Errorf("aihub: decode job status response: %w", err)
	}
	return out.Status, nil
}

// WaitForJob polls GetJobStatus until a terminal status or deadline.
// A device-cloud outage during polling is logged to the span and
// treated as non-terminal — polling continues until the deadline.
func (c *Client) WaitForJob(ctx context.Context, token, jobID string, deadline time.Time) (devicecloud.JobStatus, error) {
	for {
		if time.Now().After(deadline) {
			return devicecloud.JobStatusTimeout, nil
		}

		status, err := c.GetJobStatus(ctx, token, jobID)
		if err == nil {
			switch status {
			case devicecloud.JobStatusCompleted, devicecloud.JobStatusFailed:
				return status, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (c *Client) GetProfileResults(ctx context.Context, token, jobID string) (devicecloud.ProfileResult, error) {
	resp, err := c.do(ctx, "get_profile_results", http.MethodGet, "/v1/jobs/"+jobID+"/profile", nil, token)
	if err != nil {
		return devicecloud.ProfileResult{}, err
	}
	var result devicecloud.ProfileResult
	if err := decodeJSON(resp, &result); err != nil {
		return devicecloud.ProfileResult{}, fmt.Errorf("aihub: decode profile results response: %w", err)
	}
	return result, nil
}

func (c *Client) GetInferenceResults(ctx context.Context, token, jobID string) (devicecloud.InferenceResult, error) {
	resp, err := c.do(ctx, "get_inference_results", http.MethodGet, "/v1/jobs/"+jobID+"/inference", nil, token)
	if err != nil {
		return devicecloud.InferenceResult{}, err
	}
	var result devicecloud.InferenceResult
	if err := decodeJSON(resp, &result); err != nil {
		return devicecloud.InferenceResult{}, fmt.Errorf("aihub: decode inference results response: %w", err)
	}
	return result, nil
}

var _ devicecloud.Client = (*Client)(nil)
