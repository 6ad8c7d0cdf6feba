package evidence

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgegate/edgegate/pkg/kms"
	"github.com/edgegate/edgegate/pkg/metrics/gate"
)

// Summary is the canonical, self-contained record of a finished run.
// Every field required to verify the bundle's signature without
// database access lives here (spec.md §4.G).
type Summary struct {
	RunID              string     `json:"run-id"`
	WorkspaceID        string     `json:"workspace-id"`
	PipelineID         string     `json:"pipeline-id"`
	PipelineName       string     `json:"pipeline-name"`
	ModelArtifactID    string     `json:"model-artifact-id"`
	ModelSHA256        string     `json:"model-sha256"`
	Status             string     `json:"status"`
	Trigger            string     `json:"trigger"`
	CreatedAt          time.Time  `json:"created-at"`
	CompletedAt        time.Time  `json:"completed-at"`
	GatesPassed        bool       `json:"gates-passed"`
	GateCount          int        `json:"gate-count"`
	GatesEvaluated     int        `json:"gates-evaluated"`
	GatesFailed        []string   `json:"gates-failed"`
	DevicesTested      []string   `json:"devices-tested"`
	PromptpackID       string     `json:"promptpack-id"`
	PromptpackVersion  string     `json:"promptpack-version"`
	PromptpackSHA256   string     `json:"promptpack-sha256"`
}

// SignedSummary is the summary plus its detached KMS signature.
type SignedSummary struct {
	Summary   Summary `json:"summary"`
	Signature string  `json:"signature"`
	KeyID     string  `json:"key_id"`
}

// Bundle is the full evidence artifact: the signed summary plus the
// material needed to audit how it was reached — normalized metrics,
// the gate evaluation record, and per-device raw aggregates. Field
// names follow the bundle layout of spec.md §6 exactly.
type Bundle struct {
	SignedSummary     SignedSummary                   `json:"signed_summary"`
	NormalizedMetrics map[string]gate.MetricAggregate  `json:"normalized_metrics"`
	GatesEval         gate.EvaluationResult            `json:"gates_eval"`
	DeviceResults     map[string]map[string]float64    `json:"device_results"`
}

// Build produces the canonical summary bytes, signs them with km, and
// assembles the full bundle.
func Build(km kms.KeyManagementService, summary Summary, agg gate.AggregationResult, evalResult gate.EvaluationResult) (Bundle, error) {
	canonical, err := canonicalize(summary)
	if err != nil {
		return Bundle{}, err
	}

	keyID, sig, err := km.Sign(canonical)
	if err != nil {
		return Bundle{}, fmt.Errorf("evidence: sign summary: %w", err)
	}

	return Bundle{
		SignedSummary: SignedSummary{
			Summary:   summary,
			Signature: base64.StdEncoding.EncodeToString(sig),
			KeyID:     keyID,
		},
		NormalizedMetrics: agg.Metrics,
		GatesEval:         evalResult,
		DeviceResults:     agg.PerDeviceMedians,
	}, nil
}

// Marshal renders the bundle as the bytes that get content-addressed
// and stored through the artifact store with kind=bundle.
func Marshal(b Bundle) ([]byte, error) {
	out, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal bundle: %w", err)
	}
	return out, nil
}

// Unmarshal parses stored bundle bytes.
func Unmarshal(data []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("evidence: unmarshal bundle: %w", err)
	}
	return b, nil
}

// Verify recomputes the canonical summary bytes from the bundle and
// checks them against the stored signature and key id. It requires
// only the bundle and the KMS public key for that key id — no
// database access.
func Verify(km kms.KeyManagementService, b Bundle) (bool, error) {
	canonical, err := canonicalize(b.SignedSummary.Summary)
	if err != nil {
		return false, err
	}

	sig, err := base64.StdEncoding.DecodeString(b.SignedSummary.Signature)
	if err != nil {
		return false, fmt.Errorf("evidence: decode signature: %w", err)
	}

	return km.Verify(canonical, sig, b.SignedSummary.KeyID), nil
}
