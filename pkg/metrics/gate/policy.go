package gate

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// policyQuery is the Rego query a pipeline's optional policy bundle
// must satisfy. The policy package is expected to bind a single
// boolean `passed` and, on failure, a `reasons` array of strings.
const policyQuery = "data.edgegate.gate.passed"
const policyReasonsQuery = "data.edgegate.gate.reasons"

// PolicyResult is the outcome of evaluating a Rego policy override
// against a run's aggregated metrics.
type PolicyResult struct {
	Passed  bool
	Reasons []string
}

// EvaluatePolicy runs a pipeline-supplied Rego module against the
// aggregated metrics map for gates whose logic isn't expressible as a
// single (metric, operator, threshold) triple. module is the raw
// Rego source; it must define edgegate.gate.passed (bool) and may
// define edgegate.gate.reasons ([]string).
func EvaluatePolicy(ctx context.Context, module string, metrics map[string]MetricAggregate) (PolicyResult, error) {
	input := make(map[string]float64, len(metrics))
	for name, agg := range metrics {
		input[name] = agg.Value
	}

	r := rego.New(
		rego.Query(policyQuery),
		rego.Module("policy.rego", module),
		rego.Input(map[string]interface{}{"metrics": input}),
	)

	rs, err := r.Eval(ctx)
	if err != nil {
		return PolicyResult{}, fmt.Errorf("gate: policy evaluation failed: %w", err)
	}
	passed := extractBool(rs)

	reasonsRego := rego.New(
		rego.Query(policyReasonsQuery),
		rego.Module("policy.rego", module),
		rego.Input(map[string]interface{}{"metrics": input}),
	)
	reasonsRS, err := reasonsRego.Eval(ctx)
	if err != nil {
		return PolicyResult{Passed: passed}, nil
	}

	return PolicyResult{Passed: passed, Reasons: extractStrings(reasonsRS)}, nil
}

func extractBool(rs rego.ResultSet) bool {
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false
	}
	b, _ := rs[0].Expressions[0].Value.(bool)
	return b
}

func extractStrings(rs rego.ResultSet) []string {
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil
	}
	raw, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
