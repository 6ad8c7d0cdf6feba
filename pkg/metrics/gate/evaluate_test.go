package gate_test

import (
	"math"
	"testing"

	"github.com/edgegate/edgegate/pkg/metrics/gate"
)

func metricsOf(values map[string]float64) map[string]gate.MetricAggregate {
	out := make(map[string]gate.MetricAggregate, len(values))
	for k, v := range values {
		out[k] = gate.MetricAggregate{Value: v}
	}
	return out
}

func TestEvaluate_Operators(t *testing.T) {
	cases := []struct {
		name     string
		operator gate.Operator
		actual   float64
		target   float64
		want     bool
	}{
		{"lt passes", gate.OperatorLT, 40, 50, true},
		{"lt fails at equal", gate.OperatorLT, 50, 50, false},
		{"lte passes at equal", gate.OperatorLTE, 50, 50, true},
		{"gt passes", gate.OperatorGT, 60, 50, true},
		{"gte passes at equal", gate.OperatorGTE, 50, 50, true},
		{"eq passes within tolerance", gate.OperatorEQ, 50.0000000001, 50, true},
		{"eq fails outside tolerance", gate.OperatorEQ, 50.1, 50, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gates := []gate.Gate{{Metric: "m", Operator: tc.operator, Threshold: tc.target}}
			result := gate.Evaluate(gates, metricsOf(map[string]float64{"m": tc.actual}))

			if result.Results[0].Passed != tc.want {
				t.Errorf("expected passed=%v, got %v", tc.want, result.Results[0].Passed)
			}
			if result.GatesPassed != tc.want {
				t.Errorf("expected GatesPassed=%v, got %v", tc.want, result.GatesPassed)
			}
		})
	}
}

func TestEvaluate_MissingMetricFailsWithNaN(t *testing.T) {
	gates := []gate.Gate{{Metric: "missing", Operator: gate.OperatorLT, Threshold: 10}}
	result := gate.Evaluate(gates, metricsOf(nil))

	if result.GatesPassed {
		t.Error("expected evaluation to fail when a gate's metric is missing")
	}
	if !math.IsNaN(result.Results[0].Actual) {
		t.Errorf("expected Actual=NaN for missing metric, got %v", result.Results[0].Actual)
	}
	if len(result.FailedNames) != 1 || result.FailedNames[0] != "missing" {
		t.Errorf("expected FailedNames=[missing], got %v", result.FailedNames)
	}
}

func TestEvaluate_NeverShortCircuits(t *testing.T) {
	gates := []gate.Gate{
		{Metric: "a", Operator: gate.OperatorLT, Threshold: 10},
		{Metric: "missing", Operator: gate.OperatorLT, Threshold: 10},
		{Metric: "b", Operator: gate.OperatorGT, Threshold: 0},
	}
	result := gate.Evaluate(gates, metricsOf(map[string]float64{"a": 100, "b": 5}))

	if len(result.Results) != 3 {
		t.Fatalf("expected all 3 gates evaluated, got %d", len(result.Results))
	}
	if result.GatesPassed {
		t.Error("expected overall failure since gate a fails and missing is absent")
	}
}

func TestEvaluate_EmptyGateListPasses(t *testing.T) {
	result := gate.Evaluate(nil, metricsOf(nil))

	if !result.GatesPassed {
		t.Error("expected an empty gate list to pass trivially")
	}
	if len(result.FailedNames) != 0 {
		t.Errorf("expected no failed names, got %v", result.FailedNames)
	}
}

func TestEvaluate_ExampleFromRunWalkthrough(t *testing.T) {
	devices := []gate.DeviceMeasurements{
		{
			Device: "edge-cpu-a",
			Measurements: []map[string]float64{
				{"inference_time_ms": 55},
				{"inference_time_ms": 40},
				{"inference_time_ms": 42},
				{"inference_time_ms": 41},
			},
		},
	}
	agg := gate.Aggregate(devices, 1)

	gates := []gate.Gate{{Metric: "inference_time_ms", Operator: gate.OperatorLTE, Threshold: 50}}
	result := gate.Evaluate(gates, agg.Metrics)

	if !result.GatesPassed {
		t.Error("expected gate to pass with median 41 <= 50")
	}
}
