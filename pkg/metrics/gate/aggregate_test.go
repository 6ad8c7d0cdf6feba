package gate_test

import (
	"math"
	"testing"

	"github.com/edgegate/edgegate/pkg/metrics/gate"
)

func TestAggregate_SingleDeviceMedianAfterWarmup(t *testing.T) {
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

	result := gate.Aggregate(devices, 1)

	got, ok := result.Metrics["inference_time_ms"]
	if !ok {
		t.Fatal("expected inference_time_ms in aggregate")
	}
	if got.Value != 41 {
		t.Errorf("expected median 41, got %v", got.Value)
	}
}

func TestAggregate_CrossDeviceMeanOfMedians(t *testing.T) {
	devices := []gate.DeviceMeasurements{
		{Device: "a", Measurements: []map[string]float64{{"m": 10}, {"m": 10}, {"m": 10}}},
		{Device: "b", Measurements: []map[string]float64{{"m": 20}, {"m": 20}, {"m": 20}}},
	}

	result := gate.Aggregate(devices, 0)

	if result.Metrics["m"].Value != 15 {
		t.Errorf("expected mean-of-medians 15, got %v", result.Metrics["m"].Value)
	}
}

func TestAggregate_WarmupExceedsMeasurements_YieldsEmptyMetrics(t *testing.T) {
	devices := []gate.DeviceMeasurements{
		{Device: "a", Measurements: []map[string]float64{{"m": 1}, {"m": 2}, {"m": 3}}},
	}

	result := gate.Aggregate(devices, 3)

	if len(result.Metrics) != 0 {
		t.Errorf("expected no metrics when warmup consumes all samples, got %v", result.Metrics)
	}
}

func TestAggregate_MissingMetricIgnoredNotImputed(t *testing.T) {
	devices := []gate.DeviceMeasurements{
		{
			Device: "a",
			Measurements: []map[string]float64{
				{"m": 1, "n": 100},
				{"m": 2},
				{"m": 3},
			},
		},
	}

	result := gate.Aggregate(devices, 0)

	if _, ok := result.Metrics["n"]; !ok {
		t.Fatal("expected metric n to still appear despite missing from later samples")
	}
	if result.Metrics["n"].Value != 100 {
		t.Errorf("expected n=100 from its single sample, got %v", result.Metrics["n"].Value)
	}
}

func TestAggregate_FlakeDetection(t *testing.T) {
	devices := []gate.DeviceMeasurements{
		{Device: "a", Measurements: []map[string]float64{{"m": 1}, {"m": 100}, {"m": 1}}},
	}

	result := gate.Aggregate(devices, 0)

	if !result.Metrics["m"].Flaky {
		t.Error("expected high-dispersion metric to be tagged flaky")
	}
}

func TestAggregate_StableMetricNotFlaky(t *testing.T) {
	devices := []gate.DeviceMeasurements{
		{Device: "a", Measurements: []map[string]float64{{"m": 10}, {"m": 10.1}, {"m": 9.9}}},
	}

	result := gate.Aggregate(devices, 0)

	if result.Metrics["m"].Flaky {
		t.Error("expected low-dispersion metric to not be flagged flaky")
	}
}

func TestAggregate_NoMeasurements(t *testing.T) {
	result := gate.Aggregate(nil, 1)
	if len(result.Metrics) != 0 {
		t.Errorf("expected empty aggregate for no devices, got %v", result.Metrics)
	}
}

func TestAggregate_PerDeviceMediansPreserved(t *testing.T) {
	devices := []gate.DeviceMeasurements{
		{Device: "a", Measurements: []map[string]float64{{"m": 1}, {"m": 2}, {"m": 3}}},
	}

	result := gate.Aggregate(devices, 0)

	if result.PerDeviceMedians["a"]["m"] != 2 {
		t.Errorf("expected per-device median 2, got %v", result.PerDeviceMedians["a"]["m"])
	}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
