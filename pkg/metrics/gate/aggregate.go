// Package gate implements the metric aggregator and gate evaluator
// (spec.md §4.F): turning noisy per-device measurement runs into a
// single aggregated metrics map, then comparing that map against a
// pipeline's declarative pass/fail gates.
package gate

import (
	sharedmath "github.com/edgegate/edgegate/pkg/shared/math"
)

// DeviceMeasurements is one device's raw per-repeat measurements, in
// the order they were taken. Each entry maps metric name to value; a
// metric absent from one entry is simply not included for that repeat.
type DeviceMeasurements struct {
	Device       string
	Measurements []map[string]float64
}

// MetricAggregate is the fully aggregated, run-level view of a single
// metric: the cross-device mean of per-device medians, plus whether
// post-warmup samples were dispersed enough to flag as flaky.
type MetricAggregate struct {
	Value float64
	Flaky bool
}

// AggregationResult is the complete output of Aggregate: run-level
// metrics plus the per-device post-warmup medians they were built
// from, which the evidence bundle stores alongside the run-level view.
type AggregationResult struct {
	Metrics          map[string]MetricAggregate
	PerDeviceMedians map[string]map[string]float64
}

// flakeCVThreshold is the coefficient-of-variation above which a
// metric is tagged flaky (spec.md §4.F).
const flakeCVThreshold = 0.1

// Aggregate drops the first warmupRuns measurements from each device,
// computes the per-metric median over the remaining repeats per
// device, then averages those per-device medians across devices to
// produce the run-level aggregate. Metrics absent from some
// measurements are ignored for that metric only — never imputed.
func Aggregate(devices []DeviceMeasurements, warmupRuns int) AggregationResult {
	perDeviceMedians := make(map[string]map[string]float64, len(devices))
	samplesByMetric := make(map[string][]float64)

	for _, d := range devices {
		postWarmup := d.Measurements
		if warmupRuns > 0 && warmupRuns < len(postWarmup) {
			postWarmup = postWarmup[warmupRuns:]
		} else if warmupRuns >= len(postWarmup) {
			postWarmup = nil
		}

		valuesByMetric := make(map[string][]float64)
		for _, m := range postWarmup {
			for metric, value := range m {
				valuesByMetric[metric] = append(valuesByMetric[metric], value)
				samplesByMetric[metric] = append(samplesByMetric[metric], value)
			}
		}

		deviceMedians := make(map[string]float64, len(valuesByMetric))
		for metric, values := range valuesByMetric {
			deviceMedians[metric] = sharedmath.Median(values)
		}
		perDeviceMedians[d.Device] = deviceMedians
	}

	// Run-level value is the mean of per-device medians for each
	// metric that appears in at least one device.
	metricToDeviceMedians := make(map[string][]float64)
	for _, deviceMedians := range perDeviceMedians {
		for metric, median := range deviceMedians {
			metricToDeviceMedians[metric] = append(metricToDeviceMedians[metric], median)
		}
	}

	metrics := make(map[string]MetricAggregate, len(metricToDeviceMedians))
	for metric, deviceMedians := range metricToDeviceMedians {
		samples := samplesByMetric[metric]
		metrics[metric] = MetricAggregate{
			Value: sharedmath.Mean(deviceMedians),
			Flaky: len(samples) >= 2 && sharedmath.CoefficientOfVariation(samples) > flakeCVThreshold,
		}
	}

	return AggregationResult{Metrics: metrics, PerDeviceMedians: perDeviceMedians}
}
