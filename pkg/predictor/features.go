// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package predictor

import (
	"math"
	"sort"
	"time"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
)

// MinSamples is the minimum number of samples required before feature
// extraction (and therefore prediction) can proceed.
const MinSamples = 10

const (
	maxCPUCores  = 16.0
	maxMemoryGiB = 64.0
	maxMemory    = maxMemoryGiB * 1024 * 1024 * 1024
)

// DefaultWindowSize is 1h of samples at the default 10s collection interval.
const DefaultWindowSize = 360

// FeatureExtractor derives a FeatureVector from a container's recent
// metrics window.
type FeatureExtractor struct {
	WindowSize     int
	MaxCPUCores    float64
	MaxMemoryBytes float64
}

// NewFeatureExtractor returns an extractor with the spec's default bounds.
func NewFeatureExtractor(windowSize int) *FeatureExtractor {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &FeatureExtractor{
		WindowSize:     windowSize,
		MaxCPUCores:    maxCPUCores,
		MaxMemoryBytes: maxMemory,
	}
}

// HasSufficientData reports whether metrics has at least MinSamples
// entries.
func (fe *FeatureExtractor) HasSufficientData(metrics []agenttypes.ContainerMetrics) bool {
	return len(metrics) >= MinSamples
}

// Extract computes the feature vector over the most recent WindowSize
// samples of metrics (metrics is the full ring, oldest first). It returns
// ok=false if fewer than MinSamples samples are available in total.
//
// Extraction is deterministic: the same samples always yield the same
// vector.
func (fe *FeatureExtractor) Extract(metrics []agenttypes.ContainerMetrics) (agenttypes.FeatureVector, bool) {
	if len(metrics) < MinSamples {
		return agenttypes.FeatureVector{}, false
	}

	window := metrics
	if fe.WindowSize > 0 && len(metrics) > fe.WindowSize {
		window = metrics[len(metrics)-fe.WindowSize:]
	}

	cpuValues := make([]float64, len(window))
	memValues := make([]float64, len(window))
	for i, m := range window {
		cpuValues[i] = m.CPUUsageCores
		memValues[i] = float64(m.MemoryWorkingSetBytes)
	}

	latest := window[len(window)-1]

	fv := agenttypes.FeatureVector{
		CPUP50:        fe.normalizeCPU(percentile(cpuValues, 50)),
		CPUP95:        fe.normalizeCPU(percentile(cpuValues, 95)),
		CPUP99:        fe.normalizeCPU(percentile(cpuValues, 99)),
		MemP50:        fe.normalizeMemory(percentile(memValues, 50)),
		MemP95:        fe.normalizeMemory(percentile(memValues, 95)),
		MemP99:        fe.normalizeMemory(percentile(memValues, 99)),
		CPUVariance:   fe.normalizeVariance(sampleVariance(cpuValues)),
		MemTrend:      fe.memoryTrend(memValues),
		ThrottleRatio: fe.throttleRatio(window),
		HourOfDay:     hourOfDay(latest.Timestamp),
		DayOfWeek:     dayOfWeek(latest.Timestamp),
		WorkloadAge:   fe.workloadAge(metrics),
	}
	return fv, true
}

func (fe *FeatureExtractor) normalizeCPU(v float64) float64 {
	return clamp(v/fe.MaxCPUCores, 0, 1)
}

func (fe *FeatureExtractor) normalizeMemory(v float64) float64 {
	return clamp(v/fe.MaxMemoryBytes, 0, 1)
}

// normalizeVariance squashes sample variance into [0, 1] via tanh(v/scale),
// with scale = MaxCPUCores²/16 (16 at the default 16 cores): a variance
// equal to scale maps to tanh(1) ≈ 0.76.
func (fe *FeatureExtractor) normalizeVariance(v float64) float64 {
	scale := fe.MaxCPUCores * fe.MaxCPUCores / 16.0
	if scale == 0 {
		return 0
	}
	return clamp(math.Tanh(v/scale), 0, 1)
}

// memoryTrend is the OLS slope of memory vs sample index, scaled by the
// maximum plausible slope (max memory per hour) and clamped to [-1, 1].
func (fe *FeatureExtractor) memoryTrend(mem []float64) float64 {
	if len(mem) < 2 {
		return 0
	}
	slope := linearRegressionSlope(mem)
	maxSlope := fe.MaxMemoryBytes / 3600.0
	if maxSlope == 0 {
		return 0
	}
	return clamp(slope/maxSlope, -1, 1)
}

func (fe *FeatureExtractor) throttleRatio(window []agenttypes.ContainerMetrics) float64 {
	if len(window) < 2 {
		return 0
	}
	first := window[0]
	last := window[len(window)-1]
	delta := saturatingSubU64(last.CPUThrottledPeriods, first.CPUThrottledPeriods)
	timeDelta := float64(last.Timestamp - first.Timestamp)
	if timeDelta < 1 {
		timeDelta = 1
	}
	return clamp((float64(delta)/timeDelta)/100.0, 0, 1)
}

func (fe *FeatureExtractor) workloadAge(metrics []agenttypes.ContainerMetrics) float64 {
	if len(metrics) == 0 {
		return 0
	}
	first, last := metrics[0].Timestamp, metrics[0].Timestamp
	for _, m := range metrics {
		if m.Timestamp < first {
			first = m.Timestamp
		}
		if m.Timestamp > last {
			last = m.Timestamp
		}
	}
	ageDays := float64(last-first) / 86400.0
	if ageDays < 0 {
		ageDays = 0
	}
	return clamp(ageDays/30.0, 0, 1)
}

func hourOfDay(ts int64) float64 {
	t := time.Unix(ts, 0).UTC()
	return float64(t.Hour()) / 24.0
}

func dayOfWeek(ts int64) float64 {
	t := time.Unix(ts, 0).UTC()
	// time.Weekday is Sunday=0..Saturday=6; spec wants Monday-based.
	wd := (int(t.Weekday()) + 6) % 7
	return float64(wd) / 7.0
}

func saturatingSubU64(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// percentile returns the p-th percentile (0-100) of values using the
// round(p/100 * (n-1)) index rule. Empty input returns 0.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round((p / 100.0) * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// sampleVariance is Bessel-corrected sample variance; fewer than 2 values
// returns 0.
func sampleVariance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return sumSq / float64(len(values)-1)
}

// linearRegressionSlope computes the OLS slope of values against their
// index (0, 1, 2, ...). Empty or single-value input returns 0.
func linearRegressionSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if math.Abs(denom) < 1e-12 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
