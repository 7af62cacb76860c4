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

// Package anomaly detects memory leaks and CPU spikes from a container's
// recent metrics history, and turns confirmed detections into deduplicated
// alerts.
package anomaly

import (
	"math"
	"time"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
)

// minSamplesForLeak is the minimum number of in-window samples required
// before a leak can be declared.
const minSamplesForLeak = 10

// monotonicityThreshold is the minimum fraction of adjacent samples that
// must be non-decreasing for a trend to count as a leak.
const monotonicityThreshold = 0.95

// MemSample is one (timestamp, memory_bytes) observation, sorted by
// timestamp ascending.
type MemSample struct {
	Timestamp   int64
	MemoryBytes uint64
}

// LeakDetector finds sustained, near-monotonic memory growth via OLS
// regression over a trailing window.
type LeakDetector struct {
	WindowSize     time.Duration
	SlopeThreshold float64 // bytes/sec.
	MemoryLimit    uint64  // 0 means unknown; disables OOM projection.
}

// NewLeakDetector returns a detector with the spec's defaults: a 1-hour
// window and a 1 KB/s slope threshold.
func NewLeakDetector() *LeakDetector {
	return &LeakDetector{
		WindowSize:     time.Hour,
		SlopeThreshold: 1024.0,
	}
}

// Detect returns a LeakAnomaly if samples show a sustained, near-monotonic
// upward memory trend within the detector's window.
func (d *LeakDetector) Detect(samples []MemSample) (agenttypes.LeakAnomaly, bool) {
	if len(samples) < minSamplesForLeak {
		return agenttypes.LeakAnomaly{}, false
	}

	window := d.filterWindow(samples)
	if len(window) < minSamplesForLeak {
		return agenttypes.LeakAnomaly{}, false
	}

	slope := linearRegressionSlope(window)
	if slope <= d.SlopeThreshold {
		return agenttypes.LeakAnomaly{}, false
	}

	monotonicity := monotonicityOf(window)
	if monotonicity < monotonicityThreshold {
		return agenttypes.LeakAnomaly{}, false
	}

	rSquared := rSquaredOf(window, slope)
	confidence := rSquared * monotonicity

	return agenttypes.LeakAnomaly{
		SlopeBytesPerSec:   slope,
		ProjectedOOMTime:   d.projectOOMTime(window, slope),
		Confidence:         confidence,
		CurrentMemoryBytes: window[len(window)-1].MemoryBytes,
		SamplesAnalyzed:    len(window),
	}, true
}

func (d *LeakDetector) filterWindow(samples []MemSample) []MemSample {
	if len(samples) == 0 {
		return nil
	}
	latest := samples[len(samples)-1].Timestamp
	cutoff := latest - int64(d.WindowSize.Seconds())

	var out []MemSample
	for _, s := range samples {
		if s.Timestamp >= cutoff {
			out = append(out, s)
		}
	}
	return out
}

func (d *LeakDetector) projectOOMTime(window []MemSample, slope float64) int64 {
	if d.MemoryLimit == 0 {
		return 0
	}
	last := window[len(window)-1]
	if last.MemoryBytes >= d.MemoryLimit {
		return last.Timestamp
	}
	if slope <= 0 {
		return 0
	}
	remaining := float64(d.MemoryLimit - last.MemoryBytes)
	secondsUntilOOM := remaining / slope
	return last.Timestamp + int64(secondsUntilOOM)
}

// linearRegressionSlope computes the OLS slope (bytes/sec) of window
// against time, with timestamps rebased to the first sample for numerical
// stability.
func linearRegressionSlope(window []MemSample) float64 {
	n := float64(len(window))
	if n < 2 {
		return 0
	}
	t0 := float64(window[0].Timestamp)

	var sumX, sumY, sumXY, sumXX float64
	for _, s := range window {
		x := float64(s.Timestamp) - t0
		y := float64(s.MemoryBytes)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if math.Abs(denom) < 1e-9 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func monotonicityOf(window []MemSample) float64 {
	if len(window) < 2 {
		return 0
	}
	increasing := 0
	for i := 1; i < len(window); i++ {
		if window[i].MemoryBytes >= window[i-1].MemoryBytes {
			increasing++
		}
	}
	return float64(increasing) / float64(len(window)-1)
}

func rSquaredOf(window []MemSample, slope float64) float64 {
	n := float64(len(window))
	if n < 2 {
		return 0
	}
	t0 := float64(window[0].Timestamp)

	var sumY float64
	for _, s := range window {
		sumY += float64(s.MemoryBytes)
	}
	meanY := sumY / n

	var sumX float64
	for _, s := range window {
		sumX += float64(s.Timestamp) - t0
	}
	meanX := sumX / n
	intercept := meanY - slope*meanX

	var ssRes, ssTot float64
	for _, s := range window {
		x := float64(s.Timestamp) - t0
		y := float64(s.MemoryBytes)
		yPred := slope*x + intercept
		ssRes += (y - yPred) * (y - yPred)
		ssTot += (y - meanY) * (y - meanY)
	}

	if math.Abs(ssTot) < 1e-9 {
		return 0
	}
	return 1.0 - ssRes/ssTot
}
