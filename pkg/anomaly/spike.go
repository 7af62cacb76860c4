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

package anomaly

import (
	"container/list"
	"math"
	"time"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
)

// DefaultRollingWindow is the spike detector's default statistics window.
const DefaultRollingWindow = 24 * time.Hour

// minSamplesForSpike is the minimum number of in-window samples required
// before a spike can be declared.
const minSamplesForSpike = 10

// SpikeDetector flags a current CPU reading as anomalous relative to a
// container's own recent rolling statistics.
type SpikeDetector struct {
	StdDevThreshold float64
}

// NewSpikeDetector returns a detector using the spec's default 3-sigma
// threshold.
func NewSpikeDetector() *SpikeDetector {
	return &SpikeDetector{StdDevThreshold: 3.0}
}

// Detect compares current against history and returns a SpikeAnomaly if it
// exceeds the detector's standard-deviation threshold.
func (d *SpikeDetector) Detect(current float64, history *RollingStats) (agenttypes.SpikeAnomaly, bool) {
	if history.Count() < minSamplesForSpike {
		return agenttypes.SpikeAnomaly{}, false
	}
	stdDev := history.StdDev()
	if stdDev < 1e-9 {
		return agenttypes.SpikeAnomaly{}, false
	}

	zScore := (current - history.Mean()) / stdDev
	if zScore <= d.StdDevThreshold {
		return agenttypes.SpikeAnomaly{}, false
	}

	return agenttypes.SpikeAnomaly{
		Current:   current,
		Expected:  history.Mean(),
		ZScore:    zScore,
		StdDev:    stdDev,
		Threshold: d.StdDevThreshold,
		Severity:  severityFor(zScore),
	}, true
}

func severityFor(zScore float64) agenttypes.SpikeSeverity {
	switch {
	case zScore >= 5.0:
		return agenttypes.SeverityCritical
	case zScore >= 4.0:
		return agenttypes.SeverityHigh
	default:
		return agenttypes.SeverityWarning
	}
}

type statSample struct {
	timestamp int64
	value     float64
}

// RollingStats maintains mean and sample standard deviation over a
// trailing time window, recomputed with a stable two-pass calculation on
// every sample add. Not safe for concurrent use.
type RollingStats struct {
	windowSecs int64

	samples *list.List // of statSample, oldest at Front.
	mean    float64
	stdDev  float64
	count   int
}

// NewRollingStats returns stats over the given window (defaulting to
// DefaultRollingWindow when window <= 0).
func NewRollingStats(window time.Duration) *RollingStats {
	if window <= 0 {
		window = DefaultRollingWindow
	}
	return &RollingStats{
		windowSecs: int64(window.Seconds()),
		samples:    list.New(),
	}
}

// AddSample expires samples older than the window relative to timestamp,
// appends the new sample, and recomputes mean/stddev.
func (r *RollingStats) AddSample(timestamp int64, value float64) {
	r.expireOlderThan(timestamp)
	r.samples.PushBack(statSample{timestamp: timestamp, value: value})
	r.recalculate()
}

func (r *RollingStats) expireOlderThan(current int64) {
	cutoff := current - r.windowSecs
	for e := r.samples.Front(); e != nil; {
		next := e.Next()
		if e.Value.(statSample).timestamp < cutoff {
			r.samples.Remove(e)
			e = next
			continue
		}
		break
	}
}

func (r *RollingStats) recalculate() {
	r.count = r.samples.Len()
	if r.count == 0 {
		r.mean, r.stdDev = 0, 0
		return
	}

	var sum float64
	for e := r.samples.Front(); e != nil; e = e.Next() {
		sum += e.Value.(statSample).value
	}
	r.mean = sum / float64(r.count)

	if r.count < 2 {
		r.stdDev = 0
		return
	}
	var sumSq float64
	for e := r.samples.Front(); e != nil; e = e.Next() {
		d := e.Value.(statSample).value - r.mean
		sumSq += d * d
	}
	r.stdDev = math.Sqrt(sumSq / float64(r.count-1))
}

// Mean returns the current rolling mean.
func (r *RollingStats) Mean() float64 { return r.mean }

// StdDev returns the current rolling sample standard deviation.
func (r *RollingStats) StdDev() float64 { return r.stdDev }

// Count returns the number of samples currently in the window.
func (r *RollingStats) Count() int { return r.count }

// HasSufficientData reports whether enough samples are present for
// detection.
func (r *RollingStats) HasSufficientData() bool {
	return r.count >= minSamplesForSpike
}
