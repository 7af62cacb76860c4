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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoLeakFlatMemory(t *testing.T) {
	d := NewLeakDetector()
	var samples []MemSample
	for i := int64(0); i < 60; i++ {
		samples = append(samples, MemSample{Timestamp: i * 60, MemoryBytes: 100_000_000})
	}
	_, ok := d.Detect(samples)
	assert.False(t, ok)
}

func TestDetectClearLeak(t *testing.T) {
	d := &LeakDetector{WindowSize: time.Hour, SlopeThreshold: 1000.0}
	var samples []MemSample
	for i := int64(0); i < 60; i++ {
		samples = append(samples, MemSample{Timestamp: i * 60, MemoryBytes: 100_000_000 + uint64(i*600_000)})
	}
	anomaly, ok := d.Detect(samples)
	require.True(t, ok)
	assert.Greater(t, anomaly.SlopeBytesPerSec, 1000.0)
	assert.Greater(t, anomaly.Confidence, 0.8)
}

func TestLeakInsufficientSamples(t *testing.T) {
	d := NewLeakDetector()
	var samples []MemSample
	for i := int64(0); i < 5; i++ {
		samples = append(samples, MemSample{Timestamp: i * 60, MemoryBytes: 100_000_000 + uint64(i*1_000_000)})
	}
	_, ok := d.Detect(samples)
	assert.False(t, ok)
}

func TestOOMProjection(t *testing.T) {
	d := &LeakDetector{WindowSize: time.Hour, SlopeThreshold: 1000.0, MemoryLimit: 200_000_000}
	var samples []MemSample
	for i := int64(0); i < 60; i++ {
		samples = append(samples, MemSample{Timestamp: i * 60, MemoryBytes: 100_000_000 + uint64(i*1_000_000)})
	}
	anomaly, ok := d.Detect(samples)
	require.True(t, ok)
	assert.Greater(t, anomaly.ProjectedOOMTime, int64(0))
}

func TestOOMAlreadyBreached(t *testing.T) {
	d := &LeakDetector{WindowSize: time.Hour, SlopeThreshold: 1000.0, MemoryLimit: 100_000_000}
	var samples []MemSample
	for i := int64(0); i < 60; i++ {
		samples = append(samples, MemSample{Timestamp: i * 60, MemoryBytes: 150_000_000 + uint64(i*1_000_000)})
	}
	anomaly, ok := d.Detect(samples)
	require.True(t, ok)
	assert.Equal(t, samples[len(samples)-1].Timestamp, anomaly.ProjectedOOMTime)
}

func TestNonMonotonicRejected(t *testing.T) {
	d := NewLeakDetector()
	var samples []MemSample
	for i := int64(0); i < 60; i++ {
		base := uint64(100_000_000)
		variation := uint64(0)
		if i%2 == 0 {
			variation = 10_000_000
		}
		samples = append(samples, MemSample{Timestamp: i * 60, MemoryBytes: base + variation})
	}
	_, ok := d.Detect(samples)
	assert.False(t, ok)
}

func TestWindowFiltersOldSamples(t *testing.T) {
	d := &LeakDetector{WindowSize: 10 * time.Minute, SlopeThreshold: 1.0}
	var samples []MemSample
	// Stale samples far outside the window, flat (would not leak alone).
	for i := int64(0); i < 20; i++ {
		samples = append(samples, MemSample{Timestamp: i * 60, MemoryBytes: 50_000_000})
	}
	// Recent samples within the 10-minute window, rising sharply.
	base := int64(100_000)
	for i := int64(0); i < 15; i++ {
		samples = append(samples, MemSample{Timestamp: base + i*30, MemoryBytes: 50_000_000 + uint64(i*2_000_000)})
	}
	anomaly, ok := d.Detect(samples)
	require.True(t, ok)
	assert.LessOrEqual(t, anomaly.SamplesAnalyzed, 15)
}
