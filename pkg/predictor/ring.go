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

// Package predictor turns collected metrics into resource predictions: a
// per-container ring buffer, feature extraction, model-backed (or
// fallback) inference, and a scheduler that ties them together on a
// fixed tick.
package predictor

import (
	"time"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
)

// DefaultRingCapacity is 24h of samples at the default 10s collection
// interval.
const DefaultRingCapacity = 8640

// Ring is a bounded FIFO of a single container's most recent metrics.
// Overflow drops the oldest sample. Not safe for concurrent use; callers
// (the scheduler) hold their own lock around it.
type Ring struct {
	capacity int
	samples  []agenttypes.ContainerMetrics

	LastPrediction time.Time
	LastProfile    *agenttypes.ResourceProfile
}

// NewRing returns an empty Ring with the given capacity, defaulting to
// DefaultRingCapacity if capacity <= 0.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{capacity: capacity}
}

// Push appends a sample, dropping the oldest if the ring is full.
func (r *Ring) Push(m agenttypes.ContainerMetrics) {
	r.samples = append(r.samples, m)
	if len(r.samples) > r.capacity {
		r.samples = r.samples[len(r.samples)-r.capacity:]
	}
}

// Len reports the number of retained samples.
func (r *Ring) Len() int {
	return len(r.samples)
}

// Window returns the most recent n samples in chronological order (oldest
// first). If n <= 0 or n > Len(), the whole ring is returned.
func (r *Ring) Window(n int) []agenttypes.ContainerMetrics {
	if n <= 0 || n > len(r.samples) {
		return r.samples
	}
	return r.samples[len(r.samples)-n:]
}

// All returns every retained sample, oldest first.
func (r *Ring) All() []agenttypes.ContainerMetrics {
	return r.samples
}
