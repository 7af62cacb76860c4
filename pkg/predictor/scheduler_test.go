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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() *Scheduler {
	cfg := DefaultSchedulerConfig()
	cfg.InferenceTimeout = 50 * time.Millisecond
	return NewScheduler(NewSlot(), cfg, nil)
}

func TestPredictOneInsufficientData(t *testing.T) {
	s := newTestScheduler()
	s.AddMetrics(metricsAt(1_700_000_000, 1.0, 1<<20, 0))

	res, ok := s.predictOne(context.Background(), "c1")
	require.True(t, ok)
	assert.Equal(t, "Insufficient data", res.SkippedReason)
	assert.Nil(t, res.Profile)
}

func TestPredictOneUnknownContainer(t *testing.T) {
	s := newTestScheduler()
	_, ok := s.predictOne(context.Background(), "missing")
	assert.False(t, ok)
}

func TestPredictOneProducesProfile(t *testing.T) {
	s := newTestScheduler()
	base := int64(1_700_000_000)
	for i := 0; i < 20; i++ {
		m := metricsAt(base+int64(i)*10, 1.0, 1<<30, uint64(i))
		m.ContainerID = "c1"
		m.PodName = "pod-a"
		m.Namespace = "ns-a"
		s.AddMetrics(m)
	}

	res, ok := s.predictOne(context.Background(), "c1")
	require.True(t, ok)
	require.NotNil(t, res.Profile)
	assert.Empty(t, res.SkippedReason)
	assert.Equal(t, "pod-a", res.Profile.PodName)
	assert.True(t, res.UsedFallback) // no model loaded yet.
}

func TestPredictOneRespectsPredictionInterval(t *testing.T) {
	s := newTestScheduler()
	base := int64(1_700_000_000)
	for i := 0; i < 20; i++ {
		s.AddMetrics(metricsAt(base+int64(i)*10, 1.0, 1<<30, uint64(i)))
	}

	res, ok := s.predictOne(context.Background(), "c1")
	require.True(t, ok)
	require.NotNil(t, res.Profile)

	// Immediately retrying should be suppressed: last prediction was just now.
	_, ok = s.predictOne(context.Background(), "c1")
	assert.False(t, ok)
}

func TestRemoveContainerCancelsPrediction(t *testing.T) {
	s := newTestScheduler()
	s.AddMetrics(metricsAt(1_700_000_000, 1.0, 1<<20, 0))
	s.RemoveContainer("c1")

	_, ok := s.predictOne(context.Background(), "c1")
	assert.False(t, ok)
}

func TestSchedulerRunStopsOnContextCancel(t *testing.T) {
	s := newTestScheduler()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}

func TestAddMetricsTracksIdentity(t *testing.T) {
	s := newTestScheduler()
	m := metricsAt(1_700_000_000, 0.5, 1<<20, 0)
	m.ContainerID = "c2"
	m.Deployment = "deploy-x"
	s.AddMetrics(m)

	s.mtx.RLock()
	entry := s.rings["c2"]
	s.mtx.RUnlock()
	require.NotNil(t, entry)
	assert.Equal(t, "deploy-x", entry.identity.Deployment)
}
