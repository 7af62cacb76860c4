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

package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/discovery"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/offlinebuffer"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/predictor"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/registry"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/streamer"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/syncpb"
)

type fakeConn struct {
	connected bool
}

func (f *fakeConn) IsConnected() bool { return f.connected }

type capturingSender struct {
	mtx     sync.Mutex
	batches []*syncpb.MetricsBatch
}

func (c *capturingSender) send(_ context.Context, batch *syncpb.MetricsBatch) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.batches = append(c.batches, batch)
	return nil
}

func (c *capturingSender) snapshot() []*syncpb.MetricsBatch {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]*syncpb.MetricsBatch(nil), c.batches...)
}

func newTestPipeline(t *testing.T, conn ConnChecker) (*Pipeline, *capturingSender, *predictor.Scheduler) {
	t.Helper()
	reg := registry.New()
	slot := predictor.NewSlot()
	sched := predictor.NewScheduler(slot, predictor.DefaultSchedulerConfig(), nil)
	sender := &capturingSender{}
	cfg := streamer.DefaultConfig("agent-1", "node-a")
	cfg.MaxBatchDelay = 20 * time.Millisecond
	strm := streamer.New(cfg, sender.send, nil)
	buffer := offlinebuffer.NewManager(offlinebuffer.DefaultConfig())

	p := New("node-a", reg, sched, strm, buffer, conn, nil, nil)
	return p, sender, sched
}

func TestHandleMetricForwardsToStreamerWhenConnected(t *testing.T) {
	p, sender, _ := newTestPipeline(t, &fakeConn{connected: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.streamer.Run(ctx) }()

	p.handleMetric(agenttypes.ContainerMetrics{ContainerID: "c1", Timestamp: 1000, MemoryWorkingSetBytes: 1024})

	require.Eventually(t, func() bool {
		return len(sender.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	batch := sender.snapshot()[0]
	require.Len(t, batch.Metrics, 1)
	assert.Equal(t, "c1", batch.Metrics[0].ContainerID)
}

func TestHandleMetricBuffersWhenDisconnected(t *testing.T) {
	p, _, _ := newTestPipeline(t, &fakeConn{connected: false})

	p.handleMetric(agenttypes.ContainerMetrics{ContainerID: "c1", Timestamp: 1000, MemoryWorkingSetBytes: 1024})

	assert.True(t, p.buffer.HasDataToSync())
	assert.Equal(t, 1, p.buffer.PendingSyncCount())
}

func TestDetectAnomaliesEmitsLeakAlert(t *testing.T) {
	p, _, _ := newTestPipeline(t, &fakeConn{connected: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.streamer.Run(ctx) }()

	base := int64(1_700_000_000)
	mem := uint64(100 * 1024 * 1024)
	for i := 0; i < 15; i++ {
		mem += 10 * 1024 * 1024 // well above the 1 KB/s slope threshold at a 60s cadence.
		p.detectAnomalies(agenttypes.ContainerMetrics{
			ContainerID:           "leaky",
			Timestamp:             base + int64(i)*60,
			MemoryWorkingSetBytes: mem,
		})
	}

	state := p.stateFor("leaky")
	_, detected := p.leak.Detect(state.memHistory)
	assert.True(t, detected)

	// The pipeline already emitted the leak, so a repeat inside the dedup
	// window is suppressed.
	_, _, emitted := p.alerter.EmitLeak(agenttypes.LeakAnomaly{}, agenttypes.AlertContext{ContainerID: "leaky"}, time.Unix(base+14*60, 0))
	assert.False(t, emitted)
}

func TestDetectAnomaliesEmitsSpikeAlert(t *testing.T) {
	p, _, _ := newTestPipeline(t, &fakeConn{connected: true})

	base := int64(1_700_000_000)
	for i := 0; i < 20; i++ {
		p.detectAnomalies(agenttypes.ContainerMetrics{
			ContainerID:   "spiky",
			Timestamp:     base + int64(i)*60,
			CPUUsageCores: 0.5,
		})
	}
	// A sample far outside the established baseline should register as a spike.
	p.detectAnomalies(agenttypes.ContainerMetrics{
		ContainerID:   "spiky",
		Timestamp:     base + 20*60,
		CPUUsageCores: 4.0,
	})

	state := p.stateFor("spiky")
	assert.True(t, state.cpuStats.HasSufficientData())

	// The pipeline already emitted the spike, so a repeat inside the dedup
	// window is suppressed.
	_, _, emitted := p.alerter.EmitSpike(agenttypes.SpikeAnomaly{}, agenttypes.AlertContext{ContainerID: "spiky"}, time.Unix(base+20*60, 0))
	assert.False(t, emitted)
}

func TestConsumeDiscoveryRegistersAndUnregisters(t *testing.T) {
	p, _, sched := newTestPipeline(t, &fakeConn{connected: true})

	events := make(chan discovery.Event, 2)
	ctx, cancel := context.WithCancel(context.Background())

	info := agenttypes.ContainerInfo{ContainerID: "c1"}
	events <- discovery.Event{Started: &info}

	done := make(chan error, 1)
	go func() { done <- p.ConsumeDiscovery(ctx, events, nil) }()

	require.Eventually(t, func() bool {
		_, ok := p.registry.Get("c1")
		return ok
	}, time.Second, 5*time.Millisecond)

	sched.AddMetrics(agenttypes.ContainerMetrics{ContainerID: "c1"})
	events <- discovery.Event{Stopped: "c1"}

	require.Eventually(t, func() bool {
		_, ok := p.registry.Get("c1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHandlePredictionSkipsWhenNoProfile(t *testing.T) {
	p, sender, _ := newTestPipeline(t, &fakeConn{connected: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.streamer.Run(ctx) }()

	p.handlePrediction(predictor.Result{ContainerID: "c1", SkippedReason: "Insufficient data"})

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sender.snapshot())
}

func TestHandlePredictionDroppedWhenDisconnected(t *testing.T) {
	p, sender, _ := newTestPipeline(t, &fakeConn{connected: false})

	profile := agenttypes.ResourceProfile{ContainerID: "c1", GeneratedAt: time.Now()}
	p.handlePrediction(predictor.Result{ContainerID: "c1", Profile: &profile})

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, sender.snapshot())
}
