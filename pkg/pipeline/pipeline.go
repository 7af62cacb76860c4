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

// Package pipeline wires the collector, predictor, and anomaly detectors
// together: it is the internal plumbing that turns a stream of
// ContainerMetrics into predictions, deduplicated alerts, and the wire
// messages handed to the streamer or the offline buffer.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/anomaly"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/collector"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/discovery"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/health"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/offlinebuffer"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/predictor"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/registry"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/streamer"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/syncpb"
)

// maxMemHistory bounds the per-container sample history kept for leak
// detection: generous over the detector's 1-hour window at a 10s
// collection interval, so a slower or jittered collector never starves it.
const maxMemHistory = 720

// ConnChecker is the narrow surface the pipeline needs from the sync
// client: whether streaming is currently possible.
type ConnChecker interface {
	IsConnected() bool
}

type containerState struct {
	memHistory []anomaly.MemSample
	cpuStats   *anomaly.RollingStats
}

// Pipeline fans collected metrics out to the prediction scheduler and the
// anomaly detectors, and funnels wire-shaped output to the streamer (or
// the offline buffer, while the sync client reports itself offline).
type Pipeline struct {
	nodeName string

	registry  *registry.Registry
	scheduler *predictor.Scheduler
	streamer  *streamer.Streamer
	buffer    *offlinebuffer.Manager
	conn      ConnChecker
	metrics   *health.Metrics

	leak    *anomaly.LeakDetector
	spike   *anomaly.SpikeDetector
	alerter *anomaly.Alerter

	logger log.Logger

	mtx    sync.Mutex
	states map[string]*containerState
}

// New returns a Pipeline wiring the given components together.
func New(
	nodeName string,
	reg *registry.Registry,
	scheduler *predictor.Scheduler,
	strm *streamer.Streamer,
	buffer *offlinebuffer.Manager,
	conn ConnChecker,
	metrics *health.Metrics,
	logger log.Logger,
) *Pipeline {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Pipeline{
		nodeName:  nodeName,
		registry:  reg,
		scheduler: scheduler,
		streamer:  strm,
		buffer:    buffer,
		conn:      conn,
		metrics:   metrics,
		leak:      anomaly.NewLeakDetector(),
		spike:     anomaly.NewSpikeDetector(),
		alerter:   anomaly.NewAlerter(nodeName),
		logger:    log.With(logger, "component", "pipeline"),
		states:    make(map[string]*containerState),
	}
}

// ConsumeMetrics drains in, publishing each sample to the predictor and
// anomaly detectors and forwarding a wire copy downstream. It returns when
// in is closed or ctx is cancelled.
func (p *Pipeline) ConsumeMetrics(ctx context.Context, in <-chan agenttypes.ContainerMetrics) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-in:
			if !ok {
				return nil
			}
			p.handleMetric(m)
		}
	}
}

func (p *Pipeline) handleMetric(m agenttypes.ContainerMetrics) {
	p.scheduler.AddMetrics(m)
	p.detectAnomalies(m)
	p.forwardMetric(m)
	if p.metrics != nil {
		p.metrics.ContainersMonitored.Set(float64(p.registry.Len()))
	}
}

func (p *Pipeline) forwardMetric(m agenttypes.ContainerMetrics) {
	if p.conn != nil && !p.conn.IsConnected() {
		p.buffer.Buffer(m)
		return
	}
	if !p.streamer.TryEnqueueMetric(toWireMetrics(m)) {
		p.buffer.Buffer(m)
	}
}

func (p *Pipeline) detectAnomalies(m agenttypes.ContainerMetrics) {
	state := p.stateFor(m.ContainerID)

	alertCtx := agenttypes.AlertContext{
		ContainerID: m.ContainerID,
		PodName:     m.PodName,
		Namespace:   m.Namespace,
		Deployment:  m.Deployment,
		NodeName:    p.nodeName,
	}
	now := time.Unix(m.Timestamp, 0)

	state.memHistory = append(state.memHistory, anomaly.MemSample{
		Timestamp:   m.Timestamp,
		MemoryBytes: m.MemoryWorkingSetBytes,
	})
	if len(state.memHistory) > maxMemHistory {
		state.memHistory = state.memHistory[len(state.memHistory)-maxMemHistory:]
	}
	if leakAnomaly, ok := p.leak.Detect(state.memHistory); ok {
		p.emitLeak(leakAnomaly, alertCtx, now)
	}

	state.cpuStats.AddSample(m.Timestamp, m.CPUUsageCores)
	if spikeAnomaly, ok := p.spike.Detect(m.CPUUsageCores, state.cpuStats); ok {
		p.emitSpike(spikeAnomaly, alertCtx, now)
	}
}

func (p *Pipeline) stateFor(containerID string) *containerState {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	s, ok := p.states[containerID]
	if !ok {
		s = &containerState{cpuStats: anomaly.NewRollingStats(anomaly.DefaultRollingWindow)}
		p.states[containerID] = s
	}
	return s
}

func (p *Pipeline) emitLeak(a agenttypes.LeakAnomaly, ctx agenttypes.AlertContext, now time.Time) {
	event, central, ok := p.alerter.EmitLeak(a, ctx, now)
	if !ok {
		return
	}
	p.logAlert(event)
	p.forwardAlert(syncpb.AnomalyTypeMemoryLeak, ctx, central, now)
}

func (p *Pipeline) emitSpike(a agenttypes.SpikeAnomaly, ctx agenttypes.AlertContext, now time.Time) {
	event, central, ok := p.alerter.EmitSpike(a, ctx, now)
	if !ok {
		return
	}
	p.logAlert(event)
	p.forwardAlert(syncpb.AnomalyTypeCPUSpike, ctx, central, now)
}

func (p *Pipeline) logAlert(event *anomaly.NodeEvent) {
	level.Warn(p.logger).Log(
		"msg", event.Message,
		"reason", event.Reason,
		"severity", event.Severity,
		"pod", event.PodName,
		"namespace", event.Namespace,
	)
	if p.metrics != nil {
		p.metrics.AnomaliesDetected.Inc()
	}
}

func (p *Pipeline) forwardAlert(anomalyType syncpb.AnomalyType, ctx agenttypes.AlertContext, central *anomaly.CentralAlert, now time.Time) {
	wire := &syncpb.Anomaly{
		ContainerID: ctx.ContainerID,
		PodName:     ctx.PodName,
		Namespace:   ctx.Namespace,
		Type:        anomalyType,
		Severity:    wireSeverity(central.Severity),
		Message:     central.Annotations["summary"],
		DetectedAt:  &syncpb.Timestamp{Seconds: now.Unix()},
	}
	if !p.streamer.TryEnqueueAnomaly(wire) {
		level.Warn(p.logger).Log("msg", "anomaly dropped, streamer queue full", "container_id", ctx.ContainerID)
	}
}

func wireSeverity(s anomaly.AlertSeverity) syncpb.Severity {
	if s == anomaly.AlertSeverityCritical {
		return syncpb.SeverityCritical
	}
	return syncpb.SeverityWarning
}

// ConsumePredictions drains in from the prediction scheduler, forwarding
// every result that carries a Profile downstream, including results
// produced by the fallback predictor. Skipped results carry no Profile
// and are dropped silently.
func (p *Pipeline) ConsumePredictions(ctx context.Context, in <-chan predictor.Result) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-in:
			if !ok {
				return nil
			}
			p.handlePrediction(res)
		}
	}
}

func (p *Pipeline) handlePrediction(res predictor.Result) {
	if res.Profile == nil {
		return
	}
	if p.conn != nil && !p.conn.IsConnected() {
		// Predictions are not durable across a disconnection: the
		// scheduler produces the container's next one once its prediction
		// interval has elapsed, so there is nothing worth buffering here.
		return
	}
	if !p.streamer.TryEnqueuePrediction(toWireProfile(*res.Profile)) {
		level.Warn(p.logger).Log("msg", "prediction dropped, streamer queue full", "container_id", res.ContainerID)
	}
}

// ConsumeDiscovery applies container lifecycle events to the registry and
// clears the per-container state that the collector and predictor would
// otherwise retain forever.
func (p *Pipeline) ConsumeDiscovery(ctx context.Context, events <-chan discovery.Event, col *collector.Collector) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleDiscoveryEvent(ev, col)
		}
	}
}

func (p *Pipeline) handleDiscoveryEvent(ev discovery.Event, col *collector.Collector) {
	if ev.Started != nil {
		started := *ev.Started
		started.NodeName = p.nodeName
		p.registry.Register(started)
		level.Info(p.logger).Log("msg", "container discovered", "container_id", started.ContainerID)
		return
	}
	if ev.Stopped == "" {
		return
	}
	p.registry.Unregister(ev.Stopped)
	p.scheduler.RemoveContainer(ev.Stopped)
	if col != nil {
		col.ForgetContainer(ev.Stopped)
	}
	p.mtx.Lock()
	delete(p.states, ev.Stopped)
	p.mtx.Unlock()
	level.Info(p.logger).Log("msg", "container stopped", "container_id", ev.Stopped)
}

func toWireMetrics(m agenttypes.ContainerMetrics) *syncpb.ContainerMetrics {
	return &syncpb.ContainerMetrics{
		ContainerID:           m.ContainerID,
		PodName:               m.PodName,
		Namespace:             m.Namespace,
		Deployment:            m.Deployment,
		Timestamp:             &syncpb.Timestamp{Seconds: m.Timestamp},
		CPUUsageCores:         float32(m.CPUUsageCores),
		CPUThrottledPeriods:   m.CPUThrottledPeriods,
		MemoryUsageBytes:      m.MemoryUsageBytes,
		MemoryWorkingSetBytes: m.MemoryWorkingSetBytes,
		MemoryCacheBytes:      m.MemoryCacheBytes,
		NetworkRxBytes:        m.NetworkRxBytes,
		NetworkTxBytes:        m.NetworkTxBytes,
	}
}

func toWireProfile(p agenttypes.ResourceProfile) *syncpb.ResourceProfile {
	return &syncpb.ResourceProfile{
		ContainerID:          p.ContainerID,
		PodName:              p.PodName,
		Namespace:            p.Namespace,
		Deployment:           p.Deployment,
		CPURequestMillicores: p.CPURequestMillicores,
		CPULimitMillicores:   p.CPULimitMillicores,
		MemoryRequestBytes:   p.MemoryRequestBytes,
		MemoryLimitBytes:     p.MemoryLimitBytes,
		Confidence:           float32(p.Confidence),
		ModelVersion:         p.ModelVersion,
		GeneratedAt:          &syncpb.Timestamp{Seconds: p.GeneratedAt.Unix()},
	}
}
