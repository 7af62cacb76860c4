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
	"fmt"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
)

// DefaultDedupWindow is the default alert deduplication window.
const DefaultDedupWindow = 15 * time.Minute

// AlertSeverity is the alerting-system-facing severity, distinct from
// SpikeSeverity: both memory leaks and CPU spikes collapse onto this
// two-level scale for routing.
type AlertSeverity string

const (
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType classifies the kind of anomaly being reported.
type AlertType string

const (
	AlertTypeMemoryLeak AlertType = "memory_leak"
	AlertTypeCPUSpike   AlertType = "cpu_spike"
)

// leakOOMCriticalWindow is the supplemented rule promoting a leak to
// Critical severity when the projected OOM is imminent.
const leakOOMCriticalWindow = int64(3600)

// NodeEvent is the node-local record of an emitted alert, suitable for
// logging or surfacing as a Kubernetes event.
type NodeEvent struct {
	Reason    string
	Message   string
	Severity  AlertSeverity
	PodName   string
	Namespace string
	Timestamp time.Time
}

// CentralAlert is the payload shape sent toward the central alerting
// system: routing labels plus numeric annotations.
type CentralAlert struct {
	AlertName   string
	Severity    AlertSeverity
	Labels      map[string]string
	Annotations map[string]string
	StartsAt    time.Time
}

type dedupKey struct {
	alertType AlertType
	namespace string
	podName   string
}

// Alerter emits node-local and central-facing alerts for confirmed
// anomalies, deduplicating repeated emissions per (type, namespace, pod)
// within a trailing window.
type Alerter struct {
	mtx         sync.Mutex
	dedupWindow time.Duration
	recent      map[dedupKey]time.Time
	nodeName    string
}

// NewAlerter returns an Alerter for nodeName using the default 15-minute
// deduplication window.
func NewAlerter(nodeName string) *Alerter {
	return &Alerter{
		dedupWindow: DefaultDedupWindow,
		recent:      make(map[dedupKey]time.Time),
		nodeName:    nodeName,
	}
}

// WithDedupWindow overrides the default deduplication window.
func (a *Alerter) WithDedupWindow(window time.Duration) *Alerter {
	a.dedupWindow = window
	return a
}

func (a *Alerter) shouldSuppress(alertType AlertType, ctx agenttypes.AlertContext, now time.Time) bool {
	key := dedupKey{alertType: alertType, namespace: ctx.Namespace, podName: ctx.PodName}
	a.mtx.Lock()
	defer a.mtx.Unlock()
	last, ok := a.recent[key]
	return ok && now.Sub(last) < a.dedupWindow
}

func (a *Alerter) recordAlert(alertType AlertType, ctx agenttypes.AlertContext, now time.Time) {
	key := dedupKey{alertType: alertType, namespace: ctx.Namespace, podName: ctx.PodName}
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.recent[key] = now
	for k, t := range a.recent {
		if now.Sub(t) >= a.dedupWindow {
			delete(a.recent, k)
		}
	}
}

// leakSeverity elevates to Critical when OOM is projected within the
// hour, matching the original implementation's structured logging rule.
func leakSeverity(anomaly agenttypes.LeakAnomaly, now time.Time) AlertSeverity {
	if anomaly.ProjectedOOMTime > 0 && anomaly.ProjectedOOMTime-now.Unix() <= leakOOMCriticalWindow {
		return AlertSeverityCritical
	}
	return AlertSeverityWarning
}

func spikeSeverity(s agenttypes.SpikeSeverity) AlertSeverity {
	if s == agenttypes.SeverityCritical {
		return AlertSeverityCritical
	}
	return AlertSeverityWarning
}

// EmitLeak produces a node event and central alert for a confirmed memory
// leak, or (nil, nil, false) if suppressed by deduplication.
func (a *Alerter) EmitLeak(anomaly agenttypes.LeakAnomaly, ctx agenttypes.AlertContext, now time.Time) (*NodeEvent, *CentralAlert, bool) {
	if a.shouldSuppress(AlertTypeMemoryLeak, ctx, now) {
		return nil, nil, false
	}
	severity := leakSeverity(anomaly, now)

	message := fmt.Sprintf(
		"Memory leak detected: %.2f MB/hour increase. Current: %d MB. Confidence: %.0f%%",
		leakRateMBPerHour(anomaly), anomaly.CurrentMemoryBytes/(1024*1024), anomaly.Confidence*100.0,
	)
	if anomaly.ProjectedOOMTime > 0 {
		message += fmt.Sprintf(". Projected OOM at timestamp %d", anomaly.ProjectedOOMTime)
	}

	event := &NodeEvent{
		Reason:    "MemoryLeak",
		Message:   message,
		Severity:  severity,
		PodName:   ctx.PodName,
		Namespace: ctx.Namespace,
		Timestamp: now,
	}

	labels := map[string]string{
		"alertname":    "ContainerMemoryLeak",
		"severity":     string(severity),
		"namespace":    ctx.Namespace,
		"pod":          ctx.PodName,
		"container_id": ctx.ContainerID,
		"node":         ctx.NodeName,
	}
	if ctx.Deployment != "" {
		labels["deployment"] = ctx.Deployment
	}
	annotations := map[string]string{
		"summary": fmt.Sprintf("Memory leak detected in pod %s/%s", ctx.Namespace, ctx.PodName),
		"description": fmt.Sprintf(
			"Container is leaking memory at %.2f MB/hour. Current usage: %d MB. Confidence: %.0f%%.",
			leakRateMBPerHour(anomaly), anomaly.CurrentMemoryBytes/(1024*1024), anomaly.Confidence*100.0,
		),
		"leak_rate_bytes_per_sec": fmt.Sprintf("%.2f", anomaly.SlopeBytesPerSec),
	}
	if anomaly.ProjectedOOMTime > 0 {
		annotations["projected_oom_timestamp"] = fmt.Sprintf("%d", anomaly.ProjectedOOMTime)
	}

	central := &CentralAlert{
		AlertName:   "ContainerMemoryLeak",
		Severity:    severity,
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    now,
	}

	a.recordAlert(AlertTypeMemoryLeak, ctx, now)
	return event, central, true
}

// EmitSpike produces a node event and central alert for a confirmed CPU
// spike, or (nil, nil, false) if suppressed by deduplication.
func (a *Alerter) EmitSpike(anomaly agenttypes.SpikeAnomaly, ctx agenttypes.AlertContext, now time.Time) (*NodeEvent, *CentralAlert, bool) {
	if a.shouldSuppress(AlertTypeCPUSpike, ctx, now) {
		return nil, nil, false
	}
	severity := spikeSeverity(anomaly.Severity)

	message := fmt.Sprintf(
		"CPU spike detected: %.2f cores (expected %.2f, z-score: %.1f). %.0f%% above normal.",
		anomaly.Current, anomaly.Expected, anomaly.ZScore, percentageAboveExpected(anomaly),
	)

	event := &NodeEvent{
		Reason:    "CPUSpike",
		Message:   message,
		Severity:  AlertSeverityWarning, // node events always surface as Warning type, matching the original.
		PodName:   ctx.PodName,
		Namespace: ctx.Namespace,
		Timestamp: now,
	}

	labels := map[string]string{
		"alertname":    "ContainerCPUSpike",
		"severity":     string(severity),
		"namespace":    ctx.Namespace,
		"pod":          ctx.PodName,
		"container_id": ctx.ContainerID,
		"node":         ctx.NodeName,
	}
	if ctx.Deployment != "" {
		labels["deployment"] = ctx.Deployment
	}
	annotations := map[string]string{
		"summary": fmt.Sprintf("CPU spike detected in pod %s/%s", ctx.Namespace, ctx.PodName),
		"description": fmt.Sprintf(
			"CPU usage spiked to %.2f cores (expected %.2f). Z-score: %.1f (%.0f%% above normal).",
			anomaly.Current, anomaly.Expected, anomaly.ZScore, percentageAboveExpected(anomaly),
		),
		"z_score":      fmt.Sprintf("%.2f", anomaly.ZScore),
		"current_cpu":  fmt.Sprintf("%.4f", anomaly.Current),
		"expected_cpu": fmt.Sprintf("%.4f", anomaly.Expected),
	}

	central := &CentralAlert{
		AlertName:   "ContainerCPUSpike",
		Severity:    severity,
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    now,
	}

	a.recordAlert(AlertTypeCPUSpike, ctx, now)
	return event, central, true
}

// CleanupDedupCache drops expired deduplication entries; callers may call
// this periodically instead of relying solely on the sweep in recordAlert.
func (a *Alerter) CleanupDedupCache(now time.Time) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	for k, t := range a.recent {
		if now.Sub(t) >= a.dedupWindow {
			delete(a.recent, k)
		}
	}
}

func leakRateMBPerHour(anomaly agenttypes.LeakAnomaly) float64 {
	return anomaly.SlopeBytesPerSec * 3600.0 / (1024.0 * 1024.0)
}

func percentageAboveExpected(a agenttypes.SpikeAnomaly) float64 {
	if a.Expected < 1e-9 {
		return 0
	}
	return ((a.Current - a.Expected) / a.Expected) * 100.0
}
