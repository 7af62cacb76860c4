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

// Package agenttypes holds the data model shared across the node agent's
// components. Entities here are intentionally dumb: construction and
// mutation rules live with the owning component (the Registry for
// ContainerInfo, the predictor scheduler for ResourceProfile, and so on).
package agenttypes

import "time"

// ContainerInfo identifies a single container on this node. The Registry is
// its sole owner; every other component addresses a container by its
// ContainerID string rather than holding a reference to this struct.
type ContainerInfo struct {
	ContainerID string // 64 lowercase hex characters.
	PodName     string
	Namespace   string
	Deployment  string // optional, empty if not yet resolved or not owned by a Deployment.
	NodeName    string
	CgroupPath  string
}

// ContainerMetrics is one sample for one container at one instant. It is
// immutable once constructed and never retained by the Collector after
// publishing.
type ContainerMetrics struct {
	ContainerID string
	PodName     string
	Namespace   string
	Deployment  string

	Timestamp int64 // seconds since epoch.

	CPUUsageCores       float64 // delta-over-interval rate, not a cumulative counter.
	CPUThrottledPeriods uint64  // cumulative counter, as reported by the kernel.

	MemoryUsageBytes      uint64
	MemoryWorkingSetBytes uint64
	MemoryCacheBytes      uint64

	NetworkRxBytes uint64
	NetworkTxBytes uint64
}

// FeatureVector holds the twelve normalized inputs to the prediction model.
// All values lie in [0, 1] except MemTrend, which lies in [-1, 1].
type FeatureVector struct {
	CPUP50 float64
	CPUP95 float64
	CPUP99 float64

	MemP50 float64
	MemP95 float64
	MemP99 float64

	CPUVariance float64
	MemTrend    float64 // [-1, 1]

	ThrottleRatio float64

	HourOfDay   float64
	DayOfWeek   float64
	WorkloadAge float64
}

// ResourceProfile is the output of one prediction for one container.
type ResourceProfile struct {
	ContainerID string
	PodName     string
	Namespace   string
	Deployment  string

	CPURequestMillicores uint32
	CPULimitMillicores   uint32
	MemoryRequestBytes   uint64
	MemoryLimitBytes     uint64

	Confidence   float64 // [0, 1]
	ModelVersion string
	GeneratedAt  time.Time
}

// LowConfidence reports whether the profile's confidence fell below the
// "low confidence" threshold used for downstream flagging (spec §4.3.3).
func (p ResourceProfile) LowConfidence() bool {
	return p.Confidence < 0.7
}

// InsufficientHistory reports whether confidence fell below the stricter
// threshold that marks a profile as built on too little history.
func (p ResourceProfile) InsufficientHistory() bool {
	return p.Confidence < 0.5
}

// LeakAnomaly is the output of the memory leak detector for one container.
type LeakAnomaly struct {
	ContainerID        string
	SlopeBytesPerSec   float64
	ProjectedOOMTime   int64 // 0 if unknown; may equal the latest sample's timestamp if already breached.
	Confidence         float64
	CurrentMemoryBytes uint64
	SamplesAnalyzed    int
}

// SpikeSeverity classifies a detected CPU spike.
type SpikeSeverity string

const (
	SeverityWarning  SpikeSeverity = "warning"
	SeverityHigh     SpikeSeverity = "high"
	SeverityCritical SpikeSeverity = "critical"
)

// SpikeAnomaly is the output of the CPU spike detector for one container.
type SpikeAnomaly struct {
	ContainerID string
	Current     float64
	Expected    float64 // rolling mean at detection time.
	ZScore      float64
	StdDev      float64
	Threshold   float64
	Severity    SpikeSeverity
}

// AlertContext carries the pod identity the alerter needs to route an
// anomaly, since detectors themselves only know container_id.
type AlertContext struct {
	ContainerID string
	PodName     string
	Namespace   string
	Deployment  string
	NodeName    string
}

// ModelVersion describes one on-disk model artifact.
type ModelVersion struct {
	Version            string
	Path               string
	SHA256             string
	SizeBytes          int64
	ValidationAccuracy *float64 // optional.
	DownloadedAt       time.Time
}
