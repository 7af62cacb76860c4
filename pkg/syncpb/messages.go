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

// Package syncpb holds the wire messages exchanged with the central
// PredictorSyncService. Field numbers are wire-stable and match the
// service's schema; each message hand-implements Marshal/Unmarshal over
// google.golang.org/protobuf/encoding/protowire rather than depending on
// protoc-generated code.
package syncpb

// Timestamp mirrors the wire schema's seconds+nanos timestamp
// representation.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// AnomalyType classifies an Anomaly on the wire.
type AnomalyType int32

const (
	AnomalyTypeUnspecified AnomalyType = 0
	AnomalyTypeMemoryLeak  AnomalyType = 1
	AnomalyTypeCPUSpike    AnomalyType = 2
	AnomalyTypeOOMRisk     AnomalyType = 3
)

// Severity is an Anomaly's wire severity.
type Severity int32

const (
	SeverityUnspecified Severity = 0
	SeverityWarning     Severity = 1
	SeverityCritical    Severity = 2
)

// TimeWindow classifies which part of a container's usage cycle a
// ResourceProfile was generated for.
type TimeWindow int32

const (
	TimeWindowUnspecified TimeWindow = 0
	TimeWindowPeak        TimeWindow = 1
	TimeWindowOffPeak     TimeWindow = 2
	TimeWindowWeekly      TimeWindow = 3
)

// RegisterRequest is the initial handshake sent once per connection.
type RegisterRequest struct {
	AgentID           string
	NodeName          string
	KubernetesVersion string
	AgentVersion      string
	ModelVersion      string
}

// AgentConfig is the bootstrap configuration returned by Register.
type AgentConfig struct {
	CollectionIntervalSeconds int32
	PredictionIntervalSeconds int32
	SyncIntervalSeconds       int32
	AnomalyDetectionEnabled   bool
}

// RegisterResponse answers a RegisterRequest.
type RegisterResponse struct {
	Success bool
	Message string
	Config  *AgentConfig
}

// ContainerMetrics is the wire shape of one metrics sample.
type ContainerMetrics struct {
	ContainerID           string
	PodName               string
	Namespace             string
	Deployment            string
	Timestamp             *Timestamp
	CPUUsageCores         float32
	CPUThrottledPeriods   uint64
	MemoryUsageBytes      uint64
	MemoryWorkingSetBytes uint64
	MemoryCacheBytes      uint64
	NetworkRxBytes        uint64
	NetworkTxBytes        uint64
}

// ResourceProfile is the wire shape of one prediction.
type ResourceProfile struct {
	ContainerID          string
	PodName              string
	Namespace            string
	Deployment           string
	CPURequestMillicores uint32
	CPULimitMillicores   uint32
	MemoryRequestBytes   uint64
	MemoryLimitBytes     uint64
	Confidence           float32
	ModelVersion         string
	GeneratedAt          *Timestamp
	TimeWindow           TimeWindow
}

// Anomaly is the wire shape of one detected anomaly.
type Anomaly struct {
	ContainerID string
	PodName     string
	Namespace   string
	Type        AnomalyType
	Severity    Severity
	Message     string
	DetectedAt  *Timestamp
}

// SyncMetricsRequest (aka MetricsBatch) is one client-streamed batch.
type SyncMetricsRequest struct {
	AgentID     string
	NodeName    string
	Timestamp   *Timestamp
	Metrics     []*ContainerMetrics
	Predictions []*ResourceProfile
	Anomalies   []*Anomaly
}

// MetricsBatch is a naming alias for SyncMetricsRequest, kept because the
// streamer and buffer components refer to "batches" rather than
// "requests".
type MetricsBatch = SyncMetricsRequest

// SyncMetricsResponse answers a completed SyncMetrics stream.
type SyncMetricsResponse struct {
	Success             bool
	Message             string
	MetricsReceived     int64
	PredictionsReceived int64
}

// GetModelUpdateRequest asks whether a newer model than CurrentModelVersion
// exists.
type GetModelUpdateRequest struct {
	AgentID             string
	CurrentModelVersion string
}

// ModelMetadata describes a model artifact offered by GetModelUpdate.
type ModelMetadata struct {
	Version            string
	CreatedAt          *Timestamp
	ValidationAccuracy float32
	SizeBytes          int64
}

// GetModelUpdateResponse answers a GetModelUpdateRequest.
type GetModelUpdateResponse struct {
	UpdateAvailable bool
	NewVersion      string
	ModelWeights    []byte
	Checksum        string
	Metadata        *ModelMetadata
}

// UploadGradientsRequest carries a federated-update contribution. Reserved:
// not required by the core agent, but wired into the wire schema and
// client per the interface table.
type UploadGradientsRequest struct {
	AgentID      string
	ModelVersion string
	Gradients    []byte
	SampleCount  int64
}

// UploadGradientsResponse answers an UploadGradientsRequest.
type UploadGradientsResponse struct {
	Success bool
	Message string
}
