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

package syncpb

import "google.golang.org/protobuf/encoding/protowire"

// Marshal encodes r as wire bytes.
func (r *RegisterRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.AgentID)
	b = appendString(b, 2, r.NodeName)
	b = appendString(b, 3, r.KubernetesVersion)
	b = appendString(b, 4, r.AgentVersion)
	b = appendString(b, 5, r.ModelVersion)
	return b
}

// UnmarshalRegisterRequest decodes r from wire bytes.
func UnmarshalRegisterRequest(data []byte) (*RegisterRequest, error) {
	r := &RegisterRequest{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			r.AgentID = v
			return n
		case 2:
			v, n := consumeString(b)
			r.NodeName = v
			return n
		case 3:
			v, n := consumeString(b)
			r.KubernetesVersion = v
			return n
		case 4:
			v, n := consumeString(b)
			r.AgentVersion = v
			return n
		case 5:
			v, n := consumeString(b)
			r.ModelVersion = v
			return n
		default:
			return -1
		}
	})
	return r, err
}

// Marshal encodes c as an embedded message.
func (c *AgentConfig) Marshal() []byte {
	if c == nil {
		return nil
	}
	var b []byte
	b = appendInt32(b, 1, c.CollectionIntervalSeconds)
	b = appendInt32(b, 2, c.PredictionIntervalSeconds)
	b = appendInt32(b, 3, c.SyncIntervalSeconds)
	b = appendBool(b, 4, c.AnomalyDetectionEnabled)
	return b
}

// UnmarshalAgentConfig decodes c from an embedded message's bytes.
func UnmarshalAgentConfig(data []byte) (*AgentConfig, error) {
	c := &AgentConfig{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeVarint(b)
			c.CollectionIntervalSeconds = int32(v)
			return n
		case 2:
			v, n := consumeVarint(b)
			c.PredictionIntervalSeconds = int32(v)
			return n
		case 3:
			v, n := consumeVarint(b)
			c.SyncIntervalSeconds = int32(v)
			return n
		case 4:
			v, n := consumeVarint(b)
			c.AnomalyDetectionEnabled = v != 0
			return n
		default:
			return -1
		}
	})
	return c, err
}

// Marshal encodes r as wire bytes.
func (r *RegisterResponse) Marshal() []byte {
	var b []byte
	b = appendBool(b, 1, r.Success)
	b = appendString(b, 2, r.Message)
	b = appendMessage(b, 3, r.Config.Marshal())
	return b
}

// UnmarshalRegisterResponse decodes r from wire bytes.
func UnmarshalRegisterResponse(data []byte) (*RegisterResponse, error) {
	r := &RegisterResponse{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeVarint(b)
			r.Success = v != 0
			return n
		case 2:
			v, n := consumeString(b)
			r.Message = v
			return n
		case 3:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			cfg, err := UnmarshalAgentConfig(msg)
			if err == nil {
				r.Config = cfg
			}
			return n
		default:
			return -1
		}
	})
	return r, err
}

// Marshal encodes m as an embedded message.
func (m *ContainerMetrics) Marshal() []byte {
	if m == nil {
		return nil
	}
	var b []byte
	b = appendString(b, 1, m.ContainerID)
	b = appendString(b, 2, m.PodName)
	b = appendString(b, 3, m.Namespace)
	b = appendString(b, 4, m.Deployment)
	b = appendMessage(b, 5, m.Timestamp.Marshal())
	b = appendFloat32(b, 6, m.CPUUsageCores)
	b = appendUint64(b, 7, m.CPUThrottledPeriods)
	b = appendUint64(b, 9, m.MemoryUsageBytes)
	b = appendUint64(b, 10, m.MemoryWorkingSetBytes)
	b = appendUint64(b, 11, m.MemoryCacheBytes)
	b = appendUint64(b, 13, m.NetworkRxBytes)
	b = appendUint64(b, 14, m.NetworkTxBytes)
	return b
}

// UnmarshalContainerMetrics decodes m from an embedded message's bytes.
func UnmarshalContainerMetrics(data []byte) (*ContainerMetrics, error) {
	m := &ContainerMetrics{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			m.ContainerID = v
			return n
		case 2:
			v, n := consumeString(b)
			m.PodName = v
			return n
		case 3:
			v, n := consumeString(b)
			m.Namespace = v
			return n
		case 4:
			v, n := consumeString(b)
			m.Deployment = v
			return n
		case 5:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			ts, err := UnmarshalTimestamp(msg)
			if err == nil {
				m.Timestamp = ts
			}
			return n
		case 6:
			v, n := consumeFloat32(b)
			m.CPUUsageCores = v
			return n
		case 7:
			v, n := consumeVarint(b)
			m.CPUThrottledPeriods = v
			return n
		case 9:
			v, n := consumeVarint(b)
			m.MemoryUsageBytes = v
			return n
		case 10:
			v, n := consumeVarint(b)
			m.MemoryWorkingSetBytes = v
			return n
		case 11:
			v, n := consumeVarint(b)
			m.MemoryCacheBytes = v
			return n
		case 13:
			v, n := consumeVarint(b)
			m.NetworkRxBytes = v
			return n
		case 14:
			v, n := consumeVarint(b)
			m.NetworkTxBytes = v
			return n
		default:
			return -1
		}
	})
	return m, err
}

// Marshal encodes p as an embedded message.
func (p *ResourceProfile) Marshal() []byte {
	if p == nil {
		return nil
	}
	var b []byte
	b = appendString(b, 1, p.ContainerID)
	b = appendString(b, 2, p.PodName)
	b = appendString(b, 3, p.Namespace)
	b = appendString(b, 4, p.Deployment)
	b = appendUint32(b, 5, p.CPURequestMillicores)
	b = appendUint32(b, 6, p.CPULimitMillicores)
	b = appendUint64(b, 7, p.MemoryRequestBytes)
	b = appendUint64(b, 8, p.MemoryLimitBytes)
	b = appendFloat32(b, 9, p.Confidence)
	b = appendString(b, 10, p.ModelVersion)
	b = appendMessage(b, 11, p.GeneratedAt.Marshal())
	b = appendInt32(b, 12, int32(p.TimeWindow))
	return b
}

// UnmarshalResourceProfile decodes p from an embedded message's bytes.
func UnmarshalResourceProfile(data []byte) (*ResourceProfile, error) {
	p := &ResourceProfile{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			p.ContainerID = v
			return n
		case 2:
			v, n := consumeString(b)
			p.PodName = v
			return n
		case 3:
			v, n := consumeString(b)
			p.Namespace = v
			return n
		case 4:
			v, n := consumeString(b)
			p.Deployment = v
			return n
		case 5:
			v, n := consumeVarint(b)
			p.CPURequestMillicores = uint32(v)
			return n
		case 6:
			v, n := consumeVarint(b)
			p.CPULimitMillicores = uint32(v)
			return n
		case 7:
			v, n := consumeVarint(b)
			p.MemoryRequestBytes = v
			return n
		case 8:
			v, n := consumeVarint(b)
			p.MemoryLimitBytes = v
			return n
		case 9:
			v, n := consumeFloat32(b)
			p.Confidence = v
			return n
		case 10:
			v, n := consumeString(b)
			p.ModelVersion = v
			return n
		case 11:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			ts, err := UnmarshalTimestamp(msg)
			if err == nil {
				p.GeneratedAt = ts
			}
			return n
		case 12:
			v, n := consumeVarint(b)
			p.TimeWindow = TimeWindow(int32(v))
			return n
		default:
			return -1
		}
	})
	return p, err
}

// Marshal encodes a as an embedded message.
func (a *Anomaly) Marshal() []byte {
	if a == nil {
		return nil
	}
	var b []byte
	b = appendString(b, 1, a.ContainerID)
	b = appendString(b, 2, a.PodName)
	b = appendString(b, 3, a.Namespace)
	b = appendInt32(b, 4, int32(a.Type))
	b = appendInt32(b, 5, int32(a.Severity))
	b = appendString(b, 6, a.Message)
	b = appendMessage(b, 7, a.DetectedAt.Marshal())
	return b
}

// UnmarshalAnomaly decodes a from an embedded message's bytes.
func UnmarshalAnomaly(data []byte) (*Anomaly, error) {
	a := &Anomaly{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			a.ContainerID = v
			return n
		case 2:
			v, n := consumeString(b)
			a.PodName = v
			return n
		case 3:
			v, n := consumeString(b)
			a.Namespace = v
			return n
		case 4:
			v, n := consumeVarint(b)
			a.Type = AnomalyType(int32(v))
			return n
		case 5:
			v, n := consumeVarint(b)
			a.Severity = Severity(int32(v))
			return n
		case 6:
			v, n := consumeString(b)
			a.Message = v
			return n
		case 7:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			ts, err := UnmarshalTimestamp(msg)
			if err == nil {
				a.DetectedAt = ts
			}
			return n
		default:
			return -1
		}
	})
	return a, err
}

// Marshal encodes r as wire bytes.
func (r *SyncMetricsRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.AgentID)
	b = appendString(b, 2, r.NodeName)
	b = appendMessage(b, 3, r.Timestamp.Marshal())
	for _, m := range r.Metrics {
		b = appendMessage(b, 4, m.Marshal())
	}
	for _, p := range r.Predictions {
		b = appendMessage(b, 5, p.Marshal())
	}
	for _, a := range r.Anomalies {
		b = appendMessage(b, 6, a.Marshal())
	}
	return b
}

// UnmarshalSyncMetricsRequest decodes r from wire bytes.
func UnmarshalSyncMetricsRequest(data []byte) (*SyncMetricsRequest, error) {
	r := &SyncMetricsRequest{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			r.AgentID = v
			return n
		case 2:
			v, n := consumeString(b)
			r.NodeName = v
			return n
		case 3:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			ts, err := UnmarshalTimestamp(msg)
			if err == nil {
				r.Timestamp = ts
			}
			return n
		case 4:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			cm, err := UnmarshalContainerMetrics(msg)
			if err == nil {
				r.Metrics = append(r.Metrics, cm)
			}
			return n
		case 5:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			rp, err := UnmarshalResourceProfile(msg)
			if err == nil {
				r.Predictions = append(r.Predictions, rp)
			}
			return n
		case 6:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			an, err := UnmarshalAnomaly(msg)
			if err == nil {
				r.Anomalies = append(r.Anomalies, an)
			}
			return n
		default:
			return -1
		}
	})
	return r, err
}

// Marshal encodes r as wire bytes.
func (r *SyncMetricsResponse) Marshal() []byte {
	var b []byte
	b = appendBool(b, 1, r.Success)
	b = appendString(b, 2, r.Message)
	b = appendInt64(b, 3, r.MetricsReceived)
	b = appendInt64(b, 4, r.PredictionsReceived)
	return b
}

// UnmarshalSyncMetricsResponse decodes r from wire bytes.
func UnmarshalSyncMetricsResponse(data []byte) (*SyncMetricsResponse, error) {
	r := &SyncMetricsResponse{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeVarint(b)
			r.Success = v != 0
			return n
		case 2:
			v, n := consumeString(b)
			r.Message = v
			return n
		case 3:
			v, n := consumeVarint(b)
			r.MetricsReceived = int64(v)
			return n
		case 4:
			v, n := consumeVarint(b)
			r.PredictionsReceived = int64(v)
			return n
		default:
			return -1
		}
	})
	return r, err
}

// Marshal encodes r as wire bytes.
func (r *GetModelUpdateRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.AgentID)
	b = appendString(b, 2, r.CurrentModelVersion)
	return b
}

// UnmarshalGetModelUpdateRequest decodes r from wire bytes.
func UnmarshalGetModelUpdateRequest(data []byte) (*GetModelUpdateRequest, error) {
	r := &GetModelUpdateRequest{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			r.AgentID = v
			return n
		case 2:
			v, n := consumeString(b)
			r.CurrentModelVersion = v
			return n
		default:
			return -1
		}
	})
	return r, err
}

// Marshal encodes m as an embedded message.
func (m *ModelMetadata) Marshal() []byte {
	if m == nil {
		return nil
	}
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendMessage(b, 2, m.CreatedAt.Marshal())
	b = appendFloat32(b, 3, m.ValidationAccuracy)
	b = appendInt64(b, 4, m.SizeBytes)
	return b
}

// UnmarshalModelMetadata decodes m from an embedded message's bytes.
func UnmarshalModelMetadata(data []byte) (*ModelMetadata, error) {
	m := &ModelMetadata{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			m.Version = v
			return n
		case 2:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			ts, err := UnmarshalTimestamp(msg)
			if err == nil {
				m.CreatedAt = ts
			}
			return n
		case 3:
			v, n := consumeFloat32(b)
			m.ValidationAccuracy = v
			return n
		case 4:
			v, n := consumeVarint(b)
			m.SizeBytes = int64(v)
			return n
		default:
			return -1
		}
	})
	return m, err
}

// Marshal encodes r as wire bytes.
func (r *GetModelUpdateResponse) Marshal() []byte {
	var b []byte
	b = appendBool(b, 1, r.UpdateAvailable)
	b = appendString(b, 2, r.NewVersion)
	b = appendBytesField(b, 3, r.ModelWeights)
	b = appendString(b, 4, r.Checksum)
	b = appendMessage(b, 5, r.Metadata.Marshal())
	return b
}

// UnmarshalGetModelUpdateResponse decodes r from wire bytes.
func UnmarshalGetModelUpdateResponse(data []byte) (*GetModelUpdateResponse, error) {
	r := &GetModelUpdateResponse{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeVarint(b)
			r.UpdateAvailable = v != 0
			return n
		case 2:
			v, n := consumeString(b)
			r.NewVersion = v
			return n
		case 3:
			v, n := consumeBytesField(b)
			r.ModelWeights = v
			return n
		case 4:
			v, n := consumeString(b)
			r.Checksum = v
			return n
		case 5:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			md, err := UnmarshalModelMetadata(msg)
			if err == nil {
				r.Metadata = md
			}
			return n
		default:
			return -1
		}
	})
	return r, err
}

// Marshal encodes r as wire bytes.
func (r *UploadGradientsRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.AgentID)
	b = appendString(b, 2, r.ModelVersion)
	b = appendBytesField(b, 3, r.Gradients)
	b = appendInt64(b, 4, r.SampleCount)
	return b
}

// UnmarshalUploadGradientsRequest decodes r from wire bytes.
func UnmarshalUploadGradientsRequest(data []byte) (*UploadGradientsRequest, error) {
	r := &UploadGradientsRequest{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			r.AgentID = v
			return n
		case 2:
			v, n := consumeString(b)
			r.ModelVersion = v
			return n
		case 3:
			v, n := consumeBytesField(b)
			r.Gradients = v
			return n
		case 4:
			v, n := consumeVarint(b)
			r.SampleCount = int64(v)
			return n
		default:
			return -1
		}
	})
	return r, err
}

// Marshal encodes r as wire bytes.
func (r *UploadGradientsResponse) Marshal() []byte {
	var b []byte
	b = appendBool(b, 1, r.Success)
	b = appendString(b, 2, r.Message)
	return b
}

// UnmarshalUploadGradientsResponse decodes r from wire bytes.
func UnmarshalUploadGradientsResponse(data []byte) (*UploadGradientsResponse, error) {
	r := &UploadGradientsResponse{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeVarint(b)
			r.Success = v != 0
			return n
		case 2:
			v, n := consumeString(b)
			r.Message = v
			return n
		default:
			return -1
		}
	})
	return r, err
}
