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

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype this package's codec registers
// under. Clients and servers that want hand-rolled wire messages instead
// of generated protobuf code select it with grpc.CallContentSubtype or
// grpc.ForceServerCodec.
const CodecName = "nodeprofiler-wire"

// wireMarshaler is implemented by every message type's Marshal method.
type wireMarshaler interface {
	Marshal() []byte
}

// Codec implements google.golang.org/grpc/encoding.Codec against this
// package's hand-written Marshal/Unmarshal pairs, so the agent's gRPC
// stack never needs generated protobuf descriptors.
type Codec struct{}

// Name reports the codec's registered content-subtype.
func (Codec) Name() string { return CodecName }

// Marshal encodes v, which must be one of this package's message types.
func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMarshaler)
	if !ok {
		return nil, errors.Errorf("syncpb: cannot marshal %T: does not implement Marshal() []byte", v)
	}
	return m.Marshal(), nil
}

// Unmarshal decodes data into v, which must be a pointer to one of this
// package's message types.
func (Codec) Unmarshal(data []byte, v interface{}) error {
	switch p := v.(type) {
	case *RegisterRequest:
		got, err := UnmarshalRegisterRequest(data)
		if err != nil {
			return err
		}
		*p = *got
	case *RegisterResponse:
		got, err := UnmarshalRegisterResponse(data)
		if err != nil {
			return err
		}
		*p = *got
	case *AgentConfig:
		got, err := UnmarshalAgentConfig(data)
		if err != nil {
			return err
		}
		*p = *got
	case *ContainerMetrics:
		got, err := UnmarshalContainerMetrics(data)
		if err != nil {
			return err
		}
		*p = *got
	case *ResourceProfile:
		got, err := UnmarshalResourceProfile(data)
		if err != nil {
			return err
		}
		*p = *got
	case *Anomaly:
		got, err := UnmarshalAnomaly(data)
		if err != nil {
			return err
		}
		*p = *got
	case *SyncMetricsRequest:
		got, err := UnmarshalSyncMetricsRequest(data)
		if err != nil {
			return err
		}
		*p = *got
	case *SyncMetricsResponse:
		got, err := UnmarshalSyncMetricsResponse(data)
		if err != nil {
			return err
		}
		*p = *got
	case *GetModelUpdateRequest:
		got, err := UnmarshalGetModelUpdateRequest(data)
		if err != nil {
			return err
		}
		*p = *got
	case *GetModelUpdateResponse:
		got, err := UnmarshalGetModelUpdateResponse(data)
		if err != nil {
			return err
		}
		*p = *got
	case *ModelMetadata:
		got, err := UnmarshalModelMetadata(data)
		if err != nil {
			return err
		}
		*p = *got
	case *UploadGradientsRequest:
		got, err := UnmarshalUploadGradientsRequest(data)
		if err != nil {
			return err
		}
		*p = *got
	case *UploadGradientsResponse:
		got, err := UnmarshalUploadGradientsResponse(data)
		if err != nil {
			return err
		}
		*p = *got
	default:
		return errors.Errorf("syncpb: cannot unmarshal into %T: unrecognized message type", v)
	}
	return nil
}

func init() {
	encoding.RegisterCodec(Codec{})
}
