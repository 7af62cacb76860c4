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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatOutputAppliesMemoryBuffer(t *testing.T) {
	raw := RawOutputs{0.1, 0.2, 0.5, 0.5, 0.9}
	now := time.Unix(1_700_000_000, 0)
	profile := FormatOutput(raw, "v1", now)

	wantRequest := denormalizeMemory(0.5)
	wantLimit := applyMemoryBuffer(denormalizeMemory(0.5))
	assert.Equal(t, wantRequest, profile.MemoryRequestBytes)
	assert.Equal(t, wantLimit, profile.MemoryLimitBytes)
	assert.Greater(t, profile.MemoryLimitBytes, profile.MemoryRequestBytes)
}

func TestFormatOutputEnforcesLimitGERequest(t *testing.T) {
	// cpu_lim normalized lower than cpu_req: limit must be bumped up.
	raw := RawOutputs{0.8, 0.1, 0.8, 0.1, 0.9}
	profile := FormatOutput(raw, "v1", time.Now())
	assert.GreaterOrEqual(t, profile.CPULimitMillicores, profile.CPURequestMillicores)
	assert.GreaterOrEqual(t, profile.MemoryLimitBytes, profile.MemoryRequestBytes)
}

func TestFormatOutputEnforcesMinimums(t *testing.T) {
	raw := RawOutputs{0, 0, 0, 0, 0}
	profile := FormatOutput(raw, "v1", time.Now())
	assert.GreaterOrEqual(t, profile.CPURequestMillicores, uint32(minCPUMillicores))
	assert.GreaterOrEqual(t, profile.CPULimitMillicores, uint32(minCPUMillicores))
	assert.GreaterOrEqual(t, profile.MemoryRequestBytes, uint64(minMemoryBytes))
	assert.GreaterOrEqual(t, profile.MemoryLimitBytes, uint64(minMemoryBytes))
}

func TestFormatOutputClampsConfidence(t *testing.T) {
	raw := RawOutputs{0.1, 0.1, 0.1, 0.1, 1.5}
	profile := FormatOutput(raw, "v1", time.Now())
	assert.Equal(t, 1.0, profile.Confidence)
}

func TestApplyMemoryBufferSaturates(t *testing.T) {
	got := applyMemoryBuffer(^uint64(0))
	assert.Equal(t, ^uint64(0), got)
}

func TestDenormalizeCPUClampsNegative(t *testing.T) {
	assert.Equal(t, uint32(0), denormalizeCPU(-1))
	assert.Equal(t, uint32(maxCPUCores*1000), denormalizeCPU(2))
}
