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
	"time"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
)

const (
	memoryBufferPercent = 0.20
	minMemoryBytes      = 64 * 1024 * 1024
	minCPUMillicores    = 10
)

// FormatOutput denormalizes raw model outputs into a ResourceProfile,
// applying the memory safety margin, the limit>=request invariant, and the
// documented minimums (spec §4.3.3). now is injected for testability.
func FormatOutput(raw RawOutputs, modelVersion string, now time.Time) agenttypes.ResourceProfile {
	cpuRequest := denormalizeCPU(raw[0])
	cpuLimit := denormalizeCPU(raw[1])
	memRequest := denormalizeMemory(raw[2])
	memLimit := applyMemoryBuffer(denormalizeMemory(raw[3]))

	if cpuLimit < cpuRequest {
		cpuLimit = cpuRequest
	}
	if cpuLimit < minCPUMillicores {
		cpuLimit = minCPUMillicores
	}
	if cpuRequest < minCPUMillicores {
		cpuRequest = minCPUMillicores
	}

	if memLimit < memRequest {
		memLimit = memRequest
	}
	if memLimit < minMemoryBytes {
		memLimit = minMemoryBytes
	}
	if memRequest < minMemoryBytes {
		memRequest = minMemoryBytes
	}

	return agenttypes.ResourceProfile{
		CPURequestMillicores: cpuRequest,
		CPULimitMillicores:   cpuLimit,
		MemoryRequestBytes:   memRequest,
		MemoryLimitBytes:     memLimit,
		Confidence:           clampUnit(raw[4]),
		ModelVersion:         modelVersion,
		GeneratedAt:          now,
	}
}

func denormalizeCPU(v float64) uint32 {
	return uint32(clampUnit(v) * maxCPUCores * 1000.0)
}

func denormalizeMemory(v float64) uint64 {
	return uint64(clampUnit(v) * maxMemory)
}

func applyMemoryBuffer(memBytes uint64) uint64 {
	buffer := uint64(float64(memBytes) * memoryBufferPercent)
	sum := memBytes + buffer
	if sum < memBytes {
		return ^uint64(0) // saturate, matching the collector's saturating-sub convention.
	}
	return sum
}
