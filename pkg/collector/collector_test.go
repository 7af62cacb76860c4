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

package collector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/registry"
)

func writeV2Container(t *testing.T, root string, cpuUsageUsec, memCurrent uint64) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, "cgroup.controllers"), []byte("cpu memory"), 0o644))

	dir := filepath.Join(root, "kubepods.slice", "a"+padHex(64))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpu.stat"),
		[]byte("usage_usec "+itoa(cpuUsageUsec)+"\nnr_throttled 2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memory.current"), []byte(itoa(memCurrent)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memory.stat"),
		[]byte("inactive_file 100\nfile 200\n"), 0o644))
	return dir
}

func padHex(n int) string {
	s := ""
	for len(s) < n {
		s += "0"
	}
	return s
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf []byte
	for v > 0 {
		buf = append([]byte{byte('0' + v%10)}, buf...)
		v /= 10
	}
	return string(buf)
}

func TestCollectOneFirstSampleHasZeroRate(t *testing.T) {
	root := t.TempDir()
	dir := writeV2Container(t, root, 1_000_000, 5000)

	reg := registry.New()
	c := New(DefaultConfig(), reg, root, nil)

	info := agenttypes.ContainerInfo{ContainerID: "c1", CgroupPath: dir}
	m, err := c.collectOne(info)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.CPUUsageCores, "first sample has no prior counter to diff against")
	assert.Equal(t, uint64(5000), m.MemoryUsageBytes)
	assert.Equal(t, uint64(4900), m.MemoryWorkingSetBytes)
	assert.Equal(t, uint64(200), m.MemoryCacheBytes)
}

func TestCollectOneSecondSampleComputesRate(t *testing.T) {
	root := t.TempDir()
	dir := writeV2Container(t, root, 1_000_000, 5000)

	reg := registry.New()
	c := New(DefaultConfig(), reg, root, nil)
	info := agenttypes.ContainerInfo{ContainerID: "c1", CgroupPath: dir}

	_, err := c.collectOne(info)
	require.NoError(t, err)

	// Simulate one second of elapsed wall time and additional CPU usage.
	c.prev["c1"] = prevSample{timestamp: time.Now().Add(-time.Second), cpuUsage: time.Second}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpu.stat"), []byte("usage_usec 1500000\nnr_throttled 2\n"), 0o644))

	m, err := c.collectOne(info)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m.CPUUsageCores, 0.05)
}

func TestCollectOneMissingDirectoryErrors(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "cgroup.controllers"), []byte(""), 0o644))

	reg := registry.New()
	c := New(DefaultConfig(), reg, root, nil)
	_, err := c.collectOne(agenttypes.ContainerInfo{ContainerID: "gone", CgroupPath: filepath.Join(root, "nope")})
	assert.Error(t, err)
}

func TestUpdateDegradedEntersAndLeaves(t *testing.T) {
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.DegradedThreshold = 10 * time.Millisecond
	c := New(cfg, reg, t.TempDir(), nil)

	c.updateDegraded(50 * time.Millisecond)
	assert.True(t, c.degraded)

	c.updateDegraded(2 * time.Millisecond)
	assert.False(t, c.degraded)
}

func TestNextDelayUsesDegradedIntervalWhenDegraded(t *testing.T) {
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.Interval = time.Second
	cfg.DegradedInterval = time.Minute
	cfg.Jitter = 0
	c := New(cfg, reg, t.TempDir(), nil)

	assert.Equal(t, time.Second, c.nextDelay())
	c.degraded = true
	assert.Equal(t, time.Minute, c.nextDelay())
}

func TestTickDropsSampleWhenQueueFull(t *testing.T) {
	root := t.TempDir()
	dir := writeV2Container(t, root, 1000, 100)

	reg := registry.New()
	reg.Register(agenttypes.ContainerInfo{ContainerID: "c1", CgroupPath: dir})

	cfg := DefaultConfig()
	cfg.OutputQueueSize = 1
	c := New(cfg, reg, root, nil)

	c.tick()
	c.tick() // second tick's sample has nowhere to go; must not block.

	assert.Equal(t, 1, len(c.out))
}

func TestForgetContainerClearsRateTracking(t *testing.T) {
	reg := registry.New()
	c := New(DefaultConfig(), reg, t.TempDir(), nil)
	c.prev["c1"] = prevSample{timestamp: time.Now(), cpuUsage: time.Second}
	c.ForgetContainer("c1")
	_, ok := c.prev["c1"]
	assert.False(t, ok)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 60*time.Second, cfg.DegradedInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.DegradedThreshold)
	assert.Equal(t, 1000, cfg.OutputQueueSize)
}
