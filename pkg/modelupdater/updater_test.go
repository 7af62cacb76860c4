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

package modelupdater

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/predictor"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/syncpb"
)

func buildModelBytes() []byte {
	const coeffCount = predictor.NumFeatures*predictor.NumOutputs + predictor.NumOutputs
	data := []byte("NPM1")
	for i := 0; i < coeffCount; i++ {
		data = binary.LittleEndian.AppendUint16(data, uint16(int16(0)))
	}
	return data
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type fakeFetcher struct {
	resp *syncpb.GetModelUpdateResponse
	err  error
}

func (f fakeFetcher) GetModelUpdate(context.Context, string) (*syncpb.GetModelUpdateResponse, error) {
	return f.resp, f.err
}

func newTestUpdater(t *testing.T) *Updater {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ModelDir = t.TempDir()
	u, err := New(cfg, predictor.NewSlot(), nil)
	require.NoError(t, err)
	return u
}

func TestInWindowNormalRange(t *testing.T) {
	cfg := Config{UpdateWindowStart: 2, UpdateWindowEnd: 4}
	assert.True(t, cfg.InWindow(2))
	assert.True(t, cfg.InWindow(3))
	assert.False(t, cfg.InWindow(4))
	assert.False(t, cfg.InWindow(1))
}

func TestInWindowWrapsMidnight(t *testing.T) {
	cfg := Config{UpdateWindowStart: 22, UpdateWindowEnd: 2}
	assert.True(t, cfg.InWindow(23))
	assert.True(t, cfg.InWindow(0))
	assert.True(t, cfg.InWindow(1))
	assert.False(t, cfg.InWindow(2))
	assert.False(t, cfg.InWindow(12))
}

func TestCheckForUpdateNoneAvailable(t *testing.T) {
	u := newTestUpdater(t)
	applied, err := u.CheckForUpdate(context.Background(), fakeFetcher{resp: nil})
	require.NoError(t, err)
	assert.Nil(t, applied)
}

func TestCheckForUpdateAppliesValidModel(t *testing.T) {
	u := newTestUpdater(t)
	weights := buildModelBytes()
	resp := &syncpb.GetModelUpdateResponse{
		UpdateAvailable: true,
		NewVersion:      "v2",
		ModelWeights:    weights,
		Checksum:        checksumOf(weights),
		Metadata:        &syncpb.ModelMetadata{ValidationAccuracy: 0.9},
	}
	applied, err := u.CheckForUpdate(context.Background(), fakeFetcher{resp: resp})
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Equal(t, "v2", applied.Version)

	current, ok := u.CurrentVersion()
	assert.True(t, ok)
	assert.Equal(t, "v2", current)

	model, ok := u.slot.Current()
	require.True(t, ok)
	assert.Equal(t, "v2", model.Version)
}

func TestApplyUpdateRejectsOversizeModel(t *testing.T) {
	u := newTestUpdater(t)
	u.cfg.MaxModelSize = 4
	weights := buildModelBytes()
	resp := &syncpb.GetModelUpdateResponse{
		UpdateAvailable: true,
		NewVersion:      "v2",
		ModelWeights:    weights,
		Checksum:        checksumOf(weights),
	}
	_, err := u.CheckForUpdate(context.Background(), fakeFetcher{resp: resp})
	assert.Error(t, err)
}

func TestApplyUpdateRejectsChecksumMismatch(t *testing.T) {
	u := newTestUpdater(t)
	weights := buildModelBytes()
	resp := &syncpb.GetModelUpdateResponse{
		UpdateAvailable: true,
		NewVersion:      "v2",
		ModelWeights:    weights,
		Checksum:        "deadbeef",
	}
	_, err := u.CheckForUpdate(context.Background(), fakeFetcher{resp: resp})
	assert.Error(t, err)
}

func TestVersionDemotionAndOverflowCleanup(t *testing.T) {
	u := newTestUpdater(t)
	u.cfg.VersionsToKeep = 1

	for _, v := range []string{"v1", "v2", "v3"} {
		weights := buildModelBytes()
		resp := &syncpb.GetModelUpdateResponse{
			UpdateAvailable: true,
			NewVersion:      v,
			ModelWeights:    weights,
			Checksum:        checksumOf(weights),
		}
		_, err := u.CheckForUpdate(context.Background(), fakeFetcher{resp: resp})
		require.NoError(t, err)
	}

	current, _ := u.CurrentVersion()
	assert.Equal(t, "v3", current)
	assert.Equal(t, []string{"v2"}, u.AvailableRollbackVersions())

	_, err := os.Stat(filepath.Join(u.cfg.ModelDir, "model_v1.onnx"))
	assert.True(t, os.IsNotExist(err), "oldest overflowed version file should be removed")
}

func TestRollbackWithNoPreviousVersions(t *testing.T) {
	u := newTestUpdater(t)
	version, ok, err := u.Rollback()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, version)
}

func TestRollbackRestoresPreviousVersion(t *testing.T) {
	u := newTestUpdater(t)
	for _, v := range []string{"v1", "v2"} {
		weights := buildModelBytes()
		resp := &syncpb.GetModelUpdateResponse{
			UpdateAvailable: true,
			NewVersion:      v,
			ModelWeights:    weights,
			Checksum:        checksumOf(weights),
		}
		_, err := u.CheckForUpdate(context.Background(), fakeFetcher{resp: resp})
		require.NoError(t, err)
	}

	rolled, ok, err := u.Rollback()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", rolled.Version)

	current, _ := u.CurrentVersion()
	assert.Equal(t, "v1", current)

	model, _ := u.slot.Current()
	assert.Equal(t, "v1", model.Version)
}

func TestLoadExistingModel(t *testing.T) {
	u := newTestUpdater(t)
	path := filepath.Join(u.cfg.ModelDir, "model_v1.onnx")
	require.NoError(t, os.WriteFile(path, buildModelBytes(), 0o644))

	require.NoError(t, u.LoadExisting("v1", path))

	current, ok := u.CurrentVersion()
	assert.True(t, ok)
	assert.Equal(t, "v1", current)
}

func TestExceedsDeviationThreshold(t *testing.T) {
	cfg := Config{MaxDeviationThreshold: 0.20}
	assert.False(t, cfg.ExceedsDeviationThreshold(0.15))
	assert.True(t, cfg.ExceedsDeviationThreshold(0.25))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2, cfg.UpdateWindowStart)
	assert.Equal(t, 4, cfg.UpdateWindowEnd)
	assert.Equal(t, 5, cfg.VersionsToKeep)
	assert.Equal(t, 100*1024, cfg.MaxModelSize)
}
