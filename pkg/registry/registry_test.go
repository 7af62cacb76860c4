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

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
)

func TestRegisterGetUnregister(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.Len())

	r.Register(agenttypes.ContainerInfo{ContainerID: "c1", PodName: "p1"})
	assert.Equal(t, 1, r.Len())

	info, ok := r.Get("c1")
	assert.True(t, ok)
	assert.Equal(t, "p1", info.PodName)

	r.Unregister("c1")
	assert.Equal(t, 0, r.Len())
	_, ok = r.Get("c1")
	assert.False(t, ok)
}

func TestUnregisterUnknownIsNoOp(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() { r.Unregister("missing") })
	assert.Equal(t, 0, r.Len())
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := New()
	r.Register(agenttypes.ContainerInfo{ContainerID: "c1", PodName: "old"})
	r.Register(agenttypes.ContainerInfo{ContainerID: "c1", PodName: "new"})

	info, ok := r.Get("c1")
	assert.True(t, ok)
	assert.Equal(t, "new", info.PodName)
	assert.Equal(t, 1, r.Len())
}

func TestListAndSnapshot(t *testing.T) {
	r := New()
	r.Register(agenttypes.ContainerInfo{ContainerID: "c1"})
	r.Register(agenttypes.ContainerInfo{ContainerID: "c2"})

	assert.Len(t, r.List(), 2)
	assert.ElementsMatch(t, r.List(), r.Snapshot())
}

func TestUpdateMetadataMergesFields(t *testing.T) {
	r := New()
	r.Register(agenttypes.ContainerInfo{ContainerID: "c1", PodName: "p1", Namespace: "ns1"})

	pod := "p2"
	r.UpdateMetadata("c1", MetadataUpdate{PodName: &pod})

	info, ok := r.Get("c1")
	assert.True(t, ok)
	assert.Equal(t, "p2", info.PodName)
	assert.Equal(t, "ns1", info.Namespace, "unspecified fields must be left untouched")
}

func TestUpdateMetadataUnknownContainerIsNoOp(t *testing.T) {
	r := New()
	pod := "p2"
	assert.NotPanics(t, func() { r.UpdateMetadata("missing", MetadataUpdate{PodName: &pod}) })
	assert.Equal(t, 0, r.Len())
}
