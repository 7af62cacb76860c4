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

// Package registry holds the set of containers known to this node agent.
// The Registry is the sole owner of agenttypes.ContainerInfo; every other
// component keeps a container_id string rather than a pointer into it.
package registry

import (
	"sync"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
)

// Registry is a concurrent keyed container of ContainerInfo, safe to call
// from multiple goroutines (discovery, the collector, the K8s metadata
// fetcher) without external locking.
type Registry struct {
	mtx        sync.RWMutex
	containers map[string]agenttypes.ContainerInfo
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		containers: make(map[string]agenttypes.ContainerInfo),
	}
}

// Register adds or replaces a container's identity.
func (r *Registry) Register(info agenttypes.ContainerInfo) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.containers[info.ContainerID] = info
}

// Unregister removes a container. It is a no-op if the id is unknown.
func (r *Registry) Unregister(containerID string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.containers, containerID)
}

// Get returns the container's info and whether it is known.
func (r *Registry) Get(containerID string) (agenttypes.ContainerInfo, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	info, ok := r.containers[containerID]
	return info, ok
}

// List returns a snapshot of all known containers. The returned slice is
// owned by the caller.
func (r *Registry) List() []agenttypes.ContainerInfo {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]agenttypes.ContainerInfo, 0, len(r.containers))
	for _, info := range r.containers {
		out = append(out, info)
	}
	return out
}

// Len reports the number of known containers, used for the
// containers_monitored ambient metric.
func (r *Registry) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.containers)
}

// MetadataUpdate holds the fields the Kubernetes metadata fetcher may
// resolve after discovery. Each field is independently optional: a nil
// pointer leaves the existing value untouched.
type MetadataUpdate struct {
	PodName    *string
	Namespace  *string
	Deployment *string
}

// UpdateMetadata merges a metadata update into a known container. It is a
// no-op if the container has since been unregistered.
func (r *Registry) UpdateMetadata(containerID string, update MetadataUpdate) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	info, ok := r.containers[containerID]
	if !ok {
		return
	}
	if update.PodName != nil {
		info.PodName = *update.PodName
	}
	if update.Namespace != nil {
		info.Namespace = *update.Namespace
	}
	if update.Deployment != nil {
		info.Deployment = *update.Deployment
	}
	r.containers[containerID] = info
}

// Snapshot is an alias of List, offering the "current view" naming from
// the original implementation rather than the registry's own terminology.
func (r *Registry) Snapshot() []agenttypes.ContainerInfo {
	return r.List()
}
