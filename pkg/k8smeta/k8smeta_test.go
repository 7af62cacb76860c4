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

package k8smeta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/registry"
)

func hex64(b byte) string {
	s := ""
	for i := 0; i < 64; i++ {
		s += string(rune('a' + int(b)%6))
	}
	return s
}

func TestResolveDirectDeploymentOwner(t *testing.T) {
	id := hex64(0)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "web-abc123",
			Namespace: "prod",
			OwnerReferences: []metav1.OwnerReference{
				{Kind: "Deployment", Name: "web"},
			},
		},
		Spec: corev1.PodSpec{NodeName: "node-a"},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{
				{ContainerID: "containerd://" + id},
			},
		},
	}
	clientset := fake.NewSimpleClientset(pod)
	c := &Client{clientset: clientset}

	meta, err := c.Resolve(context.Background(), "node-a")
	require.NoError(t, err)
	require.Contains(t, meta, id)
	assert.Equal(t, "web", meta[id].Deployment)
	assert.Equal(t, "prod", meta[id].Namespace)
	assert.Equal(t, "web-abc123", meta[id].PodName)
}

func TestResolveWalksReplicaSetToDeployment(t *testing.T) {
	id := hex64(1)
	rs := &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "web-7d8f",
			Namespace: "prod",
			OwnerReferences: []metav1.OwnerReference{
				{Kind: "Deployment", Name: "web"},
			},
		},
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "web-7d8f-xyz",
			Namespace: "prod",
			OwnerReferences: []metav1.OwnerReference{
				{Kind: "ReplicaSet", Name: "web-7d8f"},
			},
		},
		Spec: corev1.PodSpec{NodeName: "node-a"},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{
				{ContainerID: "docker://" + id},
			},
		},
	}
	clientset := fake.NewSimpleClientset(pod, rs)
	c := &Client{clientset: clientset}

	meta, err := c.Resolve(context.Background(), "node-a")
	require.NoError(t, err)
	require.Contains(t, meta, id)
	assert.Equal(t, "web", meta[id].Deployment)
}

func TestContainerIDFromStatusStripsScheme(t *testing.T) {
	assert.Equal(t, "abc123", containerIDFromStatus("containerd://abc123"))
	assert.Equal(t, "abc123", containerIDFromStatus("docker://abc123"))
	assert.Equal(t, "abc123", containerIDFromStatus("abc123"))
}

type fakeFetcher struct {
	meta map[string]PodMeta
	err  error
}

func (f fakeFetcher) Resolve(context.Context, string) (map[string]PodMeta, error) {
	return f.meta, f.err
}

func TestEnricherPollUpdatesRegistry(t *testing.T) {
	id := hex64(2)
	reg := registry.New()
	reg.Register(agenttypes.ContainerInfo{ContainerID: id})

	e := NewEnricher(fakeFetcher{meta: map[string]PodMeta{
		id: {PodName: "web-1", Namespace: "prod", Deployment: "web"},
	}}, reg, "node-a", time.Hour, nil)

	e.poll(context.Background())

	info, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, "web-1", info.PodName)
	assert.Equal(t, "prod", info.Namespace)
	assert.Equal(t, "web", info.Deployment)
}

func TestEnricherPollToleratesResolveError(t *testing.T) {
	reg := registry.New()
	e := NewEnricher(fakeFetcher{err: assertErr{}}, reg, "node-a", time.Hour, nil)
	e.poll(context.Background()) // must not panic
}

type assertErr struct{}

func (assertErr) Error() string { return "resolve failed" }
