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

// Package k8smeta resolves pod_name, namespace, and owning deployment
// for a container_id by listing pods on this node through the
// in-cluster Kubernetes API. Absence of the mounted service-account
// token disables enrichment entirely; the agent otherwise proceeds
// with unresolved metadata.
package k8smeta

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/registry"
)

// Fetcher resolves container metadata from the in-cluster API server.
type Fetcher interface {
	Resolve(ctx context.Context, nodeName string) (map[string]PodMeta, error)
}

// PodMeta is the metadata resolved for one container.
type PodMeta struct {
	PodName    string
	Namespace  string
	Deployment string
}

// Client resolves container metadata via a real in-cluster clientset.
type Client struct {
	clientset kubernetes.Interface
	logger    log.Logger
}

// NewInCluster builds a Client from the in-cluster service-account
// config. It returns ok=false (not an error) when no service-account
// token is mounted, since that is an expected, non-fatal deployment
// shape rather than a misconfiguration.
func NewInCluster(logger log.Logger) (*Client, bool, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg, err := rest.InClusterConfig()
	if err != nil {
		if errors.Is(err, rest.ErrNotInCluster) || errors.Is(err, os.ErrNotExist) {
			level.Info(logger).Log("msg", "no in-cluster service-account token found, Kubernetes metadata enrichment disabled")
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "load in-cluster config")
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, false, errors.Wrap(err, "build Kubernetes clientset")
	}
	return &Client{clientset: clientset, logger: logger}, true, nil
}

// Resolve lists every pod scheduled to nodeName and returns, for each
// pod with a running container, its metadata keyed by container_id.
func (c *Client) Resolve(ctx context.Context, nodeName string) (map[string]PodMeta, error) {
	pods, err := c.clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
	})
	if err != nil {
		return nil, errors.Wrap(err, "list pods")
	}

	out := make(map[string]PodMeta)
	for _, pod := range pods.Items {
		deployment := deploymentOwner(pod.OwnerReferences)
		if deployment == "" {
			deployment = c.resolveReplicaSetOwner(ctx, pod.Namespace, pod.OwnerReferences)
		}
		meta := PodMeta{PodName: pod.Name, Namespace: pod.Namespace, Deployment: deployment}

		for _, status := range pod.Status.ContainerStatuses {
			id := containerIDFromStatus(status.ContainerID)
			if id == "" {
				continue
			}
			out[id] = meta
		}
	}
	return out, nil
}

// resolveReplicaSetOwner walks Pod -> ReplicaSet -> Deployment, since
// a pod's own owner reference names its ReplicaSet, not the
// Deployment a human thinks of as "the workload".
func (c *Client) resolveReplicaSetOwner(ctx context.Context, namespace string, owners []metav1.OwnerReference) string {
	for _, owner := range owners {
		if owner.Kind != "ReplicaSet" {
			continue
		}
		rs, err := c.clientset.AppsV1().ReplicaSets(namespace).Get(ctx, owner.Name, metav1.GetOptions{})
		if err != nil {
			level.Debug(c.logger).Log("msg", "could not resolve replicaset owner", "namespace", namespace, "name", owner.Name, "err", err)
			return ""
		}
		return deploymentOwner(rs.OwnerReferences)
	}
	return ""
}

func deploymentOwner(owners []metav1.OwnerReference) string {
	for _, owner := range owners {
		if owner.Kind == "Deployment" {
			return owner.Name
		}
	}
	return ""
}

// containerIDFromStatus strips the runtime URI scheme
// ("containerd://", "docker://", "cri-o://") that Kubernetes prefixes
// onto a container id in pod status.
func containerIDFromStatus(statusID string) string {
	if idx := strings.Index(statusID, "://"); idx >= 0 {
		return statusID[idx+3:]
	}
	return statusID
}

// Enricher periodically resolves pod metadata and merges it into reg.
type Enricher struct {
	client   Fetcher
	reg      *registry.Registry
	nodeName string
	interval time.Duration
	logger   log.Logger
}

// NewEnricher returns an Enricher that polls client every interval
// and writes results into reg.
func NewEnricher(client Fetcher, reg *registry.Registry, nodeName string, interval time.Duration, logger log.Logger) *Enricher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Enricher{client: client, reg: reg, nodeName: nodeName, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled. A single failed resolution is
// logged and does not stop the loop.
func (e *Enricher) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

func (e *Enricher) poll(ctx context.Context) {
	meta, err := e.client.Resolve(ctx, e.nodeName)
	if err != nil {
		level.Warn(e.logger).Log("msg", "kubernetes metadata resolution failed", "err", err)
		return
	}
	for _, info := range e.reg.List() {
		m, ok := meta[info.ContainerID]
		if !ok {
			continue
		}
		podName, namespace, deployment := m.PodName, m.Namespace, m.Deployment
		e.reg.UpdateMetadata(info.ContainerID, registry.MetadataUpdate{
			PodName:    &podName,
			Namespace:  &namespace,
			Deployment: &deployment,
		})
	}
}
