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

package health

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverallHealthyWithNoComponents(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, StatusHealthy, r.Overall())
}

func TestOverallDegradedWhenOneComponentDegraded(t *testing.T) {
	r := NewRegistry()
	r.SetComponent("collector", StatusHealthy)
	r.SetComponent("streamer", StatusDegraded)
	assert.Equal(t, StatusDegraded, r.Overall())
}

func TestOverallUnhealthyDominatesDegraded(t *testing.T) {
	r := NewRegistry()
	r.SetComponent("collector", StatusDegraded)
	r.SetComponent("streamer", StatusUnhealthy)
	assert.Equal(t, StatusUnhealthy, r.Overall())
}

func TestReadyRequiresStartupCompleteAndHealthy(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Ready(), "not ready before startup completes")

	r.MarkStartupComplete()
	assert.True(t, r.Ready())

	r.SetComponent("collector", StatusUnhealthy)
	assert.False(t, r.Ready(), "not ready while a component is unhealthy")
}

func TestReadyToleratesDegraded(t *testing.T) {
	r := NewRegistry()
	r.MarkStartupComplete()
	r.SetComponent("collector", StatusDegraded)
	assert.True(t, r.Ready())
}

func TestSnapshotReturnsStringStatuses(t *testing.T) {
	r := NewRegistry()
	r.SetComponent("collector", StatusDegraded)
	snap := r.Snapshot()
	assert.Equal(t, "degraded", snap["collector"])
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServerEndpointsReportStatusCodes(t *testing.T) {
	addr := freePort(t)
	registry := NewRegistry()
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	srv := NewServer(addr, registry, reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	waitForListener(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get("http://" + addr + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	registry.MarkStartupComplete()
	resp, err = http.Get("http://" + addr + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	registry.SetComponent("collector", StatusUnhealthy)
	resp, err = http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}
