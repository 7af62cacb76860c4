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

// Package health serves the agent's /healthz, /readyz, and /metrics
// endpoints over one HTTP listener.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is one component's current health.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// Registry tracks per-component health and the agent's overall
// startup-complete flag.
type Registry struct {
	mtx        sync.RWMutex
	components map[string]Status
	startupDone bool
}

// NewRegistry returns an empty, not-yet-started Registry.
func NewRegistry() *Registry {
	return &Registry{components: map[string]Status{}}
}

// SetComponent records component's current status.
func (r *Registry) SetComponent(component string, status Status) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.components[component] = status
}

// MarkStartupComplete flips the startup-complete flag read by /readyz.
func (r *Registry) MarkStartupComplete() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.startupDone = true
}

// Overall combines every component's status: unhealthy if any
// component is, degraded if any is and none are unhealthy, healthy
// otherwise.
func (r *Registry) Overall() Status {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.overallLocked()
}

func (r *Registry) overallLocked() Status {
	overall := StatusHealthy
	for _, s := range r.components {
		if s == StatusUnhealthy {
			return StatusUnhealthy
		}
		if s == StatusDegraded {
			overall = StatusDegraded
		}
	}
	return overall
}

// Ready reports whether the agent has finished starting up and has no
// unhealthy component.
func (r *Registry) Ready() bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.startupDone && r.overallLocked() != StatusUnhealthy
}

// Snapshot returns a copy of the current per-component status map.
func (r *Registry) Snapshot() map[string]string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make(map[string]string, len(r.components))
	for k, v := range r.components {
		out[k] = v.String()
	}
	return out
}

// Metrics holds the agent-wide Prometheus collectors that have no
// single owning component: collection and prediction latency/error
// counters are registered directly by the collector and predictor
// packages instead, since they are the ones observing them.
type Metrics struct {
	BufferSizeBytes     prometheus.Gauge
	BufferItems         prometheus.Gauge
	ModelVersionInfo    *prometheus.GaugeVec
	ContainersMonitored prometheus.Gauge
	AnomaliesDetected   prometheus.Counter
}

// NewMetrics constructs and registers the agent's ambient metrics
// against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BufferSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buffer_size_bytes",
			Help: "Approximate serialized size of the offline buffer.",
		}),
		BufferItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buffer_items",
			Help: "Number of entries currently held in the offline buffer.",
		}),
		ModelVersionInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_version_info",
			Help: "Always 1; labels identify the currently loaded model.",
		}, []string{"version", "quantization"}),
		ContainersMonitored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "containers_monitored",
			Help: "Number of containers currently discovered and tracked.",
		}),
		AnomaliesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalies_detected_total",
			Help: "Anomalies (leaks and spikes) detected.",
		}),
	}
	reg.MustRegister(m.BufferSizeBytes, m.BufferItems, m.ModelVersionInfo, m.ContainersMonitored, m.AnomaliesDetected)
	return m
}

// Server serves /healthz, /readyz, and /metrics on one listener.
type Server struct {
	addr     string
	registry *Registry
	reg      *prometheus.Registry
	logger   log.Logger
	srv      *http.Server
}

// NewServer returns a Server bound to addr (e.g. ":8080").
func NewServer(addr string, registry *Registry, reg *prometheus.Registry, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{addr: addr, registry: registry, reg: reg, logger: logger}
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	overall := s.registry.Overall()
	if overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:     overall.String(),
		Components: s.registry.Snapshot(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.registry.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Run starts the HTTP listener and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg}))

	s.srv = &http.Server{Addr: s.addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		level.Info(s.logger).Log("msg", "health server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		return err
	}
}
