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
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
)

// DefaultPredictionInterval is the minimum spacing between predictions for
// a single container.
const DefaultPredictionInterval = 5 * time.Minute

// schedulerTick is how often the scheduler checks every container, not how
// often any one container is predicted.
const schedulerTick = 30 * time.Second

// SchedulerConfig configures the prediction scheduler.
type SchedulerConfig struct {
	PredictionInterval time.Duration
	WindowSize         int
	RingCapacity       int
	InferenceTimeout   time.Duration
}

// DefaultSchedulerConfig returns the spec's default scheduler settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PredictionInterval: DefaultPredictionInterval,
		WindowSize:         DefaultWindowSize,
		RingCapacity:       DefaultRingCapacity,
		InferenceTimeout:   DefaultInferenceTimeout,
	}
}

// Result is the outcome of one scheduling pass for one container.
type Result struct {
	ContainerID string
	PodName     string
	Namespace   string
	Deployment  string

	Profile        *agenttypes.ResourceProfile
	SkippedReason  string
	DurationMicros int64
	UsedFallback   bool
}

var (
	predictionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prediction_latency_seconds",
		Help:    "Wall-clock time spent running predictions, including fallback.",
		Buckets: prometheus.DefBuckets,
	})
	predictionsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "predictions_generated_total",
		Help: "Number of predictions successfully generated.",
	})
	predictionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prediction_errors_total",
		Help: "Number of prediction attempts that fell back due to timeout or missing model.",
	})
)

// Register attaches the predictor's Prometheus collectors to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(predictionLatency, predictionsGenerated, predictionErrors)
}

// Scheduler holds one ring buffer per known container and a shared model
// slot, producing predictions on a fixed tick. Per-container ring access
// is guarded by one coarse reader/writer lock: the critical section only
// copies out the sample slice before inference runs outside the lock.
type Scheduler struct {
	mtx     sync.RWMutex
	rings   map[string]*containerEntry
	slot    *Slot
	extract *FeatureExtractor
	cfg     SchedulerConfig
	logger  log.Logger

	results chan Result
}

type containerEntry struct {
	ring     *Ring
	identity agenttypes.ContainerInfo
}

// NewScheduler returns a Scheduler backed by slot, using cfg (zero value ->
// defaults).
func NewScheduler(slot *Slot, cfg SchedulerConfig, logger log.Logger) *Scheduler {
	if cfg.PredictionInterval <= 0 {
		cfg = DefaultSchedulerConfig()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Scheduler{
		rings:   make(map[string]*containerEntry),
		slot:    slot,
		extract: NewFeatureExtractor(cfg.WindowSize),
		cfg:     cfg,
		logger:  log.With(logger, "component", "predictor"),
		results: make(chan Result, 100),
	}
}

// Results returns the channel predictions are published on.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// AddMetrics appends a sample to the named container's ring, creating the
// ring on first use.
func (s *Scheduler) AddMetrics(m agenttypes.ContainerMetrics) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	entry, ok := s.rings[m.ContainerID]
	if !ok {
		entry = &containerEntry{ring: NewRing(s.cfg.RingCapacity)}
		s.rings[m.ContainerID] = entry
	}
	entry.identity = agenttypes.ContainerInfo{
		ContainerID: m.ContainerID,
		PodName:     m.PodName,
		Namespace:   m.Namespace,
		Deployment:  m.Deployment,
	}
	entry.ring.Push(m)
}

// RemoveContainer drops a container's ring, canceling future predictions
// for it.
func (s *Scheduler) RemoveContainer(containerID string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.rings, containerID)
}

// Run ticks every 30s, evaluating every known container, until ctx is
// canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	for _, id := range s.containerIDs() {
		res, ok := s.predictOne(ctx, id)
		if !ok {
			continue
		}
		select {
		case s.results <- res:
		default:
			level.Warn(s.logger).Log("msg", "prediction result dropped, channel full", "container_id", id)
		}
	}
}

func (s *Scheduler) containerIDs() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	ids := make([]string, 0, len(s.rings))
	for id := range s.rings {
		ids = append(ids, id)
	}
	return ids
}

// predictOne evaluates a single container. ok=false means there is
// nothing to report: the container was removed between listing and
// evaluation, or its prediction interval has not elapsed since the last
// prediction.
func (s *Scheduler) predictOne(ctx context.Context, containerID string) (Result, bool) {
	s.mtx.RLock()
	entry, exists := s.rings[containerID]
	if !exists {
		s.mtx.RUnlock()
		return Result{}, false
	}
	if !entry.ring.shouldPredict(s.cfg.PredictionInterval) {
		s.mtx.RUnlock()
		return Result{}, false
	}
	samples := append([]agenttypes.ContainerMetrics(nil), entry.ring.All()...)
	identity := entry.identity
	s.mtx.RUnlock()

	base := Result{
		ContainerID: identity.ContainerID,
		PodName:     identity.PodName,
		Namespace:   identity.Namespace,
		Deployment:  identity.Deployment,
	}

	if len(samples) < MinSamples {
		base.SkippedReason = "Insufficient data"
		return base, true
	}

	start := time.Now()
	fv, ok := s.extract.Extract(samples)
	if !ok {
		base.SkippedReason = "Insufficient data"
		return base, true
	}

	raw, usedFallback := Infer(ctx, s.slot, fv, s.cfg.InferenceTimeout)
	profile := FormatOutput(raw, s.modelVersion(), start)
	profile.ContainerID = identity.ContainerID
	profile.PodName = identity.PodName
	profile.Namespace = identity.Namespace
	profile.Deployment = identity.Deployment

	elapsed := time.Since(start)
	predictionLatency.Observe(elapsed.Seconds())
	if usedFallback {
		predictionErrors.Inc()
	} else {
		predictionsGenerated.Inc()
	}

	s.mtx.Lock()
	if entry, ok := s.rings[containerID]; ok {
		entry.ring.LastPrediction = start
		entry.ring.LastProfile = &profile
	}
	s.mtx.Unlock()

	base.Profile = &profile
	base.DurationMicros = elapsed.Microseconds()
	base.UsedFallback = usedFallback
	return base, true
}

func (s *Scheduler) modelVersion() string {
	if m, ok := s.slot.Current(); ok {
		return m.Version
	}
	return "fallback"
}

// shouldPredict reports whether enough time has passed since the ring's
// last prediction.
func (r *Ring) shouldPredict(interval time.Duration) bool {
	if r.LastPrediction.IsZero() {
		return true
	}
	return time.Since(r.LastPrediction) >= interval
}
