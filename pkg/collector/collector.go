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

// Package collector periodically reads cgroup accounting for every
// registered container and publishes a ContainerMetrics sample per
// container to a bounded output queue. Collection that runs too slow
// pushes the loop into a longer "degraded" interval rather than
// falling behind the registry.
package collector

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/cgroupfs"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/registry"
)

// Config controls collection cadence and degraded-mode thresholds.
type Config struct {
	Interval          time.Duration
	Jitter            time.Duration
	DegradedInterval  time.Duration
	DegradedThreshold time.Duration
	OutputQueueSize   int
}

// DefaultConfig returns the collector's default cadence.
func DefaultConfig() Config {
	return Config{
		Interval:          10 * time.Second,
		Jitter:            time.Second,
		DegradedInterval:  60 * time.Second,
		DegradedThreshold: 500 * time.Millisecond,
		OutputQueueSize:   1000,
	}
}

// prevSample holds the cumulative counters observed on a container's
// previous tick, so the next tick can compute a rate rather than
// publishing a raw cumulative counter as if it were instantaneous
// usage.
type prevSample struct {
	timestamp time.Time
	cpuUsage  time.Duration // cumulative
}

// Collector reads cgroup accounting for every container the registry
// knows about and emits one ContainerMetrics sample per container per
// tick.
type Collector struct {
	cfg      Config
	registry *registry.Registry
	version  cgroupfs.Version
	logger   log.Logger

	out chan agenttypes.ContainerMetrics

	prev map[string]prevSample

	degraded bool

	tickDuration   prometheus.Histogram
	collectErrors  prometheus.Counter
	samplesDropped prometheus.Counter
	degradedGauge  prometheus.Gauge
}

// New returns a Collector that reads accounting from cgroupRoot and
// tracks containers known to reg.
func New(cfg Config, reg *registry.Registry, cgroupRoot string, logger log.Logger) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.DegradedInterval <= 0 {
		cfg.DegradedInterval = 60 * time.Second
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 500 * time.Millisecond
	}
	if cfg.OutputQueueSize <= 0 {
		cfg.OutputQueueSize = 1000
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Collector{
		cfg:      cfg,
		registry: reg,
		version:  cgroupfs.DetectVersion(cgroupRoot),
		logger:   log.With(logger, "component", "collector"),
		out:      make(chan agenttypes.ContainerMetrics, cfg.OutputQueueSize),
		prev:     make(map[string]prevSample),

		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collection_latency_seconds",
			Help:    "Wall time to collect metrics for every registered container in one tick.",
			Buckets: prometheus.DefBuckets,
		}),
		collectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collection_errors_total",
			Help: "Container collection attempts that failed (directory vanished, unreadable file).",
		}),
		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_collector_samples_dropped_total",
			Help: "Samples dropped because the output queue was full.",
		}),
		degradedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_collector_degraded",
			Help: "1 while the collector is running at its degraded interval, 0 otherwise.",
		}),
	}
}

// Register adds the collector's metrics to reg.
func (c *Collector) Register(reg prometheus.Registerer) {
	reg.MustRegister(c.tickDuration, c.collectErrors, c.samplesDropped, c.degradedGauge)
}

// Output returns the channel samples are published on.
func (c *Collector) Output() <-chan agenttypes.ContainerMetrics {
	return c.out
}

// Run collects on a jittered timer until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	timer := time.NewTimer(c.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			c.tick()
			timer.Reset(c.nextDelay())
		}
	}
}

func (c *Collector) nextDelay() time.Duration {
	interval := c.cfg.Interval
	if c.degraded {
		interval = c.cfg.DegradedInterval
	}
	if c.cfg.Jitter <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(int64(c.cfg.Jitter)))
}

func (c *Collector) tick() {
	start := time.Now()

	for _, info := range c.registry.List() {
		m, err := c.collectOne(info)
		if err != nil {
			c.collectErrors.Inc()
			level.Warn(c.logger).Log("msg", "collection failed", "container_id", info.ContainerID, "err", err)
			continue
		}
		select {
		case c.out <- m:
		default:
			c.samplesDropped.Inc()
		}
	}

	elapsed := time.Since(start)
	c.tickDuration.Observe(elapsed.Seconds())
	c.updateDegraded(elapsed)
}

func (c *Collector) updateDegraded(elapsed time.Duration) {
	switch {
	case !c.degraded && elapsed > c.cfg.DegradedThreshold:
		c.degraded = true
		c.degradedGauge.Set(1)
		level.Warn(c.logger).Log("msg", "entering degraded collection mode", "tick_duration", elapsed)
	case c.degraded && elapsed < c.cfg.DegradedThreshold/2:
		c.degraded = false
		c.degradedGauge.Set(0)
		level.Info(c.logger).Log("msg", "leaving degraded collection mode", "tick_duration", elapsed)
	}
}

func (c *Collector) collectOne(info agenttypes.ContainerInfo) (agenttypes.ContainerMetrics, error) {
	now := time.Now()

	var cpuUsage time.Duration
	var throttled uint64
	var memCurrent, workingSet, cache uint64

	if c.version == cgroupfs.VersionV1 {
		dirs := map[string]string{
			"cpuacct": info.CgroupPath,
			"cpu":     info.CgroupPath,
			"memory":  info.CgroupPath,
		}
		raw, err := cgroupfs.ReadV1(dirs)
		if err != nil {
			return agenttypes.ContainerMetrics{}, err
		}
		cpuUsage = time.Duration(raw.UsageNs)
		throttled = raw.NrThrottled
		memCurrent = raw.MemoryUsageBytes
		workingSet = saturatingSub(raw.MemoryUsageBytes, raw.TotalInactiveFile)
		cache = raw.TotalCache
	} else {
		raw, err := cgroupfs.ReadV2(info.CgroupPath)
		if err != nil {
			return agenttypes.ContainerMetrics{}, err
		}
		cpuUsage = time.Duration(raw.UsageUsec) * time.Microsecond
		throttled = raw.NrThrottled
		memCurrent = raw.MemoryCurrent
		workingSet = saturatingSub(raw.MemoryCurrent, raw.InactiveFile)
		cache = raw.File
	}

	cores := c.cpuRate(info.ContainerID, now, cpuUsage)

	return agenttypes.ContainerMetrics{
		ContainerID: info.ContainerID,
		PodName:     info.PodName,
		Namespace:   info.Namespace,
		Deployment:  info.Deployment,

		Timestamp: now.Unix(),

		CPUUsageCores:       cores,
		CPUThrottledPeriods: throttled,

		MemoryUsageBytes:      memCurrent,
		MemoryWorkingSetBytes: workingSet,
		MemoryCacheBytes:      cache,
	}, nil
}

// cpuRate converts the cumulative CPU usage counter into a
// cores-over-interval rate, caching the previous sample per container.
// The first observation of a container has no prior sample to diff
// against and reports zero.
func (c *Collector) cpuRate(containerID string, now time.Time, cumulative time.Duration) float64 {
	prev, ok := c.prev[containerID]
	c.prev[containerID] = prevSample{timestamp: now, cpuUsage: cumulative}
	if !ok {
		return 0
	}
	elapsed := now.Sub(prev.timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := cumulative - prev.cpuUsage
	if delta < 0 {
		// Counter reset (cgroup recreated under the same path); treat as a fresh start.
		return 0
	}
	return delta.Seconds() / elapsed
}

// ForgetContainer drops the cached previous sample for a container
// that has stopped, so a future reuse of the same container_id starts
// its rate tracking fresh.
func (c *Collector) ForgetContainer(containerID string) {
	delete(c.prev, containerID)
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
