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

// Package streamer batches metrics, predictions, and anomalies produced
// throughout the agent into MetricsBatch messages and hands them off to
// the sync client. Durability across a failed send is the offline
// buffer's job, not the streamer's: a batch that exhausts its retries is
// dropped and counted, never re-queued here.
package streamer

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/syncpb"
)

// Config controls queue depth, batching thresholds, and retry behavior.
type Config struct {
	AgentID       string
	NodeName      string
	QueueSize     int
	MaxBatchSize  int
	MaxBatchDelay time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// DefaultConfig returns the streamer's default batching parameters.
func DefaultConfig(agentID, nodeName string) Config {
	return Config{
		AgentID:       agentID,
		NodeName:      nodeName,
		QueueSize:     1000,
		MaxBatchSize:  100,
		MaxBatchDelay: 10 * time.Second,
		MaxRetries:    3,
		RetryDelay:    5 * time.Second,
	}
}

// SendFunc delivers one assembled batch to the central service.
type SendFunc func(ctx context.Context, batch *syncpb.MetricsBatch) error

type itemKind int

const (
	kindMetric itemKind = iota
	kindPrediction
	kindAnomaly
)

type queuedItem struct {
	kind       itemKind
	metric     *syncpb.ContainerMetrics
	prediction *syncpb.ResourceProfile
	anomaly    *syncpb.Anomaly
	queuedAt   time.Time
}

// Streamer accumulates queued items into MetricsBatch messages and
// flushes them on a size or age trigger.
type Streamer struct {
	cfg    Config
	send   SendFunc
	logger log.Logger
	items  chan queuedItem

	itemsEnqueued  prometheus.Counter
	itemsDropped   prometheus.Counter
	batchesSent    prometheus.Counter
	batchesFailed  prometheus.Counter
	batchSizeHisto prometheus.Histogram
}

// New returns a Streamer that delivers flushed batches through send.
func New(cfg Config, send SendFunc, logger log.Logger) *Streamer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxBatchDelay <= 0 {
		cfg.MaxBatchDelay = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Streamer{
		cfg:    cfg,
		send:   send,
		logger: logger,
		items:  make(chan queuedItem, cfg.QueueSize),

		itemsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_streamer_items_enqueued_total",
			Help: "Items accepted onto the streamer queue.",
		}),
		itemsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_streamer_items_dropped_total",
			Help: "Items rejected because the streamer queue was saturated.",
		}),
		batchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_streamer_batches_sent_total",
			Help: "Batches successfully delivered to the central service.",
		}),
		batchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_streamer_batches_failed_total",
			Help: "Batches dropped after exhausting retries.",
		}),
		batchSizeHisto: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_streamer_batch_size",
			Help:    "Number of items (metrics+predictions+anomalies) per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// Register adds the streamer's metrics to reg.
func (s *Streamer) Register(reg prometheus.Registerer) {
	reg.MustRegister(s.itemsEnqueued, s.itemsDropped, s.batchesSent, s.batchesFailed, s.batchSizeHisto)
}

// TryEnqueueMetric offers m without blocking, reporting whether the
// queue accepted it.
func (s *Streamer) TryEnqueueMetric(m *syncpb.ContainerMetrics) bool {
	return s.tryEnqueue(queuedItem{kind: kindMetric, metric: m, queuedAt: time.Now()})
}

// TryEnqueuePrediction offers p without blocking.
func (s *Streamer) TryEnqueuePrediction(p *syncpb.ResourceProfile) bool {
	return s.tryEnqueue(queuedItem{kind: kindPrediction, prediction: p, queuedAt: time.Now()})
}

// TryEnqueueAnomaly offers a without blocking.
func (s *Streamer) TryEnqueueAnomaly(a *syncpb.Anomaly) bool {
	return s.tryEnqueue(queuedItem{kind: kindAnomaly, anomaly: a, queuedAt: time.Now()})
}

func (s *Streamer) tryEnqueue(item queuedItem) bool {
	select {
	case s.items <- item:
		s.itemsEnqueued.Inc()
		return true
	default:
		s.itemsDropped.Inc()
		return false
	}
}

// pending is the batch-in-progress, tracked alongside the arrival time of
// its oldest member so Run can apply the age-based flush trigger.
type pending struct {
	metrics     []*syncpb.ContainerMetrics
	predictions []*syncpb.ResourceProfile
	anomalies   []*syncpb.Anomaly
	oldest      time.Time
}

func (p *pending) size() int {
	return len(p.metrics) + len(p.predictions) + len(p.anomalies)
}

func (p *pending) add(item queuedItem) {
	if p.size() == 0 {
		p.oldest = item.queuedAt
	}
	switch item.kind {
	case kindMetric:
		p.metrics = append(p.metrics, item.metric)
	case kindPrediction:
		p.predictions = append(p.predictions, item.prediction)
	case kindAnomaly:
		p.anomalies = append(p.anomalies, item.anomaly)
	}
}

func (p *pending) reset() {
	*p = pending{}
}

// Run drains the queue, accumulating a batch and flushing it when its
// size reaches MaxBatchSize or its oldest item exceeds MaxBatchDelay. It
// returns when ctx is cancelled, without flushing whatever remains
// queued (durability across restarts is the offline buffer's job).
func (s *Streamer) Run(ctx context.Context) error {
	var batch pending

	timer := time.NewTimer(s.cfg.MaxBatchDelay)
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case item := <-s.items:
			batch.add(item)
			if batch.size() >= s.cfg.MaxBatchSize {
				s.flush(ctx, &batch)
				stopTimer()
				timer.Reset(s.cfg.MaxBatchDelay)
			}

		case <-timer.C:
			if batch.size() > 0 && time.Since(batch.oldest) >= s.cfg.MaxBatchDelay {
				s.flush(ctx, &batch)
			}
			timer.Reset(s.cfg.MaxBatchDelay)
		}
	}
}

func (s *Streamer) flush(ctx context.Context, batch *pending) {
	defer batch.reset()

	msg := &syncpb.MetricsBatch{
		AgentID:     s.cfg.AgentID,
		NodeName:    s.cfg.NodeName,
		Timestamp:   &syncpb.Timestamp{Seconds: time.Now().Unix()},
		Metrics:     batch.metrics,
		Predictions: batch.predictions,
		Anomalies:   batch.anomalies,
	}
	s.batchSizeHisto.Observe(float64(batch.size()))

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.RetryDelay):
			}
		}
		if err := s.send(ctx, msg); err != nil {
			lastErr = err
			level.Warn(s.logger).Log("msg", "batch send failed", "attempt", attempt+1, "err", err)
			continue
		}
		s.batchesSent.Inc()
		return
	}

	s.batchesFailed.Inc()
	level.Error(s.logger).Log("msg", "dropping batch after exhausting retries", "size", batch.size(), "err", lastErr)
}
