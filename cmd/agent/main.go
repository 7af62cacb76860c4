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

// Command agent runs the per-node container resource-profiling agent: it
// discovers containers via cgroup accounting, collects their resource
// usage, predicts CPU/memory requests and limits, detects memory leaks
// and CPU spikes, and streams everything to a central service over mTLS.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agentid"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/collector"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/discovery"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/health"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/k8smeta"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/modelupdater"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/offlinebuffer"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/pipeline"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/predictor"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/registry"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/streamer"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/syncclient"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/syncpb"
)

// agentVersion is reported to the central service on Register. It is not
// a build-stamped value since this repo has no release pipeline of its own.
const agentVersion = "0.1.0"

type options struct {
	nodeName     string
	cgroupRoot   string
	modelDir     string
	listenAddr   string
	syncEndpoint string
	caCertPath   string
	clientCert   string
	clientKey    string
	bufferPath   string
	k8sEnabled   bool
	logLevel     string
}

func defaultNodeName() string {
	if n := os.Getenv("NODE_NAME"); n != "" {
		return n
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func parseFlags(args []string) (options, error) {
	var o options

	a := kingpin.New("node-profiler-agent", "Per-node container resource-profiling agent")
	a.HelpFlag.Short('h')

	a.Flag("node-name", "Name of the Kubernetes node this agent runs on.").
		Default(defaultNodeName()).StringVar(&o.nodeName)
	a.Flag("cgroup-root", "Root of the cgroup filesystem.").
		Default("/sys/fs/cgroup").StringVar(&o.cgroupRoot)
	a.Flag("model-dir", "Directory holding the agent's identity file and downloaded models.").
		Default("/var/lib/predictor/models").StringVar(&o.modelDir)
	a.Flag("listen-address", "Address for the /healthz, /readyz, and /metrics endpoints.").
		Default(":8080").StringVar(&o.listenAddr)
	a.Flag("sync-endpoint", "Address of the central PredictorSyncService.").
		Default("recommendation-api:8443").StringVar(&o.syncEndpoint)
	a.Flag("ca-cert", "Path to the CA certificate used to verify the sync endpoint.").
		Default("/etc/predictor/certs/ca.crt").StringVar(&o.caCertPath)
	a.Flag("client-cert", "Path to this agent's mTLS client certificate.").
		Default("/etc/predictor/certs/client.crt").StringVar(&o.clientCert)
	a.Flag("client-key", "Path to this agent's mTLS client key.").
		Default("/etc/predictor/certs/client.key").StringVar(&o.clientKey)
	a.Flag("offline-buffer-path", "File the offline metrics buffer is loaded from at startup; empty disables loading. The agent does not write buffered metrics to it.").
		Default("/var/lib/predictor/offline-buffer.json").StringVar(&o.bufferPath)
	a.Flag("kubernetes-metadata", "Resolve pod/namespace/deployment metadata via the in-cluster Kubernetes API.").
		Default("true").BoolVar(&o.k8sEnabled)
	a.Flag("log.level", "Log level: debug, info, warn, or error.").
		Default("info").EnumVar(&o.logLevel, "debug", "info", "warn", "error")

	_, err := a.Parse(args)
	return o, err
}

func newLogger(logLevel string) log.Logger {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	switch strings.ToLower(logLevel) {
	case "debug":
		return level.NewFilter(logger, level.AllowDebug())
	case "warn":
		return level.NewFilter(logger, level.AllowWarn())
	case "error":
		return level.NewFilter(logger, level.AllowError())
	default:
		return level.NewFilter(logger, level.AllowInfo())
	}
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(opts.logLevel)
	if err := run(opts, logger); err != nil {
		level.Error(logger).Log("msg", "agent exited with error", "err", err)
		os.Exit(1)
	}
}

func run(opts options, logger log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		grpc_prometheus.DefaultClientMetrics,
	)

	agentID, err := agentid.LoadOrCreate(opts.modelDir)
	if err != nil {
		return fmt.Errorf("load agent identity: %w", err)
	}
	level.Info(logger).Log("msg", "agent identity loaded", "agent_id", agentID, "node", opts.nodeName)

	containerRegistry := registry.New()

	disc := discovery.New(discovery.Options{CgroupRoot: opts.cgroupRoot, NodeName: opts.nodeName}, logger)
	for _, info := range disc.Scan() {
		containerRegistry.Register(info)
	}
	level.Info(logger).Log("msg", "initial container scan complete", "containers", containerRegistry.Len())

	col := collector.New(collector.DefaultConfig(), containerRegistry, opts.cgroupRoot, logger)
	col.Register(reg)

	slot := predictor.NewSlot()
	predictor.Register(reg)
	scheduler := predictor.NewScheduler(slot, predictor.DefaultSchedulerConfig(), logger)

	healthRegistry := health.NewRegistry()
	healthMetrics := health.NewMetrics(reg)
	healthServer := health.NewServer(opts.listenAddr, healthRegistry, reg, logger)
	healthRegistry.SetComponent("discovery", health.StatusHealthy)
	healthRegistry.SetComponent("collector", health.StatusHealthy)
	healthRegistry.SetComponent("predictor", health.StatusHealthy)

	syncClient := syncclient.New(syncclient.Config{
		Endpoint:       opts.syncEndpoint,
		CACertPath:     opts.caCertPath,
		ClientCertPath: opts.clientCert,
		ClientKeyPath:  opts.clientKey,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}, agentID, opts.nodeName, logger)

	strm := streamer.New(streamer.DefaultConfig(agentID, opts.nodeName), sendBatch(syncClient), logger)
	strm.Register(reg)

	bufferCfg := offlinebuffer.DefaultConfig()
	bufferCfg.PersistencePath = opts.bufferPath
	buffer := offlinebuffer.NewManager(bufferCfg)

	updaterCfg := modelupdater.DefaultConfig()
	updaterCfg.ModelDir = opts.modelDir
	updater, err := modelupdater.New(updaterCfg, slot, logger)
	if err != nil {
		return fmt.Errorf("create model updater: %w", err)
	}

	pipe := pipeline.New(opts.nodeName, containerRegistry, scheduler, strm, buffer, syncClient, healthMetrics, logger)

	var g run.Group

	// Termination handler.
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case sig := <-term:
				level.Info(logger).Log("msg", "received termination signal, shutting down", "signal", sig)
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}

	// Discovery watcher: initial scan already ran above, this handles the
	// live container start/stop stream.
	{
		ctx, cancel := context.WithCancel(context.Background())
		events := make(chan discovery.Event, 64)
		g.Add(func() error {
			errc := make(chan error, 2)
			go func() { errc <- disc.Watch(ctx, events) }()
			go func() { errc <- pipe.ConsumeDiscovery(ctx, events, col) }()
			return <-errc
		}, func(error) {
			cancel()
		})
	}

	// Collection ticker.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return col.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	// Metrics pipeline: fans collected samples out to the predictor and
	// anomaly detectors, and downstream to the streamer or offline buffer.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return pipe.ConsumeMetrics(ctx, col.Output())
		}, func(error) {
			cancel()
		})
	}

	// Prediction scheduler.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			scheduler.Run(ctx)
			return nil
		}, func(error) {
			cancel()
		})
	}

	// Prediction pipeline: forwards scheduler output downstream.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return pipe.ConsumePredictions(ctx, scheduler.Results())
		}, func(error) {
			cancel()
		})
	}

	// Streamer worker.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return strm.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	// Model-update worker.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return updater.Run(ctx, syncClient)
		}, func(error) {
			cancel()
		})
	}

	// Health server.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			healthRegistry.MarkStartupComplete()
			return healthServer.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	// Kubernetes metadata enricher: best-effort, disabled entirely when no
	// in-cluster service-account token is mounted.
	if opts.k8sEnabled {
		if client, ok, err := k8smeta.NewInCluster(logger); err != nil {
			level.Warn(logger).Log("msg", "kubernetes metadata client unavailable", "err", err)
		} else if ok {
			enricher := k8smeta.NewEnricher(client, containerRegistry, opts.nodeName, 30*time.Second, logger)
			ctx, cancel := context.WithCancel(context.Background())
			g.Add(func() error {
				return enricher.Run(ctx)
			}, func(error) {
				cancel()
			})
		}
	}

	if _, err := syncClient.Register(context.Background(), "", agentVersion, currentModelVersion(updater)); err != nil {
		level.Warn(logger).Log("msg", "initial registration with central service failed, continuing offline", "err", err)
		healthRegistry.SetComponent("sync_client", health.StatusDegraded)
	} else {
		healthRegistry.SetComponent("sync_client", health.StatusHealthy)
	}

	return g.Run()
}

func currentModelVersion(u *modelupdater.Updater) string {
	if v, ok := u.CurrentVersion(); ok {
		return v
	}
	return "none"
}

// sendBatch adapts the sync client's client-streaming RPC into the
// streamer's one-shot SendFunc: each flushed batch opens its own stream.
func sendBatch(client *syncclient.Client) streamer.SendFunc {
	return func(ctx context.Context, batch *syncpb.MetricsBatch) error {
		stream, err := client.SyncMetrics(ctx)
		if err != nil {
			return err
		}
		if err := stream.Send(batch); err != nil {
			return err
		}
		_, err = stream.CloseAndRecv()
		return err
	}
}
