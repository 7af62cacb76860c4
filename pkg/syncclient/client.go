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

// Package syncclient is a mutual-TLS gRPC client for the central
// PredictorSyncService. After each connection failure it doubles a
// tracked reconnect backoff up to MaxBackoff (see ReconnectBackoff); the
// client does not wait out that backoff itself, and the next call dials
// again at once. It reloads its TLS identity whenever the client
// certificate file changes on disk, so certificate rotation never
// requires a process restart.
package syncclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/syncpb"
)

// Config configures a Client's transport and mTLS identity.
type Config struct {
	Endpoint         string
	CACertPath       string
	ClientCertPath   string
	ClientKeyPath    string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig mirrors the agent's default connection parameters.
func DefaultConfig() Config {
	return Config{
		Endpoint:         "recommendation-api:8443",
		CACertPath:       "/etc/predictor/certs/ca.crt",
		ClientCertPath:   "/etc/predictor/certs/client.crt",
		ClientKeyPath:    "/etc/predictor/certs/client.key",
		ConnectTimeout:   10 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		InitialBackoff:   time.Second,
		MaxBackoff:       5 * time.Minute,
	}
}

type connectionState struct {
	connected         bool
	lastError         string
	reconnectAttempts uint32
	currentBackoff    time.Duration
}

type tlsState struct {
	config    *tls.Config
	certMtime time.Time
}

// Client is a reconnecting, certificate-rotation-aware gRPC client for
// the PredictorSyncService.
type Client struct {
	cfg      Config
	agentID  string
	nodeName string
	logger   log.Logger

	mtx   sync.RWMutex
	conn  *grpc.ClientConn
	state connectionState
	tls   *tlsState
}

var enableClientMetricsOnce sync.Once

// New returns a Client for agentID/nodeName using cfg.
func New(cfg Config, agentID, nodeName string, logger log.Logger) *Client {
	enableClientMetricsOnce.Do(grpc_prometheus.EnableClientHandlingTimeHistogram)
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{
		cfg:      cfg,
		agentID:  agentID,
		nodeName: nodeName,
		logger:   logger,
		state:    connectionState{currentBackoff: cfg.InitialBackoff},
	}
}

// IsConnected reports the client's current connectivity flag.
func (c *Client) IsConnected() bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.state.connected
}

// ReconnectBackoff returns the client's current backoff duration.
func (c *Client) ReconnectBackoff() time.Duration {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.state.currentBackoff
}

// ConnectionStats reports whether connected, the retry count, and the
// most recent error message (empty if none).
func (c *Client) ConnectionStats() (connected bool, attempts uint32, lastError string) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.state.connected, c.state.reconnectAttempts, c.state.lastError
}

func (c *Client) certRotated() (bool, error) {
	info, err := os.Stat(c.cfg.ClientCertPath)
	if err != nil {
		return false, errors.Wrap(err, "stat client certificate")
	}
	c.mtx.RLock()
	cur := c.tls
	c.mtx.RUnlock()
	if cur == nil {
		return true, nil
	}
	return info.ModTime().After(cur.certMtime), nil
}

func (c *Client) loadTLSConfig() (*tls.Config, time.Time, error) {
	caPEM, err := os.ReadFile(c.cfg.CACertPath)
	if err != nil {
		return nil, time.Time{}, errors.Wrapf(err, "read CA certificate %s", c.cfg.CACertPath)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, time.Time{}, errors.Errorf("no certificates parsed from %s", c.cfg.CACertPath)
	}

	certPEM, err := os.ReadFile(c.cfg.ClientCertPath)
	if err != nil {
		return nil, time.Time{}, errors.Wrapf(err, "read client certificate %s", c.cfg.ClientCertPath)
	}
	keyPEM, err := os.ReadFile(c.cfg.ClientKeyPath)
	if err != nil {
		return nil, time.Time{}, errors.Wrapf(err, "read client key %s", c.cfg.ClientKeyPath)
	}
	identity, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, time.Time{}, errors.Wrap(err, "parse client key pair")
	}

	info, err := os.Stat(c.cfg.ClientCertPath)
	if err != nil {
		return nil, time.Time{}, errors.Wrap(err, "stat client certificate")
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{identity},
		MinVersion:   tls.VersionTLS12,
	}, info.ModTime(), nil
}

func (c *Client) refreshTLSIfNeeded() error {
	rotated, err := c.certRotated()
	if err != nil {
		return err
	}
	if !rotated {
		return nil
	}

	level.Info(c.logger).Log("msg", "certificate rotation detected, refreshing TLS identity")
	tlsCfg, mtime, err := c.loadTLSConfig()
	if err != nil {
		return err
	}

	c.mtx.Lock()
	c.tls = &tlsState{config: tlsCfg, certMtime: mtime}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mtx.Unlock()
	return nil
}

func (c *Client) handleFailure(err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.state.connected = false
	c.state.lastError = err.Error()
	c.state.reconnectAttempts++
	next := c.state.currentBackoff * 2
	if next > c.cfg.MaxBackoff {
		next = c.cfg.MaxBackoff
	}
	c.state.currentBackoff = next
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	level.Warn(c.logger).Log("msg", "connection to recommendation API failed", "err", err, "attempts", c.state.reconnectAttempts, "next_backoff", next)
}

func (c *Client) getConn(ctx context.Context) (*grpc.ClientConn, error) {
	if err := c.refreshTLSIfNeeded(); err != nil {
		return nil, err
	}

	c.mtx.RLock()
	if c.conn != nil {
		conn := c.conn
		c.mtx.RUnlock()
		return conn, nil
	}
	tlsCfg := c.tls
	c.mtx.RUnlock()
	if tlsCfg == nil {
		return nil, errors.New("TLS configuration not loaded")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, c.cfg.Endpoint,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg.config)),
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.cfg.KeepaliveTime,
			Timeout:             c.cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(syncpb.CodecName)),
		grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
		grpc.WithStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
	)
	if err != nil {
		wrapped := errors.Wrapf(err, "dial %s", c.cfg.Endpoint)
		c.handleFailure(wrapped)
		return nil, wrapped
	}

	c.mtx.Lock()
	c.conn = conn
	c.state.connected = true
	c.state.reconnectAttempts = 0
	c.state.currentBackoff = c.cfg.InitialBackoff
	c.state.lastError = ""
	c.mtx.Unlock()

	level.Info(c.logger).Log("msg", "connected to recommendation API", "endpoint", c.cfg.Endpoint)
	return conn, nil
}

// ForceReconnect tears down any existing connection and reconnects
// immediately, used after an operator-triggered certificate rotation.
func (c *Client) ForceReconnect(ctx context.Context) error {
	c.mtx.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state.connected = false
	c.state.currentBackoff = c.cfg.InitialBackoff
	c.mtx.Unlock()

	_, err := c.getConn(ctx)
	return err
}

// Close disconnects the client, if connected.
func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.state.connected = false
	return err
}

const servicePath = "/predictor.PredictorSync/"

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

// Register performs the initial handshake, returning the server's
// bootstrap configuration.
func (c *Client) Register(ctx context.Context, kubernetesVersion, agentVersion, modelVersion string) (*syncpb.RegisterResponse, error) {
	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}
	rctx, cancel := c.requestContext(ctx)
	defer cancel()

	req := &syncpb.RegisterRequest{
		AgentID:           c.agentID,
		NodeName:          c.nodeName,
		KubernetesVersion: kubernetesVersion,
		AgentVersion:      agentVersion,
		ModelVersion:      modelVersion,
	}
	resp := &syncpb.RegisterResponse{}
	if err := conn.Invoke(rctx, servicePath+"Register", req, resp); err != nil {
		wrapped := errors.Wrap(err, "register")
		c.handleFailure(wrapped)
		return nil, wrapped
	}
	return resp, nil
}

// GetModelUpdate asks whether a model newer than currentVersion exists.
// A nil response with a nil error means no update is available.
func (c *Client) GetModelUpdate(ctx context.Context, currentVersion string) (*syncpb.GetModelUpdateResponse, error) {
	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}
	rctx, cancel := c.requestContext(ctx)
	defer cancel()

	req := &syncpb.GetModelUpdateRequest{AgentID: c.agentID, CurrentModelVersion: currentVersion}
	resp := &syncpb.GetModelUpdateResponse{}
	if err := conn.Invoke(rctx, servicePath+"GetModelUpdate", req, resp); err != nil {
		wrapped := errors.Wrap(err, "get model update")
		c.handleFailure(wrapped)
		return nil, wrapped
	}
	if !resp.UpdateAvailable {
		return nil, nil
	}
	return resp, nil
}

// UploadGradients uploads a federated-update contribution. Reserved: not
// exercised by the core agent loop, but wired for completeness.
func (c *Client) UploadGradients(ctx context.Context, modelVersion string, gradients []byte, sampleCount int64) (*syncpb.UploadGradientsResponse, error) {
	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}
	rctx, cancel := c.requestContext(ctx)
	defer cancel()

	req := &syncpb.UploadGradientsRequest{
		AgentID:      c.agentID,
		ModelVersion: modelVersion,
		Gradients:    gradients,
		SampleCount:  sampleCount,
	}
	resp := &syncpb.UploadGradientsResponse{}
	if err := conn.Invoke(rctx, servicePath+"UploadGradients", req, resp); err != nil {
		wrapped := errors.Wrap(err, "upload gradients")
		c.handleFailure(wrapped)
		return nil, wrapped
	}
	return resp, nil
}

// SyncMetricsStream is a client-streaming handle for sending MetricsBatch
// messages and receiving the server's final response.
type SyncMetricsStream struct {
	stream grpc.ClientStream
}

// Send delivers one batch over the stream.
func (s *SyncMetricsStream) Send(batch *syncpb.MetricsBatch) error {
	return s.stream.SendMsg(batch)
}

// CloseAndRecv closes the send side and waits for the server's response.
func (s *SyncMetricsStream) CloseAndRecv() (*syncpb.SyncMetricsResponse, error) {
	if err := s.stream.CloseSend(); err != nil {
		return nil, errors.Wrap(err, "close send side")
	}
	resp := &syncpb.SyncMetricsResponse{}
	if err := s.stream.RecvMsg(resp); err != nil {
		return nil, errors.Wrap(err, "receive sync response")
	}
	return resp, nil
}

// SyncMetrics opens a client-streaming call to deliver metrics batches.
func (c *Client) SyncMetrics(ctx context.Context) (*SyncMetricsStream, error) {
	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}
	desc := &grpc.StreamDesc{StreamName: "SyncMetrics", ClientStreams: true}
	stream, err := conn.NewStream(ctx, desc, servicePath+"SyncMetrics")
	if err != nil {
		wrapped := errors.Wrap(err, "open sync metrics stream")
		c.handleFailure(wrapped)
		return nil, wrapped
	}
	return &SyncMetricsStream{stream: stream}, nil
}
