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

// Package modelupdater polls the central service for newer prediction
// models during a configured low-activity window, validates them, and
// promotes them into the predictor's model slot. A stack of demoted
// versions (most recently demoted first) supports rollback if a newly
// promoted model misbehaves.
package modelupdater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/predictor"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/syncpb"
)

// Config controls the updater's polling window and retention policy.
type Config struct {
	ModelDir              string
	UpdateWindowStart     int // local hour, 0-23, inclusive
	UpdateWindowEnd       int // local hour, 0-23, exclusive
	PollInterval          time.Duration
	MaxModelSize          int
	VersionsToKeep        int
	MaxDeviationThreshold float32
}

// DefaultConfig returns the updater's default window and limits.
func DefaultConfig() Config {
	return Config{
		ModelDir:              "/var/lib/predictor/models",
		UpdateWindowStart:     2,
		UpdateWindowEnd:       4,
		PollInterval:          time.Hour,
		MaxModelSize:          100 * 1024,
		VersionsToKeep:        5,
		MaxDeviationThreshold: 0.20,
	}
}

// InWindow reports whether hour (0-23) falls in [start, end), handling
// windows that wrap past midnight.
func (c Config) InWindow(hour int) bool {
	if c.UpdateWindowStart <= c.UpdateWindowEnd {
		return hour >= c.UpdateWindowStart && hour < c.UpdateWindowEnd
	}
	return hour >= c.UpdateWindowStart || hour < c.UpdateWindowEnd
}

// ModelVersion describes one on-disk model artifact.
type ModelVersion struct {
	Version            string
	Path               string
	Checksum           string
	SizeBytes          int
	ValidationAccuracy float32
	DownloadedAt       int64
}

// ModelFetcher is the narrow surface the updater needs from the sync
// client: asking whether a newer model exists.
type ModelFetcher interface {
	GetModelUpdate(ctx context.Context, currentVersion string) (*syncpb.GetModelUpdateResponse, error)
}

// Updater downloads, validates, and promotes model updates, and holds
// the rollback stack of demoted versions.
type Updater struct {
	cfg    Config
	slot   *predictor.Slot
	logger log.Logger

	mtx      sync.Mutex
	current  *ModelVersion
	previous []ModelVersion
}

// New returns an Updater that promotes fetched models into slot. It
// creates cfg.ModelDir if it does not already exist.
func New(cfg Config, slot *predictor.Slot, logger log.Logger) (*Updater, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Hour
	}
	if cfg.MaxModelSize <= 0 {
		cfg.MaxModelSize = 100 * 1024
	}
	if cfg.VersionsToKeep <= 0 {
		cfg.VersionsToKeep = 5
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(cfg.ModelDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create model directory %s", cfg.ModelDir)
	}
	return &Updater{cfg: cfg, slot: slot, logger: logger}, nil
}

// CurrentVersion reports the currently-promoted model version, if any.
func (u *Updater) CurrentVersion() (string, bool) {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	if u.current == nil {
		return "", false
	}
	return u.current.Version, true
}

// AvailableRollbackVersions lists the demoted versions eligible for
// rollback, most recently demoted first.
func (u *Updater) AvailableRollbackVersions() []string {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	out := make([]string, len(u.previous))
	for i, v := range u.previous {
		out[i] = v.Version
	}
	return out
}

// LoadExisting adopts an already-downloaded model file as the current
// version without fetching anything, for agent restarts.
func (u *Updater) LoadExisting(version, path string) error {
	weights, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read model file %s", path)
	}
	model, err := predictor.ParseModel(version, weights)
	if err != nil {
		return errors.Wrap(err, "parse existing model")
	}
	u.slot.Replace(model)

	u.mtx.Lock()
	u.current = &ModelVersion{
		Version:      version,
		Path:         path,
		Checksum:     checksum(weights),
		SizeBytes:    len(weights),
		DownloadedAt: time.Now().Unix(),
	}
	u.mtx.Unlock()
	return nil
}

// CheckForUpdate asks fetcher for a model newer than the current
// version and, if one is available, validates and applies it.
func (u *Updater) CheckForUpdate(ctx context.Context, fetcher ModelFetcher) (*ModelVersion, error) {
	current, _ := u.CurrentVersion()

	resp, err := fetcher.GetModelUpdate(ctx, current)
	if err != nil {
		return nil, errors.Wrap(err, "check for model update")
	}
	if resp == nil {
		return nil, nil
	}

	applied, err := u.applyUpdate(resp)
	if err != nil {
		return nil, err
	}
	level.Info(u.logger).Log("msg", "model update applied", "version", applied.Version, "size", applied.SizeBytes)
	return applied, nil
}

// validateCandidate runs every independent check against a downloaded
// model and aggregates all failures into a single error, rather than
// stopping at the first one, so a bad push reports its full diagnosis
// in one poll cycle instead of one check at a time.
func (u *Updater) validateCandidate(resp *syncpb.GetModelUpdateResponse) (*predictor.Model, string, error) {
	var result *multierror.Error

	if len(resp.ModelWeights) > u.cfg.MaxModelSize {
		result = multierror.Append(result, errors.Errorf("model size %d exceeds maximum %d", len(resp.ModelWeights), u.cfg.MaxModelSize))
	}

	sum := checksum(resp.ModelWeights)
	if sum != resp.Checksum {
		result = multierror.Append(result, errors.Errorf("checksum mismatch: expected %s, got %s", resp.Checksum, sum))
	}

	model, err := predictor.ParseModel(resp.NewVersion, resp.ModelWeights)
	if err != nil {
		result = multierror.Append(result, errors.Wrap(err, "parse downloaded model"))
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, "", err
	}
	return model, sum, nil
}

func (u *Updater) applyUpdate(resp *syncpb.GetModelUpdateResponse) (*ModelVersion, error) {
	model, sum, err := u.validateCandidate(resp)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(u.cfg.ModelDir, "model_"+resp.NewVersion+".onnx")
	if err := atomicWrite(path, resp.ModelWeights); err != nil {
		return nil, err
	}

	var accuracy float32
	if resp.Metadata != nil {
		accuracy = resp.Metadata.ValidationAccuracy
	}
	newVersion := ModelVersion{
		Version:            resp.NewVersion,
		Path:               path,
		Checksum:           sum,
		SizeBytes:          len(resp.ModelWeights),
		ValidationAccuracy: accuracy,
		DownloadedAt:       time.Now().Unix(),
	}

	u.mtx.Lock()
	if u.current != nil {
		u.previous = append([]ModelVersion{*u.current}, u.previous...)
		for len(u.previous) > u.cfg.VersionsToKeep {
			overflow := u.previous[len(u.previous)-1]
			u.previous = u.previous[:len(u.previous)-1]
			if err := os.Remove(overflow.Path); err != nil && !os.IsNotExist(err) {
				level.Warn(u.logger).Log("msg", "failed to remove old model file", "path", overflow.Path, "err", err)
			}
		}
	}
	u.current = &newVersion
	u.mtx.Unlock()

	u.slot.Replace(model)
	return &newVersion, nil
}

// Rollback pops the most recently demoted version off the stack,
// removes the current (presumed failed) model file, and promotes the
// popped version back into the slot. Returns false if the stack is
// empty.
func (u *Updater) Rollback() (*ModelVersion, bool, error) {
	u.mtx.Lock()
	if len(u.previous) == 0 {
		u.mtx.Unlock()
		level.Warn(u.logger).Log("msg", "no previous model version available for rollback")
		return nil, false, nil
	}
	target := u.previous[0]
	u.previous = u.previous[1:]
	failed := u.current
	u.current = &target
	u.mtx.Unlock()

	if _, err := os.Stat(target.Path); err != nil {
		return nil, false, errors.Wrapf(err, "rollback model file not found: %s", target.Path)
	}
	if failed != nil {
		if err := os.Remove(failed.Path); err != nil && !os.IsNotExist(err) {
			level.Warn(u.logger).Log("msg", "failed to remove failed model file", "path", failed.Path, "err", err)
		}
	}

	weights, err := os.ReadFile(target.Path)
	if err != nil {
		return nil, false, errors.Wrap(err, "read rollback model file")
	}
	model, err := predictor.ParseModel(target.Version, weights)
	if err != nil {
		return nil, false, errors.Wrap(err, "parse rollback model")
	}
	u.slot.Replace(model)

	level.Info(u.logger).Log("msg", "rolled back to previous model version", "version", target.Version)
	return &target, true, nil
}

// ValidationResult is returned by a validation hook assessing a newly
// promoted model against held-out (predicted, actual) pairs.
type ValidationResult struct {
	Passed        bool
	Deviation     float32
	SamplesTested int
	Message       string
}

// ExceedsDeviationThreshold reports whether deviation warrants an
// auto-rollback under the configured policy.
func (c Config) ExceedsDeviationThreshold(deviation float32) bool {
	return deviation > c.MaxDeviationThreshold
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func atomicWrite(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create temp model file %s", tmpPath)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "write model bytes")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync model file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close model file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "rename %s to %s", tmpPath, path)
	}
	return nil
}

// Run polls fetcher every cfg.PollInterval, applying updates only while
// the local wall clock is within the configured window. It returns when
// ctx is cancelled.
func (u *Updater) Run(ctx context.Context, fetcher ModelFetcher) error {
	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !u.cfg.InWindow(time.Now().Hour()) {
				continue
			}
			if _, err := u.CheckForUpdate(ctx, fetcher); err != nil {
				level.Error(u.logger).Log("msg", "model update check failed", "err", err)
			}
		}
	}
}
