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

// Package offlinebuffer holds metrics that could not be streamed to the
// central service immediately: a bounded, optionally-persisted FIFO, and a
// manager layer that adds an online/offline flag, buffering either
// unconditionally (Buffer) or only while flagged offline (BufferIfOffline).
package offlinebuffer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
)

// DefaultRetention and DefaultMaxSize are the buffer's default limits.
const (
	DefaultRetention     = 24 * time.Hour
	DefaultMaxSize       = 100_000
	DefaultFlushInterval = time.Minute
)

// Config configures a Buffer.
type Config struct {
	MaxRetention    time.Duration
	MaxSize         int
	PersistencePath string // empty disables persistence.
	FlushInterval   time.Duration
}

// DefaultConfig returns the spec's default buffer limits.
func DefaultConfig() Config {
	return Config{
		MaxRetention:  DefaultRetention,
		MaxSize:       DefaultMaxSize,
		FlushInterval: DefaultFlushInterval,
	}
}

type timestamped struct {
	Metrics    agenttypes.ContainerMetrics
	BufferedAt time.Time
}

// Buffer is a bounded FIFO of metrics awaiting sync, evicted first by
// count then by age. Not safe for concurrent use; callers serialize
// access (Manager adds no locking of its own).
type Buffer struct {
	cfg       Config
	entries   []timestamped
	dirty     bool
	lastFlush time.Time
}

// New returns an empty Buffer using cfg (zero value fields fall back to
// defaults).
func New(cfg Config) *Buffer {
	if cfg.MaxRetention <= 0 {
		cfg.MaxRetention = DefaultRetention
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Buffer{cfg: cfg, lastFlush: time.Now()}
}

// LoadOrNew returns a new Buffer, attempting to load persisted state from
// cfg.PersistencePath if set and present. A load failure is non-fatal: the
// buffer starts empty.
func LoadOrNew(cfg Config) *Buffer {
	b := New(cfg)
	if cfg.PersistencePath == "" {
		return b
	}
	if _, err := os.Stat(cfg.PersistencePath); err != nil {
		return b
	}
	_ = b.loadFromDisk()
	return b
}

// Push appends one sample, evicting from the front on overflow (by count,
// then by age) before appending.
func (b *Buffer) Push(m agenttypes.ContainerMetrics) {
	b.pushAt(m, time.Now())
}

func (b *Buffer) pushAt(m agenttypes.ContainerMetrics, now time.Time) {
	for len(b.entries) >= b.cfg.MaxSize {
		b.entries = b.entries[1:]
	}
	b.evictExpired(now)
	b.entries = append(b.entries, timestamped{Metrics: m, BufferedAt: now})
	b.dirty = true
}

func (b *Buffer) evictExpired(now time.Time) {
	cutoff := now.Add(-b.cfg.MaxRetention)
	i := 0
	for i < len(b.entries) && b.entries[i].BufferedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = b.entries[i:]
		b.dirty = true
	}
}

// Drain removes and returns every buffered entry.
func (b *Buffer) Drain() []agenttypes.ContainerMetrics {
	out := make([]agenttypes.ContainerMetrics, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Metrics
	}
	b.entries = nil
	b.dirty = true
	return out
}

// DrainBatch removes and returns up to limit entries from the front.
func (b *Buffer) DrainBatch(limit int) []agenttypes.ContainerMetrics {
	if limit > len(b.entries) {
		limit = len(b.entries)
	}
	out := make([]agenttypes.ContainerMetrics, limit)
	for i := 0; i < limit; i++ {
		out[i] = b.entries[i].Metrics
	}
	b.entries = b.entries[limit:]
	b.dirty = true
	return out
}

// Peek returns up to limit entries without removing them.
func (b *Buffer) Peek(limit int) []agenttypes.ContainerMetrics {
	if limit > len(b.entries) {
		limit = len(b.entries)
	}
	out := make([]agenttypes.ContainerMetrics, limit)
	for i := 0; i < limit; i++ {
		out[i] = b.entries[i].Metrics
	}
	return out
}

// Len reports the number of currently buffered entries.
func (b *Buffer) Len() int { return len(b.entries) }

// IsEmpty reports whether the buffer holds no entries.
func (b *Buffer) IsEmpty() bool { return len(b.entries) == 0 }

// Capacity returns the buffer's configured maximum size.
func (b *Buffer) Capacity() int { return b.cfg.MaxSize }

// Stats summarizes the buffer's current contents.
type Stats struct {
	Entries          int
	Capacity         int
	OldestTimestamp  *int64
	NewestTimestamp  *int64
	RetentionSeconds int64
}

// Stats returns a snapshot of the buffer's current size and age range.
func (b *Buffer) Stats() Stats {
	s := Stats{
		Entries:          len(b.entries),
		Capacity:         b.cfg.MaxSize,
		RetentionSeconds: int64(b.cfg.MaxRetention.Seconds()),
	}
	if len(b.entries) > 0 {
		oldest := b.entries[0].BufferedAt.Unix()
		newest := b.entries[len(b.entries)-1].BufferedAt.Unix()
		s.OldestTimestamp = &oldest
		s.NewestTimestamp = &newest
	}
	return s
}

// ShouldFlush reports whether enough time has passed since the last flush
// and persistence is both enabled and needed.
func (b *Buffer) ShouldFlush(now time.Time) bool {
	return b.dirty && b.cfg.PersistencePath != "" && now.Sub(b.lastFlush) >= b.cfg.FlushInterval
}

// Flush writes the buffer to disk if dirty and persistence is configured.
func (b *Buffer) Flush() error {
	if !b.dirty || b.cfg.PersistencePath == "" {
		return nil
	}
	if err := b.saveToDisk(); err != nil {
		return err
	}
	b.dirty = false
	b.lastFlush = time.Now()
	return nil
}

// saveToDisk writes the buffer's contents atomically: serialize, write to
// a .tmp sibling, fsync, then rename over the target path.
func (b *Buffer) saveToDisk() error {
	path := b.cfg.PersistencePath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create buffer directory for %s", path)
	}

	metrics := make([]agenttypes.ContainerMetrics, len(b.entries))
	for i, e := range b.entries {
		metrics[i] = e.Metrics
	}
	data, err := json.Marshal(metrics)
	if err != nil {
		return errors.Wrap(err, "marshal buffered metrics")
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create temp buffer file %s", tmpPath)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "write buffer data")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync buffer file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close buffer file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "rename %s to %s", tmpPath, path)
	}
	return nil
}

func (b *Buffer) loadFromDisk() error {
	path := b.cfg.PersistencePath
	if path == "" {
		return errors.New("no persistence path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read buffer file %s", path)
	}

	var metrics []agenttypes.ContainerMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return errors.Wrap(err, "unmarshal buffer data")
	}

	now := time.Now()
	for _, m := range metrics {
		b.entries = append(b.entries, timestamped{Metrics: m, BufferedAt: now})
	}
	return nil
}

// Manager adds an online/offline flag on top of a Buffer: BufferIfOffline
// only retains samples while offline, while Buffer retains unconditionally
// (tracking the offline-accumulated count either way).
type Manager struct {
	buffer         *Buffer
	offline        bool
	offlineEntries int
}

// NewManager returns a Manager wrapping a Buffer built from cfg by
// LoadOrNew, so entries persisted at cfg.PersistencePath are loaded.
func NewManager(cfg Config) *Manager {
	return &Manager{buffer: LoadOrNew(cfg)}
}

// GoOffline marks the manager offline, resetting the offline-entry
// counter. A no-op if already offline.
func (m *Manager) GoOffline() {
	if m.offline {
		return
	}
	m.offline = true
	m.offlineEntries = 0
}

// GoOnline marks the manager online. A no-op if already online.
func (m *Manager) GoOnline() {
	m.offline = false
}

// IsOffline reports the manager's current connectivity flag.
func (m *Manager) IsOffline() bool { return m.offline }

// BufferIfOffline buffers metrics only while offline, returning whether it
// did.
func (m *Manager) BufferIfOffline(metrics agenttypes.ContainerMetrics) bool {
	if !m.offline {
		return false
	}
	m.buffer.Push(metrics)
	m.offlineEntries++
	return true
}

// Buffer buffers metrics unconditionally, tracking the offline count
// alongside if currently offline.
func (m *Manager) Buffer(metrics agenttypes.ContainerMetrics) {
	m.buffer.Push(metrics)
	if m.offline {
		m.offlineEntries++
	}
}

// DrainForSync drains every buffered entry.
func (m *Manager) DrainForSync() []agenttypes.ContainerMetrics {
	return m.buffer.Drain()
}

// DrainBatchForSync drains up to limit buffered entries.
func (m *Manager) DrainBatchForSync(limit int) []agenttypes.ContainerMetrics {
	return m.buffer.DrainBatch(limit)
}

// HasDataToSync reports whether any entries are buffered.
func (m *Manager) HasDataToSync() bool { return !m.buffer.IsEmpty() }

// PendingSyncCount reports how many entries are buffered.
func (m *Manager) PendingSyncCount() int { return m.buffer.Len() }

// Flush persists the buffer to disk if a flush is due.
func (m *Manager) Flush() error {
	if m.buffer.ShouldFlush(time.Now()) {
		return m.buffer.Flush()
	}
	return nil
}

// Stats reports the underlying buffer's statistics.
func (m *Manager) Stats() Stats { return m.buffer.Stats() }

func (c Config) String() string {
	return fmt.Sprintf("retention=%s max_size=%d persistence=%q", c.MaxRetention, c.MaxSize, c.PersistencePath)
}
