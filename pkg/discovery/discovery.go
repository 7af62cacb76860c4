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

// Package discovery walks the cgroup filesystem to enumerate containers on
// startup and watches it afterwards for start/stop events.
package discovery

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/cgroupfs"
)

// Event is a container lifecycle notification.
type Event struct {
	Started *agenttypes.ContainerInfo // non-nil on start.
	Stopped string                    // container_id, non-empty on stop.
}

// Options configures the Discovery walker and watcher.
type Options struct {
	CgroupRoot string // default "/sys/fs/cgroup".
	NodeName   string
}

const defaultCgroupRoot = "/sys/fs/cgroup"

// subtreesV2 are descended under a unified cgroup v2 hierarchy.
var subtreesV2 = []string{"kubepods.slice", "system.slice"}

// subtreesV1 are descended under the memory controller of a v1 hierarchy.
var subtreesV1 = []string{"kubepods", "docker", "system.slice"}

// Discovery performs the initial scan and live watch described in spec §4.1.
type Discovery struct {
	opts    Options
	version cgroupfs.Version
	logger  log.Logger
}

// New returns a Discovery for the given options, detecting the cgroup
// version under opts.CgroupRoot (or its default).
func New(opts Options, logger log.Logger) *Discovery {
	if opts.CgroupRoot == "" {
		opts.CgroupRoot = defaultCgroupRoot
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Discovery{
		opts:    opts,
		version: cgroupfs.DetectVersion(opts.CgroupRoot),
		logger:  log.With(logger, "component", "discovery"),
	}
}

// Scan walks the configured subtrees once and returns every qualifying
// container directory. A single unreadable directory is logged and
// skipped; it does not abort the walk.
func (d *Discovery) Scan() []agenttypes.ContainerInfo {
	var out []agenttypes.ContainerInfo
	for _, root := range d.roots() {
		out = append(out, d.scanRoot(root)...)
	}
	return out
}

func (d *Discovery) roots() []string {
	subtrees := subtreesV2
	if d.version == cgroupfs.VersionV1 {
		subtrees = subtreesV1
	}
	roots := make([]string, 0, len(subtrees))
	for _, s := range subtrees {
		roots = append(roots, filepath.Join(d.opts.CgroupRoot, s))
	}
	return roots
}

func (d *Discovery) scanRoot(root string) []agenttypes.ContainerInfo {
	var out []agenttypes.ContainerInfo
	err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			level.Debug(d.logger).Log("msg", "skipping unreadable directory", "path", path, "err", err)
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if info, ok := d.qualify(path); ok {
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		level.Warn(d.logger).Log("msg", "scan root failed", "root", root, "err", err)
	}
	return out
}

// qualify reports whether dir is a container cgroup directory, and if so
// returns its (mostly empty) ContainerInfo.
func (d *Discovery) qualify(dir string) (agenttypes.ContainerInfo, bool) {
	id, ok := cgroupfs.ExtractContainerID(dir)
	if !ok {
		return agenttypes.ContainerInfo{}, false
	}
	if !cgroupfs.HasAccountingFile(dir, d.version) {
		return agenttypes.ContainerInfo{}, false
	}
	return agenttypes.ContainerInfo{
		ContainerID: id,
		NodeName:    d.opts.NodeName,
		CgroupPath:  dir,
	}, true
}

// Watch subscribes to create/remove notifications on the configured
// subtrees and delivers Events to out until ctx is canceled or the watcher
// fails. A failed watcher setup returns an error; once running, per-event
// errors are logged and do not stop the watch.
func (d *Discovery) Watch(ctx context.Context, out chan<- Event) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range d.roots() {
		if err := addRecursive(watcher, root); err != nil {
			level.Debug(d.logger).Log("msg", "could not watch subtree", "root", root, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			d.handleEvent(watcher, ev, out)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			level.Warn(d.logger).Log("msg", "watcher error", "err", err)
		}
	}
}

func (d *Discovery) handleEvent(watcher *fsnotify.Watcher, ev fsnotify.Event, out chan<- Event) {
	switch {
	case ev.Op&fsnotify.Create != 0:
		info, ok := d.qualify(ev.Name)
		if !ok {
			return
		}
		// Watch the new directory too, in case it has its own children.
		_ = watcher.Add(ev.Name)
		out <- Event{Started: &info}

	case ev.Op&fsnotify.Remove != 0:
		id, ok := cgroupfs.ExtractContainerID(ev.Name)
		if !ok {
			return
		}
		out <- Event{Stopped: id}

	default:
		// Spurious or unrelated events (writes, chmod, rename-in-place) are ignored.
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			_ = watcher.Add(path)
		}
		return nil
	})
}
