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

// Package cgroupfs reads the kernel cgroup v1/v2 accounting surface and
// extracts container identities from cgroup directory names. It is used by
// both discovery (to recognize and watch container directories) and the
// collector (to read accounting files).
package cgroupfs

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Version identifies which cgroup hierarchy a node is running.
type Version int

const (
	VersionUnknown Version = iota
	VersionV1
	VersionV2
)

// DetectVersion inspects the cgroup mount root and reports which version is
// in use. A unified controller file implies v2; a memory+cpuacct pair
// implies v1. Callers should fall back to v2 readers on VersionUnknown,
// since they degrade to zeros on missing paths rather than erroring.
func DetectVersion(cgroupRoot string) Version {
	if fileExists(filepath.Join(cgroupRoot, "cgroup.controllers")) {
		return VersionV2
	}
	if dirExists(filepath.Join(cgroupRoot, "memory")) && dirExists(filepath.Join(cgroupRoot, "cpuacct")) {
		return VersionV1
	}
	return VersionUnknown
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ExtractContainerID recognizes the leaf shapes spec'd for container cgroup
// directories: a bare 64-hex id, "crio-<64hex>" with an optional ".scope"
// suffix, and "cri-containerd-<64hex>.scope". It returns ok=false for any
// other shape, including an empty path.
func ExtractContainerID(cgroupPath string) (id string, ok bool) {
	if cgroupPath == "" {
		return "", false
	}
	leaf := filepath.Base(strings.TrimRight(cgroupPath, "/"))

	if rest, found := strings.CutPrefix(leaf, "cri-containerd-"); found {
		rest = strings.TrimSuffix(rest, ".scope")
		if isHex64(rest) {
			return rest, true
		}
		return "", false
	}
	if rest, found := strings.CutPrefix(leaf, "crio-"); found {
		rest = strings.TrimSuffix(rest, ".scope")
		if isHex64(rest) {
			return rest, true
		}
		return "", false
	}
	if isHex64(leaf) {
		return leaf, true
	}
	return "", false
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// CanonicalAccountingFile returns the primary accounting file of a
// container's cgroup for the given version. HasAccountingFile also
// accepts a second file per version.
func CanonicalAccountingFile(v Version) string {
	if v == VersionV1 {
		return "memory.usage_in_bytes"
	}
	return "cpu.stat"
}

// HasAccountingFile reports whether dir contains an accounting file for
// v: memory.usage_in_bytes or cpuacct.usage for v1 (tolerating v1's split
// memory/cpu hierarchies, where the path may point at either controller
// subtree), and cpu.stat or memory.current for v2.
func HasAccountingFile(dir string, v Version) bool {
	if v == VersionV1 {
		return fileExists(filepath.Join(dir, "memory.usage_in_bytes")) ||
			fileExists(filepath.Join(dir, "cpuacct.usage"))
	}
	return fileExists(filepath.Join(dir, "cpu.stat")) || fileExists(filepath.Join(dir, "memory.current"))
}

// V2Raw holds the raw counters read from a cgroup v2 directory.
type V2Raw struct {
	UsageUsec        uint64
	NrThrottled      uint64
	MemoryCurrent    uint64
	InactiveFile     uint64
	File             uint64
}

// ReadV2 reads cpu.stat, memory.current and memory.stat from a cgroup v2
// container directory. Missing files are treated as zero, matching the
// collector's "missing means zero, not fatal" policy; a completely missing
// directory surfaces as an error instead.
func ReadV2(dir string) (V2Raw, error) {
	var raw V2Raw

	if _, err := os.Stat(dir); err != nil {
		return raw, err
	}

	if content, err := os.ReadFile(filepath.Join(dir, "cpu.stat")); err == nil {
		fields := parseFlatKV(content)
		raw.UsageUsec = fields["usage_usec"]
		raw.NrThrottled = fields["nr_throttled"]
	}
	if v, err := readUintFile(filepath.Join(dir, "memory.current")); err == nil {
		raw.MemoryCurrent = v
	}
	if content, err := os.ReadFile(filepath.Join(dir, "memory.stat")); err == nil {
		fields := parseFlatKV(content)
		raw.InactiveFile = fields["inactive_file"]
		raw.File = fields["file"]
	}

	return raw, nil
}

// V1Raw holds the raw counters read from a cgroup v1 container's directories.
type V1Raw struct {
	UsageNs           uint64
	NrPeriods         uint64
	NrThrottled       uint64
	MemoryUsageBytes  uint64
	TotalInactiveFile uint64
	TotalCache        uint64
}

// ReadV1 reads cpuacct.usage, cpu.stat, memory.usage_in_bytes and
// memory.stat from a cgroup v1 container. dirs maps each controller name
// ("cpuacct", "cpu", "memory") to its subtree path for this container;
// callers typically pass the same relative cgroup path rooted under each
// controller.
func ReadV1(dirs map[string]string) (V1Raw, error) {
	var raw V1Raw

	memDir, ok := dirs["memory"]
	if !ok {
		return raw, os.ErrNotExist
	}
	if _, err := os.Stat(memDir); err != nil {
		return raw, err
	}

	if v, err := readUintFile(filepath.Join(dirs["cpuacct"], "cpuacct.usage")); err == nil {
		raw.UsageNs = v
	}
	if content, err := os.ReadFile(filepath.Join(dirs["cpu"], "cpu.stat")); err == nil {
		fields := parseFlatKV(content)
		raw.NrPeriods = fields["nr_periods"]
		raw.NrThrottled = fields["nr_throttled"]
	}
	if v, err := readUintFile(filepath.Join(memDir, "memory.usage_in_bytes")); err == nil {
		raw.MemoryUsageBytes = v
	}
	if content, err := os.ReadFile(filepath.Join(memDir, "memory.stat")); err == nil {
		fields := parseFlatKV(content)
		raw.TotalInactiveFile = fields["total_inactive_file"]
		raw.TotalCache = fields["total_cache"]
	}

	return raw, nil
}

func readUintFile(path string) (uint64, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(content)), 10, 64)
}

// parseFlatKV parses the kernel's "key value\n" stat file format, ignoring
// lines that don't split into exactly two fields or whose value doesn't
// parse, rather than failing the whole read.
func parseFlatKV(content []byte) map[string]uint64 {
	out := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = v
	}
	return out
}
