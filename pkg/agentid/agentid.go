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

// Package agentid generates and persists the agent's stable identity,
// so the Register RPC presents the same agent_id across restarts
// instead of minting a new one every time the process starts.
package agentid

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultFileName = "agent_id"

// LoadOrCreate reads the agent id persisted under dir, generating and
// saving a new one (via uuid.NewRandom) if none exists yet.
func LoadOrCreate(dir string) (string, error) {
	path := filepath.Join(dir, defaultFileName)

	if existing, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(existing))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "read agent id file %s", path)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create agent id directory %s", dir)
	}
	if err := atomicWriteString(path, id); err != nil {
		return "", err
	}
	return id, nil
}

func atomicWriteString(path, content string) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0o644); err != nil {
		return errors.Wrapf(err, "write temp agent id file %s", tmpPath)
	}
	f, err := os.OpenFile(tmpPath, os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "reopen temp agent id file for fsync")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync agent id file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close agent id file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "rename %s to %s", tmpPath, path)
	}
	return nil
}
