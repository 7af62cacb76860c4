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

package syncclient

import (
	"os"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Minute, cfg.MaxBackoff)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
}

func TestNewAppliesBackoffDefaults(t *testing.T) {
	c := New(Config{}, "agent-1", "node-a", log.NewNopLogger())
	assert.Equal(t, time.Second, c.cfg.InitialBackoff)
	assert.Equal(t, 5*time.Minute, c.cfg.MaxBackoff)
	assert.False(t, c.IsConnected())
}

func TestConnectionStatsInitiallyEmpty(t *testing.T) {
	c := New(DefaultConfig(), "agent-1", "node-a", log.NewNopLogger())
	connected, attempts, lastErr := c.ConnectionStats()
	assert.False(t, connected)
	assert.Zero(t, attempts)
	assert.Empty(t, lastErr)
}

func TestHandleFailureDoublesBackoffUpToCap(t *testing.T) {
	c := New(Config{InitialBackoff: time.Second, MaxBackoff: 4 * time.Second}, "agent-1", "node-a", log.NewNopLogger())

	c.handleFailure(assertError("boom"))
	assert.Equal(t, 2*time.Second, c.ReconnectBackoff())

	c.handleFailure(assertError("boom again"))
	assert.Equal(t, 4*time.Second, c.ReconnectBackoff())

	c.handleFailure(assertError("boom again"))
	assert.Equal(t, 4*time.Second, c.ReconnectBackoff(), "backoff must not exceed MaxBackoff")

	_, attempts, lastErr := c.ConnectionStats()
	assert.Equal(t, uint32(3), attempts)
	assert.Equal(t, "boom again", lastErr)
}

func TestCertRotatedTrueWithNoPriorState(t *testing.T) {
	path := t.TempDir() + "/client.crt"
	require.NoError(t, os.WriteFile(path, []byte("placeholder"), 0o600))

	c := New(Config{ClientCertPath: path}, "agent-1", "node-a", log.NewNopLogger())
	rotated, err := c.certRotated()
	assert.NoError(t, err)
	assert.True(t, rotated)
}

func TestCloseWithoutConnectionIsNoop(t *testing.T) {
	c := New(DefaultConfig(), "agent-1", "node-a", log.NewNopLogger())
	assert.NoError(t, c.Close())
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertError(msg string) error {
	return simpleError(msg)
}
