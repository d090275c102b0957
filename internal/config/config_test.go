// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Minute, cfg.Engine.ExecutionTTL)
	assert.Equal(t, time.Hour, cfg.Engine.WatchdogTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: "0.0.0.0:9000"
engine:
  playbook_dir: /srv/playbooks
  execution_ttl: 10m
log:
  level: debug
  format: text
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "/srv/playbooks", cfg.Engine.PlaybookDir)
	assert.Equal(t, 10*time.Minute, cfg.Engine.ExecutionTTL)
	assert.Equal(t, "text", cfg.Log.Format)
	// untouched fields keep their defaults
	assert.Equal(t, time.Hour, cfg.Engine.WatchdogTimeout)
}

func TestEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \"0.0.0.0:9000\"\n"), 0o644))

	t.Setenv("PLAYBOOKD_LISTEN_ADDR", "127.0.0.1:7000")
	t.Setenv("PLAYBOOKD_EXECUTION_TTL", "5m")
	t.Setenv("PLAYBOOKD_TRACING_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.Engine.ExecutionTTL)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.ListenAddr, cfg.Server.ListenAddr)
}

func TestValidateRejectsBadFormat(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroTTL(t *testing.T) {
	cfg := Default()
	cfg.Engine.ExecutionTTL = 0
	assert.Error(t, cfg.Validate())
}
