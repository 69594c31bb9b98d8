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

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Queue.Backend)
	assert.Equal(t, time.Second, cfg.Processor.PollingInterval)
	assert.Equal(t, 1, cfg.Processor.WorkerCount)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	content := `
queue:
  backend: memory
processor:
  polling_interval: 250ms
  worker_count: 4
  devices: [gpu-0, gpu-1]
profiling:
  enabled: true
  output_dir: /tmp/profiles
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Processor.PollingInterval)
	assert.Equal(t, 4, cfg.Processor.WorkerCount)
	assert.Equal(t, []string{"gpu-0", "gpu-1"}, cfg.Processor.Devices)
	assert.True(t, cfg.Profiling.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KILN_QUEUE_BACKEND", "memory")
	t.Setenv("KILN_POLLING_INTERVAL", "2s")
	t.Setenv("KILN_WORKER_COUNT", "3")
	t.Setenv("KILN_PROFILE_SESSIONS", "1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 2*time.Second, cfg.Processor.PollingInterval)
	assert.Equal(t, 3, cfg.Processor.WorkerCount)
	assert.True(t, cfg.Profiling.Enabled)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Queue.Backend = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Queue.Path = "" }},
		{"zero polling interval", func(c *Config) { c.Processor.PollingInterval = 0 }},
		{"zero workers", func(c *Config) { c.Processor.WorkerCount = 0 }},
		{"no devices", func(c *Config) { c.Processor.Devices = nil }},
		{"profiling without dir", func(c *Config) {
			c.Profiling.Enabled = true
			c.Profiling.OutputDir = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
