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

// Package config provides daemon configuration: defaults, YAML file loading
// and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration.
type Config struct {
	// Queue configures the session queue backend.
	Queue QueueConfig `yaml:"queue"`

	// Processor configures the session processing loop.
	Processor ProcessorConfig `yaml:"processor"`

	// Profiling configures per-session CPU profiling.
	Profiling ProfilingConfig `yaml:"profiling"`

	// Metrics configures the metrics endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures span export.
	Tracing TracingConfig `yaml:"tracing"`
}

// QueueConfig configures the session queue backend.
type QueueConfig struct {
	// Backend selects the queue implementation: "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file (sqlite backend only).
	Path string `yaml:"path"`
}

// ProcessorConfig configures the session processing loop.
type ProcessorConfig struct {
	// PollingInterval is how long the dispatch loop waits between dequeue
	// attempts when the queue is empty.
	PollingInterval time.Duration `yaml:"polling_interval"`

	// WorkerCount is the number of session worker goroutines.
	WorkerCount int `yaml:"worker_count"`

	// Devices names the execution devices available for reservation.
	Devices []string `yaml:"devices"`
}

// ProfilingConfig configures per-session CPU profiling.
type ProfilingConfig struct {
	// Enabled turns on one CPU profile per session.
	Enabled bool `yaml:"enabled"`

	// OutputDir is where profile and stats files are written.
	OutputDir string `yaml:"output_dir"`

	// Prefix is prepended to profile file names.
	Prefix string `yaml:"prefix"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled serves /metrics when true.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address for the metrics endpoint.
	Addr string `yaml:"addr"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled exports spans to stdout when true.
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Backend: "sqlite",
			Path:    "kiln-queue.db",
		},
		Processor: ProcessorConfig{
			PollingInterval: time.Second,
			WorkerCount:     1,
			Devices:         []string{"device-0"},
		},
		Profiling: ProfilingConfig{
			OutputDir: "profiles",
			Prefix:    "kiln",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, and validates the result. An empty path skips file loading.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from KILN_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("KILN_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("KILN_QUEUE_PATH"); v != "" {
		cfg.Queue.Path = v
	}
	if v := os.Getenv("KILN_POLLING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Processor.PollingInterval = d
		}
	}
	if v := os.Getenv("KILN_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Processor.WorkerCount = n
		}
	}
	if v := os.Getenv("KILN_PROFILE_SESSIONS"); v == "1" || v == "true" {
		cfg.Profiling.Enabled = true
	}
	if v := os.Getenv("KILN_PROFILE_DIR"); v != "" {
		cfg.Profiling.OutputDir = v
	}
	if v := os.Getenv("KILN_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "sqlite":
		if c.Queue.Path == "" {
			return fmt.Errorf("queue.path is required for the sqlite backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue backend %q (expected sqlite or memory)", c.Queue.Backend)
	}

	if c.Processor.PollingInterval <= 0 {
		return fmt.Errorf("processor.polling_interval must be positive")
	}
	if c.Processor.WorkerCount <= 0 {
		return fmt.Errorf("processor.worker_count must be positive")
	}
	if len(c.Processor.Devices) == 0 {
		return fmt.Errorf("processor.devices must name at least one device")
	}
	if c.Profiling.Enabled && c.Profiling.OutputDir == "" {
		return fmt.Errorf("profiling.output_dir is required when profiling is enabled")
	}
	return nil
}
