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

package stats

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
)

// Profiler records one CPU profile per session. Start begins a profile
// identified by the session id; Stop finishes it and returns the written
// file's path. Only one profile may be active at a time per Profiler.
type Profiler struct {
	logger    *slog.Logger
	outputDir string
	prefix    string

	mu        sync.Mutex
	profileID string
	file      *os.File
}

// NewProfiler creates a profiler writing into outputDir. Files are named
// <prefix>_<profileID>.pprof (prefix omitted when empty).
func NewProfiler(logger *slog.Logger, outputDir, prefix string) *Profiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiler{
		logger:    logger.With(slog.String("component", "profiler")),
		outputDir: outputDir,
		prefix:    prefix,
	}
}

// Start begins profiling under the given id. An already-running profile is
// stopped first.
func (p *Profiler) Start(profileID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		p.logger.Warn("profile already running, stopping it",
			slog.String("profile_id", p.profileID))
		p.stopLocked()
	}

	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create profile output dir: %w", err)
	}
	f, err := os.Create(p.path(profileID))
	if err != nil {
		return fmt.Errorf("failed to create profile file: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start profile: %w", err)
	}
	p.profileID = profileID
	p.file = f
	p.logger.Debug("started profiling", slog.String("profile_id", profileID))
	return nil
}

// Stop finishes the active profile and returns the profile file path.
func (p *Profiler) Stop() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return "", fmt.Errorf("no profile running")
	}
	path := p.path(p.profileID)
	p.stopLocked()
	p.logger.Debug("stopped profiling", slog.String("path", path))
	return path, nil
}

// Running reports whether a profile is active.
func (p *Profiler) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file != nil
}

func (p *Profiler) stopLocked() {
	pprof.StopCPUProfile()
	p.file.Close()
	p.file = nil
	p.profileID = ""
}

func (p *Profiler) path(profileID string) string {
	name := profileID + ".pprof"
	if p.prefix != "" {
		name = p.prefix + "_" + name
	}
	return filepath.Join(p.outputDir, name)
}
