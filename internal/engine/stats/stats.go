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

// Package stats collects per-session invocation statistics: wall time and
// call counts by node type, logged at session completion and optionally
// dumped to disk alongside a profile.
package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrStatsNotFound is returned when no statistics were recorded for a
// session. Expected for zero-node or immediately-canceled sessions; callers
// in the processing path swallow it.
var ErrStatsNotFound = errors.New("no statistics recorded for session")

// NodeStats aggregates executions of one node type within a session.
type NodeStats struct {
	NodeType  string        `json:"node_type"`
	Calls     int           `json:"calls"`
	TotalTime time.Duration `json:"total_time_ns"`
	MaxTime   time.Duration `json:"max_time_ns"`
}

// SessionStats is the serialized per-session report.
type SessionStats struct {
	SessionID string        `json:"session_id"`
	TotalTime time.Duration `json:"total_time_ns"`
	Nodes     []NodeStats   `json:"nodes"`
}

// Collector records invocation timings keyed by session id. Safe for
// concurrent use by multiple workers.
type Collector struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]map[string]*NodeStats // session id -> node type -> stats
}

// NewCollector creates an empty collector. A nil logger falls back to the
// default logger.
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		logger:   logger.With(slog.String("component", "stats")),
		sessions: make(map[string]map[string]*NodeStats),
	}
}

// CollectStats returns a func that records one invocation's duration when
// called. Usage:
//
//	done := collector.CollectStats(inv.Type(), sessionID)
//	output, err := inv.Invoke(ictx)
//	done()
func (c *Collector) CollectStats(nodeType, sessionID string) func() {
	start := time.Now()
	return func() {
		elapsed := time.Since(start)

		c.mu.Lock()
		defer c.mu.Unlock()
		byType, ok := c.sessions[sessionID]
		if !ok {
			byType = make(map[string]*NodeStats)
			c.sessions[sessionID] = byType
		}
		ns, ok := byType[nodeType]
		if !ok {
			ns = &NodeStats{NodeType: nodeType}
			byType[nodeType] = ns
		}
		ns.Calls++
		ns.TotalTime += elapsed
		if elapsed > ns.MaxTime {
			ns.MaxTime = elapsed
		}
	}
}

// Get returns the report for a session, or ErrStatsNotFound.
func (c *Collector) Get(sessionID string) (SessionStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(sessionID)
}

func (c *Collector) getLocked(sessionID string) (SessionStats, error) {
	byType, ok := c.sessions[sessionID]
	if !ok {
		return SessionStats{}, fmt.Errorf("session %s: %w", sessionID, ErrStatsNotFound)
	}
	report := SessionStats{SessionID: sessionID}
	for _, ns := range byType {
		report.Nodes = append(report.Nodes, *ns)
		report.TotalTime += ns.TotalTime
	}
	return report, nil
}

// LogStats writes the session's report to the logger.
func (c *Collector) LogStats(sessionID string) error {
	report, err := c.Get(sessionID)
	if err != nil {
		return err
	}
	c.logger.Info("session statistics",
		slog.String("session_id", sessionID),
		slog.Duration("total_time", report.TotalTime),
		slog.Int("node_types", len(report.Nodes)),
	)
	for _, ns := range report.Nodes {
		c.logger.Info("node statistics",
			slog.String("session_id", sessionID),
			slog.String("node_type", ns.NodeType),
			slog.Int("calls", ns.Calls),
			slog.Duration("total_time", ns.TotalTime),
			slog.Duration("max_time", ns.MaxTime),
		)
	}
	return nil
}

// ResetStats discards a session's recorded statistics.
func (c *Collector) ResetStats(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// DumpStats writes a session's report as JSON to the given path.
func (c *Collector) DumpStats(sessionID, outputPath string) error {
	report, err := c.Get(sessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode statistics: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write statistics: %w", err)
	}
	return nil
}
