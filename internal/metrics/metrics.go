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

// Package metrics records session-processing metrics via OpenTelemetry.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collector records processor metrics. All methods are safe for concurrent
// use and never fail the processing path.
type Collector struct {
	meter metric.Meter

	sessionsTotal      metric.Int64Counter
	invocationsTotal   metric.Int64Counter
	sessionDuration    metric.Float64Histogram
	invocationDuration metric.Float64Histogram

	queueDepthMu sync.RWMutex
	queueDepth   int64
}

// NewCollector creates a collector using the given meter provider.
func NewCollector(meterProvider metric.MeterProvider) (*Collector, error) {
	meter := meterProvider.Meter("kiln")

	c := &Collector{meter: meter}

	var err error
	c.sessionsTotal, err = meter.Int64Counter(
		"kiln_sessions_total",
		metric.WithDescription("Total number of sessions processed"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	c.invocationsTotal, err = meter.Int64Counter(
		"kiln_invocations_total",
		metric.WithDescription("Total number of invocations executed"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}

	c.sessionDuration, err = meter.Float64Histogram(
		"kiln_session_duration_seconds",
		metric.WithDescription("Session processing duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.invocationDuration, err = meter.Float64Histogram(
		"kiln_invocation_duration_seconds",
		metric.WithDescription("Invocation execution duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"kiln_queue_depth",
		metric.WithDescription("Number of pending sessions in the queue"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			c.queueDepthMu.RLock()
			defer c.queueDepthMu.RUnlock()
			o.Observe(c.queueDepth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordSessionComplete records one finished session with its final status.
func (c *Collector) RecordSessionComplete(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	c.sessionsTotal.Add(ctx, 1, attrs)
	c.sessionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordInvocation records one executed invocation with its outcome.
func (c *Collector) RecordInvocation(ctx context.Context, nodeType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("node_type", nodeType),
		attribute.String("outcome", outcome),
	)
	c.invocationsTotal.Add(ctx, 1, attrs)
	c.invocationDuration.Record(ctx, duration.Seconds(), attrs)
}

// SetQueueDepth updates the queue depth gauge.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepthMu.Lock()
	defer c.queueDepthMu.Unlock()
	c.queueDepth = int64(depth)
}
