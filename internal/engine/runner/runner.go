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

// Package runner executes one session's graph to completion or
// cancellation: nodes run one at a time, per-node failures are recorded in
// the graph and reported as events, and the session always reaches its
// completion handling.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pixelforge/kiln/internal/engine/events"
	"github.com/pixelforge/kiln/internal/engine/graph"
	"github.com/pixelforge/kiln/internal/engine/queue"
	"github.com/pixelforge/kiln/internal/engine/signal"
	"github.com/pixelforge/kiln/internal/engine/stats"
	"github.com/pixelforge/kiln/internal/log"
	"github.com/pixelforge/kiln/internal/metrics"
)

// SessionRunner executes one queue item's graph until terminal. Run never
// returns an error: node-level failures become recorded graph state and
// error events.
type SessionRunner interface {
	Run(ctx context.Context, item *queue.Item)
}

// Config wires the runner's collaborators.
type Config struct {
	// Logger for runner output. Required.
	Logger *slog.Logger

	// Emitter receives lifecycle events. Required.
	Emitter events.Emitter

	// Stats collects per-node timings. Required.
	Stats *stats.Collector

	// Cancel is the shared cancellation flag, checked between nodes and
	// exposed to long-running invocations. Required.
	Cancel *signal.Flag

	// NextMu serializes graph traversal across however many workers exist.
	// Required.
	NextMu *sync.Mutex

	// Profiler records one CPU profile per session. Optional.
	Profiler *stats.Profiler

	// Metrics records invocation counts and durations. Optional.
	Metrics *metrics.Collector

	// Tracer wraps sessions and invocations in spans. Optional.
	Tracer trace.Tracer
}

// Default is the hook-based session runner.
type Default struct {
	logger   *slog.Logger
	emitter  events.Emitter
	stats    *stats.Collector
	cancel   *signal.Flag
	nextMu   *sync.Mutex
	profiler *stats.Profiler
	metrics  *metrics.Collector
	tracer   trace.Tracer

	hooks observerSet
}

// New creates a session runner.
func New(cfg Config) *Default {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Default{
		logger:   log.WithComponent(logger, "session_runner"),
		emitter:  cfg.Emitter,
		stats:    cfg.Stats,
		cancel:   cfg.Cancel,
		nextMu:   cfg.NextMu,
		profiler: cfg.Profiler,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
}

// RegisterObserver adds a stacking before/after node observer.
func (r *Default) RegisterObserver(obs Observer, priority int) {
	r.hooks.Register(obs, priority)
}

// SetExecuteOverride claims the single execute override point. Registration
// fails if another override already claimed it.
func (r *Default) SetExecuteOverride(name string, fn ExecuteFunc) error {
	return r.hooks.SetOverride(name, fn)
}

// Run implements SessionRunner.
func (r *Default) Run(ctx context.Context, item *queue.Item) {
	logger := log.WithSessionContext(r.logger, item.ItemID, item.SessionID)

	ctx, span := safeStartSpan(ctx, r.tracer, "session.run",
		trace.WithAttributes(
			attribute.String(log.ItemIDKey, item.ItemID),
			attribute.String(log.SessionIDKey, item.SessionID),
		))
	defer safeEndSpan(span)

	if r.profiler != nil {
		if err := r.profiler.Start(item.SessionID); err != nil {
			logger.Warn("failed to start session profile", log.Error(err))
		}
	}

	var prev graph.Invocation
	for !item.State.IsComplete() && !r.cancel.IsSet() {
		inv, err := r.nextInvocation(item)
		if err != nil {
			// The graph itself failed to produce a node. The failure is not
			// about the just-executed node; attribute it to the previous
			// invocation, the closest causal context available.
			r.reportTraversalError(item, prev, err, logger)
			safeRecordError(span, err)
			break
		}
		if inv == nil {
			break
		}
		outcome := r.runNode(ctx, item, inv, logger)
		prev = inv
		if outcome.Kind == OutcomeInterrupted {
			// Abandon the session; the loop condition ends it on the next
			// check.
			r.cancel.Set()
		}
	}

	r.complete(item, logger)
}

// nextInvocation asks the graph for the next ready node, serialized under
// the lock shared by all workers.
func (r *Default) nextInvocation(item *queue.Item) (graph.Invocation, error) {
	r.nextMu.Lock()
	defer r.nextMu.Unlock()
	return item.State.Next(r.cancel.IsSet())
}

// runNode executes one invocation and routes its outcome.
func (r *Default) runNode(ctx context.Context, item *queue.Item, inv graph.Invocation, logger *slog.Logger) Outcome {
	sourceID := item.State.SourceNodeID(inv.ID())
	ref := eventRef(item)
	nodeLogger := logger.With(
		slog.String(log.NodeIDKey, inv.ID()),
		slog.String(log.SourceNodeIDKey, sourceID),
		slog.String(log.NodeTypeKey, inv.Type()),
	)

	ctx, span := safeStartSpan(ctx, r.tracer, "invocation.run",
		trace.WithAttributes(
			attribute.String(log.NodeIDKey, inv.ID()),
			attribute.String(log.NodeTypeKey, inv.Type()),
		))
	defer safeEndSpan(span)

	observers := r.hooks.snapshot()
	r.notifyBefore(observers, inv, item, nodeLogger)
	defer r.notifyAfter(observers, inv, item, nodeLogger)

	nodeLogger.Debug("executing invocation")
	r.emitter.Publish(events.InvocationStarted{
		Ref:          ref,
		NodeID:       inv.ID(),
		SourceNodeID: sourceID,
		NodeType:     inv.Type(),
		Timestamp:    time.Now().UTC(),
	})

	ictx := &graph.InvocationContext{
		Ctx:          ctx,
		Logger:       nodeLogger,
		ItemID:       item.ItemID,
		BatchID:      item.BatchID,
		QueueID:      item.QueueID,
		SessionID:    item.SessionID,
		SourceNodeID: sourceID,
		Canceled:     r.cancel.IsSet,
	}

	start := time.Now()
	done := r.stats.CollectStats(inv.Type(), item.SessionID)
	outcome := invoke(ictx, inv, r.hooks.execute())
	done()

	switch outcome.Kind {
	case OutcomeCompleted:
		if err := item.State.Complete(inv.ID(), outcome.Output); err != nil {
			nodeLogger.Error("failed to record invocation output", log.Error(err))
		}
		r.emitter.Publish(events.InvocationComplete{
			Ref:          ref,
			NodeID:       inv.ID(),
			SourceNodeID: sourceID,
			NodeType:     inv.Type(),
			Result:       outcome.Output,
			Timestamp:    time.Now().UTC(),
		})

	case OutcomeFailed:
		item.State.SetNodeError(inv.ID(), outcome.Trace)
		nodeLogger.Error("invocation failed",
			slog.String("error_type", outcome.ErrorType),
			log.Error(outcome.Err),
		)
		safeRecordError(span, outcome.Err)
		r.emitter.Publish(events.InvocationError{
			Ref:          ref,
			NodeID:       inv.ID(),
			SourceNodeID: sourceID,
			NodeType:     inv.Type(),
			ErrorType:    outcome.ErrorType,
			Error:        outcome.Trace,
			Timestamp:    time.Now().UTC(),
		})

	case OutcomeCanceled:
		// Expected termination of a long-running node that polled the
		// cancel flag. Nothing to record; the outer loop ends the session.
		nodeLogger.Debug("invocation canceled")

	case OutcomeInterrupted:
		// No event exists for this path.
		nodeLogger.Debug("invocation interrupted")
	}

	if r.metrics != nil {
		r.metrics.RecordInvocation(ctx, inv.Type(), outcome.Kind.String(), time.Since(start))
	}
	return outcome
}

// reportTraversalError records a graph-structural failure against the
// previously-run invocation and emits an error event with that context.
func (r *Default) reportTraversalError(item *queue.Item, prev graph.Invocation, err error, logger *slog.Logger) {
	logger.Error("failed to prepare next invocation", log.Error(err))

	ev := events.InvocationError{
		Ref:       eventRef(item),
		ErrorType: errorTypeName(err),
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
	if prev != nil {
		item.State.SetNodeError(prev.ID(), err.Error())
		ev.NodeID = prev.ID()
		ev.SourceNodeID = item.State.SourceNodeID(prev.ID())
		ev.NodeType = prev.Type()
	}
	r.emitter.Publish(ev)
}

// complete runs the session's completion handling: the graph-complete
// event, the stats flush, and the profile dump.
func (r *Default) complete(item *queue.Item, logger *slog.Logger) {
	r.emitter.Publish(events.GraphExecutionComplete{
		Ref:       eventRef(item),
		Timestamp: time.Now().UTC(),
	})

	if r.profiler != nil && r.profiler.Running() {
		profilePath, err := r.profiler.Stop()
		if err != nil {
			logger.Warn("failed to stop session profile", log.Error(err))
		} else if err := r.stats.DumpStats(item.SessionID, profilePath+".json"); err != nil && !errors.Is(err, stats.ErrStatsNotFound) {
			logger.Warn("failed to dump session statistics", log.Error(err))
		}
	}

	// A session that never ran a node (zero-node graph, immediate
	// cancellation) has no stats; that is expected.
	if err := r.stats.LogStats(item.SessionID); err != nil && !errors.Is(err, stats.ErrStatsNotFound) {
		logger.Warn("failed to log session statistics", log.Error(err))
	}
	r.stats.ResetStats(item.SessionID)
}

// notifyBefore invokes observers in priority order, containing panics.
func (r *Default) notifyBefore(observers []Observer, inv graph.Invocation, item *queue.Item, logger *slog.Logger) {
	for _, obs := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("observer panic in before-run hook", slog.Any("panic", rec))
				}
			}()
			obs.OnBeforeRunNode(inv, item)
		}()
	}
}

// notifyAfter invokes observers in priority order, containing panics.
func (r *Default) notifyAfter(observers []Observer, inv graph.Invocation, item *queue.Item, logger *slog.Logger) {
	for _, obs := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("observer panic in after-run hook", slog.Any("panic", rec))
				}
			}()
			obs.OnAfterRunNode(inv, item)
		}()
	}
}

// eventRef builds the identity block shared by a session's events.
func eventRef(item *queue.Item) events.Ref {
	return events.Ref{
		ItemID:    item.ItemID,
		BatchID:   item.BatchID,
		QueueID:   item.QueueID,
		SessionID: item.SessionID,
	}
}
