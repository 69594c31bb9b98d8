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

// Package processor runs the session dispatch loop: it polls the queue,
// respects pause and stop signals, hands dequeued sessions to workers, and
// keeps running across per-session failures. Only a failure escaping the
// dispatch loop itself ends the processor.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pixelforge/kiln/internal/engine/device"
	"github.com/pixelforge/kiln/internal/engine/events"
	"github.com/pixelforge/kiln/internal/engine/graph"
	"github.com/pixelforge/kiln/internal/engine/queue"
	"github.com/pixelforge/kiln/internal/engine/runner"
	"github.com/pixelforge/kiln/internal/engine/signal"
	"github.com/pixelforge/kiln/internal/log"
	"github.com/pixelforge/kiln/internal/metrics"
)

// ErrAlreadyStarted is returned by Start on a running processor.
var ErrAlreadyStarted = errors.New("processor already started")

// Status is the processor's externally visible state.
type Status struct {
	IsStarted    bool `json:"is_started"`
	IsProcessing bool `json:"is_processing"`
}

// Config wires the processor's collaborators.
type Config struct {
	// Logger for processor output. Required.
	Logger *slog.Logger

	// Queue supplies the sessions to process. Required.
	Queue queue.Queue

	// Emitter receives queue item status events. Required.
	Emitter events.Emitter

	// Bus, when set, is subscribed for inbound notifications (cancellations,
	// enqueues) that steer the dispatch loop. Optional.
	Bus *events.Bus

	// Runner executes one session. Required.
	Runner runner.SessionRunner

	// Signals is the coordination set shared with the runner. Required.
	Signals *signal.Signals

	// Devices gates access to execution resources. Defaults to a single
	// device.
	Devices *device.Pool

	// Metrics records session counts and queue depth. Optional.
	Metrics *metrics.Collector

	// PollingInterval is how long an empty-queue poll waits before retrying.
	// Defaults to one second.
	PollingInterval time.Duration

	// WorkerCount is how many sessions may execute concurrently. Defaults
	// to 1 (fully serial).
	WorkerCount int

	// MaxLoops bounds how many dispatch loops may be active at once.
	// Defaults to 1.
	MaxLoops int
}

// Processor owns the dispatch loop and its workers.
type Processor struct {
	logger   *slog.Logger
	queue    queue.Queue
	emitter  events.Emitter
	bus      *events.Bus
	runner   runner.SessionRunner
	signals  *signal.Signals
	devices  *device.Pool
	metrics  *metrics.Collector
	interval time.Duration
	workers  int

	sem  chan struct{}
	work chan *queue.Item

	mu          sync.Mutex
	started     bool
	inFlight    map[string]*queue.Item
	unsubscribe func()

	wg sync.WaitGroup
}

// New creates a processor. Start must be called before it does anything.
func New(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	devices := cfg.Devices
	if devices == nil {
		devices = device.NewPool()
	}
	interval := cfg.PollingInterval
	if interval <= 0 {
		interval = time.Second
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	maxLoops := cfg.MaxLoops
	if maxLoops <= 0 {
		maxLoops = 1
	}
	return &Processor{
		logger:   log.WithComponent(logger, "session_processor"),
		queue:    cfg.Queue,
		emitter:  cfg.Emitter,
		bus:      cfg.Bus,
		runner:   cfg.Runner,
		signals:  cfg.Signals,
		devices:  devices,
		metrics:  cfg.Metrics,
		interval: interval,
		workers:  workers,
		sem:      make(chan struct{}, maxLoops),
		inFlight: make(map[string]*queue.Item),
	}
}

// Start launches the dispatch loop, its workers, and the event bridge.
func (p *Processor) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.work = make(chan *queue.Item)
	if p.bus != nil {
		ch, cancel := p.bus.Subscribe()
		p.unsubscribe = cancel
		p.wg.Add(1)
		go p.runBridge(ch)
	}
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.wg.Add(1)
	go p.dispatch()

	p.logger.Info("processor started",
		slog.Int("workers", p.workers),
		slog.Duration("polling_interval", p.interval),
	)
	return nil
}

// Stop asks the dispatch loop to exit at the top of its next iteration. It
// does not interrupt a paused processor's resume wait: call Resume before
// Stop if paused. Non-blocking; use Wait to block until shutdown finishes.
func (p *Processor) Stop() {
	p.signals.Stop.Set()
	p.signals.PollNow.Set()
}

// Wait blocks until the dispatch loop, workers, and bridge have exited.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Pause clears the resume signal: the dispatch loop blocks before its next
// dequeue. Idempotent; a session already in flight runs to completion.
func (p *Processor) Pause() {
	p.signals.Resume.Clear()
	p.logger.Info("processor paused")
}

// Resume sets the resume signal, unblocking a paused dispatch loop.
// Idempotent.
func (p *Processor) Resume() {
	p.signals.Resume.Set()
	p.logger.Info("processor resumed")
}

// PollNow wakes a dispatch loop waiting out the empty-queue interval.
func (p *Processor) PollNow() {
	p.signals.PollNow.Set()
}

// GetStatus reports the processor's externally visible state. IsStarted is
// the resume flag: a paused processor reports not started even though its
// dispatch loop is alive.
func (p *Processor) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		IsStarted:    p.signals.Resume.IsSet(),
		IsProcessing: len(p.inFlight) > 0,
	}
}

// dispatch is the control goroutine: acquire the loop slot, arm the signals,
// poll until stopped, then drain.
func (p *Processor) dispatch() {
	defer p.wg.Done()

	// Blocking, not cancelable: another active loop must finish first.
	p.sem <- struct{}{}

	p.signals.Stop.Clear()
	p.signals.Cancel.Clear()
	p.signals.Resume.Set()

	defer p.drain()
	defer func() {
		// A panic escaping the loop itself is fatal: log it and fall through
		// to drain without re-entering. External supervision restarts us.
		if rec := recover(); rec != nil {
			p.logger.Error("fatal processor error",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	for !p.signals.Stop.IsSet() {
		if err := p.pollOnce(); err != nil {
			// Non-fatal: the processor survives a bad iteration.
			p.logger.Error("non-fatal processor error", log.Error(err))
			p.signals.PollNow.WaitTimeout(p.interval)
		}
	}
}

// pollOnce runs one dispatch iteration: wait for resume, attempt a dequeue,
// and either hand the item to a worker or wait out the polling interval.
func (p *Processor) pollOnce() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in dispatch iteration: %v\n%s", rec, debug.Stack())
		}
	}()

	p.signals.PollNow.Clear()

	// Pause point. Stop does not interrupt this wait.
	p.signals.Resume.Wait()
	if p.signals.Stop.IsSet() {
		return nil
	}

	item, err := p.queue.Dequeue()
	if err != nil {
		return fmt.Errorf("failed to dequeue session: %w", err)
	}
	if p.metrics != nil {
		p.metrics.SetQueueDepth(p.queue.Len())
	}
	if item == nil {
		p.signals.PollNow.WaitTimeout(p.interval)
		return nil
	}

	// A fresh session must not inherit the previous session's cancellation.
	p.signals.Cancel.Clear()

	// In flight from handoff: the item must be visible to status queries and
	// bridge identity filtering even while it waits for a free worker.
	p.trackInFlight(item)
	p.work <- item
	return nil
}

// runWorker executes sessions handed off by the dispatch loop until the work
// channel closes.
func (p *Processor) runWorker(id int) {
	defer p.wg.Done()
	logger := p.logger.With(slog.Int("worker", id))
	for item := range p.work {
		p.processItem(item, logger)
	}
}

// processItem runs one session end to end: reserve a device, run the graph,
// persist the final state, and report the terminal status. A panic anywhere
// in here cancels the item and leaves the worker alive.
func (p *Processor) processItem(item *queue.Item, logger *slog.Logger) {
	logger = log.WithSessionContext(logger, item.ItemID, item.SessionID)
	defer p.untrackInFlight(item.ItemID)

	defer func() {
		if rec := recover(); rec != nil {
			trace := fmt.Sprintf("panic while processing session: %v\n%s", rec, debug.Stack())
			logger.Error("session processing panicked", slog.Any("panic", rec))
			if err := p.queue.CancelItem(item.ItemID, trace); err != nil {
				logger.Error("failed to cancel panicked session", log.Error(err))
			}
			p.publishStatus(item, queue.StatusCanceled, trace)
		}
	}()

	token := p.devices.Reserve()
	defer token.Release()
	logger.Debug("processing session", slog.String("device", token.Name()))

	start := time.Now()
	p.runner.Run(context.Background(), item)

	if err := p.queue.PersistState(item.ItemID, item.State.Snapshot()); err != nil {
		logger.Warn("failed to persist session state", log.Error(err))
	}

	status, errText := terminalStatus(item, p.signals.Cancel.IsSet())
	if err := p.queue.SetStatus(item.ItemID, status, errText); err != nil {
		logger.Error("failed to set session status", log.Error(err))
	}
	p.publishStatus(item, status, errText)
	if p.metrics != nil {
		p.metrics.RecordSessionComplete(context.Background(), status, time.Since(start))
	}
	logger.Info("session finished",
		slog.String("status", status),
		slog.Duration("duration", time.Since(start)),
	)
}

// drain restores the signal set, forgets in-flight bookkeeping, and releases
// the loop slot. Runs on every dispatch exit path, fatal errors included.
func (p *Processor) drain() {
	p.signals.Stop.Clear()
	p.signals.PollNow.Clear()

	// Capture this generation's channel before releasing the lock: a new
	// Start may reassign p.work the moment started flips false.
	p.mu.Lock()
	p.inFlight = make(map[string]*queue.Item)
	p.started = false
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	work := p.work
	p.mu.Unlock()

	close(work)
	if unsubscribe != nil {
		unsubscribe()
	}
	<-p.sem
	p.logger.Info("processor stopped")
}

// publishStatus emits the terminal status transition for an item.
func (p *Processor) publishStatus(item *queue.Item, status, errText string) {
	p.emitter.Publish(events.QueueItemStatusChanged{
		Ref: events.Ref{
			ItemID:    item.ItemID,
			BatchID:   item.BatchID,
			QueueID:   item.QueueID,
			SessionID: item.SessionID,
		},
		Status:    status,
		Error:     errText,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Processor) trackInFlight(item *queue.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight[item.ItemID] = item
}

func (p *Processor) untrackInFlight(itemID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, itemID)
}

// terminalStatus derives an item's final status from its graph state and the
// shared cancel flag: cancellation wins, then any recorded node error.
func terminalStatus(item *queue.Item, canceled bool) (string, string) {
	if canceled {
		return queue.StatusCanceled, ""
	}
	for _, node := range item.State.Snapshot().Nodes {
		if node.Status == graph.NodeStatusFailed {
			return queue.StatusFailed, node.Error
		}
	}
	return queue.StatusCompleted, ""
}
