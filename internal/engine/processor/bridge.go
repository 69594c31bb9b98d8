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

package processor

import (
	"log/slog"

	"github.com/pixelforge/kiln/internal/engine/events"
)

// runBridge consumes bus events until the subscription channel closes,
// translating notifications into signal changes on the dispatch loop.
func (p *Processor) runBridge(ch <-chan events.Event) {
	defer p.wg.Done()
	for ev := range ch {
		p.handleEvent(ev)
	}
}

// handleEvent routes one inbound event. Cancellation-style events act only
// when their identity matches a session currently in flight; enqueue and
// terminal-status events just wake the polling wait.
func (p *Processor) handleEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.SessionCanceled:
		if !p.isInFlightItem(e.ItemID) {
			return
		}
		p.logger.Info("canceling in-flight session", slog.String("item_id", e.ItemID))
		p.signals.Cancel.Set()
		p.signals.PollNow.Set()

	case events.QueueCleared:
		if !p.isInFlightQueue(e.QueueID) {
			return
		}
		p.logger.Info("queue cleared, canceling in-flight session", slog.String("queue_id", e.QueueID))
		p.signals.Cancel.Set()
		p.signals.PollNow.Set()

	case events.BatchEnqueued:
		p.signals.PollNow.Set()

	case events.QueueItemStatusChanged:
		if events.IsTerminalStatus(e.Status) {
			p.signals.PollNow.Set()
		}
	}
}

// isInFlightItem reports whether the named item is currently being processed.
func (p *Processor) isInFlightItem(itemID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[itemID]
	return ok
}

// isInFlightQueue reports whether any in-flight item belongs to the named
// queue.
func (p *Processor) isInFlightQueue(queueID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range p.inFlight {
		if item.QueueID == queueID {
			return true
		}
	}
	return false
}
