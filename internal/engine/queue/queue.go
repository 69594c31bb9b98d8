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

// Package queue provides the session queue consumed by the processor: items
// wrapping execution graphs, dequeued one at a time and updated in place as
// they run.
package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pixelforge/kiln/internal/engine/graph"
)

// Queue item statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// ErrItemNotFound is returned when an item id is unknown to the queue.
var ErrItemNotFound = errors.New("queue item not found")

// Item is one enqueued unit of work: a session wrapping an execution graph.
// The graph state is mutated in place by the runner while the item is in
// flight; ownership returns to the queue on completion or failure.
type Item struct {
	ItemID    string
	BatchID   string
	QueueID   string
	SessionID string
	Status    string
	Error     string
	CreatedAt time.Time

	// State is the session's execution graph. Exclusively owned by the
	// worker processing the item while in flight.
	State graph.ExecutionState
}

// NewItem wraps an execution state into a pending queue item.
func NewItem(queueID, batchID string, state graph.ExecutionState) *Item {
	return &Item{
		ItemID:    uuid.NewString(),
		BatchID:   batchID,
		QueueID:   queueID,
		SessionID: state.ID(),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		State:     state,
	}
}

// Queue is the storage backend contract consumed by the processor. Dequeue
// is non-blocking: the processor owns the polling cadence.
type Queue interface {
	// Enqueue adds a pending item.
	Enqueue(item *Item) error

	// Dequeue removes and returns the oldest pending item, marking it
	// in-progress. Returns nil when the queue is empty.
	Dequeue() (*Item, error)

	// CancelItem marks an item canceled with the given error text and
	// persists its (possibly partial) graph state.
	CancelItem(itemID, errText string) error

	// SetStatus transitions an item's status.
	SetStatus(itemID, status, errText string) error

	// PersistState writes the item's graph state snapshot back to storage.
	PersistState(itemID string, snap graph.Snapshot) error

	// Get returns an item by id.
	Get(itemID string) (*Item, error)

	// Len returns the number of pending items.
	Len() int

	// Close releases queue resources.
	Close() error
}
