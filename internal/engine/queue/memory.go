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

package queue

import (
	"sync"

	"github.com/pixelforge/kiln/internal/engine/graph"
)

// MemoryQueue is an in-memory FIFO queue. Suitable for tests and embedded
// use; state does not survive a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []*Item
	items   map[string]*Item
	closed  bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]*Item)}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.Status = StatusPending
	q.pending = append(q.pending, item)
	q.items[item.ItemID] = item
	return nil
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue() (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, nil
	}
	item := q.pending[0]
	q.pending = q.pending[1:]
	item.Status = StatusInProgress
	return item, nil
}

// CancelItem implements Queue.
func (q *MemoryQueue) CancelItem(itemID, errText string) error {
	return q.SetStatus(itemID, StatusCanceled, errText)
}

// SetStatus implements Queue.
func (q *MemoryQueue) SetStatus(itemID, status, errText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	item.Status = status
	item.Error = errText
	q.removePendingLocked(itemID)
	return nil
}

// PersistState implements Queue. The memory queue holds the live state
// already, so there is nothing to write.
func (q *MemoryQueue) PersistState(itemID string, _ graph.Snapshot) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[itemID]; !ok {
		return ErrItemNotFound
	}
	return nil
}

// Get implements Queue.
func (q *MemoryQueue) Get(itemID string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	return item, nil
}

// Len implements Queue.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
	return nil
}

// removePendingLocked drops an item from the pending list if still queued.
func (q *MemoryQueue) removePendingLocked(itemID string) {
	for i, it := range q.pending {
		if it.ItemID == itemID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}
