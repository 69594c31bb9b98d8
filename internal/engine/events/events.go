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

// Package events defines the closed set of lifecycle events emitted while
// sessions are processed, and an in-process bus for delivering them.
//
// Every event is a distinct struct type so consumers can switch exhaustively
// on the variant instead of comparing event-name strings.
package events

import "time"

// Event is implemented by every event variant.
type Event interface {
	// Kind returns a stable name for the variant, used in logs and metrics.
	Kind() string
}

// Ref identifies the session a lifecycle event belongs to. The same
// identifiers appear on every variant so observers can correlate without
// inspecting the payload.
type Ref struct {
	ItemID    string `json:"item_id"`
	BatchID   string `json:"batch_id"`
	QueueID   string `json:"queue_id"`
	SessionID string `json:"session_id"`
}

// InvocationStarted is emitted immediately before a node executes.
type InvocationStarted struct {
	Ref
	NodeID       string    `json:"node_id"`
	SourceNodeID string    `json:"source_node_id"`
	NodeType     string    `json:"node_type"`
	Timestamp    time.Time `json:"timestamp"`
}

func (InvocationStarted) Kind() string { return "invocation_started" }

// InvocationComplete is emitted after a node executes successfully.
type InvocationComplete struct {
	Ref
	NodeID       string         `json:"node_id"`
	SourceNodeID string         `json:"source_node_id"`
	NodeType     string         `json:"node_type"`
	Result       map[string]any `json:"result,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (InvocationComplete) Kind() string { return "invocation_complete" }

// InvocationError is emitted when a node fails, or when preparing the next
// node fails (in which case the node fields refer to the previously-run
// node, the closest causal context available).
type InvocationError struct {
	Ref
	NodeID       string    `json:"node_id"`
	SourceNodeID string    `json:"source_node_id"`
	NodeType     string    `json:"node_type"`
	ErrorType    string    `json:"error_type"`
	Error        string    `json:"error"`
	Timestamp    time.Time `json:"timestamp"`
}

func (InvocationError) Kind() string { return "invocation_error" }

// GraphExecutionComplete is emitted once per session when its graph reports
// completion. A node error does not suppress it; the graph decides whether a
// failed node ends the session.
type GraphExecutionComplete struct {
	Ref
	Timestamp time.Time `json:"timestamp"`
}

func (GraphExecutionComplete) Kind() string { return "graph_execution_complete" }

// SessionCanceled asks the processor to cancel the named queue item if it is
// currently in flight.
type SessionCanceled struct {
	ItemID    string    `json:"item_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (SessionCanceled) Kind() string { return "session_canceled" }

// QueueCleared announces that every pending item on a queue was removed; an
// in-flight item from that queue should be canceled.
type QueueCleared struct {
	QueueID   string    `json:"queue_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (QueueCleared) Kind() string { return "queue_cleared" }

// BatchEnqueued announces that new work may be available.
type BatchEnqueued struct {
	BatchID   string    `json:"batch_id"`
	QueueID   string    `json:"queue_id"`
	ItemCount int       `json:"item_count"`
	Timestamp time.Time `json:"timestamp"`
}

func (BatchEnqueued) Kind() string { return "batch_enqueued" }

// QueueItemStatusChanged announces a queue item status transition. Terminal
// statuses free processing capacity.
type QueueItemStatusChanged struct {
	Ref
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (QueueItemStatusChanged) Kind() string { return "queue_item_status_changed" }

// Terminal statuses for QueueItemStatusChanged.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// IsTerminalStatus reports whether a queue item status frees capacity.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}
