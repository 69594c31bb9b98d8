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

// Package graph defines the execution-graph contracts consumed by the
// session runner: invocations (nodes), the per-session execution state that
// hands out ready nodes and records results, and the sentinel errors that
// separate cooperative cancellation from real failures.
package graph

import (
	"context"
	"errors"
	"log/slog"
)

// Output is the serialized result of one invocation.
type Output map[string]any

// Sentinel errors returned by invocation bodies. The runner classifies on
// these; anything else is a node failure.
var (
	// ErrCanceled is returned by a long-running invocation that observed
	// the cancel flag mid-work. Not an error: the session ends cleanly.
	ErrCanceled = errors.New("invocation canceled")

	// ErrInterrupted is returned when a process-level interrupt reaches an
	// invocation. The node is abandoned silently; no event exists for this
	// path.
	ErrInterrupted = errors.New("invocation interrupted")
)

// InvocationContext scopes the collaborators one invocation may touch while
// it executes. A fresh context is built per invocation.
type InvocationContext struct {
	// Ctx is canceled when the processor shuts down.
	Ctx context.Context

	// Logger is pre-scoped with session and node identifiers.
	Logger *slog.Logger

	// Session identity, resolved once by the runner.
	ItemID       string
	BatchID      string
	QueueID      string
	SessionID    string
	SourceNodeID string

	// Canceled reports whether cancellation has been requested. Long-running
	// invocations poll it between steps and return ErrCanceled to abort
	// early; how often to check is the invocation's own decision.
	Canceled func() bool
}

// Invocation is one node in the execution graph: a single computation step.
type Invocation interface {
	// ID returns the prepared (post-expansion) node id.
	ID() string

	// Type returns the node's type name, used in events and stats.
	Type() string

	// Invoke runs the node's computation body.
	Invoke(ictx *InvocationContext) (Output, error)
}

// ExecutionState is one session's mutable graph state. The runner is its
// only writer while the session is in flight; the processor serializes all
// Next calls under a shared lock.
type ExecutionState interface {
	// ID returns the graph execution state id (the session id).
	ID() string

	// Next returns the next ready invocation, or nil when the graph is
	// complete or cancellation was requested. A structural problem (cycle,
	// dangling edge) is returned as an error.
	Next(cancelRequested bool) (Invocation, error)

	// IsComplete reports whether the session is terminal: every node ran,
	// or a node error ended the graph.
	IsComplete() bool

	// Complete records a node's output.
	Complete(nodeID string, output Output) error

	// SetNodeError records an error against a node.
	SetNodeError(nodeID string, message string)

	// SourceNodeID maps a prepared node id back to the authoring-time node
	// id exposed to observers.
	SourceNodeID(preparedID string) string

	// Snapshot returns a serializable view of the graph state for
	// persistence.
	Snapshot() Snapshot
}

// FuncInvocation adapts a plain function into an Invocation. Real node
// bodies (model inference, image ops) live behind this contract.
type FuncInvocation struct {
	NodeID   string
	NodeType string
	Fn       func(ictx *InvocationContext) (Output, error)
}

// NewFuncInvocation builds an invocation from a function.
func NewFuncInvocation(id, nodeType string, fn func(ictx *InvocationContext) (Output, error)) *FuncInvocation {
	return &FuncInvocation{NodeID: id, NodeType: nodeType, Fn: fn}
}

// ID implements Invocation.
func (f *FuncInvocation) ID() string { return f.NodeID }

// Type implements Invocation.
func (f *FuncInvocation) Type() string { return f.NodeType }

// Invoke implements Invocation.
func (f *FuncInvocation) Invoke(ictx *InvocationContext) (Output, error) {
	if f.Fn == nil {
		return Output{}, nil
	}
	return f.Fn(ictx)
}
