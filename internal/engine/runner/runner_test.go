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

package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/kiln/internal/engine/events"
	"github.com/pixelforge/kiln/internal/engine/graph"
	"github.com/pixelforge/kiln/internal/engine/queue"
	"github.com/pixelforge/kiln/internal/engine/signal"
	"github.com/pixelforge/kiln/internal/engine/stats"
)

// recordingEmitter captures published events in order.
type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func (r *recordingEmitter) at(i int) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i]
}

type testEnv struct {
	runner  *Default
	emitter *recordingEmitter
	cancel  *signal.Flag
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	emitter := &recordingEmitter{}
	cancel := signal.NewFlag()
	r := New(Config{
		Emitter: emitter,
		Stats:   stats.NewCollector(nil),
		Cancel:  cancel,
		NextMu:  &sync.Mutex{},
	})
	return &testEnv{runner: r, emitter: emitter, cancel: cancel}
}

func itemWithState(t *testing.T, st graph.ExecutionState) *queue.Item {
	t.Helper()
	return queue.NewItem("default", "batch-1", st)
}

func okNode(id string) graph.Invocation {
	return graph.NewFuncInvocation(id, "noop", func(*graph.InvocationContext) (graph.Output, error) {
		return graph.Output{"id": id}, nil
	})
}

func TestRun_LinearGraphEmitsEventsInOrder(t *testing.T) {
	env := newTestEnv(t)

	st, err := graph.LinearState("s1", okNode("a"), okNode("b"), okNode("c"))
	require.NoError(t, err)
	item := itemWithState(t, st)

	env.runner.Run(context.Background(), item)

	assert.Equal(t, []string{
		"invocation_started", "invocation_complete",
		"invocation_started", "invocation_complete",
		"invocation_started", "invocation_complete",
		"graph_execution_complete",
	}, env.emitter.kinds())

	// Node order matches graph order.
	for i, want := range []string{"a", "b", "c"} {
		started, ok := env.emitter.at(i * 2).(events.InvocationStarted)
		require.True(t, ok)
		assert.Equal(t, want, started.NodeID)
	}
	assert.True(t, st.IsComplete())
}

func TestRun_NodeFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t)

	boom := graph.NewFuncInvocation("b", "explode", func(*graph.InvocationContext) (graph.Output, error) {
		return nil, fmt.Errorf("boom")
	})
	st, err := graph.LinearState("s1", okNode("a"), boom, okNode("c"))
	require.NoError(t, err)
	item := itemWithState(t, st)

	env.runner.Run(context.Background(), item)

	assert.Equal(t, []string{
		"invocation_started", "invocation_complete",
		"invocation_started", "invocation_error",
		"graph_execution_complete",
	}, env.emitter.kinds())

	errEv, ok := env.emitter.at(3).(events.InvocationError)
	require.True(t, ok)
	assert.Equal(t, "b", errEv.NodeID)
	assert.Contains(t, errEv.Error, "boom")
	assert.NotEmpty(t, errEv.ErrorType)

	msg, recorded := st.NodeError("b")
	require.True(t, recorded)
	assert.Contains(t, msg, "boom")
	assert.True(t, st.IsComplete(), "session must still reach its completion check")
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func TestRun_ErrorEventCarriesTypeName(t *testing.T) {
	env := newTestEnv(t)

	bad := graph.NewFuncInvocation("b", "validate", func(*graph.InvocationContext) (graph.Output, error) {
		return nil, &validationError{msg: "boom"}
	})
	st, err := graph.LinearState("s1", okNode("a"), bad)
	require.NoError(t, err)

	env.runner.Run(context.Background(), itemWithState(t, st))

	errEv, ok := env.emitter.at(3).(events.InvocationError)
	require.True(t, ok)
	assert.Equal(t, "runner.validationError", errEv.ErrorType)
	assert.Contains(t, errEv.Error, "boom")
}

func TestRun_InternalCancellationIsSilent(t *testing.T) {
	env := newTestEnv(t)

	// A long-running node observes the cancel flag and aborts itself.
	longRunning := graph.NewFuncInvocation("a", "denoise", func(ictx *graph.InvocationContext) (graph.Output, error) {
		env.cancel.Set()
		if ictx.Canceled() {
			return nil, graph.ErrCanceled
		}
		return graph.Output{}, nil
	})
	st, err := graph.LinearState("s1", longRunning, okNode("b"))
	require.NoError(t, err)
	item := itemWithState(t, st)

	env.runner.Run(context.Background(), item)

	assert.Equal(t, []string{
		"invocation_started",
		"graph_execution_complete",
	}, env.emitter.kinds(), "no error event, no complete event for the canceled node")

	_, recorded := st.NodeError("a")
	assert.False(t, recorded, "cancellation must not be recorded as a node error")
}

func TestRun_CancelBetweenNodes(t *testing.T) {
	env := newTestEnv(t)

	first := graph.NewFuncInvocation("a", "noop", func(*graph.InvocationContext) (graph.Output, error) {
		// Cancellation arrives while the first node runs.
		env.cancel.Set()
		return graph.Output{}, nil
	})
	st, err := graph.LinearState("s1", first, okNode("b"))
	require.NoError(t, err)

	env.runner.Run(context.Background(), itemWithState(t, st))

	kinds := env.emitter.kinds()
	assert.Equal(t, []string{
		"invocation_started", "invocation_complete",
		"graph_execution_complete",
	}, kinds, "no started event for the node after cancellation")
}

func TestRun_PanicBecomesNodeFailure(t *testing.T) {
	env := newTestEnv(t)

	panicky := graph.NewFuncInvocation("a", "explode", func(*graph.InvocationContext) (graph.Output, error) {
		panic("kaboom")
	})
	st, err := graph.LinearState("s1", panicky)
	require.NoError(t, err)
	item := itemWithState(t, st)

	env.runner.Run(context.Background(), item)

	assert.Equal(t, []string{
		"invocation_started", "invocation_error",
		"graph_execution_complete",
	}, env.emitter.kinds())

	errEv, ok := env.emitter.at(1).(events.InvocationError)
	require.True(t, ok)
	assert.Equal(t, "panic", errEv.ErrorType)
	assert.Contains(t, errEv.Error, "kaboom")
	assert.Contains(t, errEv.Error, "goroutine", "trace should carry the stack")
}

func TestRun_InterruptAbortsSilently(t *testing.T) {
	env := newTestEnv(t)

	interrupted := graph.NewFuncInvocation("a", "noop", func(*graph.InvocationContext) (graph.Output, error) {
		return nil, graph.ErrInterrupted
	})
	st, err := graph.LinearState("s1", interrupted, okNode("b"))
	require.NoError(t, err)
	item := itemWithState(t, st)

	env.runner.Run(context.Background(), item)

	// No event for the interrupted node, no error recorded; the session is
	// abandoned via the cancel flag.
	assert.Equal(t, []string{
		"invocation_started",
		"graph_execution_complete",
	}, env.emitter.kinds())
	_, recorded := st.NodeError("a")
	assert.False(t, recorded)
	assert.True(t, env.cancel.IsSet())
}

func TestRun_TraversalErrorAttributedToPreviousNode(t *testing.T) {
	env := newTestEnv(t)

	// After "a" completes, the remaining nodes form a cycle: the next
	// traversal fails structurally.
	st, err := graph.NewState("s1",
		[]graph.Invocation{okNode("a"), okNode("b"), okNode("c")},
		[]graph.Edge{{From: "b", To: "c"}, {From: "c", To: "b"}},
		nil,
	)
	require.NoError(t, err)
	item := itemWithState(t, st)

	env.runner.Run(context.Background(), item)

	kinds := env.emitter.kinds()
	require.Equal(t, []string{
		"invocation_started", "invocation_complete",
		"invocation_error",
		"graph_execution_complete",
	}, kinds)

	errEv, ok := env.emitter.at(2).(events.InvocationError)
	require.True(t, ok)
	assert.Equal(t, "a", errEv.NodeID, "traversal failure is attributed to the previously-run node")
	assert.Contains(t, errEv.Error, "malformed")

	msg, recorded := st.NodeError("a")
	require.True(t, recorded)
	assert.Contains(t, msg, "malformed")
}

func TestRun_ZeroNodeSessionCompletesWithoutStats(t *testing.T) {
	env := newTestEnv(t)

	st, err := graph.NewState("s1", nil, nil, nil)
	require.NoError(t, err)

	env.runner.Run(context.Background(), itemWithState(t, st))

	// Missing stats for an empty session are swallowed; only the completion
	// event appears.
	assert.Equal(t, []string{"graph_execution_complete"}, env.emitter.kinds())
}

type orderedObserver struct {
	name   string
	before *[]string
	after  *[]string
	mu     *sync.Mutex
}

func (o *orderedObserver) OnBeforeRunNode(graph.Invocation, *queue.Item) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*o.before = append(*o.before, o.name)
}

func (o *orderedObserver) OnAfterRunNode(graph.Invocation, *queue.Item) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*o.after = append(*o.after, o.name)
}

func TestObservers_PriorityOrdering(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var before, after []string
	env.runner.RegisterObserver(&orderedObserver{name: "low", before: &before, after: &after, mu: &mu}, 1)
	env.runner.RegisterObserver(&orderedObserver{name: "high", before: &before, after: &after, mu: &mu}, 10)
	env.runner.RegisterObserver(&orderedObserver{name: "low2", before: &before, after: &after, mu: &mu}, 1)

	st, err := graph.LinearState("s1", okNode("a"))
	require.NoError(t, err)
	env.runner.Run(context.Background(), itemWithState(t, st))

	// Higher priority first; equal priorities in registration order.
	assert.Equal(t, []string{"high", "low", "low2"}, before)
	assert.Equal(t, []string{"high", "low", "low2"}, after)
}

func TestSetExecuteOverride_DuplicateFailsFast(t *testing.T) {
	env := newTestEnv(t)

	noop := func(ictx *graph.InvocationContext, inv graph.Invocation) (graph.Output, error) {
		return graph.Output{"overridden": true}, nil
	}
	require.NoError(t, env.runner.SetExecuteOverride("first", noop))
	err := env.runner.SetExecuteOverride("second", noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
}

func TestSetExecuteOverride_ReplacesExecution(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.runner.SetExecuteOverride("stub", func(ictx *graph.InvocationContext, inv graph.Invocation) (graph.Output, error) {
		return graph.Output{"stubbed": inv.ID()}, nil
	}))

	// The node body would fail; the override runs instead.
	failing := graph.NewFuncInvocation("a", "noop", func(*graph.InvocationContext) (graph.Output, error) {
		return nil, fmt.Errorf("should not run")
	})
	st, err := graph.LinearState("s1", failing)
	require.NoError(t, err)

	env.runner.Run(context.Background(), itemWithState(t, st))

	complete, ok := env.emitter.at(1).(events.InvocationComplete)
	require.True(t, ok)
	assert.Equal(t, "a", complete.Result["stubbed"])
}

func TestRun_EventsCarrySourceNodeIDs(t *testing.T) {
	env := newTestEnv(t)

	st, err := graph.NewState("s1",
		[]graph.Invocation{okNode("a-0")},
		nil,
		map[string]string{"a-0": "a"},
	)
	require.NoError(t, err)

	env.runner.Run(context.Background(), itemWithState(t, st))

	started, ok := env.emitter.at(0).(events.InvocationStarted)
	require.True(t, ok)
	assert.Equal(t, "a-0", started.NodeID)
	assert.Equal(t, "a", started.SourceNodeID)
}
