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

package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopNode(id string) Invocation {
	return NewFuncInvocation(id, "noop", func(*InvocationContext) (Output, error) {
		return Output{"id": id}, nil
	})
}

func TestLinearState_NextInOrder(t *testing.T) {
	st, err := LinearState("s1", noopNode("a"), noopNode("b"), noopNode("c"))
	require.NoError(t, err)

	for _, want := range []string{"a", "b", "c"} {
		inv, err := st.Next(false)
		require.NoError(t, err)
		require.NotNil(t, inv)
		assert.Equal(t, want, inv.ID())
		require.NoError(t, st.Complete(inv.ID(), Output{}))
	}

	assert.True(t, st.IsComplete())
	inv, err := st.Next(false)
	require.NoError(t, err)
	assert.Nil(t, inv, "complete graph should have no next node")
}

func TestState_DiamondDependencies(t *testing.T) {
	// a -> b, a -> c, b -> d, c -> d
	st, err := NewState("s1",
		[]Invocation{noopNode("a"), noopNode("b"), noopNode("c"), noopNode("d")},
		[]Edge{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}},
		nil,
	)
	require.NoError(t, err)

	inv, err := st.Next(false)
	require.NoError(t, err)
	assert.Equal(t, "a", inv.ID())
	require.NoError(t, st.Complete("a", nil))

	// b and c are both ready; insertion order decides.
	inv, err = st.Next(false)
	require.NoError(t, err)
	assert.Equal(t, "b", inv.ID())
	require.NoError(t, st.Complete("b", nil))

	inv, err = st.Next(false)
	require.NoError(t, err)
	assert.Equal(t, "c", inv.ID())

	// d is blocked until c completes.
	require.NoError(t, st.Complete("c", nil))
	inv, err = st.Next(false)
	require.NoError(t, err)
	assert.Equal(t, "d", inv.ID())
}

func TestState_CancelRequestedReturnsNil(t *testing.T) {
	st, err := LinearState("s1", noopNode("a"))
	require.NoError(t, err)

	inv, err := st.Next(true)
	require.NoError(t, err)
	assert.Nil(t, inv)
	assert.False(t, st.IsComplete())
}

func TestState_NodeErrorEndsSession(t *testing.T) {
	st, err := LinearState("s1", noopNode("a"), noopNode("b"), noopNode("c"))
	require.NoError(t, err)

	require.NoError(t, st.Complete("a", nil))
	st.SetNodeError("b", "boom")

	assert.True(t, st.IsComplete(), "a node error ends the graph")

	inv, err := st.Next(false)
	require.NoError(t, err)
	assert.Nil(t, inv)

	msg, ok := st.NodeError("b")
	require.True(t, ok)
	assert.Equal(t, "boom", msg)
}

func TestState_CycleIsStructuralError(t *testing.T) {
	st, err := NewState("s1",
		[]Invocation{noopNode("a"), noopNode("b")},
		[]Edge{{"a", "b"}, {"b", "a"}},
		nil,
	)
	require.NoError(t, err)

	_, err = st.Next(false)
	var structural *StructuralError
	require.True(t, errors.As(err, &structural), "expected StructuralError, got %v", err)
	assert.Equal(t, "s1", structural.SessionID)
}

func TestNewState_RejectsDanglingEdgesAndDuplicates(t *testing.T) {
	_, err := NewState("s1", []Invocation{noopNode("a")}, []Edge{{"a", "ghost"}}, nil)
	assert.Error(t, err)

	_, err = NewState("s1", []Invocation{noopNode("a"), noopNode("a")}, nil, nil)
	assert.Error(t, err)
}

func TestState_SourceNodeIDMapping(t *testing.T) {
	st, err := NewState("s1",
		[]Invocation{noopNode("a-prepared-0")},
		nil,
		map[string]string{"a-prepared-0": "a"},
	)
	require.NoError(t, err)

	assert.Equal(t, "a", st.SourceNodeID("a-prepared-0"))
	// Unmapped ids fall back to themselves.
	assert.Equal(t, "other", st.SourceNodeID("other"))
}

func TestState_Snapshot(t *testing.T) {
	st, err := LinearState("s1", noopNode("a"), noopNode("b"))
	require.NoError(t, err)

	require.NoError(t, st.Complete("a", Output{"v": 1}))
	st.SetNodeError("b", "bad")

	snap := st.Snapshot()
	assert.Equal(t, "s1", snap.SessionID)
	assert.True(t, snap.Complete)
	require.Len(t, snap.Nodes, 2)
	assert.Equal(t, NodeStatusCompleted, snap.Nodes[0].Status)
	assert.Equal(t, NodeStatusFailed, snap.Nodes[1].Status)
	assert.Equal(t, "bad", snap.Nodes[1].Error)
}
