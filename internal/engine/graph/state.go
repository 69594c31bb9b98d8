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
	"fmt"
	"sync"
)

// Node statuses recorded in snapshots.
const (
	NodeStatusPending   = "pending"
	NodeStatusCompleted = "completed"
	NodeStatusFailed    = "failed"
)

// Edge is a dependency: To may not run until From completed.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// StructuralError reports a malformed graph discovered while selecting the
// next ready node. It is attributed by the runner to the previously-run
// invocation, the closest causal context available.
type StructuralError struct {
	SessionID string
	Reason    string
}

// Error implements the error interface.
func (e *StructuralError) Error() string {
	return fmt.Sprintf("graph %s is malformed: %s", e.SessionID, e.Reason)
}

// NodeSnapshot is the persisted view of one node.
type NodeSnapshot struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Output   Output `json:"output,omitempty"`
}

// Snapshot is the serializable view of an execution state.
type Snapshot struct {
	SessionID string         `json:"session_id"`
	Complete  bool           `json:"complete"`
	Nodes     []NodeSnapshot `json:"nodes"`
	Edges     []Edge         `json:"edges"`
}

// State is an in-memory ExecutionState with topological ready-node
// selection. Nodes become ready once all of their dependencies completed;
// among ready nodes, insertion order decides.
type State struct {
	mu        sync.Mutex
	sessionID string
	order     []string
	nodes     map[string]Invocation
	deps      map[string][]string // node id -> dependency node ids
	edges     []Edge
	sourceIDs map[string]string // prepared id -> source id
	completed map[string]Output
	errors    map[string]string
}

// NewState builds an execution state over the given nodes and edges. The
// source mapping translates prepared node ids to authoring-time ids; nodes
// missing from it map to themselves.
func NewState(sessionID string, nodes []Invocation, edges []Edge, sourceMapping map[string]string) (*State, error) {
	s := &State{
		sessionID: sessionID,
		nodes:     make(map[string]Invocation, len(nodes)),
		deps:      make(map[string][]string),
		edges:     edges,
		sourceIDs: make(map[string]string, len(nodes)),
		completed: make(map[string]Output),
		errors:    make(map[string]string),
	}
	for _, n := range nodes {
		if _, dup := s.nodes[n.ID()]; dup {
			return nil, fmt.Errorf("duplicate node id %q in session %s", n.ID(), sessionID)
		}
		s.nodes[n.ID()] = n
		s.order = append(s.order, n.ID())
		s.sourceIDs[n.ID()] = n.ID()
	}
	for prepared, source := range sourceMapping {
		s.sourceIDs[prepared] = source
	}
	for _, e := range edges {
		if _, ok := s.nodes[e.From]; !ok {
			return nil, fmt.Errorf("edge references unknown node %q in session %s", e.From, sessionID)
		}
		if _, ok := s.nodes[e.To]; !ok {
			return nil, fmt.Errorf("edge references unknown node %q in session %s", e.To, sessionID)
		}
		s.deps[e.To] = append(s.deps[e.To], e.From)
	}
	return s, nil
}

// LinearState builds a state whose nodes run strictly in the given order.
func LinearState(sessionID string, nodes ...Invocation) (*State, error) {
	var edges []Edge
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, Edge{From: nodes[i-1].ID(), To: nodes[i].ID()})
	}
	return NewState(sessionID, nodes, edges, nil)
}

// ID implements ExecutionState.
func (s *State) ID() string { return s.sessionID }

// Next implements ExecutionState.
func (s *State) Next(cancelRequested bool) (Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancelRequested || s.isCompleteLocked() {
		return nil, nil
	}
	for _, id := range s.order {
		if _, done := s.completed[id]; done {
			continue
		}
		if s.readyLocked(id) {
			return s.nodes[id], nil
		}
	}
	// Not complete, yet nothing is ready: the remaining nodes depend on each
	// other in a cycle.
	return nil, &StructuralError{SessionID: s.sessionID, Reason: "no ready node among incomplete nodes (dependency cycle)"}
}

// readyLocked reports whether every dependency of the node completed.
func (s *State) readyLocked(id string) bool {
	for _, dep := range s.deps[id] {
		if _, done := s.completed[dep]; !done {
			return false
		}
	}
	return true
}

// IsComplete implements ExecutionState. A session is complete once every
// node ran, or as soon as any node error was recorded: the graph, not the
// runner, decides that one failed node ends the whole session.
func (s *State) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCompleteLocked()
}

func (s *State) isCompleteLocked() bool {
	if len(s.errors) > 0 {
		return true
	}
	return len(s.completed) == len(s.nodes)
}

// Complete implements ExecutionState.
func (s *State) Complete(nodeID string, output Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return fmt.Errorf("unknown node %q in session %s", nodeID, s.sessionID)
	}
	s.completed[nodeID] = output
	return nil
}

// SetNodeError implements ExecutionState.
func (s *State) SetNodeError(nodeID string, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[nodeID] = message
}

// SourceNodeID implements ExecutionState.
func (s *State) SourceNodeID(preparedID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if source, ok := s.sourceIDs[preparedID]; ok {
		return source
	}
	return preparedID
}

// NodeError returns the error recorded against a node, if any.
func (s *State) NodeError(nodeID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.errors[nodeID]
	return msg, ok
}

// NodeOutput returns the output recorded for a node, if any.
func (s *State) NodeOutput(nodeID string) (Output, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.completed[nodeID]
	return out, ok
}

// Snapshot implements ExecutionState.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionID: s.sessionID,
		Complete:  s.isCompleteLocked(),
		Nodes:     make([]NodeSnapshot, 0, len(s.order)),
		Edges:     s.edges,
	}
	for _, id := range s.order {
		ns := NodeSnapshot{
			ID:       id,
			SourceID: s.sourceIDs[id],
			Type:     s.nodes[id].Type(),
			Status:   NodeStatusPending,
		}
		if out, ok := s.completed[id]; ok {
			ns.Status = NodeStatusCompleted
			ns.Output = out
		}
		if msg, ok := s.errors[id]; ok {
			ns.Status = NodeStatusFailed
			ns.Error = msg
		}
		snap.Nodes = append(snap.Nodes, ns)
	}
	return snap
}
