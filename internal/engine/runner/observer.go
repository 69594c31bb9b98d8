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
	"fmt"
	"sort"
	"sync"

	"github.com/pixelforge/kiln/internal/engine/graph"
	"github.com/pixelforge/kiln/internal/engine/queue"
)

// Observer is notified around each node execution. Observers stack: any
// number may register, invoked in priority order (higher first, ties broken
// by registration order). Observer panics are contained by the runner.
type Observer interface {
	// OnBeforeRunNode runs before the node's started event is emitted.
	OnBeforeRunNode(inv graph.Invocation, item *queue.Item)

	// OnAfterRunNode runs after the node finished, whatever the outcome.
	OnAfterRunNode(inv graph.Invocation, item *queue.Item)
}

// ExecuteFunc executes one invocation. The default executes the node's own
// body; a registered override replaces it.
type ExecuteFunc func(ictx *graph.InvocationContext, inv graph.Invocation) (graph.Output, error)

// defaultExecute runs the node's own computation body.
func defaultExecute(ictx *graph.InvocationContext, inv graph.Invocation) (graph.Output, error) {
	return inv.Invoke(ictx)
}

// observerSet holds the runner's extension points: a stacking observer list
// and a single non-stacking execute override.
type observerSet struct {
	mu sync.Mutex

	observers []observerRegistration
	seq       int

	overrideName string
	override     ExecuteFunc
}

type observerRegistration struct {
	obs      Observer
	priority int
	seq      int
}

// Register adds a stacking observer with the given priority.
func (s *observerSet) Register(obs Observer, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observers = append(s.observers, observerRegistration{obs: obs, priority: priority, seq: s.seq})
	s.seq++
	sort.SliceStable(s.observers, func(i, j int) bool {
		if s.observers[i].priority != s.observers[j].priority {
			return s.observers[i].priority > s.observers[j].priority
		}
		return s.observers[i].seq < s.observers[j].seq
	})
}

// SetOverride claims the non-stacking execute override point. A second
// claim fails fast.
func (s *observerSet) SetOverride(name string, fn ExecuteFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.override != nil {
		return fmt.Errorf("execute override already claimed by %q, cannot register %q", s.overrideName, name)
	}
	s.overrideName = name
	s.override = fn
	return nil
}

// execute returns the effective execute func.
func (s *observerSet) execute() ExecuteFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.override != nil {
		return s.override
	}
	return defaultExecute
}

// snapshot returns the observers in invocation order.
func (s *observerSet) snapshot() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Observer, len(s.observers))
	for i, reg := range s.observers {
		out[i] = reg.obs
	}
	return out
}
