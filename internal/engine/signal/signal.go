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

// Package signal provides the coordination flags shared between the session
// processor's dispatch goroutine, its workers, and external callers.
package signal

import (
	"sync"
	"time"
)

// Flag is a clearable broadcast flag, analogous to a manually-reset event.
// Set and Clear are idempotent; any number of goroutines may block in Wait
// or WaitTimeout and all of them are released when the flag is set.
type Flag struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while the flag is set
}

// NewFlag returns a cleared flag.
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Set raises the flag, waking all waiters. Setting an already-set flag is a
// no-op.
func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return
	}
	f.set = true
	close(f.ch)
}

// Clear lowers the flag. Clearing an already-cleared flag is a no-op.
func (f *Flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return
	}
	f.set = false
	f.ch = make(chan struct{})
}

// IsSet reports whether the flag is currently raised.
func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Wait blocks until the flag is set. Returns immediately if already set.
func (f *Flag) Wait() {
	<-f.waitChan()
}

// WaitTimeout blocks until the flag is set or the timeout elapses. It
// reports whether the flag was set.
func (f *Flag) WaitTimeout(d time.Duration) bool {
	select {
	case <-f.waitChan():
		return true
	case <-time.After(d):
		return f.IsSet()
	}
}

// waitChan returns a channel that is closed while the flag is set.
func (f *Flag) waitChan() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return f.ch
}

// Signals is the full coordination set for one processor instance. It is
// passed explicitly into the dispatch loop and the session runner; nothing
// reads these flags ambiently.
type Signals struct {
	// Stop asks the dispatch loop to exit at the top of its next iteration.
	Stop *Flag

	// Resume gates dequeuing. While cleared the dispatch loop blocks before
	// attempting a dequeue (pause semantics).
	Resume *Flag

	// Cancel asks the runner to stop advancing to new nodes. Long-running
	// invocations may poll it to abort mid-work.
	Cancel *Flag

	// PollNow wakes the dispatch loop immediately instead of waiting out
	// the polling interval.
	PollNow *Flag
}

// New returns a signal set with all flags cleared.
func New() *Signals {
	return &Signals{
		Stop:    NewFlag(),
		Resume:  NewFlag(),
		Cancel:  NewFlag(),
		PollNow: NewFlag(),
	}
}
