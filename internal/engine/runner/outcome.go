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
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/pixelforge/kiln/internal/engine/graph"
)

// OutcomeKind classifies how one invocation ended. The runner switches on
// this variant; sentinel errors never travel past the invoke wrapper.
type OutcomeKind int

const (
	// OutcomeCompleted: the node produced an output.
	OutcomeCompleted OutcomeKind = iota

	// OutcomeFailed: the node failed; Err, ErrorType and Trace are set.
	OutcomeFailed

	// OutcomeCanceled: the node observed cancellation and aborted early.
	// Expected, not an error: nothing is recorded or emitted.
	OutcomeCanceled

	// OutcomeInterrupted: a process-level interrupt reached the node. The
	// node is abandoned silently; no event exists for this path.
	OutcomeInterrupted
)

// String returns the outcome's metric label.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Outcome is the result variant of one invocation execution.
type Outcome struct {
	Kind      OutcomeKind
	Output    graph.Output
	Err       error
	ErrorType string
	Trace     string
}

// invoke executes a node body and folds its result, sentinel errors, and
// panics into an Outcome.
func invoke(ictx *graph.InvocationContext, inv graph.Invocation, execute ExecuteFunc) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic in invocation %s: %v", inv.ID(), rec)
			out = Outcome{
				Kind:      OutcomeFailed,
				Err:       err,
				ErrorType: "panic",
				Trace:     fmt.Sprintf("%v\n%s", err, debug.Stack()),
			}
		}
	}()

	output, err := execute(ictx, inv)
	switch {
	case err == nil:
		return Outcome{Kind: OutcomeCompleted, Output: output}
	case errors.Is(err, graph.ErrCanceled), errors.Is(err, context.Canceled):
		return Outcome{Kind: OutcomeCanceled, Err: err}
	case errors.Is(err, graph.ErrInterrupted):
		return Outcome{Kind: OutcomeInterrupted, Err: err}
	default:
		return Outcome{
			Kind:      OutcomeFailed,
			Err:       err,
			ErrorType: errorTypeName(err),
			Trace:     err.Error(),
		}
	}
}

// errorTypeName returns the concrete type name of an error for event
// payloads, without the pointer sigil.
func errorTypeName(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
