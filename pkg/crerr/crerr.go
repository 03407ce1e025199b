// Copyright 2019 Intel Corporation. All Rights Reserved.
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

// Package crerr defines the error kinds every engine package returns
// through, so callers can distinguish a reported NO_FIT from a genuine
// STATE_INVARIANT bug with errors.As instead of string matching.
package crerr

import "fmt"

// Kind classifies an engine error.
type Kind int

const (
	// InvalidInput marks a missing JRR field or a non-conformant bitmap.
	InvalidInput Kind = iota
	// NotFound marks a job absent from the partition it was expected in.
	NotFound
	// Underflow marks a memory or node_state counter that would have gone
	// negative; the operation still completes, clamped to zero.
	Underflow
	// NoFit marks a placement or reservation that cannot be satisfied.
	// Not a bug: the caller is expected to retry later or pick another
	// candidate set.
	NoFit
	// StateInvariant marks a JRR or row lacking a field an operation
	// requires; indicates a controller bug upstream of the engine.
	StateInvariant
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "INVALID_INPUT"
	case NotFound:
		return "NOT_FOUND"
	case Underflow:
		return "UNDERFLOW"
	case NoFit:
		return "NO_FIT"
	case StateInvariant:
		return "STATE_INVARIANT"
	default:
		return "UNKNOWN"
	}
}

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New builds an *Error for op with the given kind and formatted message.
func New(op string, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a *Error of the given kind, so callers can do
// crerr.Is(err, crerr.NoFit) instead of a type switch.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
