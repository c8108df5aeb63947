// Copyright 2026 The gVisor Authors.
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

package cpu

import (
	"errors"
	"fmt"

	"gvisor.dev/x86core/pkg/intercept"
)

// Outcome is the result of emulating one instruction. It is one of
// Completed, Faulted, Deferred or Aborted; callers must switch over the
// concrete type, and a Deferred outcome must be re-driven by the outer
// layer, never treated as success.
type Outcome interface {
	fmt.Stringer
	isOutcome()
}

// Completed means the instruction finished and its effects are committed.
type Completed struct {
	// Advance is the number of bytes RIP moved past the instruction, or
	// zero for control transfers which load RIP directly.
	Advance uint8
}

// Faulted means the instruction raised a guest exception. No state other
// than that defined for the fault's delivery was changed.
type Faulted struct {
	Fault *Fault
}

// Deferred means the outer hypervisor intercepted the instruction before
// any guest-visible change. Exit describes the intercept.
type Deferred struct {
	Exit intercept.Exit
}

// Aborted means a collaborator failed for a host-side reason. The
// instruction had no effect. errors.Is(Err, ErrRetry) means it may simply
// be executed again.
type Aborted struct {
	Err error
}

func (Completed) isOutcome() {}
func (Faulted) isOutcome()   {}
func (Deferred) isOutcome()  {}
func (Aborted) isOutcome()   {}

// String implements fmt.Stringer.
func (o Completed) String() string { return fmt.Sprintf("completed(+%d)", o.Advance) }

// String implements fmt.Stringer.
func (o Faulted) String() string { return "fault " + o.Fault.Error() }

// String implements fmt.Stringer.
func (o Deferred) String() string { return "deferred " + o.Exit.String() }

// String implements fmt.Stringer.
func (o Aborted) String() string { return "aborted: " + o.Err.Error() }

// Retryable reports whether o is an Aborted outcome for a transient
// memory condition.
func Retryable(o Outcome) bool {
	a, ok := o.(Aborted)
	return ok && errors.Is(a.Err, ErrRetry)
}

// OutcomeOf converts an error from an instruction body into an Outcome.
// A nil error is Completed with no advance.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Completed{}
	}
	if f, ok := AsFault(err); ok {
		return Faulted{Fault: f}
	}
	var d *DeferredError
	if errors.As(err, &d) {
		return Deferred{Exit: d.Exit}
	}
	return Aborted{Err: err}
}

// DeferredError carries an intercept through error returns inside an
// instruction body.
type DeferredError struct {
	Exit intercept.Exit
}

// Error implements error.Error.
func (e *DeferredError) Error() string {
	return "intercepted: " + e.Exit.String()
}
