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

	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/x86"
)

// Fault is a guest-visible exception raised by an instruction.
type Fault struct {
	Vector       x86.Vector
	ErrorCode    uint32
	HasErrorCode bool

	// Address is the faulting linear address of a page fault, which the
	// fault-raising subsystem loads into CR2.
	Address uint64
}

// Error implements error.Error.
func (f *Fault) Error() string {
	switch {
	case f.Vector == x86.PageFault:
		return fmt.Sprintf("%v(%#x) at %#x", f.Vector, f.ErrorCode, f.Address)
	case f.HasErrorCode:
		return fmt.Sprintf("%v(%#x)", f.Vector, f.ErrorCode)
	default:
		return f.Vector.String()
	}
}

// Is matches faults by vector and error code.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Vector == t.Vector && f.HasErrorCode == t.HasErrorCode && f.ErrorCode == t.ErrorCode
}

func withCode(v x86.Vector, code uint32) *Fault {
	return &Fault{Vector: v, ErrorCode: code, HasErrorCode: true}
}

// GP returns #GP with the selector error code for sel; pass 0 for #GP(0).
func GP(sel descriptor.Selector) *Fault {
	return withCode(x86.GeneralProtectionFault, sel.ErrorCode())
}

// GP0 returns #GP(0).
func GP0() *Fault {
	return GP(0)
}

// NP returns #NP(sel).
func NP(sel descriptor.Selector) *Fault {
	return withCode(x86.SegmentNotPresent, sel.ErrorCode())
}

// StackFault returns #SS(sel).
func StackFault(sel descriptor.Selector) *Fault {
	return withCode(x86.StackSegmentFault, sel.ErrorCode())
}

// TS returns #TS(sel).
func TS(sel descriptor.Selector) *Fault {
	return withCode(x86.InvalidTSS, sel.ErrorCode())
}

// UD returns #UD.
func UD() *Fault {
	return &Fault{Vector: x86.InvalidOpcode}
}

// DB returns #DB.
func DB() *Fault {
	return &Fault{Vector: x86.Debug}
}

// PF returns a page fault at addr.
func PF(addr uint64, code uint32) *Fault {
	f := withCode(x86.PageFault, code)
	f.Address = addr
	return f
}

// ErrRetry is returned by memory collaborators when an access cannot be
// serviced immediately. The instruction has had no effect and may be
// re-driven.
var ErrRetry = errors.New("memory access must be retried")

// AsFault extracts a guest fault from err.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
