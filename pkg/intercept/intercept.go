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

// Package intercept defines the contract by which an outer hypervisor traps
// privileged operations before they take effect.
//
// Every mutating operation consults a Gate immediately before committing
// guest-visible state. A hit aborts the operation with no side effects and
// hands the Exit back to the caller, which emulates or vetoes the operation
// on the hypervisor's behalf.
package intercept

import "fmt"

// Kind is the class of operation being performed.
type Kind int

// Operation kinds.
const (
	ReadCR Kind = iota
	WriteCR
	ReadDR
	WriteDR
	ReadDescriptorTable
	WriteDescriptorTable
	TaskSwitch
	IRET
	POPF
	Syscall
	Sysret
	Sysenter
	Sysexit
	SWAPGS
	FarTransfer
	numKinds
)

var kindNames = [numKinds]string{
	ReadCR:               "cr-read",
	WriteCR:              "cr-write",
	ReadDR:               "dr-read",
	WriteDR:              "dr-write",
	ReadDescriptorTable:  "dt-read",
	WriteDescriptorTable: "dt-write",
	TaskSwitch:           "task-switch",
	IRET:                 "iret",
	POPF:                 "popf",
	Syscall:              "syscall",
	Sysret:               "sysret",
	Sysenter:             "sysenter",
	Sysexit:              "sysexit",
	SWAPGS:               "swapgs",
	FarTransfer:          "far-transfer",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k >= 0 && k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind%d", int(k))
}

// KindFromString parses a kind name.
func KindFromString(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// Table identifies a descriptor table register for ReadDescriptorTable and
// WriteDescriptorTable requests.
type Table int

// Descriptor table registers.
const (
	GDTR Table = iota
	IDTR
	LDTR
	TR
	numTables
)

var tableNames = [numTables]string{"gdtr", "idtr", "ldtr", "tr"}

// String implements fmt.Stringer.
func (t Table) String() string {
	if t >= 0 && t < numTables {
		return tableNames[t]
	}
	return fmt.Sprintf("table%d", int(t))
}

// Source distinguishes the instructions that write CR0.
type Source int

// CR0 write sources.
const (
	SourceMov Source = iota
	SourceCLTS
	SourceLMSW
)

// TaskSwitchReason is the cause of a task switch.
type TaskSwitchReason int

// Task switch reasons.
const (
	SwitchJmp TaskSwitchReason = iota
	SwitchCall
	SwitchIRET
	SwitchInterrupt
)

// String implements fmt.Stringer.
func (r TaskSwitchReason) String() string {
	switch r {
	case SwitchJmp:
		return "jmp"
	case SwitchCall:
		return "call"
	case SwitchIRET:
		return "iret"
	case SwitchInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("reason%d", int(r))
	}
}

// Transfer is the instruction performing a FarTransfer.
type Transfer int

// Far transfer instructions.
const (
	TransferJmp Transfer = iota
	TransferCall
	TransferRet
)

// String implements fmt.Stringer.
func (t Transfer) String() string {
	switch t {
	case TransferJmp:
		return "jmp"
	case TransferCall:
		return "call"
	case TransferRet:
		return "ret"
	default:
		return fmt.Sprintf("transfer%d", int(t))
	}
}

// Request describes an operation about to commit.
type Request struct {
	Kind Kind

	// Index is the control or debug register number, or the Table.
	Index int

	// Value is the value being written, if any.
	Value uint64

	// Old is the value being replaced, for CR0 selective intercepts.
	Old uint64

	// Selector is the selector involved, for task switches, far transfers
	// and LLDT/LTR.
	Selector uint16

	// Reason is set for TaskSwitch.
	Reason TaskSwitchReason

	// Transfer is set for FarTransfer.
	Transfer Transfer

	// Source is set for writes to CR0.
	Source Source
}

// Exit is the result of an intercept hit.
type Exit struct {
	Kind Kind

	// Code is the exit code reported to the outer hypervisor.
	Code uint64

	// Info carries the operand the hypervisor needs to emulate the
	// operation (the register value, selector, ...).
	Info uint64
}

// String implements fmt.Stringer.
func (e Exit) String() string {
	return fmt.Sprintf("%v exit=%#x info=%#x", e.Kind, e.Code, e.Info)
}

// Gate decides whether an operation is intercepted.
//
// Implementations may be shared between virtual CPUs and must then be safe
// for concurrent use.
type Gate interface {
	Intercept(r Request) (Exit, bool)
}

// GateFunc adapts a function to Gate.
type GateFunc func(r Request) (Exit, bool)

// Intercept implements Gate.Intercept.
func (f GateFunc) Intercept(r Request) (Exit, bool) {
	return f(r)
}

// None intercepts nothing.
var None Gate = GateFunc(func(Request) (Exit, bool) { return Exit{}, false })
