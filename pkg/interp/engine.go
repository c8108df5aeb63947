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

// Package interp implements the privilege-transition instructions of an x86
// virtual CPU: segment register loads, far control transfers, hardware task
// switches, IRET, the fast system call family and control and debug register
// accesses.
//
// Each entry point takes the virtual CPU state and the decoded operands of
// one instruction and returns a cpu.Outcome. An entry point either commits
// all of its architectural effects or none of them: every check that can
// fail runs before the first guest-visible mutation. The one exception is
// the hardware task switch, which real processors also leave partially
// loaded when a fault is found in the incoming task.
//
// The state is owned by the caller for the duration of the call; an Engine
// may be shared by several virtual CPUs if its collaborators are.
package interp

import (
	"fmt"
	"time"

	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/intercept"
	"gvisor.dev/x86core/pkg/log"
	"gvisor.dev/x86core/pkg/x86"
)

// Memory is guest memory as seen through the current address translation.
type Memory interface {
	descriptor.Memory

	// Read copies len(dst) bytes from linear address addr.
	Read(addr uint64, dst []byte, at cpu.AccessType) error

	// Write copies src to linear address addr.
	Write(addr uint64, src []byte, at cpu.AccessType) error

	// Probe checks that an access of size bytes at addr would succeed
	// without performing it.
	Probe(addr uint64, size int, write bool, at cpu.AccessType) error
}

// Paging is the address translation subsystem.
type Paging interface {
	// SetRoot installs a new page table root.
	SetRoot(cr3 uint64) error

	// Flush invalidates cached translations. Global translations are
	// flushed only if global is set.
	Flush(global bool)

	// LoadPDPTEs loads the four PAE page-directory-pointer entries from
	// the table addressed by cr3. An invalid set of entries is reported as
	// a #GP(0) fault and leaves the previous entries in place.
	LoadPDPTEs(cr3 uint64) error

	// ModeChanged reports a change of CR0, CR4 or EFER bits that select
	// the paging mode.
	ModeChanged(cr0, cr4, efer uint64)
}

// MSRs is the model-specific register store.
type MSRs interface {
	ReadMSR(idx uint32) (uint64, error)
	WriteMSR(idx uint32, v uint64) error
}

// TPR is a task-priority register.
type TPR interface {
	TPR() uint8
	SetTPR(v uint8)
}

// Machine is the set of collaborators an Engine runs against.
type Machine struct {
	Memory Memory
	Paging Paging
	MSRs   MSRs

	// APIC receives CR8 writes.
	APIC TPR

	// VirtualTPR, if set, receives CR8 accesses instead of APIC. It is set
	// when the outer hypervisor virtualizes the interrupt controller.
	VirtualTPR TPR

	// Gate is consulted before every commit. Nil intercepts nothing.
	Gate intercept.Gate

	// Features is the modelled CPU. Nil selects a modern Intel CPU.
	Features *cpu.Features

	// Metrics, if set, counts operations and their outcomes.
	Metrics *Metrics
}

// Engine executes privileged instructions against a Machine.
type Engine struct {
	mem      Memory
	paging   Paging
	msrs     MSRs
	apic     TPR
	vtpr     TPR
	gate     intercept.Gate
	features *cpu.Features
	metrics  *Metrics

	// faultLog reports guest faults, limited per vector.
	faultLog *log.KeyedLogger[x86.Vector]
}

// New returns an Engine for m. Memory, Paging, MSRs and APIC are required.
func New(m Machine) *Engine {
	if m.Memory == nil || m.Paging == nil || m.MSRs == nil || m.APIC == nil {
		panic("interp.New: incomplete machine")
	}
	e := &Engine{
		mem:      m.Memory,
		paging:   m.Paging,
		msrs:     m.MSRs,
		apic:     m.APIC,
		vtpr:     m.VirtualTPR,
		gate:     m.Gate,
		features: m.Features,
		metrics:  m.Metrics,
		faultLog: log.NewKeyedLogger[x86.Vector](log.Log(), 5*time.Second),
	}
	if e.gate == nil {
		e.gate = intercept.None
	}
	if e.features == nil {
		e.features = cpu.ModernFeatures(cpu.VendorIntel)
	}
	return e
}

// Features returns the modelled CPU.
func (e *Engine) Features() *cpu.Features {
	return e.features
}

// Insn describes the instruction being executed.
type Insn struct {
	// Len is the instruction length. Instructions that do not transfer
	// control advance RIP by Len when they complete.
	Len uint8

	// OpSize is the operand size in bytes (2, 4 or 8). Zero selects the
	// default operand size of the current code segment.
	OpSize uint8
}

// opSize returns the effective operand size of in.
func (in Insn) opSize(c *cpu.State) int {
	if in.OpSize != 0 {
		return int(in.OpSize)
	}
	if c.Is64() || (c.Segs[cpu.CS].Attr.Big() && c.Mode() != cpu.ModeV86) {
		return 4
	}
	return 2
}

// Op identifies an instruction for metrics and logging.
type Op int

// Instructions.
const (
	OpFarJmp Op = iota
	OpFarCall
	OpFarRet
	OpIRET
	OpTaskSwitch
	OpWriteCR
	OpReadCR
	OpWriteDR
	OpReadDR
	OpSyscall
	OpSysret
	OpSysenter
	OpSysexit
	OpSWAPGS
	OpLoadSReg
	OpPopSReg
	OpLoadFarPointer
	OpLLDT
	OpLTR
	OpLGDT
	OpLIDT
	OpSLDT
	OpSTR
	OpSGDT
	OpSIDT
	OpLAR
	OpLSL
	OpVERR
	OpVERW
	OpCLTS
	OpLMSW
	OpSMSW
	OpCLI
	OpSTI
	OpPOPF
	numOps
)

var opNames = [numOps]string{
	OpFarJmp:         "far_jmp",
	OpFarCall:        "far_call",
	OpFarRet:         "far_ret",
	OpIRET:           "iret",
	OpTaskSwitch:     "task_switch",
	OpWriteCR:        "mov_to_cr",
	OpReadCR:         "mov_from_cr",
	OpWriteDR:        "mov_to_dr",
	OpReadDR:         "mov_from_dr",
	OpSyscall:        "syscall",
	OpSysret:         "sysret",
	OpSysenter:       "sysenter",
	OpSysexit:        "sysexit",
	OpSWAPGS:         "swapgs",
	OpLoadSReg:       "mov_sreg",
	OpPopSReg:        "pop_sreg",
	OpLoadFarPointer: "load_far_pointer",
	OpLLDT:           "lldt",
	OpLTR:            "ltr",
	OpLGDT:           "lgdt",
	OpLIDT:           "lidt",
	OpSLDT:           "sldt",
	OpSTR:            "str",
	OpSGDT:           "sgdt",
	OpSIDT:           "sidt",
	OpLAR:            "lar",
	OpLSL:            "lsl",
	OpVERR:           "verr",
	OpVERW:           "verw",
	OpCLTS:           "clts",
	OpLMSW:           "lmsw",
	OpSMSW:           "smsw",
	OpCLI:            "cli",
	OpSTI:            "sti",
	OpPOPF:           "popf",
}

// String implements fmt.Stringer.
func (o Op) String() string {
	if o >= 0 && o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("op%d", int(o))
}

// OpNames returns the names of all instructions, in Op order.
func OpNames() []string {
	return append([]string(nil), opNames[:]...)
}

// run executes body for op and converts its result into an Outcome. body
// stages its effects in the transaction, which run commits if body
// succeeds.
func (e *Engine) run(c *cpu.State, op Op, in Insn, body func(t *txn) error) cpu.Outcome {
	oldCS, oldRIP, oldCPL := c.Segs[cpu.CS].Selector, c.RIP, c.CPL
	t := newTxn(e, c)
	err := body(t)
	if err == nil {
		err = t.commit(in.Len)
	}
	o := cpu.OutcomeOf(err)
	if done, ok := o.(cpu.Completed); ok {
		if t.ripSet {
			if log.IsLogging(log.Debug) {
				log.Debugf("%v: %v:%#x cpl %d -> %v:%#x cpl %d", op, oldCS, oldRIP, oldCPL, c.Segs[cpu.CS].Selector, c.RIP, c.CPL)
			}
		} else {
			done.Advance = in.Len
			o = done
		}
	}
	e.record(c, op, o)
	return o
}

func (e *Engine) record(c *cpu.State, op Op, o cpu.Outcome) {
	var result string
	switch o := o.(type) {
	case cpu.Completed:
		result = "completed"
	case cpu.Faulted:
		result = "faulted"
		if e.metrics != nil {
			e.metrics.Faults.Increment(o.Fault.Vector.String())
		}
		e.faultLog.For(o.Fault.Vector).Debugf("%v at %v:%#x: %v", op, c.Segs[cpu.CS].Selector, c.RIP, o.Fault)
	case cpu.Deferred:
		result = "deferred"
		if e.metrics != nil {
			e.metrics.Exits.Increment(o.Exit.Kind.String())
		}
	case cpu.Aborted:
		result = "aborted"
		if !cpu.Retryable(o) {
			log.Warningf("%v at %v:%#x aborted: %v", op, c.Segs[cpu.CS].Selector, c.RIP, o.Err)
		}
	}
	if e.metrics != nil {
		e.metrics.Ops.Increment(op.String(), result)
	}
}

// intercept consults the gate for r and returns a DeferredError on a hit.
func (e *Engine) intercept(r intercept.Request) error {
	if exit, ok := e.gate.Intercept(r); ok {
		return &cpu.DeferredError{Exit: exit}
	}
	return nil
}

// fetch reads the descriptor for sel. Table bounds failures are reported as
// the fault returned by bad; memory failures are forwarded.
func (e *Engine) fetch(c *cpu.State, sel descriptor.Selector, bad func(descriptor.Selector) *cpu.Fault) (descriptor.Descriptor, error) {
	d, err := descriptor.Fetch(e.mem, c.Tables(), sel, c.LongMode())
	if err != nil {
		if descriptor.IsFetchError(err) {
			return nil, bad(sel)
		}
		return nil, err
	}
	return d, nil
}
