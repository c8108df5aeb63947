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

// Package scenario describes a virtual machine and a sequence of privileged
// instructions to run against it, together with the outcome each
// instruction is expected to have.
//
// A scenario is written in YAML:
//
//	name: user far jmp
//	memory:
//	  - {addr: 0x0, size: 0x20000}
//	gdt:
//	  base: 0x10000
//	  limit: 0xff
//	  entries:
//	    - {selector: 0x08, kind: code, limit: 0xffffffff, flags: [db]}
//	    - {selector: 0x23, kind: code, dpl: 3, limit: 0xffffffff, flags: [db]}
//	vcpus:
//	  - state: {mode: protected, segs: {cs: 0x23}}
//	    steps:
//	      - op: far_jmp
//	        selector: 0x08
//	        expect: {outcome: faulted, fault: "#GP", error_code: 0x08}
//
// Each vCPU runs on its own goroutine against the shared memory and
// intercept configuration.
package scenario

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
	"gvisor.dev/x86core/pkg/config"
	"gvisor.dev/x86core/pkg/intercept"
)

// Scenario is a machine description and the steps to run on it.
type Scenario struct {
	Name string `yaml:"name"`

	// CPU is the modelled processor. Nil selects the default profile.
	CPU *config.Profile `yaml:"cpu"`

	Memory []Region `yaml:"memory"`
	GDT    Table    `yaml:"gdt"`
	LDTs   []Table  `yaml:"ldts"`
	TSSs   []TSS    `yaml:"tss"`

	// MSRs are the initial model-specific registers of every vCPU, keyed
	// by name (star, lstar, ...) or number.
	MSRs map[string]uint64 `yaml:"msrs"`

	// Intercepts are enabled in the shared intercept configuration. See
	// intercept.Config.Enable for the syntax.
	Intercepts []string `yaml:"intercepts"`

	// Retries bounds how often a step aborted by a transient memory
	// condition is re-driven. Zero selects 3.
	Retries int `yaml:"retries"`

	VCPUs []VCPU `yaml:"vcpus"`
}

// Region is a range of guest memory and its initial contents.
type Region struct {
	Addr uint64 `yaml:"addr"`

	// Size bytes are mapped zeroed. The contents map their own pages.
	Size uint64 `yaml:"size"`

	// Quads are stored as consecutive little-endian quadwords.
	Quads []uint64 `yaml:"quads"`

	// Dwords are stored after Quads.
	Dwords []uint32 `yaml:"dwords"`

	// Bytes is a hex string stored after Dwords.
	Bytes string `yaml:"bytes"`

	ReadOnly bool `yaml:"readonly"`

	// Busy makes the next Busy accesses to the page at Addr fail
	// transiently.
	Busy int `yaml:"busy"`
}

// Table is a descriptor table in guest memory.
type Table struct {
	Base    uint64  `yaml:"base"`
	Limit   uint32  `yaml:"limit"`
	Entries []Entry `yaml:"entries"`
}

// Entry is one descriptor. The entry is written at the table offset of
// Selector; the RPL and TI bits are ignored.
type Entry struct {
	Selector uint16 `yaml:"selector"`

	// Kind is one of code, data, ldt, tss, tss16, call-gate, call-gate16,
	// task-gate, interrupt-gate, trap-gate or raw.
	Kind string `yaml:"kind"`

	Base  uint64 `yaml:"base"`
	Limit uint32 `yaml:"limit"`
	DPL   uint8  `yaml:"dpl"`

	// Flags modify the descriptor: accessed, busy, conforming, db,
	// execute-only, expand-down, long, not-present, read-only and wide
	// (a 16-byte long mode system descriptor).
	Flags []string `yaml:"flags"`

	// Target and Offset are the entry point of a gate; Target alone is the
	// TSS of a task gate.
	Target uint16 `yaml:"target"`
	Offset uint64 `yaml:"offset"`
	Params uint8  `yaml:"params"`

	// Raw holds the quadwords of a raw entry.
	Raw []uint64 `yaml:"raw"`
}

// TSS is a task state segment image.
type TSS struct {
	Base uint64 `yaml:"base"`

	// Format is 16, 32 or 64. Zero selects 32.
	Format int `yaml:"format"`

	Link uint16 `yaml:"link"`

	// Stacks are the privilege level 0-2 stacks.
	Stacks []Stack `yaml:"stacks"`

	CR3    uint64            `yaml:"cr3"`
	RIP    uint64            `yaml:"rip"`
	RFLAGS uint64            `yaml:"rflags"`
	Regs   map[string]uint64 `yaml:"regs"`
	Segs   map[string]uint16 `yaml:"segs"`
	LDT    uint16            `yaml:"ldt"`
	Trap   bool              `yaml:"trap"`
}

// Stack is an inner stack pointer of a TSS.
type Stack struct {
	SS uint16 `yaml:"ss"`
	SP uint64 `yaml:"sp"`
}

// VCPU is a virtual CPU template and its steps.
type VCPU struct {
	Name string `yaml:"name"`

	// Count replicates the vCPU. Zero means one.
	Count int `yaml:"count"`

	State State  `yaml:"state"`
	Steps []Step `yaml:"steps"`
}

// State is the initial state of a vCPU. Mode selects a preset
// (real, v86, protected or long) which the other fields refine.
type State struct {
	Mode   string            `yaml:"mode"`
	RIP    uint64            `yaml:"rip"`
	RFLAGS uint64            `yaml:"rflags"`
	Regs   map[string]uint64 `yaml:"regs"`

	// Segs are loaded from the descriptor tables in protected and long
	// mode, and with real-mode semantics otherwise.
	Segs map[string]uint16 `yaml:"segs"`

	CR0  *uint64        `yaml:"cr0"`
	CR3  uint64         `yaml:"cr3"`
	CR4  *uint64        `yaml:"cr4"`
	EFER *uint64        `yaml:"efer"`
	DR   map[int]uint64 `yaml:"dr"`

	IDT  Table  `yaml:"idt"`
	LDTR uint16 `yaml:"ldtr"`
	TR   uint16 `yaml:"tr"`

	// VirtualTPR routes CR8 to a virtual task-priority register.
	VirtualTPR bool `yaml:"virtual_tpr"`
}

// Step is one instruction and its expected outcome. Which operand fields
// are used depends on Op.
type Step struct {
	// Op is an instruction name as listed by interp.OpNames.
	Op string `yaml:"op"`

	Selector uint16 `yaml:"selector"`
	Offset   uint64 `yaml:"offset"`

	// Reg is a control or debug register number.
	Reg   int    `yaml:"reg"`
	Value uint64 `yaml:"value"`

	// GPR is the general purpose register operand.
	GPR string `yaml:"gpr"`

	// SReg is the segment register operand.
	SReg string `yaml:"sreg"`

	// Addr is a memory operand. Mem selects it for the store forms of
	// SMSW, SLDT and STR.
	Addr uint64 `yaml:"addr"`
	Mem  bool   `yaml:"mem"`

	Imm    uint16 `yaml:"imm"`
	Len    uint8  `yaml:"len"`
	OpSize uint8  `yaml:"opsize"`

	// ErrorCode is pushed by a task switch.
	ErrorCode *uint32 `yaml:"error_code"`

	// Bytes are the instruction bytes, in hex, for tracing.
	Bytes string `yaml:"bytes"`

	Expect Expect `yaml:"expect"`
}

// Expect is the expected result of a step. Unset fields are not checked.
type Expect struct {
	// Outcome is completed, faulted, deferred or aborted.
	Outcome string `yaml:"outcome"`

	// Fault is the vector name of a faulted outcome, e.g. "#GP".
	Fault     string  `yaml:"fault"`
	ErrorCode *uint32 `yaml:"error_code"`

	// Exit and Info describe a deferred outcome.
	Exit *uint64 `yaml:"exit"`
	Info *uint64 `yaml:"info"`

	Advance *uint8 `yaml:"advance"`

	Mode   string            `yaml:"mode"`
	CPL    *uint8            `yaml:"cpl"`
	RIP    *uint64           `yaml:"rip"`
	RFLAGS *uint64           `yaml:"rflags"`
	Regs   map[string]uint64 `yaml:"regs"`
	Segs   map[string]uint16 `yaml:"segs"`
	CR     map[int]uint64    `yaml:"cr"`
	DR     map[int]uint64    `yaml:"dr"`
	Mem    []MemCheck        `yaml:"mem"`

	// Unchanged requires the vCPU state to be as it was before the step.
	Unchanged bool `yaml:"unchanged"`
}

// MemCheck is an expected little-endian value in guest memory.
type MemCheck struct {
	Addr  uint64 `yaml:"addr"`
	Size  int    `yaml:"size"`
	Value uint64 `yaml:"value"`
}

// Load reads and validates the scenario in path.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loading scenario: %w", err)
	}
	defer f.Close()
	s, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("loading scenario %q: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads a scenario from r. Unknown keys are rejected.
func Decode(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every name in the scenario resolves.
func (s *Scenario) Validate() error {
	if s.CPU != nil {
		if err := s.CPU.Validate(); err != nil {
			return fmt.Errorf("cpu: %w", err)
		}
	}
	if len(s.VCPUs) == 0 {
		return fmt.Errorf("scenario %q has no vcpus", s.Name)
	}
	var scratch intercept.Config
	for _, spec := range s.Intercepts {
		if err := scratch.Enable(spec); err != nil {
			return err
		}
	}
	for name := range s.MSRs {
		if _, err := parseMSR(name); err != nil {
			return err
		}
	}
	for i, r := range s.Memory {
		if _, err := r.contents(); err != nil {
			return fmt.Errorf("memory[%d]: %w", i, err)
		}
	}
	tables := append([]Table{s.GDT}, s.LDTs...)
	for _, t := range tables {
		for _, e := range t.Entries {
			if _, err := e.encode(); err != nil {
				return err
			}
		}
	}
	for i := range s.TSSs {
		if _, err := s.TSSs[i].image(); err != nil {
			return fmt.Errorf("tss %#x: %w", s.TSSs[i].Base, err)
		}
	}
	for i := range s.VCPUs {
		v := &s.VCPUs[i]
		if v.Count < 0 {
			return fmt.Errorf("vcpu %d: negative count", i)
		}
		if _, ok := modes[v.State.Mode]; !ok {
			return fmt.Errorf("vcpu %d: unknown mode %q", i, v.State.Mode)
		}
		if err := checkNames(v.State.Regs, v.State.Segs); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}
		for j := range v.Steps {
			if _, err := compile(&v.Steps[j]); err != nil {
				return fmt.Errorf("vcpu %d step %d: %w", i, j, err)
			}
		}
	}
	return nil
}

func checkNames(regs map[string]uint64, segs map[string]uint16) error {
	for name := range regs {
		if _, err := parseGPR(name); err != nil {
			return err
		}
	}
	for name := range segs {
		if _, err := parseSegReg(name); err != nil {
			return err
		}
	}
	return nil
}

// instances returns the number of vCPUs v describes.
func (v *VCPU) instances() int {
	if v.Count == 0 {
		return 1
	}
	return v.Count
}

func (s *Scenario) retries() uint64 {
	if s.Retries <= 0 {
		return 3
	}
	return uint64(s.Retries)
}
