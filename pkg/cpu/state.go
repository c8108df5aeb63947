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

// Package cpu holds the architectural state of one virtual CPU.
//
// A State is owned by exactly one goroutine at a time; nothing here is
// synchronized. Mutation of guest-visible fields is performed by package
// interp, which validates every change before committing it.
package cpu

import (
	"fmt"

	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/x86"
)

// SegReg identifies a segment register, in instruction encoding order.
type SegReg int

// Segment registers.
const (
	ES SegReg = iota
	CS
	SS
	DS
	FS
	GS
	NumSegRegs
)

var segRegNames = [...]string{"es", "cs", "ss", "ds", "fs", "gs"}

// String implements fmt.Stringer.
func (r SegReg) String() string {
	if r >= 0 && r < NumSegRegs {
		return segRegNames[r]
	}
	return fmt.Sprintf("sreg%d", int(r))
}

// GPR identifies a general purpose register.
type GPR int

// General purpose registers.
const (
	RAX GPR = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	NumGPRs
)

var gprNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String implements fmt.Stringer.
func (r GPR) String() string {
	if r >= 0 && r < NumGPRs {
		return gprNames[r]
	}
	return fmt.Sprintf("gpr%d", int(r))
}

// ParseGPR returns the general purpose register named s.
func ParseGPR(s string) (GPR, error) {
	for i, name := range gprNames {
		if name == s {
			return GPR(i), nil
		}
	}
	return 0, fmt.Errorf("unknown register %q", s)
}

// ParseSegReg returns the segment register named s.
func ParseSegReg(s string) (SegReg, error) {
	for i, name := range segRegNames {
		if name == s {
			return SegReg(i), nil
		}
	}
	return 0, fmt.Errorf("unknown segment register %q", s)
}

// Segment is the cached state of a segment register.
type Segment struct {
	Selector descriptor.Selector
	Base     uint64
	Limit    uint32
	Attr     descriptor.Attributes
}

// Usable indicates that the register holds a loaded descriptor. The
// attributes of an unusable register carry no meaning.
func (s *Segment) Usable() bool {
	return !s.Attr.Unusable()
}

// SetNull loads a null selector, leaving the register unusable.
func (s *Segment) SetNull(sel descriptor.Selector) {
	*s = Segment{Selector: sel, Attr: descriptor.AttrUnusable}
}

// SetReal loads sel with real-mode semantics: the base is sel*16 and the
// other hidden fields are left as they were, except in virtual-8086 mode
// where they are reset to a 64K writable DPL-3 segment.
func (s *Segment) SetReal(sel descriptor.Selector, v86 bool) {
	s.Selector = sel
	s.Base = uint64(sel) << 4
	if v86 {
		s.Limit = 0xffff
		s.Attr = descriptor.AttrS | descriptor.AttrP | descriptor.TypeWrite | descriptor.TypeAccessed
		s.Attr = s.Attr.WithDPL(3)
	} else if s.Attr.Unusable() {
		s.Attr = descriptor.AttrS | descriptor.AttrP | descriptor.TypeWrite | descriptor.TypeAccessed
	}
}

// String implements fmt.Stringer.
func (s Segment) String() string {
	return fmt.Sprintf("%v base=%#x limit=%#x %v", s.Selector, s.Base, s.Limit, s.Attr)
}

// DescriptorTable is a GDTR or IDTR value.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// Mode is the CPU operating submode.
type Mode int

// Operating modes.
const (
	ModeReal Mode = iota
	ModeV86
	ModeProtected
	ModeCompat
	Mode64
)

var modeNames = [...]string{"real", "v86", "protected", "compat", "64-bit"}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode%d", int(m))
}

// State is the architectural state of a virtual CPU.
type State struct {
	Regs   [NumGPRs]uint64
	RIP    uint64
	RFLAGS uint64

	Segs [NumSegRegs]Segment
	LDTR Segment
	TR   Segment
	GDTR DescriptorTable
	IDTR DescriptorTable

	CR0 uint64
	CR2 uint64
	CR3 uint64
	CR4 uint64

	// DR holds DR0-DR7. DR4 and DR5 are never stored; they alias DR6 and
	// DR7 or fault.
	DR [8]uint64

	EFER uint64

	// CPL is the current privilege level. In protected mode it always
	// equals CS.RPL and SS.DPL.
	CPL uint8

	// InterruptShadow is set by instructions which inhibit interrupts
	// until the next instruction completes (MOV SS, POP SS, STI).
	InterruptShadow bool

	// PendingDebugTrap is set when a task switch loads a TSS with the T
	// bit set; the caller delivers #DB before the next instruction.
	PendingDebugTrap bool

	// armed caches the DR7 breakpoint enables; armedValid is cleared by
	// every DR7 write.
	armed      uint8
	armedValid bool
}

// Reset puts the CPU in its power-on state.
func (c *State) Reset() {
	*c = State{}
	c.RIP = 0xfff0
	c.RFLAGS = x86.RFLAGS_Reserved
	c.CR0 = x86.CR0_ET | x86.CR0_CD | x86.CR0_NW
	c.DR[6] = x86.DR6_MustBeOne
	c.DR[7] = x86.DR7_MustBeOne
	for i := range c.Segs {
		c.Segs[i] = Segment{
			Limit: 0xffff,
			Attr:  descriptor.AttrS | descriptor.AttrP | descriptor.TypeWrite | descriptor.TypeAccessed,
		}
	}
	c.Segs[CS].Selector = 0xf000
	c.Segs[CS].Base = 0xffff0000
	c.Segs[CS].Attr = descriptor.AttrS | descriptor.AttrP | descriptor.TypeCode | descriptor.TypeRead | descriptor.TypeAccessed
	c.LDTR = Segment{Limit: 0xffff, Attr: descriptor.AttrP | descriptor.SysLDT}
	c.TR = Segment{Limit: 0xffff, Attr: descriptor.AttrP | descriptor.SysTSS16Busy}
	c.GDTR.Limit = 0xffff
	c.IDTR.Limit = 0xffff
}

// Mode returns the current operating mode.
func (c *State) Mode() Mode {
	switch {
	case c.CR0&x86.CR0_PE == 0:
		return ModeReal
	case c.EFER&x86.EFER_LMA != 0:
		if c.Segs[CS].Attr.Long() {
			return Mode64
		}
		return ModeCompat
	case c.RFLAGS&x86.RFLAGS_VM != 0:
		return ModeV86
	default:
		return ModeProtected
	}
}

// LinearBits returns the number of implemented linear address bits: 57
// with five-level paging enabled, 48 otherwise.
func (c *State) LinearBits() uint {
	if c.CR4&x86.CR4_LA57 != 0 {
		return 57
	}
	return 48
}

// Canonical indicates whether addr is canonical under the current paging
// mode.
func (c *State) Canonical(addr uint64) bool {
	return x86.IsCanonicalBits(addr, c.LinearBits())
}

// LongMode indicates that long mode is active (64-bit or compatibility).
func (c *State) LongMode() bool {
	return c.EFER&x86.EFER_LMA != 0
}

// Is64 indicates 64-bit mode.
func (c *State) Is64() bool {
	return c.Mode() == Mode64
}

// Protected indicates protected mode proper: PE set and not virtual-8086.
func (c *State) Protected() bool {
	m := c.Mode()
	return m != ModeReal && m != ModeV86
}

// PAEPaging indicates legacy PAE paging, the mode in which the PDPTEs are
// cached in the processor.
func (c *State) PAEPaging() bool {
	return c.CR0&x86.CR0_PG != 0 && c.CR4&x86.CR4_PAE != 0 && !c.LongMode()
}

// Tables returns the descriptor tables used for selector lookups.
func (c *State) Tables() *descriptor.Tables {
	return &descriptor.Tables{
		GDT: descriptor.Table{Base: c.GDTR.Base, Limit: uint32(c.GDTR.Limit), Loaded: true},
		LDT: descriptor.Table{Base: c.LDTR.Base, Limit: c.LDTR.Limit, Loaded: c.LDTR.Usable() && !c.LDTR.Selector.IsNull()},
	}
}

// StackWidth returns the stack address size in bytes.
func (c *State) StackWidth() int {
	switch {
	case c.Is64():
		return 8
	case c.Segs[SS].Attr.Big():
		return 4
	default:
		return 2
	}
}

// SP returns the stack pointer truncated to the stack address size.
func (c *State) SP() uint64 {
	return truncate(c.Regs[RSP], c.StackWidth())
}

// ArmedBreakpoints returns the enabled breakpoint mask derived from DR7,
// recomputing it if a DR7 write invalidated the cached copy.
func (c *State) ArmedBreakpoints() uint8 {
	if !c.armedValid {
		var m uint8
		for i := uint(0); i < 4; i++ {
			if c.DR[7]&(3<<(2*i)) != 0 {
				m |= 1 << i
			}
		}
		c.armed = m
		c.armedValid = true
	}
	return c.armed
}

// InvalidateBreakpoints drops the cached breakpoint summary.
func (c *State) InvalidateBreakpoints() {
	c.armedValid = false
}

// String implements fmt.Stringer.
func (c *State) String() string {
	return fmt.Sprintf("%v cpl=%d cs=%v rip=%#x ss=%v rsp=%#x rflags=%#x",
		c.Mode(), c.CPL, c.Segs[CS].Selector, c.RIP, c.Segs[SS].Selector, c.Regs[RSP], c.RFLAGS)
}

func truncate(v uint64, width int) uint64 {
	switch width {
	case 2:
		return v & 0xffff
	case 4:
		return v & 0xffffffff
	default:
		return v
	}
}

// Truncate truncates v to width bytes (2, 4 or 8).
func Truncate(v uint64, width int) uint64 {
	return truncate(v, width)
}
