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

package interp

import (
	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/intercept"
	"gvisor.dev/x86core/pkg/x86"
)

// flagsAlwaysWritable are the RFLAGS bits POPF and IRET load at any
// privilege level.
const flagsAlwaysWritable = x86.RFLAGS_Status | x86.RFLAGS_TF | x86.RFLAGS_DF | x86.RFLAGS_NT

// protectedFlagsMask returns the RFLAGS bits that POPF or a protected mode
// IRET may change when executed at privilege cpl with operand size size.
// Interrupt and I/O privilege bits depend on the privilege level; bits
// above the low word are only loaded by 32- and 64-bit operands.
func protectedFlagsMask(cpl, iopl uint8, size int) uint64 {
	m := uint64(flagsAlwaysWritable)
	if cpl <= iopl {
		m |= x86.RFLAGS_IF
	}
	if cpl == 0 {
		m |= x86.RFLAGS_IOPL
	}
	if size > 2 {
		m |= x86.RFLAGS_AC | x86.RFLAGS_ID
	} else {
		m &= 0xffff
	}
	return m
}

// mergeFlags replaces the mask bits of old with those of v.
func mergeFlags(old, v, mask uint64) uint64 {
	return old&^mask | v&mask | x86.RFLAGS_Reserved
}

// virtualInterrupts reports whether the current mode virtualizes IF through
// VIF: virtual-8086 mode with VME, or ring 3 with PVI.
func virtualInterrupts(c *cpu.State) bool {
	if c.Mode() == cpu.ModeV86 {
		return c.CR4&x86.CR4_VME != 0
	}
	return c.Protected() && c.CPL == 3 && c.CR4&x86.CR4_PVI != 0
}

// ifAllowed reports whether CLI, STI and POPF may change IF directly.
func ifAllowed(c *cpu.State) bool {
	return c.Mode() == cpu.ModeReal || c.CPL <= x86.IOPL(c.RFLAGS)
}

// CLI clears the interrupt flag, or the virtual interrupt flag when
// interrupts are virtualized.
func (e *Engine) CLI(c *cpu.State, in Insn) cpu.Outcome {
	return e.run(c, OpCLI, in, func(t *txn) error {
		switch {
		case ifAllowed(c):
			t.setFlags(c.RFLAGS &^ x86.RFLAGS_IF)
		case virtualInterrupts(c):
			t.setFlags(c.RFLAGS &^ x86.RFLAGS_VIF)
		default:
			return cpu.GP0()
		}
		return nil
	})
}

// STI sets the interrupt flag, or the virtual interrupt flag when interrupts
// are virtualized. Setting IF inhibits interrupts for one instruction.
func (e *Engine) STI(c *cpu.State, in Insn) cpu.Outcome {
	return e.run(c, OpSTI, in, func(t *txn) error {
		switch {
		case ifAllowed(c):
			if c.RFLAGS&x86.RFLAGS_IF == 0 {
				t.shadow = true
			}
			t.setFlags(c.RFLAGS | x86.RFLAGS_IF)
		case virtualInterrupts(c):
			if c.RFLAGS&x86.RFLAGS_VIP != 0 {
				return cpu.GP0()
			}
			t.setFlags(c.RFLAGS | x86.RFLAGS_VIF)
		default:
			return cpu.GP0()
		}
		return nil
	})
}

// POPF pops RFLAGS from the stack.
func (e *Engine) POPF(c *cpu.State, in Insn) cpu.Outcome {
	return e.run(c, OpPOPF, in, func(t *txn) error {
		size := in.opSize(c)
		iopl := x86.IOPL(c.RFLAGS)
		v86 := c.Mode() == cpu.ModeV86
		if v86 && iopl < 3 && (size != 2 || c.CR4&x86.CR4_VME == 0) {
			return cpu.GP0()
		}
		st := e.currentStack(c)
		v, err := st.pop(size)
		if err != nil {
			return err
		}
		var flags uint64
		switch {
		case v86 && iopl < 3:
			// VME: IF is virtualized into VIF.
			if v&x86.RFLAGS_TF != 0 || (v&x86.RFLAGS_IF != 0 && c.RFLAGS&x86.RFLAGS_VIP != 0) {
				return cpu.GP0()
			}
			flags = mergeFlags(c.RFLAGS, v, flagsAlwaysWritable&0xffff)
			flags &^= x86.RFLAGS_VIF
			if v&x86.RFLAGS_IF != 0 {
				flags |= x86.RFLAGS_VIF
			}
		case v86:
			flags = mergeFlags(c.RFLAGS, v, protectedFlagsMask(3, 3, size))
		case !c.Protected():
			flags = mergeFlags(c.RFLAGS, v, protectedFlagsMask(0, 0, size))
		default:
			flags = mergeFlags(c.RFLAGS, v, protectedFlagsMask(c.CPL, iopl, size))
		}
		flags &^= x86.RFLAGS_RF
		t.interceptOn(intercept.Request{Kind: intercept.POPF, Value: flags})
		t.setFlags(flags)
		t.setGPR(cpu.RSP, st.mergeSP(c.Regs[cpu.RSP]))
		return nil
	})
}
