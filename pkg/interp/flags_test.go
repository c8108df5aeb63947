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
	"testing"

	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/intercept"
	"gvisor.dev/x86core/pkg/x86"
)

func TestCLISTI(t *testing.T) {
	m := newTestMachine(t)
	c := m.protected(t, 0)
	c.RFLAGS |= x86.RFLAGS_IF

	wantCompleted(t, m.e.CLI(c, Insn{Len: 1}))
	if c.RFLAGS&x86.RFLAGS_IF != 0 || c.RIP != 0x1001 {
		t.Errorf("rflags %#x rip %#x, want IF clear and 0x1001", c.RFLAGS, c.RIP)
	}
	wantCompleted(t, m.e.STI(c, Insn{Len: 1}))
	if c.RFLAGS&x86.RFLAGS_IF == 0 || !c.InterruptShadow {
		t.Errorf("rflags %#x shadow %t, want IF and shadow", c.RFLAGS, c.InterruptShadow)
	}
	// STI with IF already set opens no window.
	wantCompleted(t, m.e.STI(c, Insn{Len: 1}))
	if c.InterruptShadow {
		t.Errorf("shadow set by a redundant STI")
	}
}

func TestCLIPrivilege(t *testing.T) {
	m := newTestMachine(t)
	c := m.protected(t, 3)
	before := *c
	wantFault(t, m.e.CLI(c, Insn{Len: 1}), cpu.GP0())
	wantFault(t, m.e.STI(c, Insn{Len: 1}), cpu.GP0())
	wantUnchanged(t, before, c)

	c.RFLAGS |= x86.RFLAGS_IOPL
	wantCompleted(t, m.e.STI(c, Insn{Len: 1}))
	if c.RFLAGS&x86.RFLAGS_IF == 0 {
		t.Errorf("IF not set at IOPL 3")
	}

	// Real mode ignores IOPL.
	c = realModeCPU()
	wantCompleted(t, m.e.STI(c, Insn{Len: 1}))
}

func TestProtectedVirtualInterrupts(t *testing.T) {
	m := newTestMachine(t)
	c := m.protected(t, 3)
	c.CR4 = x86.CR4_PVI
	c.RFLAGS |= x86.RFLAGS_VIF

	wantCompleted(t, m.e.CLI(c, Insn{Len: 1}))
	if c.RFLAGS&x86.RFLAGS_VIF != 0 {
		t.Errorf("VIF still set")
	}
	wantCompleted(t, m.e.STI(c, Insn{Len: 1}))
	if c.RFLAGS&(x86.RFLAGS_VIF|x86.RFLAGS_IF) != x86.RFLAGS_VIF || c.InterruptShadow {
		t.Errorf("rflags %#x shadow %t, want VIF only and no shadow", c.RFLAGS, c.InterruptShadow)
	}

	c.RFLAGS = x86.RFLAGS_Reserved | x86.RFLAGS_VIP
	wantFault(t, m.e.STI(c, Insn{Len: 1}), cpu.GP0())

	// PVI applies to ring 3 only.
	c = m.protected(t, 1)
	c.CR4 = x86.CR4_PVI
	wantFault(t, m.e.CLI(c, Insn{Len: 1}), cpu.GP0())
}

func TestV86Interrupts(t *testing.T) {
	m := newTestMachine(t)
	c := m.v86(t, 0)
	wantFault(t, m.e.CLI(c, Insn{Len: 1}), cpu.GP0())

	c.CR4 = x86.CR4_VME
	c.RFLAGS |= x86.RFLAGS_VIF
	wantCompleted(t, m.e.CLI(c, Insn{Len: 1}))
	if c.RFLAGS&x86.RFLAGS_VIF != 0 {
		t.Errorf("VIF still set")
	}
}

func TestPOPF(t *testing.T) {
	const pushed = x86.RFLAGS_IOPL | x86.RFLAGS_IF | x86.RFLAGS_CF | x86.RFLAGS_RF | x86.RFLAGS_VM
	for _, tc := range []struct {
		name string
		cpl  uint8
		iopl uint64
		want uint64
	}{
		{"ring 0", 0, 0, x86.RFLAGS_IOPL | x86.RFLAGS_IF | x86.RFLAGS_CF},
		{"ring 3", 3, 0, x86.RFLAGS_CF},
		{"ring 3 iopl 3", 3, 3, x86.RFLAGS_IOPL | x86.RFLAGS_IF | x86.RFLAGS_CF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine(t)
			c := m.protected(t, tc.cpl)
			c.RFLAGS |= tc.iopl << x86.RFLAGS_IOPLShift
			sp := c.Regs[cpu.RSP]
			m.put(sp, pushed, 4)
			wantCompleted(t, m.e.POPF(c, Insn{Len: 1}))
			if want := tc.want | x86.RFLAGS_Reserved; c.RFLAGS != want {
				t.Errorf("rflags = %#x, want %#x", c.RFLAGS, want)
			}
			if c.Regs[cpu.RSP] != sp+4 {
				t.Errorf("rsp = %#x, want %#x", c.Regs[cpu.RSP], sp+4)
			}
		})
	}
}

func TestPOPFReal(t *testing.T) {
	m := newTestMachine(t)
	c := realModeCPU()
	m.put(0x8000, x86.RFLAGS_IOPL|x86.RFLAGS_IF|x86.RFLAGS_AC, 4)
	wantCompleted(t, m.e.POPF(c, Insn{Len: 1}))
	if want := uint64(x86.RFLAGS_IOPL | x86.RFLAGS_IF | x86.RFLAGS_Reserved); c.RFLAGS != want {
		t.Errorf("rflags = %#x, want %#x", c.RFLAGS, want)
	}
	if c.Regs[cpu.RSP] != 0x8002 {
		t.Errorf("rsp = %#x, want 0x8002", c.Regs[cpu.RSP])
	}
}

func TestPOPFV86(t *testing.T) {
	m := newTestMachine(t)
	c := m.v86(t, 0)
	m.put(0x8000, x86.RFLAGS_IF|x86.RFLAGS_CF, 2)
	before := *c
	wantFault(t, m.e.POPF(c, Insn{Len: 1}), cpu.GP0())
	wantUnchanged(t, before, c)

	// VME virtualizes IF for 16-bit POPF only.
	c.CR4 = x86.CR4_VME
	wantFault(t, m.e.POPF(c, Insn{Len: 2, OpSize: 4}), cpu.GP0())
	wantCompleted(t, m.e.POPF(c, Insn{Len: 1}))
	if want := uint64(x86.RFLAGS_VM | x86.RFLAGS_VIF | x86.RFLAGS_CF | x86.RFLAGS_Reserved); c.RFLAGS != want {
		t.Errorf("rflags = %#x, want %#x", c.RFLAGS, want)
	}

	c = m.v86(t, 0)
	c.CR4 = x86.CR4_VME
	m.put(0x8000, x86.RFLAGS_TF, 2)
	wantFault(t, m.e.POPF(c, Insn{Len: 1}), cpu.GP0())
	c.RFLAGS |= x86.RFLAGS_VIP
	m.put(0x8000, x86.RFLAGS_IF, 2)
	wantFault(t, m.e.POPF(c, Insn{Len: 1}), cpu.GP0())

	// At IOPL 3 IF is loaded directly and IOPL is preserved.
	c = m.v86(t, 3)
	m.put(0x8000, x86.RFLAGS_IF, 2)
	wantCompleted(t, m.e.POPF(c, Insn{Len: 1}))
	if want := uint64(x86.RFLAGS_VM | x86.RFLAGS_IOPL | x86.RFLAGS_IF | x86.RFLAGS_Reserved); c.RFLAGS != want {
		t.Errorf("rflags = %#x, want %#x", c.RFLAGS, want)
	}
}

func TestPOPFIntercept(t *testing.T) {
	m := newTestMachine(t)
	m.gate.Set(intercept.POPF, true)
	c := m.protected(t, 0)
	before := *c
	wantDeferred(t, m.e.POPF(c, Insn{Len: 1}), intercept.ExitPOPF)
	wantUnchanged(t, before, c)

	// A stack fault is reported ahead of the intercept.
	c.Regs[cpu.RSP] = memSize + 0x10000
	wantFault(t, m.e.POPF(c, Insn{Len: 1}), cpu.PF(memSize+0x10000, 0))
}
