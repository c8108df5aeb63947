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
	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/intercept"
	"gvisor.dev/x86core/pkg/x86"
)

const selSpare descriptor.Selector = 0x98

func TestLLDT(t *testing.T) {
	m := newTestMachine(t)
	c := m.protected(t, 0)
	wantCompleted(t, m.e.LLDT(c, Insn{Len: 3}, selLDT))
	if c.LDTR.Selector != selLDT || c.LDTR.Base != ldtBase || c.LDTR.Limit != 0x17 {
		t.Fatalf("ldtr = %+v, want %v base %#x limit 0x17", c.LDTR, selLDT, ldtBase)
	}
	wantCompleted(t, m.e.LoadSReg(c, Insn{Len: 2}, cpu.DS, selLData))
	if c.Segs[cpu.DS].Selector != selLData {
		t.Errorf("ds = %v, want %v", c.Segs[cpu.DS].Selector, selLData)
	}

	wantCompleted(t, m.e.LLDT(c, Insn{Len: 3}, 0))
	if c.LDTR.Usable() {
		t.Errorf("ldtr = %+v, want unusable", c.LDTR)
	}
	wantFault(t, m.e.LoadSReg(c, Insn{Len: 2}, cpu.ES, selLData), cpu.GP(selLData))
}

func TestLLDTChecks(t *testing.T) {
	for _, tc := range []struct {
		name string
		cpl  uint8
		sel  descriptor.Selector
		want *cpu.Fault
	}{
		{"user", 3, selLDT, cpu.GP0()},
		{"tss", 0, selTSS2, cpu.GP(selTSS2)},
		{"local", 0, selLData, cpu.GP(selLData)},
		{"beyond limit", 0, selBeyond, cpu.GP(selBeyond)},
		{"not present", 0, selSpare, cpu.NP(selSpare)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine(t)
			m.setDesc(selSpare, descriptor.EncodeNotPresent(descriptor.EncodeSystem(ldtBase, 0x17, descriptor.SysLDT, 0)))
			c := m.protected(t, tc.cpl)
			before := *c
			wantFault(t, m.e.LLDT(c, Insn{Len: 3}, tc.sel), tc.want)
			wantUnchanged(t, before, c)
		})
	}

	m := newTestMachine(t)
	wantFault(t, m.e.LLDT(realModeCPU(), Insn{Len: 3}, selLDT), cpu.UD())
}

func TestLTR(t *testing.T) {
	m := newTestMachine(t)
	c := m.protected(t, 0)
	wantCompleted(t, m.e.LTR(c, Insn{Len: 3}, selTSS2))
	if c.TR.Selector != selTSS2 || c.TR.Base != tss2Base || c.TR.Attr.Type() != descriptor.SysTSS32Busy {
		t.Errorf("tr = %+v, want busy %v at %#x", c.TR, selTSS2, tss2Base)
	}
	if got := m.descType(t, selTSS2); got != descriptor.SysTSS32Busy {
		t.Errorf("descriptor type = %#x, want busy", got)
	}
}

func TestLTRChecks(t *testing.T) {
	for _, tc := range []struct {
		name string
		cpl  uint8
		sel  descriptor.Selector
		want *cpu.Fault
	}{
		{"user", 3, selTSS2, cpu.GP0()},
		{"null", 0, 0, cpu.GP0()},
		{"busy", 0, selTSS, cpu.GP(selTSS)},
		{"ldt", 0, selLDT, cpu.GP(selLDT)},
		{"code", 0, selKCode, cpu.GP(selKCode)},
		{"not present", 0, selSpare, cpu.NP(selSpare)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine(t)
			m.setDesc(selSpare, descriptor.EncodeNotPresent(descriptor.EncodeSystem(tss2Base, 0x67, descriptor.SysTSS32Avail, 0)))
			c := m.protected(t, tc.cpl)
			before := *c
			wantFault(t, m.e.LTR(c, Insn{Len: 3}, tc.sel), tc.want)
			wantUnchanged(t, before, c)
			if got := m.descType(t, selTSS2); got != descriptor.SysTSS32Avail {
				t.Errorf("tss2 type = %#x, want available", got)
			}
		})
	}
}

func TestLTRIntercept(t *testing.T) {
	m := newTestMachine(t)
	m.gate.SetTable(intercept.TR, true, true)
	c := m.protected(t, 0)
	before := *c
	exit := wantDeferred(t, m.e.LTR(c, Insn{Len: 3}, selTSS2), intercept.ExitTRWrite)
	if exit.Info != uint64(selTSS2) {
		t.Errorf("exit info = %#x, want %#x", exit.Info, selTSS2)
	}
	wantUnchanged(t, before, c)
	if got := m.descType(t, selTSS2); got != descriptor.SysTSS32Avail {
		t.Errorf("tss2 type = %#x, want available", got)
	}
}

func TestLGDT(t *testing.T) {
	m := newTestMachine(t)
	m.put(0x2000, 0x1ff, 2)
	m.put(0x2002, 0x12345678, 4)

	c := m.protected(t, 0)
	wantCompleted(t, m.e.LGDT(c, Insn{Len: 3}, 0x2000))
	if want := (cpu.DescriptorTable{Base: 0x12345678, Limit: 0x1ff}); c.GDTR != want {
		t.Errorf("gdtr = %+v, want %+v", c.GDTR, want)
	}
	wantCompleted(t, m.e.LIDT(c, Insn{Len: 4, OpSize: 2}, 0x2000))
	if want := (cpu.DescriptorTable{Base: 0x345678, Limit: 0x1ff}); c.IDTR != want {
		t.Errorf("idtr = %+v, want %+v", c.IDTR, want)
	}

	c = m.long(t, 0)
	m.put(0x2002, 0xffff800000001000, 8)
	wantCompleted(t, m.e.LIDT(c, Insn{Len: 3}, 0x2000))
	if want := (cpu.DescriptorTable{Base: 0xffff800000001000, Limit: 0x1ff}); c.IDTR != want {
		t.Errorf("idtr = %+v, want %+v", c.IDTR, want)
	}
	m.put(0x2002, 0x0000800000000000, 8)
	wantFault(t, m.e.LGDT(c, Insn{Len: 3}, 0x2000), cpu.GP0())
}

func TestLGDTChecks(t *testing.T) {
	m := newTestMachine(t)
	c := m.protected(t, 3)
	before := *c
	wantFault(t, m.e.LGDT(c, Insn{Len: 3}, 0x2000), cpu.GP0())
	wantUnchanged(t, before, c)

	c = m.protected(t, 0)
	before = *c
	wantFault(t, m.e.LIDT(c, Insn{Len: 3}, memSize+0x10000), cpu.PF(memSize+0x10000, 0))
	wantUnchanged(t, before, c)

	c = m.v86(t, 3)
	wantFault(t, m.e.LIDT(c, Insn{Len: 3}, 0x2000), cpu.GP0())
}

func TestSGDT(t *testing.T) {
	m := newTestMachine(t)
	m.put(0x3000, 0xaaaaaaaaaaaaaaaa, 8)
	m.put(0x3008, 0xaaaaaaaaaaaaaaaa, 8)

	c := m.protected(t, 3)
	wantCompleted(t, m.e.SGDT(c, Insn{Len: 3}, 0x3000))
	if got := m.get(t, 0x3000, 2); got != gdtLimit {
		t.Errorf("limit = %#x, want %#x", got, gdtLimit)
	}
	if got := m.get(t, 0x3002, 4); got != gdtBase {
		t.Errorf("base = %#x, want %#x", got, gdtBase)
	}
	if got := m.get(t, 0x3006, 2); got != 0xaaaa {
		t.Errorf("byte after pseudo-descriptor = %#x, want untouched", got)
	}

	c = m.long(t, 0)
	c.IDTR = cpu.DescriptorTable{Base: 0xffff800000002000, Limit: 0xfff}
	wantCompleted(t, m.e.SIDT(c, Insn{Len: 3}, 0x3000))
	if got := m.get(t, 0x3002, 8); got != 0xffff800000002000 {
		t.Errorf("base = %#x, want 0xffff800000002000", got)
	}
	if got := m.get(t, 0x300a, 2); got != 0xaaaa {
		t.Errorf("byte after pseudo-descriptor = %#x, want untouched", got)
	}
}

func TestStoreTableChecks(t *testing.T) {
	m := newTestMachine(t)
	c := m.protected(t, 3)
	c.CR4 = x86.CR4_UMIP
	wantFault(t, m.e.SGDT(c, Insn{Len: 3}, 0x3000), cpu.GP0())
	wantFault(t, m.e.SIDT(c, Insn{Len: 3}, 0x3000), cpu.GP0())
	wantFault(t, m.e.SLDT(c, Insn{Len: 3}, RegOperand(cpu.RAX)), cpu.GP0())
	wantFault(t, m.e.STR(c, Insn{Len: 3}, RegOperand(cpu.RAX)), cpu.GP0())

	// UMIP does not apply to ring 0.
	c = m.protected(t, 0)
	c.CR4 = x86.CR4_UMIP
	wantCompleted(t, m.e.SGDT(c, Insn{Len: 3}, 0x3000))

	m.gate.SetTable(intercept.GDTR, false, true)
	wantDeferred(t, m.e.SGDT(c, Insn{Len: 3}, 0x3000), intercept.ExitGDTRRead)
}

func TestStoreSelector(t *testing.T) {
	m := newTestMachine(t)
	c := m.protected(t, 0)
	c.Regs[cpu.RAX] = 0xffffffff
	wantCompleted(t, m.e.STR(c, Insn{Len: 3}, RegOperand(cpu.RAX)))
	if c.Regs[cpu.RAX] != uint64(selTSS) {
		t.Errorf("rax = %#x, want %#x", c.Regs[cpu.RAX], selTSS)
	}
	wantCompleted(t, m.e.LLDT(c, Insn{Len: 3}, selLDT))
	m.put(0x3000, 0xffffffff, 4)
	wantCompleted(t, m.e.SLDT(c, Insn{Len: 3}, MemOperand(0x3000)))
	if got := m.get(t, 0x3000, 4); got != 0xffff0000|uint64(selLDT) {
		t.Errorf("stored = %#x, want ldt selector in the low word", got)
	}

	wantFault(t, m.e.STR(realModeCPU(), Insn{Len: 3}, RegOperand(cpu.RAX)), cpu.UD())
}

func TestLAR(t *testing.T) {
	for _, tc := range []struct {
		name   string
		cpl    uint8
		sel    descriptor.Selector
		ok     bool
		rights uint64
	}{
		{name: "user code", cpl: 3, sel: selUCode, ok: true, rights: 0x00c0fa00},
		{name: "kernel data from user", cpl: 3, sel: selKData},
		{name: "conforming from user", cpl: 3, sel: selConf, ok: true, rights: 0x00c09e00},
		{name: "tss", cpl: 0, sel: selTSS2, ok: true, rights: 0x00008900},
		{name: "call gate", cpl: 3, sel: selGate, ok: true, rights: 0x0000ec00},
		{name: "interrupt gate", cpl: 0, sel: selIntGate},
		{name: "null", cpl: 0, sel: 0},
		{name: "beyond limit", cpl: 0, sel: selBeyond},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine(t)
			c := m.protected(t, tc.cpl)
			c.Regs[cpu.RAX] = 0x5a5a
			wantCompleted(t, m.e.LAR(c, Insn{Len: 3}, tc.sel, cpu.RAX))
			if got := c.RFLAGS&x86.RFLAGS_ZF != 0; got != tc.ok {
				t.Fatalf("ZF = %t, want %t", got, tc.ok)
			}
			want := uint64(0x5a5a)
			if tc.ok {
				want = tc.rights
			}
			if c.Regs[cpu.RAX] != want {
				t.Errorf("rax = %#x, want %#x", c.Regs[cpu.RAX], want)
			}
		})
	}
}

func TestLSL(t *testing.T) {
	m := newTestMachine(t)
	c := m.protected(t, 3)
	wantCompleted(t, m.e.LSL(c, Insn{Len: 3}, selSmall, cpu.RBX))
	if c.RFLAGS&x86.RFLAGS_ZF == 0 || c.Regs[cpu.RBX] != 0xfff {
		t.Errorf("small: ZF %t rbx %#x, want set and 0xfff", c.RFLAGS&x86.RFLAGS_ZF != 0, c.Regs[cpu.RBX])
	}
	wantCompleted(t, m.e.LSL(c, Insn{Len: 3}, selUCode, cpu.RBX))
	if c.Regs[cpu.RBX] != 0xffffffff {
		t.Errorf("flat: rbx = %#x, want 0xffffffff", c.Regs[cpu.RBX])
	}
	// Gates have no limit.
	wantCompleted(t, m.e.LSL(c, Insn{Len: 3}, selGate, cpu.RBX))
	if c.RFLAGS&x86.RFLAGS_ZF != 0 {
		t.Errorf("gate: ZF set")
	}

	c = m.protected(t, 0)
	wantCompleted(t, m.e.LSL(c, Insn{Len: 3}, selTSS2, cpu.RBX))
	if c.RFLAGS&x86.RFLAGS_ZF == 0 || c.Regs[cpu.RBX] != 0x67 {
		t.Errorf("tss: ZF %t rbx %#x, want set and 0x67", c.RFLAGS&x86.RFLAGS_ZF != 0, c.Regs[cpu.RBX])
	}
}

func TestVerify(t *testing.T) {
	for _, tc := range []struct {
		sel         descriptor.Selector
		read, write bool
	}{
		{selUCode, true, false},
		{selUData, true, true},
		{selKData, false, false},
		{selGate, false, false},
		{selBeyond, false, false},
		{0, false, false},
	} {
		m := newTestMachine(t)
		c := m.protected(t, 3)
		wantCompleted(t, m.e.VERR(c, Insn{Len: 3}, tc.sel))
		if got := c.RFLAGS&x86.RFLAGS_ZF != 0; got != tc.read {
			t.Errorf("VERR(%v) ZF = %t, want %t", tc.sel, got, tc.read)
		}
		wantCompleted(t, m.e.VERW(c, Insn{Len: 3}, tc.sel))
		if got := c.RFLAGS&x86.RFLAGS_ZF != 0; got != tc.write {
			t.Errorf("VERW(%v) ZF = %t, want %t", tc.sel, got, tc.write)
		}
	}

	m := newTestMachine(t)
	wantFault(t, m.e.VERR(realModeCPU(), Insn{Len: 3}, selUCode), cpu.UD())
}
