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

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/intercept"
	"gvisor.dev/x86core/pkg/x86"
)

// setupTask2 fills the second TSS with a ring 0 task at 0x08:0x5000.
func (m *testMachine) setupTask2() {
	m.put(tss2Base+0x20, 0x5000, 4) // EIP
	m.put(tss2Base+0x24, x86.RFLAGS_Reserved, 4)
	m.put(tss2Base+0x28, 0xaa, 4)   // EAX
	m.put(tss2Base+0x38, 0x7000, 4) // ESP
	m.puts(tss2Base+0x48, 4,
		uint64(selKData), uint64(selKCode), uint64(selKData),
		uint64(selKData), uint64(selKData), uint64(selKData))
}

// taskFields is the part of a CPU state a task switch loads.
type taskFields struct {
	TR     descriptor.Selector
	CS, SS descriptor.Selector
	RIP    uint64
	RSP    uint64
	RAX    uint64
	RFLAGS uint64
	CPL    uint8
	TS     bool
}

func taskFieldsOf(c *cpu.State) taskFields {
	return taskFields{
		TR:     c.TR.Selector,
		CS:     c.Segs[cpu.CS].Selector,
		SS:     c.Segs[cpu.SS].Selector,
		RIP:    c.RIP,
		RSP:    c.Regs[cpu.RSP],
		RAX:    c.Regs[cpu.RAX],
		RFLAGS: c.RFLAGS,
		CPL:    c.CPL,
		TS:     c.CR0&x86.CR0_TS != 0,
	}
}

func TestTaskSwitchJmp(t *testing.T) {
	m := newTestMachine(t)
	m.setupTask2()
	c := m.protected(t, 0)

	done := wantCompleted(t, m.e.FarJmp(c, Insn{Len: 7}, selTSS2, 0))
	if done.Advance != 0 {
		t.Errorf("task switch advanced RIP by %d", done.Advance)
	}
	want := taskFields{
		TR:     selTSS2,
		CS:     selKCode,
		SS:     selKData,
		RIP:    0x5000,
		RSP:    0x7000,
		RAX:    0xaa,
		RFLAGS: x86.RFLAGS_Reserved,
		TS:     true,
	}
	if diff := cmp.Diff(want, taskFieldsOf(c)); diff != "" {
		t.Errorf("incoming task (-want +got):\n%s", diff)
	}
	if got := m.descType(t, selTSS); got != descriptor.SysTSS32Avail {
		t.Errorf("outgoing TSS type = %#x, want available", got)
	}
	if got := m.descType(t, selTSS2); got != descriptor.SysTSS32Busy {
		t.Errorf("incoming TSS type = %#x, want busy", got)
	}
	if got := m.get(t, tss2Base, 2); got != 0 {
		t.Errorf("back link = %#x, want 0", got)
	}

	// The outgoing state is saved in the old TSS.
	saved := map[string][2]uint64{
		"eip": {m.get(t, tssBase+0x20, 4), 0x1007},
		"esp": {m.get(t, tssBase+0x38, 4), kernelStack},
		"cs":  {m.get(t, tssBase+0x4c, 2), uint64(selKCode)},
		"ss":  {m.get(t, tssBase+0x50, 2), uint64(selKData)},
	}
	for name, v := range saved {
		if v[0] != v[1] {
			t.Errorf("saved %s = %#x, want %#x", name, v[0], v[1])
		}
	}
}

func TestTaskSwitchCallAndReturn(t *testing.T) {
	m := newTestMachine(t)
	m.setupTask2()
	c := m.protected(t, 3)
	before := *c

	wantCompleted(t, m.e.FarCall(c, Insn{Len: 7}, selTaskGate, 0))
	if c.TR.Selector != selTSS2 || c.CPL != 0 || c.RIP != 0x5000 {
		t.Fatalf("after call tr %v cpl %d rip %#x, want %v cpl 0 rip 0x5000", c.TR.Selector, c.CPL, c.RIP, selTSS2)
	}
	if c.RFLAGS&x86.RFLAGS_NT == 0 {
		t.Errorf("NT clear after task call")
	}
	if got := m.get(t, tss2Base, 2); got != uint64(selTSS) {
		t.Errorf("back link = %#x, want %#x", got, selTSS)
	}
	for _, sel := range []descriptor.Selector{selTSS, selTSS2} {
		if got := m.descType(t, sel); got != descriptor.SysTSS32Busy {
			t.Errorf("TSS %v type = %#x, want busy", sel, got)
		}
	}

	wantCompleted(t, m.e.IRET(c, Insn{Len: 1}))
	if got := m.descType(t, selTSS2); got != descriptor.SysTSS32Avail {
		t.Errorf("returned-from TSS type = %#x, want available", got)
	}
	if c.RFLAGS&x86.RFLAGS_NT != 0 {
		t.Errorf("NT set after return to the outer task")
	}
	want := taskFieldsOf(&before)
	want.RIP = 0x1007
	want.TS = true
	if diff := cmp.Diff(want, taskFieldsOf(c)); diff != "" {
		t.Errorf("after task return (-want +got):\n%s", diff)
	}
	if c.Segs[cpu.DS] != before.Segs[cpu.DS] {
		t.Errorf("ds = %v, want %v", c.Segs[cpu.DS], before.Segs[cpu.DS])
	}
}

func TestTaskSwitchBusy(t *testing.T) {
	m := newTestMachine(t)
	c := m.protected(t, 0)
	before := *c
	wantFault(t, m.e.FarCall(c, Insn{Len: 7}, selTSS, 0), cpu.GP(selTSS))
	wantUnchanged(t, before, c)

	wantFault(t, m.e.TaskSwitch(c, selTSS, nil), cpu.GP(selTSS))
	wantUnchanged(t, before, c)
}

func TestTaskSwitchInterrupt(t *testing.T) {
	m := newTestMachine(t)
	m.setupTask2()
	m.put(tss2Base+0x64, 1, 2) // T bit.
	c := m.protected(t, 0)

	code := uint32(0x18)
	wantCompleted(t, m.e.TaskSwitch(c, selTSS2, &code))
	if c.Regs[cpu.RSP] != 0x6ffc {
		t.Errorf("rsp = %#x, want 0x6ffc", c.Regs[cpu.RSP])
	}
	if got := m.get(t, 0x6ffc, 4); got != 0x18 {
		t.Errorf("pushed error code = %#x, want 0x18", got)
	}
	if !c.PendingDebugTrap {
		t.Errorf("debug trap not pending")
	}
	if got := m.get(t, tss2Base, 2); got != uint64(selTSS) {
		t.Errorf("back link = %#x, want %#x", got, selTSS)
	}
	if got := m.get(t, tssBase+0x20, 4); got != 0x1000 {
		t.Errorf("saved eip = %#x, want 0x1000", got)
	}
}

func TestTaskSwitchClearsLocalBreakpoints(t *testing.T) {
	m := newTestMachine(t)
	m.setupTask2()
	c := m.protected(t, 0)
	c.DR[7] = x86.DR7_MustBeOne | x86.DR7_L0 | x86.DR7_G0 | x86.DR7_LE
	if got := c.ArmedBreakpoints(); got != 1 {
		t.Fatalf("armed = %#x, want 1", got)
	}
	wantCompleted(t, m.e.FarJmp(c, Insn{Len: 7}, selTSS2, 0))
	if want := uint64(x86.DR7_MustBeOne | x86.DR7_G0); c.DR[7] != want {
		t.Errorf("dr7 = %#x, want %#x", c.DR[7], want)
	}
	if got := c.ArmedBreakpoints(); got != 1 {
		t.Errorf("armed = %#x, want 1 (global enable kept)", got)
	}
}

func TestTaskSwitch16(t *testing.T) {
	m := newTestMachine(t)
	m.setDesc(selTSS2, descriptor.EncodeSystem(tss2Base, 0x2b, descriptor.SysTSS16Avail, 0))
	m.put(tss2Base+0x0e, 0x5000, 2)
	m.put(tss2Base+0x10, x86.RFLAGS_Reserved, 2)
	m.put(tss2Base+0x12, 0xaa, 2)   // AX
	m.put(tss2Base+0x1a, 0x7000, 2) // SP
	m.puts(tss2Base+0x22, 2, uint64(selKData), uint64(selKCode), uint64(selKData), uint64(selKData))
	c := m.protected(t, 0)
	c.Regs[cpu.RAX] = 0x12340000

	wantCompleted(t, m.e.FarJmp(c, Insn{Len: 7}, selTSS2, 0))
	if c.Regs[cpu.RAX] != 0x123400aa {
		t.Errorf("rax = %#x, want 0x123400aa", c.Regs[cpu.RAX])
	}
	if c.RIP != 0x5000 || c.Regs[cpu.RSP] != 0x7000 {
		t.Errorf("rip %#x rsp %#x, want 0x5000 0x7000", c.RIP, c.Regs[cpu.RSP])
	}
	if c.Segs[cpu.FS].Usable() || c.Segs[cpu.GS].Usable() {
		t.Errorf("fs %v gs %v, want null", c.Segs[cpu.FS], c.Segs[cpu.GS])
	}
	if got := m.descType(t, selTSS2); got != descriptor.SysTSS16Busy {
		t.Errorf("incoming TSS type = %#x, want busy", got)
	}
}

func TestTaskSwitchShortTSS(t *testing.T) {
	m := newTestMachine(t)
	m.setupTask2()
	m.setDesc(selTSS2, descriptor.EncodeSystem(tss2Base, 0x60, descriptor.SysTSS32Avail, 0))
	c := m.protected(t, 0)
	before := *c
	wantFault(t, m.e.FarJmp(c, Insn{Len: 7}, selTSS2, 0), cpu.TS(selTSS2))
	wantUnchanged(t, before, c)
	if got := m.descType(t, selTSS); got != descriptor.SysTSS32Busy {
		t.Errorf("outgoing TSS type = %#x, want busy", got)
	}
}

func TestTaskSwitchBadIncomingCS(t *testing.T) {
	m := newTestMachine(t)
	m.setupTask2()
	m.put(tss2Base+0x4c, uint64(selKCode|1), 2)
	c := m.protected(t, 0)

	wantFault(t, m.e.FarJmp(c, Insn{Len: 7}, selTSS2, 0), cpu.TS(selKCode))
	// The fault is raised in the context of the new task.
	if c.TR.Selector != selTSS2 {
		t.Errorf("tr = %v, want %v", c.TR.Selector, selTSS2)
	}
	if got := m.descType(t, selTSS2); got != descriptor.SysTSS32Busy {
		t.Errorf("incoming TSS type = %#x, want busy", got)
	}
	if c.Segs[cpu.CS].Selector != selKCode|1 || c.Segs[cpu.CS].Usable() {
		t.Errorf("cs = %v, want unusable %v", c.Segs[cpu.CS], selKCode|1)
	}
}

func TestTaskSwitchBadLDT(t *testing.T) {
	m := newTestMachine(t)
	m.setupTask2()
	m.put(tss2Base+0x60, uint64(selKData), 2)
	c := m.protected(t, 0)
	wantFault(t, m.e.FarJmp(c, Insn{Len: 7}, selTSS2, 0), cpu.TS(selKData))

	m = newTestMachine(t)
	m.setupTask2()
	m.put(tss2Base+0x60, uint64(selLDT), 2)
	c = m.protected(t, 0)
	wantCompleted(t, m.e.FarJmp(c, Insn{Len: 7}, selTSS2, 0))
	if c.LDTR.Selector != selLDT || c.LDTR.Base != ldtBase {
		t.Errorf("ldtr = %v, want %v at %#x", c.LDTR, selLDT, ldtBase)
	}
}

func TestTaskSwitchIntercept(t *testing.T) {
	m := newTestMachine(t)
	m.setupTask2()
	m.gate.Set(intercept.TaskSwitch, true)
	c := m.protected(t, 0)
	before := *c

	exit := wantDeferred(t, m.e.FarJmp(c, Insn{Len: 7}, selTSS2, 0), intercept.ExitTaskSwitch)
	if exit.Info != uint64(selTSS2) {
		t.Errorf("exit info = %#x, want %#x", exit.Info, selTSS2)
	}
	wantUnchanged(t, before, c)
	if got := m.descType(t, selTSS2); got != descriptor.SysTSS32Avail {
		t.Errorf("incoming TSS type = %#x, want available", got)
	}
}

func TestTaskSwitchLongMode(t *testing.T) {
	m := newTestMachine(t)
	c := m.long(t, 0)
	wantFault(t, m.e.TaskSwitch(c, selTSS2, nil), cpu.GP(selTSS2))
	wantFault(t, m.e.FarJmp(c, Insn{Len: 7}, selTSS2, 0), cpu.GP(selTSS2))
}
