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
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/guestmem"
	"gvisor.dev/x86core/pkg/intercept"
	"gvisor.dev/x86core/pkg/x86"
)

// Guest memory layout.
const (
	memSize     = 0x20000
	gdtBase     = 0x10000
	gdtLimit    = 0xff
	ldtBase     = 0x10800
	tssBase     = 0x11000
	tss2Base    = 0x11100
	kernelStack = 0x8000
	userStack   = 0x9000
	gateEntry   = 0x4000
)

// GDT selectors.
const (
	selKCode    descriptor.Selector = 0x08
	selKData    descriptor.Selector = 0x10
	selCode0    descriptor.Selector = 0x18 // Same as selKCode.
	selUCode    descriptor.Selector = 0x23
	selUData    descriptor.Selector = 0x2b
	selTSS      descriptor.Selector = 0x30
	selTSS2     descriptor.Selector = 0x38
	selGate     descriptor.Selector = 0x43 // Two parameters.
	selConf     descriptor.Selector = 0x48
	selKCode64  descriptor.Selector = 0x50
	selTaskGate descriptor.Selector = 0x5b
	selLDT      descriptor.Selector = 0x60
	selNP       descriptor.Selector = 0x6b
	selUCode64  descriptor.Selector = 0x73
	selGate0    descriptor.Selector = 0x7b // No parameters.
	selSmall    descriptor.Selector = 0x83 // Limit 0xfff.
	selIntGate  descriptor.Selector = 0x8b
	selKData16  descriptor.Selector = 0x90
	selBeyond   descriptor.Selector = 0x100
	selLData    descriptor.Selector = 0x07 // LDT entry 0.
)

const (
	codeType = descriptor.TypeCode | descriptor.TypeRead
	dataType = descriptor.TypeWrite
)

type testMachine struct {
	mem    *guestmem.Memory
	paging *guestmem.Paging
	msrs   guestmem.MSRs
	apic   *guestmem.APIC
	gate   *intercept.Config
	e      *Engine
}

func newTestMachine(t *testing.T) *testMachine {
	return newTestMachineFeatures(t, cpu.ModernFeatures(cpu.VendorIntel))
}

func newTestMachineFeatures(t *testing.T, f *cpu.Features) *testMachine {
	t.Helper()
	m := &testMachine{
		mem:  guestmem.NewMemory(),
		msrs: guestmem.MSRs{},
		apic: &guestmem.APIC{},
		gate: &intercept.Config{},
	}
	m.mem.Map(0, memSize)
	m.paging = guestmem.NewPaging(m.mem, f.PhysAddrBits)
	m.e = New(Machine{
		Memory:   m.mem,
		Paging:   m.paging,
		MSRs:     m.msrs,
		APIC:     m.apic,
		Gate:     m.gate,
		Features: f,
	})

	flat := uint32(0xffffffff)
	m.setDesc(selKCode, descriptor.EncodeSegment(0, flat, codeType, 0, descriptor.AttrDB))
	m.setDesc(selKData, descriptor.EncodeSegment(0, flat, dataType, 0, descriptor.AttrDB))
	m.setDesc(selCode0, descriptor.EncodeSegment(0, flat, codeType, 0, descriptor.AttrDB))
	m.setDesc(selUCode, descriptor.EncodeSegment(0, flat, codeType, 3, descriptor.AttrDB))
	m.setDesc(selUData, descriptor.EncodeSegment(0, flat, dataType, 3, descriptor.AttrDB))
	m.setDesc(selTSS, descriptor.EncodeSystem(tssBase, 0x67, descriptor.SysTSS32Busy, 0))
	m.setDesc(selTSS2, descriptor.EncodeSystem(tss2Base, 0x67, descriptor.SysTSS32Avail, 0))
	m.setDesc(selGate, descriptor.EncodeCallGate(selKCode, gateEntry, descriptor.SysCallGate32, 3, 2))
	m.setDesc(selConf, descriptor.EncodeSegment(0, flat, codeType|descriptor.TypeConforming, 0, descriptor.AttrDB))
	m.setDesc(selKCode64, descriptor.EncodeSegment(0, flat, codeType, 0, descriptor.AttrL))
	m.setDesc(selTaskGate, descriptor.EncodeTaskGate(selTSS2, 3))
	m.setDesc(selLDT, descriptor.EncodeSystem(ldtBase, 0x17, descriptor.SysLDT, 0))
	m.setDesc(selNP, descriptor.EncodeNotPresent(descriptor.EncodeSegment(0, flat, codeType, 3, descriptor.AttrDB)))
	m.setDesc(selUCode64, descriptor.EncodeSegment(0, flat, codeType, 3, descriptor.AttrL))
	m.setDesc(selGate0, descriptor.EncodeCallGate(selKCode, gateEntry, descriptor.SysCallGate32, 3, 0))
	m.setDesc(selSmall, descriptor.EncodeSegment(0, 0xfff, codeType, 3, descriptor.AttrDB))
	m.setDesc(selIntGate, descriptor.EncodeCallGate(selKCode, gateEntry, descriptor.SysIntGate32, 3, 0))
	m.setDesc(selKData16, descriptor.EncodeSegment(0, 0xffff, dataType, 0, 0))
	m.put(ldtBase, descriptor.EncodeSegment(0, flat, dataType, 3, descriptor.AttrDB), 8)

	// Ring 0 stack of the current task.
	m.put(tssBase+4, kernelStack, 4)
	m.put(tssBase+8, uint64(selKData), 2)
	return m
}

func (m *testMachine) put(addr, v uint64, size int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.mem.Store(addr, buf[:size])
}

func (m *testMachine) get(t *testing.T, addr uint64, size int) uint64 {
	t.Helper()
	var buf [8]byte
	if err := m.mem.Read(addr, buf[:size], cpu.AccessSystem); err != nil {
		t.Fatalf("reading %#x: %v", addr, err)
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// puts stores consecutive values of size bytes from addr.
func (m *testMachine) puts(addr uint64, size int, vs ...uint64) {
	for i, v := range vs {
		m.put(addr+uint64(i*size), v, size)
	}
}

func (m *testMachine) setDesc(sel descriptor.Selector, lo uint64) {
	m.put(gdtBase+uint64(sel&descriptor.SelectorIndex), lo, 8)
}

func (m *testMachine) desc(t *testing.T, sel descriptor.Selector) uint64 {
	t.Helper()
	return m.get(t, gdtBase+uint64(sel&descriptor.SelectorIndex), 8)
}

// descType returns the type bits of the GDT entry for sel.
func (m *testMachine) descType(t *testing.T, sel descriptor.Selector) uint8 {
	t.Helper()
	return uint8(m.desc(t, sel)>>40) & 0xf
}

// cache returns the register cache for a loaded GDT selector.
func (m *testMachine) cache(t *testing.T, c *cpu.State, sel descriptor.Selector) cpu.Segment {
	t.Helper()
	d, err := descriptor.Fetch(m.mem, c.Tables(), sel, c.LongMode())
	if err != nil {
		t.Fatalf("fetching %v: %v", sel, err)
	}
	s, ok := d.(*descriptor.Segment)
	if !ok {
		t.Fatalf("%v is not a segment: %v", sel, descriptor.Describe(d))
	}
	return segmentFrom(sel, s)
}

// protected returns a 32-bit protected mode CPU at privilege cpl with flat
// segments and TR loaded.
func (m *testMachine) protected(t *testing.T, cpl uint8) *cpu.State {
	t.Helper()
	c := &cpu.State{}
	c.Reset()
	c.CR0 = x86.CR0_PE | x86.CR0_ET
	c.GDTR = cpu.DescriptorTable{Base: gdtBase, Limit: gdtLimit}
	c.LDTR.SetNull(0)
	c.TR = cpu.Segment{Selector: selTSS, Base: tssBase, Limit: 0x67, Attr: descriptor.AttrP | descriptor.SysTSS32Busy}
	code, data, sp := selKCode, selKData, uint64(kernelStack)
	if cpl == 3 {
		code, data, sp = selUCode, selUData, userStack
	}
	c.Segs[cpu.CS] = m.cache(t, c, code)
	for _, r := range []cpu.SegReg{cpu.ES, cpu.SS, cpu.DS, cpu.FS, cpu.GS} {
		c.Segs[r] = m.cache(t, c, data)
	}
	c.CPL = cpl
	c.RIP = 0x1000
	c.Regs[cpu.RSP] = sp
	return c
}

// long returns a CPU in 64-bit mode at privilege cpl.
func (m *testMachine) long(t *testing.T, cpl uint8) *cpu.State {
	t.Helper()
	c := m.protected(t, cpl)
	c.CR0 |= x86.CR0_PG
	c.CR4 = x86.CR4_PAE
	c.EFER = x86.EFER_LME | x86.EFER_LMA | x86.EFER_SCE
	code := selKCode64
	if cpl == 3 {
		code = selUCode64
	}
	c.Segs[cpu.CS] = m.cache(t, c, code)
	return c
}

// real returns a CPU in real mode with CS at paragraph 0x100.
func realModeCPU() *cpu.State {
	c := &cpu.State{}
	c.Reset()
	c.Segs[cpu.CS].SetReal(0x100, false)
	c.Segs[cpu.CS].Limit = 0xffff
	c.RIP = 0x10
	c.Regs[cpu.RSP] = 0x8000
	return c
}

func wantCompleted(t *testing.T, o cpu.Outcome) cpu.Completed {
	t.Helper()
	done, ok := o.(cpu.Completed)
	if !ok {
		t.Fatalf("outcome = %v, want completed", o)
	}
	return done
}

func wantFault(t *testing.T, o cpu.Outcome, want *cpu.Fault) {
	t.Helper()
	f, ok := o.(cpu.Faulted)
	if !ok {
		t.Fatalf("outcome = %v, want fault %v", o, want)
	}
	if !errors.Is(f.Fault, want) {
		t.Fatalf("fault = %v, want %v", f.Fault, want)
	}
}

func wantDeferred(t *testing.T, o cpu.Outcome, code uint64) intercept.Exit {
	t.Helper()
	d, ok := o.(cpu.Deferred)
	if !ok {
		t.Fatalf("outcome = %v, want deferred", o)
	}
	if d.Exit.Code != code {
		t.Fatalf("exit code = %#x, want %#x", d.Exit.Code, code)
	}
	return d.Exit
}

// diffState compares two CPU states, including the breakpoint cache.
func diffState(want, got *cpu.State) string {
	return cmp.Diff(want, got, cmp.AllowUnexported(cpu.State{}))
}

func wantUnchanged(t *testing.T, before cpu.State, c *cpu.State) {
	t.Helper()
	if diff := diffState(&before, c); diff != "" {
		t.Errorf("state changed (-before +after):\n%s", diff)
	}
}
