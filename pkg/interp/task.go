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

	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/intercept"
	"gvisor.dev/x86core/pkg/x86"
)

// tssLayout gives the offsets of the dynamic fields of a TSS.
type tssLayout struct {
	minLimit uint32
	cr3      uint32 // Zero if absent.
	ip       uint32
	flags    uint32
	regs     uint32
	segs     uint32
	nsegs    int
	ldt      uint32
	trap     uint32 // Zero if absent.
	field    int    // Size of the register fields.
	stride   int    // Size of the selector fields.
}

var (
	tss32Layout = tssLayout{
		minLimit: 0x67,
		cr3:      0x1c,
		ip:       0x20,
		flags:    0x24,
		regs:     0x28,
		segs:     0x48,
		nsegs:    6,
		ldt:      0x60,
		trap:     0x64,
		field:    4,
		stride:   4,
	}
	tss16Layout = tssLayout{
		minLimit: 0x2b,
		ip:       0x0e,
		flags:    0x10,
		regs:     0x12,
		segs:     0x22,
		nsegs:    4,
		ldt:      0x2a,
		field:    2,
		stride:   2,
	}
)

// tss16 reports whether a TSS type is a 286 TSS.
func tss16(a descriptor.Attributes) bool {
	t := a.Type()
	return t == descriptor.SysTSS16Avail || t == descriptor.SysTSS16Busy
}

func layoutOf(is16 bool) *tssLayout {
	if is16 {
		return &tss16Layout
	}
	return &tss32Layout
}

// dynamicEnd is the end of the fields saved on a switch away from a task.
func (l *tssLayout) dynamicEnd() uint32 {
	return l.segs + uint32(l.nsegs*l.stride)
}

func (l *tssLayout) get(b []byte, off uint32, size int) uint64 {
	if size == 2 {
		return uint64(binary.LittleEndian.Uint16(b[off:]))
	}
	return uint64(binary.LittleEndian.Uint32(b[off:]))
}

func (l *tssLayout) put(b []byte, off uint32, size int, v uint64) {
	if size == 2 {
		binary.LittleEndian.PutUint16(b[off:], uint16(v))
	} else {
		binary.LittleEndian.PutUint32(b[off:], uint32(v))
	}
}

// tssImage is the state loaded from an incoming TSS.
type tssImage struct {
	cr3   uint64
	ip    uint64
	flags uint64
	regs  [8]uint64
	segs  [cpu.NumSegRegs]descriptor.Selector
	ldt   descriptor.Selector
	trap  bool
}

// tssSegOrder maps TSS selector slots to segment registers. Both layouts
// store ES, CS, SS and DS first.
var tssSegOrder = [...]cpu.SegReg{cpu.ES, cpu.CS, cpu.SS, cpu.DS, cpu.FS, cpu.GS}

func (l *tssLayout) decode(b []byte) tssImage {
	var img tssImage
	if l.cr3 != 0 {
		img.cr3 = l.get(b, l.cr3, 4)
	}
	img.ip = l.get(b, l.ip, l.field)
	img.flags = l.get(b, l.flags, l.field)
	for i := range img.regs {
		img.regs[i] = l.get(b, l.regs+uint32(i*l.field), l.field)
	}
	for i := 0; i < l.nsegs; i++ {
		img.segs[tssSegOrder[i]] = descriptor.Selector(l.get(b, l.segs+uint32(i*l.stride), 2))
	}
	img.ldt = descriptor.Selector(l.get(b, l.ldt, 2))
	if l.trap != 0 {
		img.trap = binary.LittleEndian.Uint16(b[l.trap:])&1 != 0
	}
	return img
}

// fetchTSS fetches the TSS descriptor for sel, which must be in the GDT.
func (e *Engine) fetchTSS(c *cpu.State, sel descriptor.Selector, bad func(descriptor.Selector) *cpu.Fault) (*descriptor.SystemSegment, error) {
	if sel.Local() {
		return nil, bad(sel)
	}
	d, err := e.fetch(c, sel, bad)
	if err != nil {
		return nil, err
	}
	tss, ok := d.(*descriptor.SystemSegment)
	if !ok || !tss.IsTSS() {
		return nil, bad(sel)
	}
	return tss, nil
}

// TaskSwitch switches to the task whose TSS is selected by sel, as delivery
// of an interrupt through a task gate does. errCode, if not nil, is pushed
// on the stack of the new task. The state's RIP is saved as the return
// address of the outgoing task.
func (e *Engine) TaskSwitch(c *cpu.State, sel descriptor.Selector, errCode *uint32) cpu.Outcome {
	return e.run(c, OpTaskSwitch, Insn{}, func(t *txn) error {
		if !c.Protected() || c.LongMode() {
			return cpu.GP(sel)
		}
		tss, err := e.fetchTSS(c, sel, cpu.TS)
		if err != nil {
			return err
		}
		if tss.Busy() {
			return cpu.GP(sel)
		}
		return e.switchTaskTxn(t, sel, tss, intercept.SwitchInterrupt, errCode, c.RIP)
	})
}

// switchTaskTxn runs a task switch from within an instruction body. The task
// switch writes the state directly; the transaction only records that
// control was transferred.
func (e *Engine) switchTaskTxn(t *txn, sel descriptor.Selector, tss *descriptor.SystemSegment, reason intercept.TaskSwitchReason, errCode *uint32, next uint64) error {
	if err := e.switchTask(t.c, sel, tss, reason, errCode, next); err != nil {
		return err
	}
	t.setRIP(t.c.RIP)
	t.shadow = t.c.InterruptShadow
	return nil
}

// switchTask performs a hardware task switch to the TSS described by tss.
// next is the instruction pointer saved in the outgoing TSS.
//
// All checks on the outgoing and incoming TSS are made first. Faults found
// while loading the incoming task's segments are raised in the context of
// the new task with its state partially loaded.
func (e *Engine) switchTask(c *cpu.State, sel descriptor.Selector, tss *descriptor.SystemSegment, reason intercept.TaskSwitchReason, errCode *uint32, next uint64) error {
	if reason == intercept.SwitchIRET {
		if !tss.Busy() {
			return cpu.TS(sel)
		}
	} else if tss.Busy() {
		return cpu.GP(sel)
	}
	if !tss.Present() {
		return cpu.NP(sel)
	}
	nl := layoutOf(tss.Is16())
	if tss.Limit < nl.minLimit {
		return cpu.TS(sel)
	}
	old := c.TR
	ol := layoutOf(tss16(old.Attr))
	if old.Limit < ol.minLimit {
		return cpu.TS(old.Selector)
	}
	if err := e.intercept(intercept.Request{
		Kind:     intercept.TaskSwitch,
		Selector: uint16(sel),
		Reason:   reason,
	}); err != nil {
		return err
	}

	in := make([]byte, nl.minLimit+1)
	if err := e.mem.ReadSystem(tss.Base, in); err != nil {
		return err
	}
	img := nl.decode(in)
	out := make([]byte, ol.dynamicEnd())
	if err := e.mem.ReadSystem(old.Base, out); err != nil {
		return err
	}
	if err := e.mem.Probe(old.Base+uint64(ol.ip), int(ol.dynamicEnd()-ol.ip), true, cpu.AccessSystem); err != nil {
		return err
	}
	if reason == intercept.SwitchCall || reason == intercept.SwitchInterrupt {
		if err := e.mem.Probe(tss.Base, 2, true, cpu.AccessSystem); err != nil {
			return err
		}
	}

	// Save the outgoing task.
	flags := c.RFLAGS
	if reason == intercept.SwitchIRET {
		flags &^= x86.RFLAGS_NT
	}
	ol.put(out, ol.ip, ol.field, next)
	ol.put(out, ol.flags, ol.field, flags)
	for i := 0; i < 8; i++ {
		ol.put(out, ol.regs+uint32(i*ol.field), ol.field, c.Regs[i])
	}
	for i := 0; i < ol.nsegs; i++ {
		ol.put(out, ol.segs+uint32(i*ol.stride), 2, uint64(c.Segs[tssSegOrder[i]].Selector))
	}
	if err := e.mem.WriteSystem(old.Base+uint64(ol.ip), out[ol.ip:]); err != nil {
		return err
	}
	tables := c.Tables()
	if reason == intercept.SwitchJmp || reason == intercept.SwitchIRET {
		if err := descriptor.SetBusy(e.mem, tables, old.Selector, false); err != nil {
			return err
		}
	}
	if reason == intercept.SwitchCall || reason == intercept.SwitchInterrupt {
		var link [2]byte
		binary.LittleEndian.PutUint16(link[:], uint16(old.Selector))
		if err := e.mem.WriteSystem(tss.Base, link[:]); err != nil {
			return err
		}
		img.flags |= x86.RFLAGS_NT
	}
	if reason != intercept.SwitchIRET {
		if err := descriptor.SetBusy(e.mem, tables, sel, true); err != nil {
			return err
		}
	}

	// Load the incoming task.
	c.TR = cpu.Segment{
		Selector: sel,
		Base:     tss.Base,
		Limit:    tss.Limit,
		Attr:     tss.Attr() | descriptor.SysTSSBusyBit,
	}
	c.CR0 |= x86.CR0_TS
	if nl.cr3 != 0 && c.CR0&x86.CR0_PG != 0 {
		root := e.pageRoot(c, img.cr3)
		if c.PAEPaging() {
			if err := e.paging.LoadPDPTEs(root); err != nil {
				return err
			}
		}
		if err := e.paging.SetRoot(root); err != nil {
			return err
		}
		c.CR3 = img.cr3
		e.paging.Flush(false)
	}
	c.RIP = img.ip
	if tss.Is16() {
		c.RFLAGS = img.flags | x86.RFLAGS_Reserved
		for i := range img.regs {
			c.Regs[i] = c.Regs[i]&^0xffff | img.regs[i]
		}
	} else {
		c.RFLAGS = img.flags&x86.RFLAGS_Live | x86.RFLAGS_Reserved
		for i := range img.regs {
			c.Regs[i] = img.regs[i]
		}
	}
	c.DR[7] &^= x86.DR7_LocalEnables
	c.InvalidateBreakpoints()
	c.PendingDebugTrap = img.trap
	c.InterruptShadow = false

	// The selectors are loaded before any descriptor is checked.
	c.LDTR = cpu.Segment{Selector: img.ldt, Attr: descriptor.AttrUnusable}
	for r := cpu.SegReg(0); r < cpu.NumSegRegs; r++ {
		c.Segs[r] = cpu.Segment{Selector: img.segs[r], Attr: descriptor.AttrUnusable}
	}
	if err := e.loadTaskLDT(c, img.ldt); err != nil {
		return err
	}
	if c.RFLAGS&x86.RFLAGS_VM != 0 {
		for r := cpu.SegReg(0); r < cpu.NumSegRegs; r++ {
			c.Segs[r].SetReal(img.segs[r], true)
		}
		c.CPL = 3
	} else if err := e.loadTaskSegs(c, img.segs); err != nil {
		return err
	}

	if errCode != nil {
		size := 4
		if tss.Is16() {
			size = 2
		}
		st := e.currentStack(c)
		if err := st.push(uint64(*errCode), size); err != nil {
			return err
		}
		if err := st.probe(); err != nil {
			return err
		}
		if err := st.flush(); err != nil {
			return err
		}
		c.Regs[cpu.RSP] = st.mergeSP(c.Regs[cpu.RSP])
	}
	if c.RIP > uint64(c.Segs[cpu.CS].Limit) {
		return cpu.GP0()
	}
	return nil
}

// loadTaskLDT loads the LDTR of an incoming task.
func (e *Engine) loadTaskLDT(c *cpu.State, sel descriptor.Selector) error {
	if sel.IsNull() {
		c.LDTR.SetNull(sel)
		return nil
	}
	if sel.Local() {
		return cpu.TS(sel)
	}
	d, err := e.fetch(c, sel, cpu.TS)
	if err != nil {
		return err
	}
	ldt, ok := d.(*descriptor.SystemSegment)
	if !ok || !ldt.IsLDT() || !ldt.Present() {
		return cpu.TS(sel)
	}
	c.LDTR = cpu.Segment{Selector: sel, Base: ldt.Base, Limit: ldt.Limit, Attr: ldt.Attr()}
	return nil
}

// loadTaskSegs validates and loads the segment registers of an incoming
// protected mode task. The new CPL is the RPL of CS.
func (e *Engine) loadTaskSegs(c *cpu.State, segs [cpu.NumSegRegs]descriptor.Selector) error {
	csSel := segs[cpu.CS]
	cpl := csSel.RPL()
	if csSel.IsNull() {
		return cpu.TS(csSel)
	}
	d, err := e.fetch(c, csSel, cpu.TS)
	if err != nil {
		return err
	}
	code, ok := d.(*descriptor.Segment)
	if !ok || !code.Attr().Code() {
		return cpu.TS(csSel)
	}
	if a := code.Attr(); a.Conforming() && a.DPL() > cpl || !a.Conforming() && a.DPL() != cpl {
		return cpu.TS(csSel)
	}
	if !code.Present() {
		return cpu.NP(csSel)
	}
	tables := c.Tables()
	if err := descriptor.MarkAccessed(e.mem, tables, csSel); err != nil {
		return err
	}
	c.Segs[cpu.CS] = segmentFrom(csSel, code)
	c.CPL = cpl

	ss, mark, err := e.checkSS(c, segs[cpu.SS], cpl, false, taskFaults)
	if err != nil {
		return err
	}
	if mark {
		if err := descriptor.MarkAccessed(e.mem, tables, segs[cpu.SS]); err != nil {
			return err
		}
	}
	c.Segs[cpu.SS] = ss

	for _, r := range []cpu.SegReg{cpu.DS, cpu.ES, cpu.FS, cpu.GS} {
		s, mark, err := e.checkDataSeg(c, segs[r], cpl, taskFaults)
		if err != nil {
			return err
		}
		if mark {
			if err := descriptor.MarkAccessed(e.mem, tables, segs[r]); err != nil {
				return err
			}
		}
		c.Segs[r] = s
	}
	return nil
}
