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
	"fmt"

	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/intercept"
)

// nextIP returns the address of the instruction following in.
func nextIP(c *cpu.State, in Insn) uint64 {
	return cpu.Truncate(c.RIP+uint64(in.Len), codeWidth(c))
}

// checkOffset validates a new instruction pointer in code segment cs. long
// means cs selects 64-bit mode.
func checkOffset(c *cpu.State, cs cpu.Segment, rip uint64, long bool) error {
	if long {
		if !c.Canonical(rip) {
			return cpu.GP0()
		}
		return nil
	}
	if rip > uint64(cs.Limit) {
		return cpu.GP0()
	}
	return nil
}

// longCode reports whether a code segment with attributes a runs in 64-bit
// mode. In long mode, L together with D is reserved.
func longCode(c *cpu.State, sel descriptor.Selector, a descriptor.Attributes) (bool, error) {
	if !c.LongMode() || !a.Long() {
		return false, nil
	}
	if a.Big() {
		return false, cpu.GP(sel)
	}
	return true, nil
}

// transferKind returns the intercept transfer for a far JMP or CALL.
func transferKind(call bool) intercept.Transfer {
	if call {
		return intercept.TransferCall
	}
	return intercept.TransferJmp
}

// farRequest stages the FarTransfer intercept for a transfer to sel:rip.
func farRequest(t *txn, tr intercept.Transfer, sel descriptor.Selector, rip uint64) {
	t.interceptOn(intercept.Request{Kind: intercept.FarTransfer, Transfer: tr, Selector: uint16(sel), Value: rip})
}

// FarJmp executes a far JMP to sel:off.
func (e *Engine) FarJmp(c *cpu.State, in Insn, sel descriptor.Selector, off uint64) cpu.Outcome {
	return e.run(c, OpFarJmp, in, func(t *txn) error {
		return e.farTransfer(t, in, sel, off, false)
	})
}

// FarCall executes a far CALL to sel:off.
func (e *Engine) FarCall(c *cpu.State, in Insn, sel descriptor.Selector, off uint64) cpu.Outcome {
	return e.run(c, OpFarCall, in, func(t *txn) error {
		return e.farTransfer(t, in, sel, off, true)
	})
}

// farTransfer dispatches a far JMP or CALL on the type of the destination
// descriptor.
func (e *Engine) farTransfer(t *txn, in Insn, sel descriptor.Selector, off uint64, call bool) error {
	c := t.c
	if !c.Protected() {
		return e.realFar(t, in, sel, off, call)
	}
	if sel.IsNull() {
		return cpu.GP0()
	}
	d, err := e.fetch(c, sel, cpu.GP)
	if err != nil {
		return err
	}
	reason := intercept.SwitchJmp
	if call {
		reason = intercept.SwitchCall
	}
	switch d := d.(type) {
	case *descriptor.Segment:
		return e.farDirect(t, in, sel, d, off, call)
	case *descriptor.CallGate:
		return e.farGate(t, in, sel, d, call)
	case *descriptor.TaskGate:
		if d.DPL() < c.CPL || d.DPL() < sel.RPL() {
			return cpu.GP(sel)
		}
		if !d.Present() {
			return cpu.NP(sel)
		}
		tss, err := e.fetchTSS(c, d.Selector, cpu.GP)
		if err != nil {
			return err
		}
		if tss.Busy() {
			return cpu.GP(d.Selector)
		}
		return e.switchTaskTxn(t, d.Selector, tss, reason, nil, nextIP(c, in))
	case *descriptor.SystemSegment:
		if !d.IsTSS() || c.LongMode() {
			return cpu.GP(sel)
		}
		if d.DPL() < c.CPL || d.DPL() < sel.RPL() || d.Busy() {
			return cpu.GP(sel)
		}
		return e.switchTaskTxn(t, sel, d, reason, nil, nextIP(c, in))
	case *descriptor.InterruptGate, *descriptor.Invalid:
		return cpu.GP(sel)
	default:
		panic(fmt.Sprintf("unknown descriptor %T", d))
	}
}

// realFar is a far JMP or CALL in real or virtual-8086 mode, where the
// selector is a paragraph number.
func (e *Engine) realFar(t *txn, in Insn, sel descriptor.Selector, off uint64, call bool) error {
	c := t.c
	size := in.opSize(c)
	off = cpu.Truncate(off, size)
	cs := c.Segs[cpu.CS]
	cs.SetReal(sel, c.Mode() == cpu.ModeV86)
	if off > uint64(cs.Limit) {
		return cpu.GP0()
	}
	if call {
		st := e.currentStack(c)
		if err := st.push(uint64(c.Segs[cpu.CS].Selector), size); err != nil {
			return err
		}
		if err := st.push(nextIP(c, in), size); err != nil {
			return err
		}
		t.useStack(st)
		t.setGPR(cpu.RSP, st.mergeSP(c.Regs[cpu.RSP]))
	}
	farRequest(t, transferKind(call), sel, off)
	t.setSeg(cpu.CS, cs)
	t.setRIP(off)
	return nil
}

// pushReturn stages the push of the return CS:IP onto st.
func pushReturn(c *cpu.State, in Insn, st *stack, size int) error {
	if err := st.push(uint64(c.Segs[cpu.CS].Selector), size); err != nil {
		return err
	}
	return st.push(nextIP(c, in), size)
}

// farDirect is a far JMP or CALL directly to a code segment. The privilege
// level never changes.
func (e *Engine) farDirect(t *txn, in Insn, sel descriptor.Selector, d *descriptor.Segment, off uint64, call bool) error {
	c := t.c
	a := d.Attr()
	if !a.Code() {
		return cpu.GP(sel)
	}
	if a.Conforming() {
		if a.DPL() > c.CPL {
			return cpu.GP(sel)
		}
	} else if sel.RPL() > c.CPL || a.DPL() != c.CPL {
		return cpu.GP(sel)
	}
	if !d.Present() {
		return cpu.NP(sel)
	}
	long, err := longCode(c, sel, a)
	if err != nil {
		return err
	}
	size := in.opSize(c)
	rip := cpu.Truncate(off, size)
	cs := segmentFrom(sel.WithRPL(c.CPL), d)
	if err := checkOffset(c, cs, rip, long); err != nil {
		return err
	}
	if call {
		st := e.currentStack(c)
		if err := pushReturn(c, in, st, size); err != nil {
			return err
		}
		t.useStack(st)
		t.setGPR(cpu.RSP, st.mergeSP(c.Regs[cpu.RSP]))
	}
	farRequest(t, transferKind(call), sel, rip)
	t.markAccessed(sel)
	t.setSeg(cpu.CS, cs)
	t.setRIP(rip)
	return nil
}

// gateSize returns the operand size of the frames built by a call gate.
func gateSize(c *cpu.State, g *descriptor.CallGate) int {
	switch {
	case c.LongMode():
		return 8
	case g.Is16():
		return 2
	default:
		return 4
	}
}

// farGate is a far JMP or CALL through a call gate. A CALL to a more
// privileged non-conforming segment switches to the inner stack named by
// the current TSS.
//
// The checks run in this order: the gate, the target code segment, the new
// stack pointer in the TSS, the new stack segment, the new stack frame and
// the parameters on the old stack. Nothing is written until all of them
// pass.
func (e *Engine) farGate(t *txn, in Insn, sel descriptor.Selector, g *descriptor.CallGate, call bool) error {
	c := t.c
	if g.DPL() < c.CPL || g.DPL() < sel.RPL() {
		return cpu.GP(sel)
	}
	if !g.Present() {
		return cpu.NP(sel)
	}
	tsel := g.Selector
	if tsel.IsNull() {
		return cpu.GP0()
	}
	td, err := e.fetch(c, tsel, cpu.GP)
	if err != nil {
		return err
	}
	code, ok := td.(*descriptor.Segment)
	if !ok || !code.Attr().Code() {
		return cpu.GP(tsel)
	}
	a := code.Attr()
	if a.DPL() > c.CPL {
		return cpu.GP(tsel)
	}
	if !call && !a.Conforming() && a.DPL() != c.CPL {
		return cpu.GP(tsel)
	}
	if !code.Present() {
		return cpu.NP(tsel)
	}
	long := false
	if c.LongMode() {
		// 64-bit call gates lead to 64-bit code only.
		if !a.Long() || a.Big() {
			return cpu.GP(tsel)
		}
		long = true
	}

	inner := call && !a.Conforming() && a.DPL() < c.CPL
	cpl := c.CPL
	if inner {
		cpl = a.DPL()
	}
	cs := segmentFrom(tsel.WithRPL(cpl), code)
	rip := g.Offset
	if err := checkOffset(c, cs, rip, long); err != nil {
		return err
	}

	size := gateSize(c, g)
	switch {
	case !call:
	case !inner:
		st := e.currentStack(c)
		if err := pushReturn(c, in, st, size); err != nil {
			return err
		}
		t.useStack(st)
		t.setGPR(cpu.RSP, st.mergeSP(c.Regs[cpu.RSP]))
	default:
		ssSel, sp, err := e.innerStack(c, cpl)
		if err != nil {
			return err
		}
		var (
			ss    cpu.Segment
			markS bool
		)
		if c.LongMode() {
			ss = nullSS(ssSel, cpl)
		} else {
			ss, markS, err = e.checkSS(c, ssSel, cpl, false, taskFaults)
			if err != nil {
				return err
			}
		}
		st := e.newStack(c, ss, ssSel, sp, long)
		old := e.currentStack(c)
		if err := st.push(uint64(c.Segs[cpu.SS].Selector), size); err != nil {
			return err
		}
		if err := st.push(cpu.Truncate(c.Regs[cpu.RSP], size), size); err != nil {
			return err
		}
		for i := int(g.ParamCount) - 1; i >= 0; i-- {
			v, err := old.read(uint64(i*size), size)
			if err != nil {
				return err
			}
			if err := st.push(v, size); err != nil {
				return err
			}
		}
		if err := pushReturn(c, in, st, size); err != nil {
			return err
		}
		farRequest(t, intercept.TransferCall, sel, rip)
		t.markAccessed(tsel)
		if markS {
			t.markAccessed(ssSel)
		}
		t.useStack(st)
		t.setSeg(cpu.SS, ss)
		t.setGPR(cpu.RSP, st.mergeSP(c.Regs[cpu.RSP]))
		t.setCPL(cpl)
		t.setSeg(cpu.CS, cs)
		t.setRIP(rip)
		return nil
	}
	farRequest(t, transferKind(call), sel, rip)
	t.markAccessed(tsel)
	t.setSeg(cpu.CS, cs)
	t.setRIP(rip)
	return nil
}

// innerStack returns the stack for privilege level cpl stored in the
// current TSS. In long mode the stack segment is a null selector.
func (e *Engine) innerStack(c *cpu.State, cpl uint8) (descriptor.Selector, uint64, error) {
	tr := c.TR
	var off, spSize uint32
	switch {
	case c.LongMode():
		off, spSize = 4+8*uint32(cpl), 8
	case tss16(tr.Attr):
		off, spSize = 2+4*uint32(cpl), 2
	default:
		off, spSize = 4+8*uint32(cpl), 4
	}
	n := spSize
	if !c.LongMode() {
		n += 2
	}
	if off+n-1 > tr.Limit {
		return 0, 0, cpu.TS(tr.Selector)
	}
	var buf [10]byte
	if err := e.mem.ReadSystem(tr.Base+uint64(off), buf[:n]); err != nil {
		return 0, 0, err
	}
	if c.LongMode() {
		return descriptor.Selector(cpl), binary.LittleEndian.Uint64(buf[:]), nil
	}
	var sp uint64
	if spSize == 2 {
		sp = uint64(binary.LittleEndian.Uint16(buf[:]))
	} else {
		sp = uint64(binary.LittleEndian.Uint32(buf[:]))
	}
	return descriptor.Selector(binary.LittleEndian.Uint16(buf[spSize:])), sp, nil
}

// FarRet executes a far RET, releasing imm bytes of parameters.
func (e *Engine) FarRet(c *cpu.State, in Insn, imm uint16) cpu.Outcome {
	return e.run(c, OpFarRet, in, func(t *txn) error {
		size := in.opSize(c)
		st := e.currentStack(c)
		ip, err := st.pop(size)
		if err != nil {
			return err
		}
		v, err := st.pop(size)
		if err != nil {
			return err
		}
		sel := descriptor.Selector(v)
		st.skip(uint64(imm))

		if !c.Protected() {
			cs := c.Segs[cpu.CS]
			cs.SetReal(sel, c.Mode() == cpu.ModeV86)
			if ip > uint64(cs.Limit) {
				return cpu.GP0()
			}
			farRequest(t, intercept.TransferRet, sel, ip)
			t.setSeg(cpu.CS, cs)
			t.setRIP(ip)
			t.setGPR(cpu.RSP, st.mergeSP(c.Regs[cpu.RSP]))
			return nil
		}

		cs, long, err := e.checkReturnCS(c, sel)
		if err != nil {
			return err
		}
		cpl := sel.RPL()
		if cpl == c.CPL {
			if err := checkOffset(c, cs, ip, long); err != nil {
				return err
			}
			farRequest(t, intercept.TransferRet, sel, ip)
			t.markAccessed(sel)
			t.setSeg(cpu.CS, cs)
			t.setRIP(ip)
			t.setGPR(cpu.RSP, st.mergeSP(c.Regs[cpu.RSP]))
			return nil
		}

		// Return to an outer privilege level.
		sp, err := st.pop(size)
		if err != nil {
			return err
		}
		v, err = st.pop(size)
		if err != nil {
			return err
		}
		ssSel := descriptor.Selector(v)
		ss, markS, err := e.checkSS(c, ssSel, cpl, long && cpl < 3, loadFaults)
		if err != nil {
			return err
		}
		if err := checkOffset(c, cs, ip, long); err != nil {
			return err
		}
		ns := e.newStack(c, ss, ssSel, sp, long)
		ns.skip(uint64(imm))
		farRequest(t, intercept.TransferRet, sel, ip)
		t.markAccessed(sel)
		if markS {
			t.markAccessed(ssSel)
		}
		t.setSeg(cpu.CS, cs)
		t.setSeg(cpu.SS, ss)
		t.setRIP(ip)
		t.setGPR(cpu.RSP, ns.mergeSP(c.Regs[cpu.RSP]))
		t.setCPL(cpl)
		setAccessibleDataSegs(t, cpl)
		return nil
	})
}

// checkReturnCS validates the code segment popped by a far RET or IRET in
// protected mode and returns its cache and whether it selects 64-bit mode.
func (e *Engine) checkReturnCS(c *cpu.State, sel descriptor.Selector) (cpu.Segment, bool, error) {
	if sel.IsNull() {
		return cpu.Segment{}, false, cpu.GP0()
	}
	if sel.RPL() < c.CPL {
		return cpu.Segment{}, false, cpu.GP(sel)
	}
	d, err := e.fetch(c, sel, cpu.GP)
	if err != nil {
		return cpu.Segment{}, false, err
	}
	code, ok := d.(*descriptor.Segment)
	if !ok || !code.Attr().Code() {
		return cpu.Segment{}, false, cpu.GP(sel)
	}
	a := code.Attr()
	if a.Conforming() {
		if a.DPL() > sel.RPL() {
			return cpu.Segment{}, false, cpu.GP(sel)
		}
	} else if a.DPL() != sel.RPL() {
		return cpu.Segment{}, false, cpu.GP(sel)
	}
	if !code.Present() {
		return cpu.Segment{}, false, cpu.NP(sel)
	}
	long, err := longCode(c, sel, a)
	if err != nil {
		return cpu.Segment{}, false, err
	}
	return segmentFrom(sel, code), long, nil
}
