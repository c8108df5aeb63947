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

const (
	// iretdRealMask are the flags a 32-bit IRET loads in real mode.
	iretdRealMask = 0x257fd5

	// iretdRealKeep are preserved by a 32-bit IRET in real mode.
	iretdRealKeep = x86.RFLAGS_VIF | x86.RFLAGS_VIP | x86.RFLAGS_VM
)

// IRET executes IRET with the operand size of in.
func (e *Engine) IRET(c *cpu.State, in Insn) cpu.Outcome {
	return e.run(c, OpIRET, in, func(t *txn) error {
		switch c.Mode() {
		case cpu.ModeReal:
			return e.iretReal(t, in)
		case cpu.ModeV86:
			return e.iretV86(t, in)
		}
		if c.RFLAGS&x86.RFLAGS_NT != 0 {
			if c.LongMode() {
				return cpu.GP0()
			}
			return e.iretTask(t, in)
		}
		return e.iretProtected(t, in)
	})
}

// popFrame pops the IP, CS and FLAGS of an interrupt frame.
func popFrame(st *stack, size int) (ip uint64, sel descriptor.Selector, flags uint64, err error) {
	if ip, err = st.pop(size); err != nil {
		return
	}
	var v uint64
	if v, err = st.pop(size); err != nil {
		return
	}
	sel = descriptor.Selector(v)
	flags, err = st.pop(size)
	return
}

func (e *Engine) iretReal(t *txn, in Insn) error {
	c := t.c
	size := in.opSize(c)
	st := e.currentStack(c)
	ip, sel, fl, err := popFrame(st, size)
	if err != nil {
		return err
	}
	cs := c.Segs[cpu.CS]
	cs.SetReal(sel, false)
	if ip > uint64(cs.Limit) {
		return cpu.GP0()
	}
	old := c.RFLAGS
	var flags uint64
	if size == 4 {
		flags = fl&iretdRealMask | old&iretdRealKeep
	} else {
		flags = old&^0xffff | fl&0xffff
	}
	t.interceptOn(intercept.Request{Kind: intercept.IRET})
	t.setSeg(cpu.CS, cs)
	t.setRIP(ip)
	t.setFlags(flags | x86.RFLAGS_Reserved)
	t.setGPR(cpu.RSP, st.mergeSP(c.Regs[cpu.RSP]))
	return nil
}

// iretV86 is IRET in virtual-8086 mode. Without IOPL 3 it faults unless the
// virtual mode extensions let a 16-bit IRET update VIF instead of IF.
func (e *Engine) iretV86(t *txn, in Insn) error {
	c := t.c
	old := c.RFLAGS
	size := in.opSize(c)
	vme := x86.IOPL(old) < 3 && c.CR4&x86.CR4_VME != 0 && size == 2
	if x86.IOPL(old) < 3 && !vme {
		return cpu.GP0()
	}
	st := e.currentStack(c)
	ip, sel, fl, err := popFrame(st, size)
	if err != nil {
		return err
	}
	var flags uint64
	switch {
	case vme:
		if fl&x86.RFLAGS_TF != 0 || (fl&x86.RFLAGS_IF != 0 && old&x86.RFLAGS_VIP != 0) {
			return cpu.GP0()
		}
		const fixed = x86.RFLAGS_IF | x86.RFLAGS_IOPL
		flags = old&^(0xffff&^fixed) | fl&0xffff&^fixed
		if fl&x86.RFLAGS_IF != 0 {
			flags |= x86.RFLAGS_VIF
		} else {
			flags &^= x86.RFLAGS_VIF
		}
	case size == 4:
		const keep = x86.RFLAGS_IOPL | x86.RFLAGS_VM | x86.RFLAGS_VIF | x86.RFLAGS_VIP
		flags = old&keep | fl&(x86.RFLAGS_Live&^keep)
	default:
		flags = old&^(0xffff&^x86.RFLAGS_IOPL) | fl&0xffff&^x86.RFLAGS_IOPL
	}
	cs := c.Segs[cpu.CS]
	cs.SetReal(sel, true)
	if ip > uint64(cs.Limit) {
		return cpu.GP0()
	}
	t.interceptOn(intercept.Request{Kind: intercept.IRET})
	t.setSeg(cpu.CS, cs)
	t.setRIP(ip)
	t.setFlags(flags | x86.RFLAGS_Reserved)
	t.setGPR(cpu.RSP, st.mergeSP(c.Regs[cpu.RSP]))
	return nil
}

// iretTask returns to the task named by the back link of the current TSS.
func (e *Engine) iretTask(t *txn, in Insn) error {
	c := t.c
	var b [2]byte
	if err := e.mem.ReadSystem(c.TR.Base, b[:]); err != nil {
		return err
	}
	sel := descriptor.Selector(binary.LittleEndian.Uint16(b[:]))
	tss, err := e.fetchTSS(c, sel, cpu.TS)
	if err != nil {
		return err
	}
	if err := e.intercept(intercept.Request{Kind: intercept.IRET}); err != nil {
		return err
	}
	return e.switchTaskTxn(t, sel, tss, intercept.SwitchIRET, nil, nextIP(c, in))
}

// iretFlags merges flags popped by a protected mode IRET. The rules depend
// on the privilege level the IRET executes at, not the one it returns to.
func iretFlags(c *cpu.State, fl uint64, size int) uint64 {
	mask := protectedFlagsMask(c.CPL, x86.IOPL(c.RFLAGS), size)
	if size > 2 {
		mask |= x86.RFLAGS_RF
		if c.CPL == 0 {
			mask |= x86.RFLAGS_VIF | x86.RFLAGS_VIP
		}
	}
	return mergeFlags(c.RFLAGS, fl, mask)
}

func (e *Engine) iretProtected(t *txn, in Insn) error {
	c := t.c
	size := in.opSize(c)
	st := e.currentStack(c)
	ip, sel, fl, err := popFrame(st, size)
	if err != nil {
		return err
	}
	if fl&x86.RFLAGS_VM != 0 && c.CPL == 0 && size == 4 && !c.LongMode() {
		return e.iretToV86(t, st, ip, sel, fl)
	}
	cs, long, err := e.checkReturnCS(c, sel)
	if err != nil {
		return err
	}
	cpl := sel.RPL()
	flags := iretFlags(c, fl, size)
	t.interceptOn(intercept.Request{Kind: intercept.IRET})

	// 64-bit mode always pops SS:RSP.
	if cpl == c.CPL && !c.Is64() {
		if err := checkOffset(c, cs, ip, long); err != nil {
			return err
		}
		t.markAccessed(sel)
		t.setSeg(cpu.CS, cs)
		t.setRIP(ip)
		t.setFlags(flags)
		t.setGPR(cpu.RSP, st.mergeSP(c.Regs[cpu.RSP]))
		return nil
	}

	sp, err := st.pop(size)
	if err != nil {
		return err
	}
	v, err := st.pop(size)
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
	t.markAccessed(sel)
	if markS {
		t.markAccessed(ssSel)
	}
	t.setSeg(cpu.CS, cs)
	t.setSeg(cpu.SS, ss)
	t.setRIP(ip)
	t.setFlags(flags)
	t.setGPR(cpu.RSP, ns.mergeSP(c.Regs[cpu.RSP]))
	if cpl != c.CPL {
		t.setCPL(cpl)
		setAccessibleDataSegs(t, cpl)
	}
	return nil
}

// iretToV86 completes a 32-bit IRET at CPL 0 whose popped flags have VM
// set. The rest of the frame holds ESP, SS, ES, DS, FS and GS.
func (e *Engine) iretToV86(t *txn, st *stack, ip uint64, csSel descriptor.Selector, fl uint64) error {
	var v [6]uint64
	for i := range v {
		x, err := st.pop(4)
		if err != nil {
			return err
		}
		v[i] = x
	}
	for _, l := range []struct {
		r   cpu.SegReg
		sel uint64
	}{
		{cpu.CS, uint64(csSel)},
		{cpu.SS, v[1]},
		{cpu.ES, v[2]},
		{cpu.DS, v[3]},
		{cpu.FS, v[4]},
		{cpu.GS, v[5]},
	} {
		s := t.seg(l.r)
		s.SetReal(descriptor.Selector(l.sel), true)
		t.setSeg(l.r, s)
	}
	if ip > 0xffff {
		return cpu.GP0()
	}
	t.interceptOn(intercept.Request{Kind: intercept.IRET})
	t.setRIP(ip)
	t.setFlags(fl&x86.RFLAGS_Live | x86.RFLAGS_Reserved)
	t.setGPR(cpu.RSP, v[0]&0xffffffff)
	t.setCPL(3)
	return nil
}
