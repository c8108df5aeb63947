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

// Operand is the destination of an instruction that stores a value: a
// general purpose register or memory at a linear address.
type Operand struct {
	Reg  cpu.GPR
	Mem  bool
	Addr uint64
}

// RegOperand returns a register destination.
func RegOperand(r cpu.GPR) Operand {
	return Operand{Reg: r}
}

// MemOperand returns a memory destination.
func MemOperand(addr uint64) Operand {
	return Operand{Mem: true, Addr: addr}
}

// store stages a write of v to dst. Memory destinations are always written
// with memSize bytes; registers with the operand size.
func (e *Engine) store(t *txn, dst Operand, v uint64, regSize, memSize int) error {
	if !dst.Mem {
		t.setGPRSized(dst.Reg, v, regSize)
		return nil
	}
	if err := e.mem.Probe(dst.Addr, memSize, true, cpu.AccessData); err != nil {
		return err
	}
	t.update(func() error {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		return e.mem.Write(dst.Addr, buf[:memSize], cpu.AccessData)
	})
	return nil
}

// checkSystemSel fetches the GDT descriptor for an LDT or TSS selector.
func (e *Engine) checkSystemSel(c *cpu.State, sel descriptor.Selector) (*descriptor.SystemSegment, error) {
	if sel.Local() {
		return nil, cpu.GP(sel)
	}
	d, err := e.fetch(c, sel, cpu.GP)
	if err != nil {
		return nil, err
	}
	s, ok := d.(*descriptor.SystemSegment)
	if !ok {
		return nil, cpu.GP(sel)
	}
	return s, nil
}

// LLDT loads the LDT register.
func (e *Engine) LLDT(c *cpu.State, in Insn, sel descriptor.Selector) cpu.Outcome {
	return e.run(c, OpLLDT, in, func(t *txn) error {
		if !c.Protected() {
			return cpu.UD()
		}
		if c.CPL != 0 {
			return cpu.GP0()
		}
		t.interceptOn(intercept.Request{Kind: intercept.WriteDescriptorTable, Index: int(intercept.LDTR), Selector: uint16(sel)})
		var ldtr cpu.Segment
		if sel.IsNull() {
			ldtr.SetNull(sel)
		} else {
			s, err := e.checkSystemSel(c, sel)
			if err != nil {
				return err
			}
			if !s.IsLDT() {
				return cpu.GP(sel)
			}
			if !s.Present() {
				return cpu.NP(sel)
			}
			if c.LongMode() && !c.Canonical(s.Base) {
				return cpu.GP(sel)
			}
			ldtr = cpu.Segment{Selector: sel, Base: s.Base, Limit: s.Limit, Attr: s.Attr()}
		}
		t.then(func() { c.LDTR = ldtr })
		return nil
	})
}

// LTR loads the task register and marks the TSS busy.
func (e *Engine) LTR(c *cpu.State, in Insn, sel descriptor.Selector) cpu.Outcome {
	return e.run(c, OpLTR, in, func(t *txn) error {
		if !c.Protected() {
			return cpu.UD()
		}
		if c.CPL != 0 {
			return cpu.GP0()
		}
		if sel.IsNull() {
			return cpu.GP0()
		}
		s, err := e.checkSystemSel(c, sel)
		if err != nil {
			return err
		}
		if !s.IsTSS() || s.Busy() {
			return cpu.GP(sel)
		}
		if !s.Present() {
			return cpu.NP(sel)
		}
		if c.LongMode() && !c.Canonical(s.Base) {
			return cpu.GP(sel)
		}
		t.interceptOn(intercept.Request{Kind: intercept.WriteDescriptorTable, Index: int(intercept.TR), Selector: uint16(sel)})
		tables := c.Tables()
		t.update(func() error {
			return descriptor.SetBusy(e.mem, tables, sel, true)
		})
		tr := cpu.Segment{Selector: sel, Base: s.Base, Limit: s.Limit, Attr: s.Attr() | descriptor.SysTSSBusyBit}
		t.then(func() { c.TR = tr })
		return nil
	})
}

// readPseudoDescriptor reads the limit and base operand of LGDT and LIDT.
func (e *Engine) readPseudoDescriptor(c *cpu.State, in Insn, addr uint64) (cpu.DescriptorTable, error) {
	var buf [10]byte
	n := 6
	if c.Is64() {
		n = 10
	}
	if err := e.mem.Read(addr, buf[:n], cpu.AccessData); err != nil {
		return cpu.DescriptorTable{}, err
	}
	dt := cpu.DescriptorTable{Limit: binary.LittleEndian.Uint16(buf[:])}
	switch {
	case c.Is64():
		dt.Base = binary.LittleEndian.Uint64(buf[2:])
		if !c.Canonical(dt.Base) {
			return cpu.DescriptorTable{}, cpu.GP0()
		}
	case in.opSize(c) == 2:
		dt.Base = uint64(binary.LittleEndian.Uint32(buf[2:])) & 0xffffff
	default:
		dt.Base = uint64(binary.LittleEndian.Uint32(buf[2:]))
	}
	return dt, nil
}

func (e *Engine) loadTable(c *cpu.State, in Insn, op Op, table intercept.Table, addr uint64, reg *cpu.DescriptorTable) cpu.Outcome {
	return e.run(c, op, in, func(t *txn) error {
		if c.Mode() == cpu.ModeV86 || c.CPL != 0 {
			return cpu.GP0()
		}
		dt, err := e.readPseudoDescriptor(c, in, addr)
		if err != nil {
			return err
		}
		t.interceptOn(intercept.Request{Kind: intercept.WriteDescriptorTable, Index: int(table), Value: dt.Base})
		t.then(func() { *reg = dt })
		return nil
	})
}

// LGDT loads the GDT register from the pseudo-descriptor at addr.
func (e *Engine) LGDT(c *cpu.State, in Insn, addr uint64) cpu.Outcome {
	return e.loadTable(c, in, OpLGDT, intercept.GDTR, addr, &c.GDTR)
}

// LIDT loads the IDT register from the pseudo-descriptor at addr.
func (e *Engine) LIDT(c *cpu.State, in Insn, addr uint64) cpu.Outcome {
	return e.loadTable(c, in, OpLIDT, intercept.IDTR, addr, &c.IDTR)
}

// umip reports whether user-mode instruction prevention blocks a
// descriptor table read.
func umip(c *cpu.State) bool {
	return c.CR4&x86.CR4_UMIP != 0 && c.CPL > 0
}

func (e *Engine) storeTable(c *cpu.State, in Insn, op Op, table intercept.Table, addr uint64, reg *cpu.DescriptorTable) cpu.Outcome {
	return e.run(c, op, in, func(t *txn) error {
		if umip(c) {
			return cpu.GP0()
		}
		t.interceptOn(intercept.Request{Kind: intercept.ReadDescriptorTable, Index: int(table)})
		n, base := 6, reg.Base
		switch {
		case c.Is64():
			n = 10
		case in.opSize(c) == 2:
			base &= 0xffffff
		default:
			base &= 0xffffffff
		}
		if err := e.mem.Probe(addr, n, true, cpu.AccessData); err != nil {
			return err
		}
		var buf [10]byte
		binary.LittleEndian.PutUint16(buf[:], reg.Limit)
		binary.LittleEndian.PutUint64(buf[2:], base)
		t.update(func() error {
			return e.mem.Write(addr, buf[:n], cpu.AccessData)
		})
		return nil
	})
}

// SGDT stores the GDT register at addr.
func (e *Engine) SGDT(c *cpu.State, in Insn, addr uint64) cpu.Outcome {
	return e.storeTable(c, in, OpSGDT, intercept.GDTR, addr, &c.GDTR)
}

// SIDT stores the IDT register at addr.
func (e *Engine) SIDT(c *cpu.State, in Insn, addr uint64) cpu.Outcome {
	return e.storeTable(c, in, OpSIDT, intercept.IDTR, addr, &c.IDTR)
}

func (e *Engine) storeSelector(c *cpu.State, in Insn, op Op, table intercept.Table, dst Operand, reg *cpu.Segment) cpu.Outcome {
	return e.run(c, op, in, func(t *txn) error {
		if !c.Protected() {
			return cpu.UD()
		}
		if umip(c) {
			return cpu.GP0()
		}
		t.interceptOn(intercept.Request{Kind: intercept.ReadDescriptorTable, Index: int(table)})
		return e.store(t, dst, uint64(reg.Selector), in.opSize(c), 2)
	})
}

// SLDT stores the LDT selector.
func (e *Engine) SLDT(c *cpu.State, in Insn, dst Operand) cpu.Outcome {
	return e.storeSelector(c, in, OpSLDT, intercept.LDTR, dst, &c.LDTR)
}

// STR stores the task register selector.
func (e *Engine) STR(c *cpu.State, in Insn, dst Operand) cpu.Outcome {
	return e.storeSelector(c, in, OpSTR, intercept.TR, dst, &c.TR)
}

// probe fetches the descriptor examined by LAR, LSL, VERR and VERW. A nil
// descriptor with a nil error means the selector is unusable and ZF is
// cleared; only memory faults are reported.
func (e *Engine) probe(c *cpu.State, sel descriptor.Selector) (descriptor.Descriptor, error) {
	if sel.IsNull() {
		return nil, nil
	}
	d, err := descriptor.Fetch(e.mem, c.Tables(), sel, c.LongMode())
	if err != nil {
		if descriptor.IsFetchError(err) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

// visible applies the privilege check shared by the descriptor probes.
func visible(c *cpu.State, sel descriptor.Selector, a descriptor.Attributes) bool {
	if a.Conforming() {
		return true
	}
	return a.DPL() >= c.CPL && a.DPL() >= sel.RPL()
}

// larType reports whether a system descriptor type is visible to LAR (or,
// with lsl set, to LSL).
func larType(typ uint8, long, lsl bool) bool {
	switch typ {
	case descriptor.SysLDT, descriptor.SysTSS32Avail, descriptor.SysTSS32Busy:
		return true
	case descriptor.SysTSS16Avail, descriptor.SysTSS16Busy:
		return !long
	case descriptor.SysCallGate16, descriptor.SysTaskGate:
		return !long && !lsl
	case descriptor.SysCallGate32:
		return !lsl
	}
	return false
}

func setZF(t *txn, on bool) {
	f := t.flags() &^ x86.RFLAGS_ZF
	if on {
		f |= x86.RFLAGS_ZF
	}
	t.setFlags(f)
}

func (e *Engine) probeOp(c *cpu.State, in Insn, op Op, sel descriptor.Selector, body func(t *txn, d descriptor.Descriptor) error) cpu.Outcome {
	return e.run(c, op, in, func(t *txn) error {
		if !c.Protected() {
			return cpu.UD()
		}
		d, err := e.probe(c, sel)
		if err != nil {
			return err
		}
		if d == nil || !visible(c, sel, d.Attr()) {
			setZF(t, false)
			return nil
		}
		return body(t, d)
	})
}

// LAR loads the access rights of sel into dst and sets ZF, or clears ZF if
// the descriptor is not visible.
func (e *Engine) LAR(c *cpu.State, in Insn, sel descriptor.Selector, dst cpu.GPR) cpu.Outcome {
	return e.probeOp(c, in, OpLAR, sel, func(t *txn, d descriptor.Descriptor) error {
		if d.Attr().System() && !larType(d.Attr().Type(), c.LongMode(), false) {
			setZF(t, false)
			return nil
		}
		setZF(t, true)
		t.setGPRSized(dst, (d.Raw().Lo>>32)&0x00f0ff00, in.opSize(c))
		return nil
	})
}

// LSL loads the byte-granular limit of sel into dst.
func (e *Engine) LSL(c *cpu.State, in Insn, sel descriptor.Selector, dst cpu.GPR) cpu.Outcome {
	return e.probeOp(c, in, OpLSL, sel, func(t *txn, d descriptor.Descriptor) error {
		var limit uint32
		switch d := d.(type) {
		case *descriptor.Segment:
			limit = d.Limit
		case *descriptor.SystemSegment:
			if !larType(d.Attr().Type(), c.LongMode(), true) {
				setZF(t, false)
				return nil
			}
			limit = d.Limit
		default:
			setZF(t, false)
			return nil
		}
		setZF(t, true)
		t.setGPRSized(dst, uint64(limit), in.opSize(c))
		return nil
	})
}

// VERR sets ZF if sel is readable at the current privilege level.
func (e *Engine) VERR(c *cpu.State, in Insn, sel descriptor.Selector) cpu.Outcome {
	return e.probeOp(c, in, OpVERR, sel, func(t *txn, d descriptor.Descriptor) error {
		_, ok := d.(*descriptor.Segment)
		setZF(t, ok && d.Attr().Readable())
		return nil
	})
}

// VERW sets ZF if sel is writable at the current privilege level.
func (e *Engine) VERW(c *cpu.State, in Insn, sel descriptor.Selector) cpu.Outcome {
	return e.probeOp(c, in, OpVERW, sel, func(t *txn, d descriptor.Descriptor) error {
		_, ok := d.(*descriptor.Segment)
		setZF(t, ok && d.Attr().Writable())
		return nil
	})
}
