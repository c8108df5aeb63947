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
)

// segFaults selects the exceptions raised by segment validation. Ordinary
// loads raise #GP for type and privilege violations; task switches raise
// #TS.
type segFaults struct {
	bad func(descriptor.Selector) *cpu.Fault
	np  func(descriptor.Selector) *cpu.Fault
}

var (
	loadFaults = segFaults{bad: cpu.GP, np: cpu.NP}
	taskFaults = segFaults{bad: cpu.TS, np: cpu.NP}
)

// segmentFrom returns the register cache for a descriptor, with the accessed
// bit set as it will be in memory.
func segmentFrom(sel descriptor.Selector, d *descriptor.Segment) cpu.Segment {
	return cpu.Segment{
		Selector: sel,
		Base:     d.Base,
		Limit:    d.Limit,
		Attr:     d.Attr() | descriptor.TypeAccessed,
	}
}

// nullSS returns the cache of a null SS loaded at privilege cpl in 64-bit
// mode.
func nullSS(sel descriptor.Selector, cpl uint8) cpu.Segment {
	return cpu.Segment{Selector: sel, Attr: descriptor.AttrUnusable.WithDPL(cpl)}
}

// checkDataSeg validates sel for DS, ES, FS or GS at privilege cpl. It
// returns the new register cache and whether the accessed bit must be set.
func (e *Engine) checkDataSeg(c *cpu.State, sel descriptor.Selector, cpl uint8, f segFaults) (cpu.Segment, bool, error) {
	if sel.IsNull() {
		var s cpu.Segment
		s.SetNull(sel)
		return s, false, nil
	}
	d, err := e.fetch(c, sel, f.bad)
	if err != nil {
		return cpu.Segment{}, false, err
	}
	seg, ok := d.(*descriptor.Segment)
	if !ok || !seg.Attr().Readable() {
		return cpu.Segment{}, false, f.bad(sel)
	}
	if a := seg.Attr(); !a.Conforming() && (sel.RPL() > a.DPL() || cpl > a.DPL()) {
		return cpu.Segment{}, false, f.bad(sel)
	}
	if !seg.Present() {
		return cpu.Segment{}, false, f.np(sel)
	}
	return segmentFrom(sel, seg), true, nil
}

// checkSS validates sel as a stack segment at privilege cpl. allowNull
// permits a null selector, as in 64-bit mode outside ring 3. Intel also
// requires the RPL of a null selector to match cpl; AMD does not.
func (e *Engine) checkSS(c *cpu.State, sel descriptor.Selector, cpl uint8, allowNull bool, f segFaults) (cpu.Segment, bool, error) {
	if sel.IsNull() {
		if allowNull && (sel.RPL() == cpl || e.features.Vendor == cpu.VendorAMD) {
			return nullSS(sel, cpl), false, nil
		}
		return cpu.Segment{}, false, f.bad(0)
	}
	if sel.RPL() != cpl {
		return cpu.Segment{}, false, f.bad(sel)
	}
	d, err := e.fetch(c, sel, f.bad)
	if err != nil {
		return cpu.Segment{}, false, err
	}
	seg, ok := d.(*descriptor.Segment)
	if !ok || !seg.Attr().Writable() || seg.DPL() != cpl {
		return cpu.Segment{}, false, f.bad(sel)
	}
	if !seg.Present() {
		return cpu.Segment{}, false, cpu.StackFault(sel)
	}
	return segmentFrom(sel, seg), true, nil
}

// loadSReg stages a load of sel into r with MOV semantics.
func (e *Engine) loadSReg(t *txn, r cpu.SegReg, sel descriptor.Selector) error {
	c := t.c
	if r == cpu.CS || r < 0 || r >= cpu.NumSegRegs {
		return cpu.UD()
	}
	if r == cpu.SS {
		// Interrupts are inhibited until the stack pointer load that
		// normally follows.
		t.shadow = true
	}
	if !c.Protected() {
		s := t.seg(r)
		s.SetReal(sel, c.Mode() == cpu.ModeV86)
		t.setSeg(r, s)
		return nil
	}
	var (
		s    cpu.Segment
		mark bool
		err  error
	)
	if r == cpu.SS {
		s, mark, err = e.checkSS(c, sel, c.CPL, c.Is64() && c.CPL < 3, loadFaults)
	} else {
		s, mark, err = e.checkDataSeg(c, sel, c.CPL, loadFaults)
	}
	if err != nil {
		return err
	}
	if mark {
		t.markAccessed(sel)
	}
	t.setSeg(r, s)
	return nil
}

// LoadSReg executes MOV to a segment register.
func (e *Engine) LoadSReg(c *cpu.State, in Insn, r cpu.SegReg, sel descriptor.Selector) cpu.Outcome {
	return e.run(c, OpLoadSReg, in, func(t *txn) error {
		return e.loadSReg(t, r, sel)
	})
}

// PopSReg executes POP to a segment register.
func (e *Engine) PopSReg(c *cpu.State, in Insn, r cpu.SegReg) cpu.Outcome {
	return e.run(c, OpPopSReg, in, func(t *txn) error {
		if r == cpu.CS || (c.Is64() && r != cpu.FS && r != cpu.GS) {
			return cpu.UD()
		}
		st := e.currentStack(c)
		v, err := st.pop(in.opSize(c))
		if err != nil {
			return err
		}
		if err := e.loadSReg(t, r, descriptor.Selector(v)); err != nil {
			return err
		}
		t.setGPR(cpu.RSP, st.mergeSP(c.Regs[cpu.RSP]))
		return nil
	})
}

// LoadFarPointer executes LDS, LES, LSS, LFS or LGS: a far pointer is read
// from linear address addr, its selector loaded into r and its offset into
// dst. dst is written only if the segment load succeeds.
func (e *Engine) LoadFarPointer(c *cpu.State, in Insn, r cpu.SegReg, dst cpu.GPR, addr uint64) cpu.Outcome {
	return e.run(c, OpLoadFarPointer, in, func(t *txn) error {
		if r == cpu.CS || (c.Is64() && (r == cpu.DS || r == cpu.ES)) {
			return cpu.UD()
		}
		size := in.opSize(c)
		var buf [10]byte
		if err := e.mem.Read(addr, buf[:size+2], cpu.AccessData); err != nil {
			return err
		}
		var off uint64
		switch size {
		case 2:
			off = uint64(binary.LittleEndian.Uint16(buf[:]))
		case 4:
			off = uint64(binary.LittleEndian.Uint32(buf[:]))
		default:
			off = binary.LittleEndian.Uint64(buf[:])
		}
		sel := descriptor.Selector(binary.LittleEndian.Uint16(buf[size:]))
		if err := e.loadSReg(t, r, sel); err != nil {
			return err
		}
		t.setGPRSized(dst, off, size)
		return nil
	})
}

// setAccessibleDataSegs nulls each data segment register that is not
// accessible at privilege cpl, as a return to an outer ring does.
func setAccessibleDataSegs(t *txn, cpl uint8) {
	for _, r := range []cpu.SegReg{cpu.ES, cpu.DS, cpu.FS, cpu.GS} {
		s := t.seg(r)
		if !s.Usable() {
			continue
		}
		if (s.Attr.Data() || !s.Attr.Conforming()) && s.Attr.DPL() < cpl {
			s.SetNull(0)
			t.setSeg(r, s)
		}
	}
}
