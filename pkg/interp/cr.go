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

// validCR reports whether n names an implemented control register in the
// current mode.
func validCR(c *cpu.State, n int) bool {
	switch n {
	case 0, 2, 3, 4:
		return true
	case 8:
		return c.Is64()
	}
	return false
}

// crOperand truncates a register operand outside 64-bit mode.
func crOperand(c *cpu.State, v uint64) uint64 {
	if !c.Is64() {
		return v & 0xffffffff
	}
	return v
}

// WriteCR executes MOV to control register n.
func (e *Engine) WriteCR(c *cpu.State, in Insn, n int, v uint64) cpu.Outcome {
	return e.run(c, OpWriteCR, in, func(t *txn) error {
		if !validCR(c, n) {
			return cpu.UD()
		}
		if c.CPL != 0 {
			return cpu.GP0()
		}
		v := crOperand(c, v)
		switch n {
		case 0:
			return e.writeCR0(t, v, intercept.SourceMov)
		case 2:
			t.interceptOn(intercept.Request{Kind: intercept.WriteCR, Index: 2, Value: v, Old: c.CR2})
			t.then(func() { c.CR2 = v })
			return nil
		case 3:
			return e.writeCR3(t, v)
		case 4:
			return e.writeCR4(t, v)
		default:
			return e.writeCR8(t, v)
		}
	})
}

// writeCR0 validates and stages a CR0 write from src.
func (e *Engine) writeCR0(t *txn, v uint64, src intercept.Source) error {
	c := t.c
	old := c.CR0
	if e.features.Generation == cpu.Gen386 {
		v = v&x86.CR0_Valid386 | x86.CR0_ET
	} else {
		if v>>32 != 0 {
			return cpu.GP0()
		}
		v = v&x86.CR0_Valid | x86.CR0_ET
	}
	if v&x86.CR0_PG != 0 && v&x86.CR0_PE == 0 {
		return cpu.GP0()
	}
	if v&x86.CR0_NW != 0 && v&x86.CR0_CD == 0 {
		return cpu.GP0()
	}
	efer := c.EFER
	enablePG := old&x86.CR0_PG == 0 && v&x86.CR0_PG != 0
	disablePG := old&x86.CR0_PG != 0 && v&x86.CR0_PG == 0
	if disablePG {
		if c.CR4&x86.CR4_PCIDE != 0 || c.Is64() {
			return cpu.GP0()
		}
		efer &^= x86.EFER_LMA
	}
	if enablePG && efer&x86.EFER_LME != 0 {
		if c.CR4&x86.CR4_PAE == 0 || c.Segs[cpu.CS].Attr.Long() {
			return cpu.GP0()
		}
		efer |= x86.EFER_LMA
	}

	// Entering legacy PAE paging, or changing paging bits while in it,
	// reloads the PDPTEs.
	pae := v&x86.CR0_PG != 0 && c.CR4&x86.CR4_PAE != 0 && efer&x86.EFER_LMA == 0
	changed := (old ^ v) & x86.CR0_PagingBits
	if pae && changed != 0 {
		cr3 := c.CR3
		t.update(func() error { return e.paging.LoadPDPTEs(cr3) })
	}

	t.interceptOn(intercept.Request{Kind: intercept.WriteCR, Index: 0, Value: v, Old: old, Source: src})
	t.then(func() {
		c.CR0 = v
		c.EFER = efer
		if changed != 0 {
			e.paging.Flush(true)
			e.paging.ModeChanged(c.CR0, c.CR4, c.EFER)
		}
	})
	return nil
}

// physMask returns the bits of a physical address beyond the implemented
// width.
func (e *Engine) physMask() uint64 {
	if e.features.PhysAddrBits >= 64 {
		return 0
	}
	return ^uint64(0) << e.features.PhysAddrBits
}

// pageRoot returns the page table address held in cr3 under the paging
// mode of c. The bits outside the mode's address field are flags, the PCID
// or ignored.
func (e *Engine) pageRoot(c *cpu.State, cr3 uint64) uint64 {
	switch {
	case c.LongMode():
		return cr3 &^ (x86.CR3_PCIDMask | x86.CR3_NoFlush | e.physMask())
	case c.CR4&x86.CR4_PAE != 0:
		return cr3 & x86.CR3_PAEMask
	default:
		return cr3 & x86.CR3_LegacyMask
	}
}

func (e *Engine) writeCR3(t *txn, v uint64) error {
	c := t.c
	noFlush := false
	if c.CR4&x86.CR4_PCIDE != 0 && v&x86.CR3_NoFlush != 0 {
		noFlush = true
		v &^= x86.CR3_NoFlush
	}
	if c.LongMode() && v&e.physMask() != 0 {
		return cpu.GP0()
	}
	root := e.pageRoot(c, v)
	if c.PAEPaging() {
		t.update(func() error { return e.paging.LoadPDPTEs(root) })
	}
	t.update(func() error { return e.paging.SetRoot(root) })
	t.interceptOn(intercept.Request{Kind: intercept.WriteCR, Index: 3, Value: v, Old: c.CR3})
	t.then(func() {
		c.CR3 = v
		if !noFlush {
			e.paging.Flush(false)
		}
	})
	return nil
}

func (e *Engine) writeCR4(t *txn, v uint64) error {
	c := t.c
	old := c.CR4
	if v&^e.features.ValidCR4() != 0 {
		return cpu.GP0()
	}
	if c.LongMode() {
		if v&x86.CR4_PAE == 0 {
			return cpu.GP0()
		}
		if (old^v)&x86.CR4_LA57 != 0 {
			return cpu.GP0()
		}
	}
	if old&x86.CR4_PCIDE == 0 && v&x86.CR4_PCIDE != 0 {
		if !c.LongMode() || c.CR3&x86.CR3_PCIDMask != 0 {
			return cpu.GP0()
		}
	}
	changed := (old ^ v) & x86.CR4_PagingBits
	pae := c.CR0&x86.CR0_PG != 0 && v&x86.CR4_PAE != 0 && !c.LongMode()
	if pae && (old^v)&x86.CR4_PDPTEBits != 0 {
		cr3 := c.CR3
		t.update(func() error { return e.paging.LoadPDPTEs(cr3) })
	}
	t.interceptOn(intercept.Request{Kind: intercept.WriteCR, Index: 4, Value: v, Old: old})
	t.then(func() {
		c.CR4 = v
		if changed != 0 {
			e.paging.Flush(true)
			e.paging.ModeChanged(c.CR0, c.CR4, c.EFER)
		}
	})
	return nil
}

// tpr returns the register backing CR8.
func (e *Engine) tpr() TPR {
	if e.vtpr != nil {
		return e.vtpr
	}
	return e.apic
}

func (e *Engine) writeCR8(t *txn, v uint64) error {
	if v&^x86.CR8_Valid != 0 {
		return cpu.GP0()
	}
	t.interceptOn(intercept.Request{Kind: intercept.WriteCR, Index: 8, Value: v, Old: uint64(e.tpr().TPR() >> 4)})
	t.then(func() { e.tpr().SetTPR(uint8(v) << 4) })
	return nil
}

// ReadCR executes MOV from control register n into dst.
func (e *Engine) ReadCR(c *cpu.State, in Insn, n int, dst cpu.GPR) cpu.Outcome {
	return e.run(c, OpReadCR, in, func(t *txn) error {
		if !validCR(c, n) {
			return cpu.UD()
		}
		if c.CPL != 0 {
			return cpu.GP0()
		}
		t.interceptOn(intercept.Request{Kind: intercept.ReadCR, Index: n})
		var v uint64
		switch n {
		case 0:
			v = c.CR0
		case 2:
			v = c.CR2
		case 3:
			v = c.CR3
		case 4:
			v = c.CR4
		case 8:
			v = uint64(e.tpr().TPR() >> 4)
		}
		if c.Is64() {
			t.setGPR(dst, v)
		} else {
			t.setGPRSized(dst, v, 4)
		}
		return nil
	})
}

// CLTS clears CR0.TS.
func (e *Engine) CLTS(c *cpu.State, in Insn) cpu.Outcome {
	return e.run(c, OpCLTS, in, func(t *txn) error {
		if c.CPL != 0 {
			return cpu.GP0()
		}
		return e.writeCR0(t, c.CR0&^x86.CR0_TS, intercept.SourceCLTS)
	})
}

// LMSW loads the low four bits of CR0 from v. PE can be set but not
// cleared.
func (e *Engine) LMSW(c *cpu.State, in Insn, v uint16) cpu.Outcome {
	return e.run(c, OpLMSW, in, func(t *txn) error {
		if c.CPL != 0 {
			return cpu.GP0()
		}
		const msw = x86.CR0_PE | x86.CR0_MP | x86.CR0_EM | x86.CR0_TS
		cr0 := c.CR0&^(msw&^x86.CR0_PE) | uint64(v)&msw
		return e.writeCR0(t, cr0, intercept.SourceLMSW)
	})
}

// SMSW stores the low bits of CR0 in dst.
func (e *Engine) SMSW(c *cpu.State, in Insn, dst Operand) cpu.Outcome {
	return e.run(c, OpSMSW, in, func(t *txn) error {
		if umip(c) {
			return cpu.GP0()
		}
		t.interceptOn(intercept.Request{Kind: intercept.ReadCR, Index: 0})
		return e.store(t, dst, c.CR0, in.opSize(c), 2)
	})
}
