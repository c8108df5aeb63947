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
	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/intercept"
	"gvisor.dev/x86core/pkg/x86"
)

// flatCode returns a flat 4G code segment. long selects a 64-bit segment.
func flatCode(sel descriptor.Selector, dpl uint8, long bool) cpu.Segment {
	a := descriptor.AttrS | descriptor.AttrP | descriptor.AttrG |
		descriptor.TypeCode | descriptor.TypeRead | descriptor.TypeAccessed
	if long {
		a |= descriptor.AttrL
	} else {
		a |= descriptor.AttrDB
	}
	return cpu.Segment{Selector: sel, Limit: 0xffffffff, Attr: a.WithDPL(dpl)}
}

// flatData returns a flat 4G writable stack segment.
func flatData(sel descriptor.Selector, dpl uint8) cpu.Segment {
	a := descriptor.AttrS | descriptor.AttrP | descriptor.AttrG | descriptor.AttrDB |
		descriptor.TypeWrite | descriptor.TypeAccessed
	return cpu.Segment{Selector: sel, Limit: 0xffffffff, Attr: a.WithDPL(dpl)}
}

func (e *Engine) readMSRs(idx ...uint32) ([]uint64, error) {
	vs := make([]uint64, len(idx))
	for i, n := range idx {
		v, err := e.msrs.ReadMSR(n)
		if err != nil {
			return nil, err
		}
		vs[i] = v
	}
	return vs, nil
}

// Syscall executes SYSCALL. Outside long mode it is implemented by AMD
// processors only.
func (e *Engine) Syscall(c *cpu.State, in Insn) cpu.Outcome {
	return e.run(c, OpSyscall, in, func(t *txn) error {
		amd := e.features.Vendor == cpu.VendorAMD
		switch {
		case !e.features.HasFeature(cpu.FeatureSYSCALL), c.EFER&x86.EFER_SCE == 0, !c.Protected():
			return cpu.UD()
		case !c.Is64() && !amd:
			return cpu.UD()
		}
		msrs, err := e.readMSRs(x86.MSR_STAR, x86.MSR_LSTAR, x86.MSR_CSTAR, x86.MSR_SFMASK)
		if err != nil {
			return err
		}
		star, lstar, cstar, sfmask := msrs[0], msrs[1], msrs[2], msrs[3]
		sel := descriptor.Selector(star>>32) &^ descriptor.SelectorRPLMask
		next := nextIP(c, in)
		t.interceptOn(intercept.Request{Kind: intercept.Syscall, Value: next})

		if c.LongMode() {
			rip := lstar
			if !c.Is64() {
				rip = cstar
			}
			t.setGPR(cpu.RCX, next)
			t.setGPR(cpu.R11, c.RFLAGS&^x86.RFLAGS_RF)
			t.setFlags(c.RFLAGS&^sfmask&^x86.RFLAGS_RF | x86.RFLAGS_Reserved)
			t.setSeg(cpu.CS, flatCode(sel, 0, true))
			t.setRIP(rip)
		} else {
			t.setGPR(cpu.RCX, next&0xffffffff)
			t.setFlags(c.RFLAGS&^(x86.RFLAGS_VM|x86.RFLAGS_IF|x86.RFLAGS_RF) | x86.RFLAGS_Reserved)
			t.setSeg(cpu.CS, flatCode(sel, 0, false))
			t.setRIP(star & 0xffffffff)
		}
		t.setSeg(cpu.SS, flatData(sel+8, 0))
		t.setCPL(0)
		return nil
	})
}

// Sysret executes SYSRET. A 64-bit operand size returns to 64-bit code;
// otherwise it returns to 32-bit code.
func (e *Engine) Sysret(c *cpu.State, in Insn) cpu.Outcome {
	return e.run(c, OpSysret, in, func(t *txn) error {
		amd := e.features.Vendor == cpu.VendorAMD
		switch {
		case !e.features.HasFeature(cpu.FeatureSYSCALL), c.EFER&x86.EFER_SCE == 0, !c.Protected():
			return cpu.UD()
		case !c.Is64() && !amd:
			return cpu.UD()
		case c.CPL != 0:
			return cpu.GP0()
		}
		star, err := e.msrs.ReadMSR(x86.MSR_STAR)
		if err != nil {
			return err
		}
		base := descriptor.Selector(star >> 48)
		rcx := c.Regs[cpu.RCX]
		if c.Is64() && in.opSize(c) == 8 {
			if !c.Canonical(rcx) {
				return cpu.GP0()
			}
			t.setSeg(cpu.CS, flatCode((base+16).WithRPL(3), 3, true))
			t.setRIP(rcx)
		} else {
			t.setSeg(cpu.CS, flatCode(base.WithRPL(3), 3, false))
			t.setRIP(rcx & 0xffffffff)
		}
		if c.LongMode() {
			t.setFlags(c.Regs[cpu.R11]&x86.RFLAGS_SysretMask | x86.RFLAGS_Reserved)
		} else {
			t.setFlags(c.RFLAGS | x86.RFLAGS_IF)
		}
		t.interceptOn(intercept.Request{Kind: intercept.Sysret, Value: t.rip})
		t.setSeg(cpu.SS, flatData((base+8).WithRPL(3), 3))
		t.setCPL(3)
		return nil
	})
}

// Sysenter executes SYSENTER. In long mode it is implemented by Intel
// processors only.
func (e *Engine) Sysenter(c *cpu.State, in Insn) cpu.Outcome {
	return e.run(c, OpSysenter, in, func(t *txn) error {
		amd := e.features.Vendor == cpu.VendorAMD
		switch {
		case !e.features.HasFeature(cpu.FeatureSEP), amd && c.LongMode():
			return cpu.UD()
		case c.Mode() == cpu.ModeReal:
			return cpu.GP0()
		}
		msrs, err := e.readMSRs(x86.MSR_SYSENTER_CS, x86.MSR_SYSENTER_ESP, x86.MSR_SYSENTER_EIP)
		if err != nil {
			return err
		}
		sel := descriptor.Selector(msrs[0]) &^ descriptor.SelectorRPLMask
		if sel.IsNull() {
			return cpu.GP0()
		}
		sp, ip := msrs[1], msrs[2]
		if !c.LongMode() {
			sp &= 0xffffffff
			ip &= 0xffffffff
		}
		t.interceptOn(intercept.Request{Kind: intercept.Sysenter, Value: ip})
		t.setSeg(cpu.CS, flatCode(sel, 0, c.LongMode()))
		t.setSeg(cpu.SS, flatData(sel+8, 0))
		t.setFlags(c.RFLAGS&^(x86.RFLAGS_VM|x86.RFLAGS_IF|x86.RFLAGS_RF) | x86.RFLAGS_Reserved)
		t.setGPR(cpu.RSP, sp)
		t.setRIP(ip)
		t.setCPL(0)
		return nil
	})
}

// Sysexit executes SYSEXIT. A 64-bit operand size returns to 64-bit code.
func (e *Engine) Sysexit(c *cpu.State, in Insn) cpu.Outcome {
	return e.run(c, OpSysexit, in, func(t *txn) error {
		amd := e.features.Vendor == cpu.VendorAMD
		switch {
		case !e.features.HasFeature(cpu.FeatureSEP), amd && c.LongMode():
			return cpu.UD()
		case !c.Protected(), c.CPL != 0:
			return cpu.GP0()
		}
		v, err := e.msrs.ReadMSR(x86.MSR_SYSENTER_CS)
		if err != nil {
			return err
		}
		base := descriptor.Selector(v) &^ descriptor.SelectorRPLMask
		if base.IsNull() {
			return cpu.GP0()
		}
		rip, rsp := c.Regs[cpu.RDX], c.Regs[cpu.RCX]
		if c.Is64() && in.opSize(c) == 8 {
			if !c.Canonical(rip) || !c.Canonical(rsp) {
				return cpu.GP0()
			}
			t.setSeg(cpu.CS, flatCode((base+32).WithRPL(3), 3, true))
			t.setSeg(cpu.SS, flatData((base+40).WithRPL(3), 3))
		} else {
			rip &= 0xffffffff
			rsp &= 0xffffffff
			t.setSeg(cpu.CS, flatCode((base+16).WithRPL(3), 3, false))
			t.setSeg(cpu.SS, flatData((base+24).WithRPL(3), 3))
		}
		t.interceptOn(intercept.Request{Kind: intercept.Sysexit, Value: rip})
		t.setGPR(cpu.RSP, rsp)
		t.setRIP(rip)
		t.setCPL(3)
		return nil
	})
}

// SWAPGS exchanges the GS base with the kernel GS base MSR.
func (e *Engine) SWAPGS(c *cpu.State, in Insn) cpu.Outcome {
	return e.run(c, OpSWAPGS, in, func(t *txn) error {
		if !c.Is64() {
			return cpu.UD()
		}
		if c.CPL != 0 {
			return cpu.GP0()
		}
		k, err := e.msrs.ReadMSR(x86.MSR_KERNEL_GS_BASE)
		if err != nil {
			return err
		}
		gs := c.Segs[cpu.GS]
		old := gs.Base
		gs.Base = k
		t.interceptOn(intercept.Request{Kind: intercept.SWAPGS})
		t.update(func() error {
			return e.msrs.WriteMSR(x86.MSR_KERNEL_GS_BASE, old)
		})
		t.setSeg(cpu.GS, gs)
		return nil
	})
}
