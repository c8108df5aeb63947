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

package cpu

import (
	"testing"

	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/x86"
)

func TestReset(t *testing.T) {
	var c State
	c.Regs[RAX] = 1
	c.Reset()
	if c.Regs[RAX] != 0 || c.RIP != 0xfff0 || c.RFLAGS != x86.RFLAGS_Reserved {
		t.Errorf("reset state: %v", &c)
	}
	if cs := c.Segs[CS]; cs.Selector != 0xf000 || cs.Base != 0xffff0000 || !cs.Attr.Code() {
		t.Errorf("cs = %v", cs)
	}
	if c.Mode() != ModeReal || c.Protected() {
		t.Errorf("mode = %v, want real", c.Mode())
	}
	if c.DR[6] != x86.DR6_MustBeOne || c.DR[7] != x86.DR7_MustBeOne {
		t.Errorf("dr6 %#x dr7 %#x", c.DR[6], c.DR[7])
	}
	if c.Tables().LDT.Loaded {
		t.Errorf("ldt loaded after reset")
	}
}

func TestMode(t *testing.T) {
	for _, tc := range []struct {
		name   string
		cr0    uint64
		efer   uint64
		rflags uint64
		long   bool
		want   Mode
	}{
		{"real", 0, 0, 0, false, ModeReal},
		{"real ignores vm", 0, 0, x86.RFLAGS_VM, false, ModeReal},
		{"protected", x86.CR0_PE, 0, 0, false, ModeProtected},
		{"v86", x86.CR0_PE, 0, x86.RFLAGS_VM, false, ModeV86},
		{"compat", x86.CR0_PE | x86.CR0_PG, x86.EFER_LMA, 0, false, ModeCompat},
		{"64-bit", x86.CR0_PE | x86.CR0_PG, x86.EFER_LMA, 0, true, Mode64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var c State
			c.Reset()
			c.CR0, c.EFER, c.RFLAGS = tc.cr0, tc.efer, tc.rflags
			if tc.long {
				c.Segs[CS].Attr |= descriptor.AttrL
			}
			if got := c.Mode(); got != tc.want {
				t.Errorf("Mode() = %v, want %v", got, tc.want)
			}
			if got, want := c.Is64(), tc.want == Mode64; got != want {
				t.Errorf("Is64() = %t, want %t", got, want)
			}
		})
	}
}

func TestStackWidth(t *testing.T) {
	var c State
	c.Reset()
	c.Regs[RSP] = 0x12345678
	if c.StackWidth() != 2 || c.SP() != 0x5678 {
		t.Errorf("16-bit stack: width %d sp %#x", c.StackWidth(), c.SP())
	}
	c.Segs[SS].Attr |= descriptor.AttrDB
	if c.StackWidth() != 4 || c.SP() != 0x12345678 {
		t.Errorf("32-bit stack: width %d sp %#x", c.StackWidth(), c.SP())
	}
}

func TestCanonical(t *testing.T) {
	var c State
	c.Reset()
	const addr = 0x00ff800000000000
	if c.LinearBits() != 48 || c.Canonical(addr) {
		t.Errorf("4-level: bits %d, Canonical(%#x) = %t", c.LinearBits(), uint64(addr), c.Canonical(addr))
	}
	c.CR4 |= x86.CR4_LA57
	if c.LinearBits() != 57 || !c.Canonical(addr) {
		t.Errorf("5-level: bits %d, Canonical(%#x) = %t", c.LinearBits(), uint64(addr), c.Canonical(addr))
	}
	if c.Canonical(0x0100000000000000) {
		t.Errorf("5-level: Canonical(0x0100000000000000) = true")
	}
}

func TestArmedBreakpoints(t *testing.T) {
	var c State
	c.Reset()
	c.DR[7] |= x86.DR7_L0 | x86.DR7_G0<<6
	if got := c.ArmedBreakpoints(); got != 0x9 {
		t.Errorf("armed = %#x, want 0x9", got)
	}
	// The summary is cached until invalidated.
	c.DR[7] = x86.DR7_MustBeOne
	if got := c.ArmedBreakpoints(); got != 0x9 {
		t.Errorf("cached armed = %#x, want 0x9", got)
	}
	c.InvalidateBreakpoints()
	if got := c.ArmedBreakpoints(); got != 0 {
		t.Errorf("armed after invalidate = %#x, want 0", got)
	}
}

func TestSegmentNullAndReal(t *testing.T) {
	s := Segment{Selector: 0x10, Base: 0x1234, Limit: 0xfffff, Attr: descriptor.AttrP | descriptor.AttrS}
	s.SetNull(3)
	if s.Usable() || s.Base != 0 || s.Selector != 3 {
		t.Errorf("null segment = %v", s)
	}
	s.SetReal(0x40, false)
	if !s.Usable() || s.Base != 0x400 {
		t.Errorf("real segment = %v", s)
	}
	s.SetReal(0x40, true)
	if s.Attr.DPL() != 3 || s.Limit != 0xffff {
		t.Errorf("v86 segment = %v", s)
	}
}

func TestNames(t *testing.T) {
	for _, tc := range []struct {
		got, want string
	}{
		{SS.String(), "ss"},
		{SegReg(9).String(), "sreg9"},
		{R11.String(), "r11"},
		{GPR(16).String(), "gpr16"},
		{Mode64.String(), "64-bit"},
		{AccessStack.String(), "stack"},
		{AccessType(7).String(), "access7"},
	} {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestParseRegisters(t *testing.T) {
	if r, err := ParseGPR("rsp"); err != nil || r != RSP {
		t.Errorf("ParseGPR(rsp) = %v, %v; want rsp", r, err)
	}
	if r, err := ParseSegReg("gs"); err != nil || r != GS {
		t.Errorf("ParseSegReg(gs) = %v, %v; want gs", r, err)
	}
	if _, err := ParseGPR("eax"); err == nil {
		t.Errorf("ParseGPR(eax) succeeded")
	}
	if _, err := ParseSegReg("ts"); err == nil {
		t.Errorf("ParseSegReg(ts) succeeded")
	}
}
