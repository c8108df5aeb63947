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

package scenario

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/guestmem"
	"gvisor.dev/x86core/pkg/interp"
	"gvisor.dev/x86core/pkg/x86"
)

// compiled is a step with its names resolved.
type compiled struct {
	*Step

	exec  handler
	gpr   cpu.GPR
	sreg  cpu.SegReg
	code  []byte
	fault x86.Vector
	regs  map[cpu.GPR]uint64
	segs  map[cpu.SegReg]descriptor.Selector
}

func (s *compiled) insn() interp.Insn {
	return interp.Insn{Len: s.Len, OpSize: s.OpSize}
}

func (s *compiled) sel() descriptor.Selector {
	return descriptor.Selector(s.Selector)
}

func (s *compiled) dst() interp.Operand {
	if s.Mem {
		return interp.MemOperand(s.Addr)
	}
	return interp.RegOperand(s.gpr)
}

type handler func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome

// handlers maps every instruction name to its entry point.
var handlers = map[string]handler{
	"far_jmp": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.FarJmp(c, s.insn(), s.sel(), s.Offset)
	},
	"far_call": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.FarCall(c, s.insn(), s.sel(), s.Offset)
	},
	"far_ret": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.FarRet(c, s.insn(), s.Imm)
	},
	"iret": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.IRET(c, s.insn())
	},
	"task_switch": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.TaskSwitch(c, s.sel(), s.ErrorCode)
	},
	"mov_to_cr": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.WriteCR(c, s.insn(), s.Reg, s.Value)
	},
	"mov_from_cr": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.ReadCR(c, s.insn(), s.Reg, s.gpr)
	},
	"mov_to_dr": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.WriteDR(c, s.insn(), s.Reg, s.Value)
	},
	"mov_from_dr": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.ReadDR(c, s.insn(), s.Reg, s.gpr)
	},
	"syscall": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.Syscall(c, s.insn())
	},
	"sysret": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.Sysret(c, s.insn())
	},
	"sysenter": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.Sysenter(c, s.insn())
	},
	"sysexit": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.Sysexit(c, s.insn())
	},
	"swapgs": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.SWAPGS(c, s.insn())
	},
	"mov_sreg": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.LoadSReg(c, s.insn(), s.sreg, s.sel())
	},
	"pop_sreg": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.PopSReg(c, s.insn(), s.sreg)
	},
	"load_far_pointer": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.LoadFarPointer(c, s.insn(), s.sreg, s.gpr, s.Addr)
	},
	"lldt": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.LLDT(c, s.insn(), s.sel())
	},
	"ltr": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.LTR(c, s.insn(), s.sel())
	},
	"lgdt": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.LGDT(c, s.insn(), s.Addr)
	},
	"lidt": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.LIDT(c, s.insn(), s.Addr)
	},
	"sldt": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.SLDT(c, s.insn(), s.dst())
	},
	"str": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.STR(c, s.insn(), s.dst())
	},
	"sgdt": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.SGDT(c, s.insn(), s.Addr)
	},
	"sidt": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.SIDT(c, s.insn(), s.Addr)
	},
	"lar": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.LAR(c, s.insn(), s.sel(), s.gpr)
	},
	"lsl": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.LSL(c, s.insn(), s.sel(), s.gpr)
	},
	"verr": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.VERR(c, s.insn(), s.sel())
	},
	"verw": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.VERW(c, s.insn(), s.sel())
	},
	"clts": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.CLTS(c, s.insn())
	},
	"lmsw": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.LMSW(c, s.insn(), uint16(s.Value))
	},
	"smsw": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.SMSW(c, s.insn(), s.dst())
	},
	"cli": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.CLI(c, s.insn())
	},
	"sti": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.STI(c, s.insn())
	},
	"popf": func(e *interp.Engine, c *cpu.State, s *compiled) cpu.Outcome {
		return e.POPF(c, s.insn())
	},
}

var outcomeNames = map[string]bool{
	"completed": true,
	"faulted":   true,
	"deferred":  true,
	"aborted":   true,
}

// compile resolves the names used by s.
func compile(s *Step) (*compiled, error) {
	h, ok := handlers[s.Op]
	if !ok {
		return nil, fmt.Errorf("unknown op %q", s.Op)
	}
	c := &compiled{Step: s, exec: h}
	var err error
	if s.GPR != "" {
		if c.gpr, err = parseGPR(s.GPR); err != nil {
			return nil, err
		}
	}
	if s.SReg != "" {
		if c.sreg, err = parseSegReg(s.SReg); err != nil {
			return nil, err
		}
	}
	if s.Bytes != "" {
		if c.code, err = hex.DecodeString(strings.Join(strings.Fields(s.Bytes), "")); err != nil {
			return nil, fmt.Errorf("bytes: %w", err)
		}
	}

	x := &s.Expect
	if x.Outcome != "" && !outcomeNames[x.Outcome] {
		return nil, fmt.Errorf("unknown outcome %q", x.Outcome)
	}
	if x.Fault != "" {
		if c.fault, err = parseVector(x.Fault); err != nil {
			return nil, err
		}
	}
	if len(x.Regs) != 0 {
		c.regs = make(map[cpu.GPR]uint64)
		for name, v := range x.Regs {
			r, err := parseGPR(name)
			if err != nil {
				return nil, err
			}
			c.regs[r] = v
		}
	}
	if len(x.Segs) != 0 {
		c.segs = make(map[cpu.SegReg]descriptor.Selector)
		for name, v := range x.Segs {
			r, err := parseSegReg(name)
			if err != nil {
				return nil, err
			}
			c.segs[r] = descriptor.Selector(v)
		}
	}
	for n := range x.CR {
		if n != 0 && n != 2 && n != 3 && n != 4 {
			return nil, fmt.Errorf("cr%d cannot be checked", n)
		}
	}
	for n := range x.DR {
		if n < 0 || n > 7 || n == 4 || n == 5 {
			return nil, fmt.Errorf("dr%d cannot be checked", n)
		}
	}
	for _, mc := range x.Mem {
		if mc.Size < 1 || mc.Size > 8 {
			return nil, fmt.Errorf("memory check at %#x: bad size %d", mc.Addr, mc.Size)
		}
	}
	return c, nil
}

func parseVector(s string) (x86.Vector, error) {
	for v := 0; v < 32; v++ {
		if x86.Vector(v).String() == s {
			return x86.Vector(v), nil
		}
	}
	return 0, fmt.Errorf("unknown vector %q", s)
}

func outcomeName(o cpu.Outcome) string {
	switch o.(type) {
	case cpu.Completed:
		return "completed"
	case cpu.Faulted:
		return "faulted"
	case cpu.Deferred:
		return "deferred"
	case cpu.Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("%T", o)
	}
}

// check compares the outcome of the step and the state after it with the
// expectation, returning a description of every difference.
func (s *compiled) check(o cpu.Outcome, before, c *cpu.State, mem *guestmem.Memory) error {
	var diffs []string
	mismatch := func(format string, v ...any) {
		diffs = append(diffs, fmt.Sprintf(format, v...))
	}
	x := &s.Expect

	want := x.Outcome
	if want == "" {
		want = "completed"
	}
	if got := outcomeName(o); got != want {
		mismatch("outcome %v, want %s", o, want)
	}
	switch o := o.(type) {
	case cpu.Completed:
		if x.Advance != nil && o.Advance != *x.Advance {
			mismatch("advance %d, want %d", o.Advance, *x.Advance)
		}
	case cpu.Faulted:
		if x.Fault != "" && o.Fault.Vector != s.fault {
			mismatch("fault %v, want %s", o.Fault, x.Fault)
		}
		if x.ErrorCode != nil && (!o.Fault.HasErrorCode || o.Fault.ErrorCode != *x.ErrorCode) {
			mismatch("fault %v, want error code %#x", o.Fault, *x.ErrorCode)
		}
	case cpu.Deferred:
		if x.Exit != nil && o.Exit.Code != *x.Exit {
			mismatch("exit code %#x, want %#x", o.Exit.Code, *x.Exit)
		}
		if x.Info != nil && o.Exit.Info != *x.Info {
			mismatch("exit info %#x, want %#x", o.Exit.Info, *x.Info)
		}
	}

	if x.Mode != "" && c.Mode().String() != x.Mode {
		mismatch("mode %v, want %s", c.Mode(), x.Mode)
	}
	if x.CPL != nil && c.CPL != *x.CPL {
		mismatch("cpl %d, want %d", c.CPL, *x.CPL)
	}
	if x.RIP != nil && c.RIP != *x.RIP {
		mismatch("rip %#x, want %#x", c.RIP, *x.RIP)
	}
	if x.RFLAGS != nil && c.RFLAGS != *x.RFLAGS {
		mismatch("rflags %#x, want %#x", c.RFLAGS, *x.RFLAGS)
	}
	for r, v := range s.regs {
		if c.Regs[r] != v {
			mismatch("%v %#x, want %#x", r, c.Regs[r], v)
		}
	}
	for r, sel := range s.segs {
		if got := c.Segs[r].Selector; got != sel {
			mismatch("%v %v, want %v", r, got, sel)
		}
	}
	for n, v := range x.CR {
		var got uint64
		switch n {
		case 0:
			got = c.CR0
		case 2:
			got = c.CR2
		case 3:
			got = c.CR3
		case 4:
			got = c.CR4
		}
		if got != v {
			mismatch("cr%d %#x, want %#x", n, got, v)
		}
	}
	for n, v := range x.DR {
		if c.DR[n] != v {
			mismatch("dr%d %#x, want %#x", n, c.DR[n], v)
		}
	}
	for _, mc := range x.Mem {
		var buf [8]byte
		if err := mem.Read(mc.Addr, buf[:mc.Size], cpu.AccessSystem); err != nil {
			mismatch("reading %#x: %v", mc.Addr, err)
			continue
		}
		if got := binary.LittleEndian.Uint64(buf[:]); got != mc.Value {
			mismatch("memory at %#x is %#x, want %#x", mc.Addr, got, mc.Value)
		}
	}
	if x.Unchanged {
		if diff := cmp.Diff(before, c, cmpopts.IgnoreUnexported(cpu.State{})); diff != "" {
			mismatch("state changed (-before +after):\n%s", diff)
		}
	}
	if len(diffs) == 0 {
		return nil
	}
	return errors.New(strings.Join(diffs, "; "))
}
