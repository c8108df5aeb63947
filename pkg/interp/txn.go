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
)

// txn stages the effects of one instruction.
//
// Instruction bodies perform every check while filling in the transaction
// and never touch the CPU state. commit then consults the intercept gate,
// probes every staged stack write, performs the memory updates and finally
// copies the staged registers into the state, which cannot fail.
type txn struct {
	e *Engine
	c *cpu.State

	segs   [cpu.NumSegRegs]cpu.Segment
	segSet uint8

	gprs   [cpu.NumGPRs]uint64
	gprSet uint16

	rip    uint64
	ripSet bool

	rflags   uint64
	flagsSet bool

	cpl    uint8
	cplSet bool

	shadow bool

	req *intercept.Request

	stacks   []*stack
	accessed []descriptor.Selector

	// updates are fallible changes to collaborator state, performed after
	// the stack writes.
	updates []func() error

	// after is run once the registers are committed.
	after []func()
}

func newTxn(e *Engine, c *cpu.State) *txn {
	return &txn{e: e, c: c}
}

// seg returns the staged value of r.
func (t *txn) seg(r cpu.SegReg) cpu.Segment {
	if t.segSet&(1<<r) != 0 {
		return t.segs[r]
	}
	return t.c.Segs[r]
}

func (t *txn) setSeg(r cpu.SegReg, s cpu.Segment) {
	t.segs[r] = s
	t.segSet |= 1 << r
}

// gpr returns the staged value of r.
func (t *txn) gpr(r cpu.GPR) uint64 {
	if t.gprSet&(1<<r) != 0 {
		return t.gprs[r]
	}
	return t.c.Regs[r]
}

func (t *txn) setGPR(r cpu.GPR, v uint64) {
	t.gprs[r] = v
	t.gprSet |= 1 << r
}

// setGPRSized writes the low size bytes of v to r with the usual x86 rules:
// 32-bit writes zero the upper half and narrower writes merge.
func (t *txn) setGPRSized(r cpu.GPR, v uint64, size int) {
	switch size {
	case 2:
		t.setGPR(r, t.gpr(r)&^0xffff|v&0xffff)
	case 4:
		t.setGPR(r, v&0xffffffff)
	default:
		t.setGPR(r, v)
	}
}

// flags returns the staged RFLAGS.
func (t *txn) flags() uint64 {
	if t.flagsSet {
		return t.rflags
	}
	return t.c.RFLAGS
}

func (t *txn) setRIP(v uint64) {
	t.rip = v
	t.ripSet = true
}

func (t *txn) setFlags(v uint64) {
	t.rflags = v
	t.flagsSet = true
}

func (t *txn) setCPL(v uint8) {
	t.cpl = v
	t.cplSet = true
}

// markAccessed arranges for the accessed bit of sel to be set in table
// memory.
func (t *txn) markAccessed(sel descriptor.Selector) {
	t.accessed = append(t.accessed, sel)
}

// useStack arranges for the writes pushed onto s to be performed.
func (t *txn) useStack(s *stack) {
	t.stacks = append(t.stacks, s)
}

// interceptOn sets the request checked against the intercept gate.
func (t *txn) interceptOn(r intercept.Request) {
	t.req = &r
}

// update queues a fallible collaborator update. It runs after the
// intercept check and every probe, before any register is committed.
func (t *txn) update(f func() error) {
	t.updates = append(t.updates, f)
}

// then queues f to run after the registers are committed.
func (t *txn) then(f func()) {
	t.after = append(t.after, f)
}

// codeWidth returns the instruction pointer width in bytes.
func codeWidth(c *cpu.State) int {
	switch {
	case c.Is64():
		return 8
	case c.Segs[cpu.CS].Attr.Big() && c.Mode() != cpu.ModeV86:
		return 4
	default:
		return 2
	}
}

func (t *txn) commit(advance uint8) error {
	if t.req != nil {
		if err := t.e.intercept(*t.req); err != nil {
			return err
		}
	}
	for _, s := range t.stacks {
		if err := s.probe(); err != nil {
			return err
		}
	}
	if len(t.accessed) > 0 {
		tables := t.c.Tables()
		for _, sel := range t.accessed {
			if err := descriptor.MarkAccessed(t.e.mem, tables, sel); err != nil {
				return err
			}
		}
	}
	for _, s := range t.stacks {
		if err := s.flush(); err != nil {
			return err
		}
	}
	for _, f := range t.updates {
		if err := f(); err != nil {
			return err
		}
	}

	// Nothing below can fail.
	c := t.c
	for r := cpu.SegReg(0); r < cpu.NumSegRegs; r++ {
		if t.segSet&(1<<r) != 0 {
			c.Segs[r] = t.segs[r]
		}
	}
	for r := cpu.GPR(0); r < cpu.NumGPRs; r++ {
		if t.gprSet&(1<<r) != 0 {
			c.Regs[r] = t.gprs[r]
		}
	}
	if t.flagsSet {
		c.RFLAGS = t.rflags
	}
	if t.cplSet {
		c.CPL = t.cpl
	}
	if t.ripSet {
		c.RIP = t.rip
	} else if advance != 0 {
		c.RIP = cpu.Truncate(c.RIP+uint64(advance), codeWidth(c))
	}
	c.InterruptShadow = t.shadow
	for _, f := range t.after {
		f()
	}
	return nil
}
