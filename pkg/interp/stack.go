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
	"gvisor.dev/x86core/pkg/x86"
)

type stackWrite struct {
	addr uint64
	size int
	val  uint64
}

// stack is a stack pointer moving over a stack segment. Pops read memory
// immediately; pushes are buffered until flush.
type stack struct {
	mem Memory
	seg cpu.Segment

	// sel is placed in the error code of stack faults: zero for the
	// current stack, the new SS for a stack being switched to.
	sel descriptor.Selector

	sp     uint64
	width  int
	long   bool
	vaBits uint

	writes []stackWrite
}

// currentStack returns the stack described by the committed SS:RSP.
func (e *Engine) currentStack(c *cpu.State) *stack {
	return &stack{
		mem:    e.mem,
		seg:    c.Segs[cpu.SS],
		sp:     c.SP(),
		width:  c.StackWidth(),
		long:   c.Is64(),
		vaBits: c.LinearBits(),
	}
}

// newStack returns a stack at sp in segment seg. long selects 64-bit mode
// addressing.
func (e *Engine) newStack(c *cpu.State, seg cpu.Segment, sel descriptor.Selector, sp uint64, long bool) *stack {
	width := 2
	switch {
	case long:
		width = 8
	case seg.Attr.Big():
		width = 4
	}
	return &stack{
		mem:    e.mem,
		seg:    seg,
		sel:    sel,
		sp:     cpu.Truncate(sp, width),
		width:  width,
		long:   long,
		vaBits: c.LinearBits(),
	}
}

// mergeSP returns the full RSP value for the stack pointer, preserving the
// bits above the stack width in old.
func (s *stack) mergeSP(old uint64) uint64 {
	if s.width == 2 {
		return old&^0xffff | s.sp
	}
	return s.sp
}

func (s *stack) fault() *cpu.Fault {
	return cpu.StackFault(s.sel)
}

// inLimit reports whether size bytes at offset off lie within seg.
func inLimit(seg cpu.Segment, off uint64, size int) bool {
	last := off + uint64(size) - 1
	if !seg.Attr.ExpandDown() {
		return last >= off && last <= uint64(seg.Limit)
	}
	upper := uint64(0xffff)
	if seg.Attr.Big() {
		upper = 0xffffffff
	}
	return off > uint64(seg.Limit) && last >= off && last <= upper
}

// addr translates a stack offset into a linear address.
func (s *stack) addr(off uint64, size int) (uint64, error) {
	if s.long {
		if !x86.IsCanonicalBits(off, s.vaBits) || !x86.IsCanonicalBits(off+uint64(size)-1, s.vaBits) {
			return 0, s.fault()
		}
		return off, nil
	}
	if !inLimit(s.seg, off, size) {
		return 0, s.fault()
	}
	return (s.seg.Base + off) & 0xffffffff, nil
}

// push stages a write of the low size bytes of v.
func (s *stack) push(v uint64, size int) error {
	sp := cpu.Truncate(s.sp-uint64(size), s.width)
	a, err := s.addr(sp, size)
	if err != nil {
		return err
	}
	s.writes = append(s.writes, stackWrite{addr: a, size: size, val: v})
	s.sp = sp
	return nil
}

// read returns size bytes at sp+off without popping them.
func (s *stack) read(off uint64, size int) (uint64, error) {
	a, err := s.addr(cpu.Truncate(s.sp+off, s.width), size)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	if err := s.mem.Read(a, buf[:size], cpu.AccessStack); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// pop reads and removes size bytes.
func (s *stack) pop(size int) (uint64, error) {
	v, err := s.read(0, size)
	if err != nil {
		return 0, err
	}
	s.sp = cpu.Truncate(s.sp+uint64(size), s.width)
	return v, nil
}

// skip discards n bytes, as RET imm16 does.
func (s *stack) skip(n uint64) {
	s.sp = cpu.Truncate(s.sp+n, s.width)
}

func (s *stack) probe() error {
	for _, w := range s.writes {
		if err := s.mem.Probe(w.addr, w.size, true, cpu.AccessStack); err != nil {
			return err
		}
	}
	return nil
}

func (s *stack) flush() error {
	var buf [8]byte
	for _, w := range s.writes {
		binary.LittleEndian.PutUint64(buf[:], w.val)
		if err := s.mem.Write(w.addr, buf[:w.size], cpu.AccessStack); err != nil {
			return err
		}
	}
	s.writes = nil
	return nil
}
