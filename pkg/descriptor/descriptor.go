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

package descriptor

import "fmt"

// Raw is an undecoded table entry. Hi is only meaningful for system
// descriptors in long mode, which occupy two table slots.
type Raw struct {
	Lo uint64
	Hi uint64
}

// Attributes returns the access rights encoded in the low quadword.
func (r Raw) Attributes() Attributes {
	return Attributes((r.Lo>>40)&0xff) | Attributes((r.Lo>>52)&0xf)<<12
}

func (r Raw) base32() uint64 {
	return (r.Lo>>16)&0xffffff | (r.Lo>>32)&0xff000000
}

func (r Raw) limit() uint32 {
	l := uint32(r.Lo&0xffff) | uint32(r.Lo>>32)&0xf0000
	if r.Attributes().Granular() {
		l = l<<12 | 0xfff
	}
	return l
}

func (r Raw) gateOffset() uint64 {
	return r.Lo&0xffff | (r.Lo>>32)&0xffff0000
}

func (r Raw) gateSelector() Selector {
	return Selector(r.Lo >> 16)
}

// Descriptor is a decoded descriptor. The concrete type is one of *Segment,
// *SystemSegment, *CallGate, *TaskGate, *InterruptGate or *Invalid.
type Descriptor interface {
	// Attr returns the access rights.
	Attr() Attributes

	// Raw returns the encoding the descriptor was decoded from.
	Raw() Raw

	isDescriptor()
}

type common struct {
	raw  Raw
	attr Attributes
}

func (c *common) Attr() Attributes { return c.attr }
func (c *common) Raw() Raw         { return c.raw }
func (*common) isDescriptor()      {}

// DPL returns the descriptor privilege level.
func (c *common) DPL() uint8 { return c.attr.DPL() }

// Present returns the present bit.
func (c *common) Present() bool { return c.attr.Present() }

// Segment is a code or data segment descriptor.
type Segment struct {
	common

	// Base is the linear base address.
	Base uint64

	// Limit is the byte-granular limit, already scaled by G.
	Limit uint32
}

// SystemSegment is an LDT or TSS descriptor.
type SystemSegment struct {
	common
	Base  uint64
	Limit uint32
}

// IsLDT indicates an LDT descriptor.
func (s *SystemSegment) IsLDT() bool {
	return s.attr.Type() == SysLDT
}

// IsTSS indicates a TSS descriptor, available or busy.
func (s *SystemSegment) IsTSS() bool {
	switch s.attr.Type() {
	case SysTSS16Avail, SysTSS16Busy, SysTSS32Avail, SysTSS32Busy:
		return true
	}
	return false
}

// Busy indicates a busy TSS.
func (s *SystemSegment) Busy() bool {
	return s.IsTSS() && s.attr.Type()&SysTSSBusyBit != 0
}

// Is16 indicates a 16-bit (286) TSS.
func (s *SystemSegment) Is16() bool {
	t := s.attr.Type()
	return t == SysTSS16Avail || t == SysTSS16Busy
}

// CallGate is a call gate.
type CallGate struct {
	common
	Selector Selector
	Offset   uint64

	// ParamCount is the number of stack words copied on a privilege
	// change; always zero for 64-bit gates.
	ParamCount uint8
}

// Is16 indicates a 286 call gate.
func (g *CallGate) Is16() bool {
	return g.attr.Type() == SysCallGate16
}

// TaskGate is a task gate. It is not valid in long mode.
type TaskGate struct {
	common
	Selector Selector
}

// InterruptGate is an interrupt or trap gate.
type InterruptGate struct {
	common
	Selector Selector
	Offset   uint64
	IST      uint8
}

// Trap indicates a trap gate.
func (g *InterruptGate) Trap() bool {
	return g.attr.Type()&1 != 0
}

// Invalid is a descriptor whose type is reserved in the current mode.
type Invalid struct {
	common
}

// Decode decodes raw. If long is set, system descriptors are decoded with
// their long-mode meaning and take their high bits from raw.Hi.
func Decode(raw Raw, long bool) Descriptor {
	c := common{raw: raw, attr: raw.Attributes()}
	if !c.attr.System() {
		return &Segment{common: c, Base: raw.base32(), Limit: raw.limit()}
	}
	if long {
		return decodeLong(c)
	}
	switch c.attr.Type() {
	case SysTSS16Avail, SysTSS16Busy, SysLDT, SysTSS32Avail, SysTSS32Busy:
		return &SystemSegment{common: c, Base: raw.base32(), Limit: raw.limit()}
	case SysCallGate16, SysCallGate32:
		g := &CallGate{
			common:     c,
			Selector:   raw.gateSelector(),
			Offset:     raw.gateOffset(),
			ParamCount: uint8(raw.Lo>>32) & 0x1f,
		}
		if g.Is16() {
			g.Offset &= 0xffff
		}
		return g
	case SysTaskGate:
		return &TaskGate{common: c, Selector: raw.gateSelector()}
	case SysIntGate16, SysTrapGate16, SysIntGate32, SysTrapGate32:
		g := &InterruptGate{common: c, Selector: raw.gateSelector(), Offset: raw.gateOffset()}
		if c.attr.Type() < SysTSS32Avail {
			g.Offset &= 0xffff
		}
		return g
	}
	return &Invalid{common: c}
}

func decodeLong(c common) Descriptor {
	raw := c.raw
	// The type field of the upper half must be zero.
	if (raw.Hi>>40)&0x1f != 0 {
		return &Invalid{common: c}
	}
	switch c.attr.Type() {
	case SysLDT, SysTSS64Avail, SysTSS64Busy:
		return &SystemSegment{
			common: c,
			Base:   raw.base32() | raw.Hi<<32,
			Limit:  raw.limit(),
		}
	case SysCallGate64:
		return &CallGate{
			common:   c,
			Selector: raw.gateSelector(),
			Offset:   raw.gateOffset() | raw.Hi<<32,
		}
	case SysIntGate64, SysTrapGate64:
		return &InterruptGate{
			common:   c,
			Selector: raw.gateSelector(),
			Offset:   raw.gateOffset() | raw.Hi<<32,
			IST:      uint8(raw.Lo>>32) & 0x7,
		}
	}
	return &Invalid{common: c}
}

// Describe returns a human readable form of d.
func Describe(d Descriptor) string {
	switch d := d.(type) {
	case *Segment:
		return fmt.Sprintf("segment base=%#x limit=%#x %v", d.Base, d.Limit, d.attr)
	case *SystemSegment:
		kind := "tss"
		if d.IsLDT() {
			kind = "ldt"
		}
		return fmt.Sprintf("%s base=%#x limit=%#x busy=%t dpl=%d p=%t", kind, d.Base, d.Limit, d.Busy(), d.DPL(), d.Present())
	case *CallGate:
		return fmt.Sprintf("call gate %v:%#x params=%d dpl=%d p=%t", d.Selector, d.Offset, d.ParamCount, d.DPL(), d.Present())
	case *TaskGate:
		return fmt.Sprintf("task gate tss=%v dpl=%d p=%t", d.Selector, d.DPL(), d.Present())
	case *InterruptGate:
		kind := "interrupt"
		if d.Trap() {
			kind = "trap"
		}
		return fmt.Sprintf("%s gate %v:%#x ist=%d dpl=%d p=%t", kind, d.Selector, d.Offset, d.IST, d.DPL(), d.Present())
	case *Invalid:
		return fmt.Sprintf("invalid type=%#x", d.attr.Type())
	default:
		panic(fmt.Sprintf("unknown descriptor %T", d))
	}
}
