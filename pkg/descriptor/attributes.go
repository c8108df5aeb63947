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

// Attributes are the access rights of a segment in the layout used by the
// hidden part of a segment register (the VMX access-rights format).
//
// Bits 0-3 are the type, bit 4 is S (code/data), bits 5-6 are the DPL,
// bit 7 is P, bit 12 is AVL, bit 13 is L, bit 14 is D/B, bit 15 is G and bit
// 16 marks the register unusable.
type Attributes uint32

// Attribute bits.
const (
	AttrTypeMask Attributes = 0xf
	AttrS        Attributes = 1 << 4
	AttrDPLMask  Attributes = 3 << 5
	AttrP        Attributes = 1 << 7
	AttrAVL      Attributes = 1 << 12
	AttrL        Attributes = 1 << 13
	AttrDB       Attributes = 1 << 14
	AttrG        Attributes = 1 << 15
	AttrUnusable Attributes = 1 << 16

	attrDPLShift = 5
)

// Code and data type bits (S=1).
const (
	TypeAccessed   = 1 << 0
	TypeWrite      = 1 << 1 // Data: writable.
	TypeRead       = 1 << 1 // Code: readable.
	TypeExpandDown = 1 << 2 // Data.
	TypeConforming = 1 << 2 // Code.
	TypeCode       = 1 << 3
)

// System descriptor types (S=0).
const (
	SysTSS16Avail   = 0x1
	SysLDT          = 0x2
	SysTSS16Busy    = 0x3
	SysCallGate16   = 0x4
	SysTaskGate     = 0x5
	SysIntGate16    = 0x6
	SysTrapGate16   = 0x7
	SysTSS32Avail   = 0x9
	SysTSS32Busy    = 0xb
	SysCallGate32   = 0xc
	SysIntGate32    = 0xe
	SysTrapGate32   = 0xf
	SysTSSBusyBit   = 0x2
	SysTSS64Avail   = SysTSS32Avail
	SysTSS64Busy    = SysTSS32Busy
	SysCallGate64   = SysCallGate32
	SysIntGate64    = SysIntGate32
	SysTrapGate64   = SysTrapGate32
)

// Type returns the four type bits.
func (a Attributes) Type() uint8 {
	return uint8(a & AttrTypeMask)
}

// DPL returns the descriptor privilege level.
func (a Attributes) DPL() uint8 {
	return uint8((a & AttrDPLMask) >> attrDPLShift)
}

// Present returns the P bit.
func (a Attributes) Present() bool {
	return a&AttrP != 0
}

// System indicates a system descriptor (S=0).
func (a Attributes) System() bool {
	return a&AttrS == 0
}

// Unusable indicates the segment register holds no valid descriptor.
func (a Attributes) Unusable() bool {
	return a&AttrUnusable != 0
}

// Code indicates a code segment.
func (a Attributes) Code() bool {
	return !a.System() && a.Type()&TypeCode != 0
}

// Data indicates a data segment.
func (a Attributes) Data() bool {
	return !a.System() && a.Type()&TypeCode == 0
}

// Conforming indicates a conforming code segment.
func (a Attributes) Conforming() bool {
	return a.Code() && a.Type()&TypeConforming != 0
}

// Readable indicates a readable segment: any data segment or a readable
// code segment.
func (a Attributes) Readable() bool {
	return a.Data() || (a.Code() && a.Type()&TypeRead != 0)
}

// Writable indicates a writable data segment.
func (a Attributes) Writable() bool {
	return a.Data() && a.Type()&TypeWrite != 0
}

// ExpandDown indicates an expand-down data segment.
func (a Attributes) ExpandDown() bool {
	return a.Data() && a.Type()&TypeExpandDown != 0
}

// Accessed returns the accessed type bit.
func (a Attributes) Accessed() bool {
	return !a.System() && a.Type()&TypeAccessed != 0
}

// Long returns the L bit.
func (a Attributes) Long() bool {
	return a&AttrL != 0
}

// Big returns the D/B bit.
func (a Attributes) Big() bool {
	return a&AttrDB != 0
}

// Granular returns the G bit.
func (a Attributes) Granular() bool {
	return a&AttrG != 0
}

// WithDPL returns a with its DPL replaced.
func (a Attributes) WithDPL(dpl uint8) Attributes {
	return a&^AttrDPLMask | Attributes(dpl&3)<<attrDPLShift
}

// WithType returns a with its type replaced.
func (a Attributes) WithType(t uint8) Attributes {
	return a&^AttrTypeMask | Attributes(t)&AttrTypeMask
}

// String implements fmt.Stringer.
func (a Attributes) String() string {
	if a.Unusable() {
		return "unusable"
	}
	kind := "sys"
	switch {
	case a.Code():
		kind = "code"
	case a.Data():
		kind = "data"
	}
	return fmt.Sprintf("%s type=%#x dpl=%d p=%t l=%t db=%t g=%t", kind, a.Type(), a.DPL(), a.Present(), a.Long(), a.Big(), a.Granular())
}
