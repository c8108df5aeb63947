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

// Package descriptor decodes and fetches x86 segment and gate descriptors.
//
// Raw table entries are decoded exactly once, at fetch time, into one of the
// concrete types implementing Descriptor. Nothing outside this package sees
// the overlapping bit layouts of the raw encoding.
package descriptor

import "fmt"

// Selector is a segment selector.
type Selector uint16

// Selector fields.
const (
	SelectorRPLMask = 0x3
	SelectorTI      = 0x4
	SelectorIndex   = 0xfff8
)

// RPL returns the requested privilege level.
func (s Selector) RPL() uint8 {
	return uint8(s & SelectorRPLMask)
}

// Local indicates that the selector references the LDT.
func (s Selector) Local() bool {
	return s&SelectorTI != 0
}

// Index returns the table index.
func (s Selector) Index() uint16 {
	return uint16(s) >> 3
}

// IsNull indicates a null selector: index 0 in the GDT, any RPL.
func (s Selector) IsNull() bool {
	return s&^SelectorRPLMask == 0
}

// WithRPL returns the selector with its RPL replaced.
func (s Selector) WithRPL(rpl uint8) Selector {
	return s&^SelectorRPLMask | Selector(rpl&SelectorRPLMask)
}

// ErrorCode returns the selector formatted as a fault error code (the RPL
// bits are replaced by EXT/IDT, which are always zero here).
func (s Selector) ErrorCode() uint32 {
	return uint32(s &^ SelectorRPLMask)
}

// String implements fmt.Stringer.
func (s Selector) String() string {
	table := "gdt"
	if s.Local() {
		table = "ldt"
	}
	return fmt.Sprintf("%#04x(%s[%d] rpl=%d)", uint16(s), table, s.Index(), s.RPL())
}
