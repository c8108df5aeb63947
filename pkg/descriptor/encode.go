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

// Flags are the attribute bits accepted by the encoders, in Attributes
// layout. The type, S and DPL bits are supplied separately.
type Flags = Attributes

// EncodeSegment builds a present code or data descriptor. limit is byte granular;
// limits that do not fit in 20 bits are encoded page granular.
func EncodeSegment(base uint32, limit uint32, typ uint8, dpl uint8, flags Flags) uint64 {
	attr := Attributes(typ)&AttrTypeMask | AttrS | AttrP | flags&^(AttrTypeMask|AttrS|AttrDPLMask)
	attr = attr.WithDPL(dpl)
	if limit>>20 != 0 {
		limit >>= 12
		attr |= AttrG
	}
	return encode(uint64(base), limit, attr)
}

// EncodeSystem builds the low quadword of an LDT or TSS descriptor.
func EncodeSystem(base uint32, limit uint32, typ uint8, dpl uint8) uint64 {
	attr := (Attributes(typ)&AttrTypeMask | AttrP).WithDPL(dpl)
	return encode(uint64(base), limit, attr)
}

// EncodeNotPresent clears the present bit of an encoded descriptor.
func EncodeNotPresent(lo uint64) uint64 {
	return lo &^ (uint64(AttrP) << 40)
}

func encode(base uint64, limit uint32, attr Attributes) uint64 {
	return uint64(limit)&0xffff |
		(base&0xffffff)<<16 |
		uint64(attr&0xff)<<40 |
		uint64(limit&0xf0000)<<32 |
		uint64((attr>>12)&0xf)<<52 |
		(base&0xff000000)<<32
}

// EncodeCallGate builds a 16/32-bit call gate, or the low quadword of a
// 64-bit gate when typ is SysCallGate64 (the high quadword is offset>>32).
func EncodeCallGate(sel Selector, offset uint64, typ uint8, dpl uint8, params uint8) uint64 {
	attr := (Attributes(typ)&AttrTypeMask | AttrP).WithDPL(dpl)
	return offset&0xffff |
		uint64(sel)<<16 |
		uint64(params&0x1f)<<32 |
		uint64(attr&0xff)<<40 |
		(offset&0xffff0000)<<32
}

// EncodeTaskGate builds a task gate.
func EncodeTaskGate(tss Selector, dpl uint8) uint64 {
	attr := (Attributes(SysTaskGate) | AttrP).WithDPL(dpl)
	return uint64(tss)<<16 | uint64(attr&0xff)<<40
}
