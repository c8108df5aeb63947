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

package guestmem

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/x86core/pkg/cpu"
)

// pdpteReserved are the PDPTE bits that must be zero when the entry is
// present, below the physical address width.
const pdpteReserved = 0x1e6

// Flush is one recorded TLB flush.
type Flush struct {
	Global bool
}

// Paging is a paging subsystem without translation. It tracks the root, the
// cached PAE PDPTEs and every flush it is asked to perform.
type Paging struct {
	mem          *Memory
	physAddrBits uint8

	Root        uint64
	PDPTEs      [4]uint64
	Flushes     []Flush
	ModeChanges int
}

// NewPaging returns a paging subsystem reading PDPTEs from mem.
func NewPaging(mem *Memory, physAddrBits uint8) *Paging {
	return &Paging{mem: mem, physAddrBits: physAddrBits}
}

// SetRoot records a new page table root.
func (p *Paging) SetRoot(cr3 uint64) error {
	p.Root = cr3
	return nil
}

// Flush records a TLB flush.
func (p *Paging) Flush(global bool) {
	p.Flushes = append(p.Flushes, Flush{Global: global})
}

// ModeChanged records a paging mode re-evaluation.
func (p *Paging) ModeChanged(cr0, cr4, efer uint64) {
	p.ModeChanges++
}

// LoadPDPTEs reads and validates the four PAE page-directory-pointer
// entries addressed by cr3. On failure the cached entries are unchanged and
// the error carries #GP(0).
func (p *Paging) LoadPDPTEs(cr3 uint64) error {
	var buf [32]byte
	addr := cr3 & 0xffffffe0
	if err := p.mem.Read(addr, buf[:], cpu.AccessSystem); err != nil {
		return fmt.Errorf("reading pdptes at %#x: %w", addr, err)
	}
	high := ^uint64(0) << p.physAddrBits
	var e [4]uint64
	for i := range e {
		e[i] = binary.LittleEndian.Uint64(buf[i*8:])
		if e[i]&1 != 0 && e[i]&(pdpteReserved|high) != 0 {
			return fmt.Errorf("pdpte %d = %#x has reserved bits: %w", i, e[i], cpu.GP0())
		}
	}
	p.PDPTEs = e
	return nil
}
