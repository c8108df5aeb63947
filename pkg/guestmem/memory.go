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

// Package guestmem provides in-process implementations of the collaborators
// consumed by package interp: guest memory, a paging subsystem, an MSR store
// and task-priority registers.
//
// Linear addresses are identity mapped onto guest physical memory; the
// paging subsystem only records the translation-cache operations it is asked
// to perform. This is what tests and the x86sim tool run against.
package guestmem

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/x86core/pkg/cpu"
)

// PageSize is the granularity of mappings.
const PageSize = 4096

// Page fault error code bits.
const (
	pfPresent = 1 << 0
	pfWrite   = 1 << 1
	pfFetch   = 1 << 4
)

type page struct {
	addr     uint64
	data     *[PageSize]byte
	readOnly bool

	// busy is the number of accesses that will still fail with
	// cpu.ErrRetry.
	busy int
}

func pageLess(a, b *page) bool {
	return a.addr < b.addr
}

// Memory is sparse guest memory. It is safe for concurrent use by several
// virtual CPUs.
type Memory struct {
	mu    sync.Mutex
	pages *btree.BTreeG[*page]
}

// NewMemory returns an empty memory.
func NewMemory() *Memory {
	return &Memory{pages: btree.NewG(8, pageLess)}
}

func pageOf(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// Map makes [addr, addr+length) accessible, zero filled.
func (m *Memory) Map(addr, length uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapLocked(addr, length)
}

func (m *Memory) mapLocked(addr, length uint64) {
	if length == 0 {
		return
	}
	for p := pageOf(addr); p <= pageOf(addr+length-1); p += PageSize {
		if _, ok := m.pages.Get(&page{addr: p}); !ok {
			m.pages.ReplaceOrInsert(&page{addr: p, data: new([PageSize]byte)})
		}
		if p+PageSize < p {
			break
		}
	}
}

// SetReadOnly marks the pages spanning [addr, addr+length) read-only.
func (m *Memory) SetReadOnly(addr, length uint64, ro bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages.AscendRange(&page{addr: pageOf(addr)}, &page{addr: addr + length}, func(p *page) bool {
		p.readOnly = ro
		return true
	})
}

// SetBusy makes the next n accesses to the page containing addr fail with
// cpu.ErrRetry.
func (m *Memory) SetBusy(addr uint64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages.Get(&page{addr: pageOf(addr)}); ok {
		p.busy = n
	}
}

// Store maps and writes data at addr.
func (m *Memory) Store(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapLocked(addr, uint64(len(data)))
	if err := m.accessLocked(addr, data, true, cpu.AccessSystem, false); err != nil {
		panic(fmt.Sprintf("store to freshly mapped memory: %v", err))
	}
}

// Mapped returns the number of mapped pages.
func (m *Memory) Mapped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages.Len()
}

func faultCode(p *page, write bool, at cpu.AccessType) uint32 {
	var code uint32
	if p != nil {
		code |= pfPresent
	}
	if write {
		code |= pfWrite
	}
	if at == cpu.AccessCode {
		code |= pfFetch
	}
	return code
}

// accessLocked copies between buf and memory. With probe set nothing is
// copied; only the checks run.
func (m *Memory) accessLocked(addr uint64, buf []byte, write bool, at cpu.AccessType, probe bool) error {
	// Check every page first so a failed access has no partial effect.
	n := uint64(len(buf))
	if n == 0 {
		return nil
	}
	for a := addr; a-addr < n; a = pageOf(a) + PageSize {
		p, ok := m.pages.Get(&page{addr: pageOf(a)})
		if !ok {
			return cpu.PF(a, faultCode(nil, write, at))
		}
		if p.busy > 0 {
			p.busy--
			return fmt.Errorf("page %#x: %w", p.addr, cpu.ErrRetry)
		}
		if write && p.readOnly && at != cpu.AccessSystem {
			return cpu.PF(a, faultCode(p, write, at))
		}
		if pageOf(a)+PageSize < pageOf(a) {
			break
		}
	}
	if probe {
		return nil
	}
	for done := uint64(0); done < n; {
		a := addr + done
		p, _ := m.pages.Get(&page{addr: pageOf(a)})
		off := a - p.addr
		var c int
		if write {
			c = copy(p.data[off:], buf[done:])
		} else {
			c = copy(buf[done:], p.data[off:])
		}
		done += uint64(c)
	}
	return nil
}

// Read reads len(dst) bytes at addr.
func (m *Memory) Read(addr uint64, dst []byte, at cpu.AccessType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessLocked(addr, dst, false, at, false)
}

// Write writes src at addr.
func (m *Memory) Write(addr uint64, src []byte, at cpu.AccessType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessLocked(addr, src, true, at, false)
}

// Probe checks that size bytes at addr are accessible without touching them.
func (m *Memory) Probe(addr uint64, size int, write bool, at cpu.AccessType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessLocked(addr, make([]byte, size), write, at, true)
}

// ReadSystem implements descriptor.Memory.ReadSystem.
func (m *Memory) ReadSystem(addr uint64, dst []byte) error {
	return m.Read(addr, dst, cpu.AccessSystem)
}

// WriteSystem implements descriptor.Memory.WriteSystem.
func (m *Memory) WriteSystem(addr uint64, src []byte) error {
	return m.Write(addr, src, cpu.AccessSystem)
}
