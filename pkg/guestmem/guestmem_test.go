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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/x86"
)

func TestMemoryReadWrite(t *testing.T) {
	m := NewMemory()
	m.Map(0x1ff8, 16)
	if got, want := m.Mapped(), 2; got != want {
		t.Fatalf("Mapped() = %d, want %d", got, want)
	}
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if err := m.Write(0x1ff8, src, cpu.AccessData); err != nil {
		t.Fatalf("Write: %v", err)
	}
	dst := make([]byte, len(src))
	if err := m.Read(0x1ff8, dst, cpu.AccessData); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(src, dst); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryPageFault(t *testing.T) {
	m := NewMemory()
	m.Map(0x1000, PageSize)
	buf := make([]byte, 8)

	// Straddles into the unmapped page; nothing must be written.
	err := m.Write(0x1ffc, []byte{1, 2, 3, 4, 5, 6, 7, 8}, cpu.AccessStack)
	f, ok := cpu.AsFault(err)
	if !ok || f.Vector != x86.PageFault || f.Address != 0x2000 || f.ErrorCode != pfWrite {
		t.Fatalf("Write = %v, want #PF(2) at 0x2000", err)
	}
	if err := m.Read(0x1ff8, buf, cpu.AccessData); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(make([]byte, 8), buf); diff != "" {
		t.Errorf("partial write (-want +got):\n%s", diff)
	}

	m.SetReadOnly(0x1000, PageSize, true)
	err = m.Probe(0x1000, 4, true, cpu.AccessData)
	if f, ok := cpu.AsFault(err); !ok || f.ErrorCode != pfPresent|pfWrite {
		t.Errorf("Probe(write) on read-only page = %v, want #PF(3)", err)
	}
	if err := m.WriteSystem(0x1000, []byte{1}); err != nil {
		t.Errorf("WriteSystem on read-only page: %v", err)
	}
	if err := m.Probe(0x1000, 4, false, cpu.AccessData); err != nil {
		t.Errorf("Probe(read): %v", err)
	}
	if _, ok := cpu.AsFault(m.Read(0x5000, buf, cpu.AccessCode)); !ok {
		t.Errorf("Read of unmapped page did not fault")
	}
}

func TestMemoryBusy(t *testing.T) {
	m := NewMemory()
	m.Store(0x3000, []byte{0xaa})
	m.SetBusy(0x3000, 2)
	var b [1]byte
	for i := 0; i < 2; i++ {
		if err := m.Read(0x3000, b[:], cpu.AccessData); !errors.Is(err, cpu.ErrRetry) {
			t.Fatalf("Read #%d = %v, want ErrRetry", i, err)
		}
	}
	if err := m.Read(0x3000, b[:], cpu.AccessData); err != nil || b[0] != 0xaa {
		t.Errorf("Read = %v, %#x; want nil, 0xaa", err, b[0])
	}
}

func TestLoadPDPTEs(t *testing.T) {
	m := NewMemory()
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], 0x5001)
	binary.LittleEndian.PutUint64(buf[8:], 0x6001)
	m.Store(0x4000, buf[:])

	p := NewPaging(m, 36)
	if err := p.LoadPDPTEs(0x4000); err != nil {
		t.Fatalf("LoadPDPTEs: %v", err)
	}
	if diff := cmp.Diff([4]uint64{0x5001, 0x6001, 0, 0}, p.PDPTEs); diff != "" {
		t.Errorf("PDPTEs mismatch (-want +got):\n%s", diff)
	}

	// Reserved bit 7 in a present entry.
	binary.LittleEndian.PutUint64(buf[16:], 0x7081)
	m.Store(0x4000, buf[:])
	err := p.LoadPDPTEs(0x4000)
	if f, ok := cpu.AsFault(err); !ok || f.Vector != x86.GeneralProtectionFault {
		t.Fatalf("LoadPDPTEs = %v, want #GP(0)", err)
	}
	if p.PDPTEs[2] != 0 {
		t.Errorf("PDPTEs updated on failure: %#x", p.PDPTEs)
	}

	// Above the physical address width.
	binary.LittleEndian.PutUint64(buf[16:], 1<<40|1)
	m.Store(0x4000, buf[:])
	if _, ok := cpu.AsFault(p.LoadPDPTEs(0x4000)); !ok {
		t.Errorf("LoadPDPTEs accepted an entry beyond maxphysaddr")
	}
}

func TestMSRsAndAPIC(t *testing.T) {
	m := MSRs{}
	if v, err := m.ReadMSR(x86.MSR_STAR); err != nil || v != 0 {
		t.Errorf("ReadMSR(STAR) = %#x, %v; want 0, nil", v, err)
	}
	m.WriteMSR(x86.MSR_LSTAR, 0xffffffff81000000)
	if v, _ := m.ReadMSR(x86.MSR_LSTAR); v != 0xffffffff81000000 {
		t.Errorf("ReadMSR(LSTAR) = %#x", v)
	}
	var a APIC
	a.SetTPR(7)
	if a.TPR() != 7 {
		t.Errorf("TPR() = %d, want 7", a.TPR())
	}
}
