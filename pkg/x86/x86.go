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

// Package x86 contains architectural constants for the x86 privilege model.
//
// Names follow the Intel SDM where possible. Only bits consumed by the
// privilege-transition core are listed.
package x86

// Control register 0 bits.
const (
	CR0_PE = 1 << 0
	CR0_MP = 1 << 1
	CR0_EM = 1 << 2
	CR0_TS = 1 << 3
	CR0_ET = 1 << 4
	CR0_NE = 1 << 5
	CR0_WP = 1 << 16
	CR0_AM = 1 << 18
	CR0_NW = 1 << 29
	CR0_CD = 1 << 30
	CR0_PG = 1 << 31

	// CR0_Valid386 are the bits a 386 implements.
	CR0_Valid386 = CR0_PE | CR0_MP | CR0_EM | CR0_TS | CR0_ET | CR0_PG

	// CR0_Valid are the bits implemented by 486 and later.
	CR0_Valid = CR0_Valid386 | CR0_NE | CR0_WP | CR0_AM | CR0_NW | CR0_CD

	// CR0_PagingBits are the bits whose change requires a TLB flush and a
	// paging mode re-evaluation.
	CR0_PagingBits = CR0_PE | CR0_WP | CR0_PG
)

// Control register 3 bits.
const (
	// CR3_PCIDMask is the PCID field when CR4.PCIDE is set.
	CR3_PCIDMask = 0xfff

	// CR3_NoFlush requests that a MOV to CR3 keeps cached translations for
	// the new PCID.
	CR3_NoFlush = 1 << 63

	// CR3_PAEMask is the address portion of CR3 in PAE (non-long) paging.
	CR3_PAEMask = 0xffffffe0

	// CR3_LegacyMask is the address portion of CR3 in 32-bit paging.
	CR3_LegacyMask = 0xfffff000
)

// Control register 4 bits.
const (
	CR4_VME        = 1 << 0
	CR4_PVI        = 1 << 1
	CR4_TSD        = 1 << 2
	CR4_DE         = 1 << 3
	CR4_PSE        = 1 << 4
	CR4_PAE        = 1 << 5
	CR4_MCE        = 1 << 6
	CR4_PGE        = 1 << 7
	CR4_PCE        = 1 << 8
	CR4_OSFXSR     = 1 << 9
	CR4_OSXMMEXCPT = 1 << 10
	CR4_UMIP       = 1 << 11
	CR4_LA57       = 1 << 12
	CR4_VMXE       = 1 << 13
	CR4_SMXE       = 1 << 14
	CR4_FSGSBASE   = 1 << 16
	CR4_PCIDE      = 1 << 17
	CR4_OSXSAVE    = 1 << 18
	CR4_SMEP       = 1 << 20
	CR4_SMAP       = 1 << 21
	CR4_PKE        = 1 << 22

	// CR4_PagingBits are the bits whose change requires a TLB flush.
	CR4_PagingBits = CR4_PSE | CR4_PAE | CR4_PGE | CR4_PCIDE | CR4_SMEP | CR4_SMAP | CR4_PKE

	// CR4_PDPTEBits are the bits whose change reloads the PAE PDPTEs.
	CR4_PDPTEBits = CR4_PSE | CR4_PAE | CR4_PGE | CR4_SMEP
)

// CR8 is the task-priority alias; only the low four bits are defined.
const CR8_Valid = 0xf

// EFER bits.
const (
	EFER_SCE = 1 << 0
	EFER_LME = 1 << 8
	EFER_LMA = 1 << 10
	EFER_NXE = 1 << 11
)

// RFLAGS bits.
const (
	RFLAGS_CF       = 1 << 0
	RFLAGS_Reserved = 1 << 1
	RFLAGS_PF       = 1 << 2
	RFLAGS_AF       = 1 << 4
	RFLAGS_ZF       = 1 << 6
	RFLAGS_SF       = 1 << 7
	RFLAGS_TF       = 1 << 8
	RFLAGS_IF       = 1 << 9
	RFLAGS_DF       = 1 << 10
	RFLAGS_OF       = 1 << 11
	RFLAGS_IOPL     = 3 << 12
	RFLAGS_NT       = 1 << 14
	RFLAGS_RF       = 1 << 16
	RFLAGS_VM       = 1 << 17
	RFLAGS_AC       = 1 << 18
	RFLAGS_VIF      = 1 << 19
	RFLAGS_VIP      = 1 << 20
	RFLAGS_ID       = 1 << 21

	RFLAGS_IOPLShift = 12

	// RFLAGS_Status are the arithmetic status flags.
	RFLAGS_Status = RFLAGS_CF | RFLAGS_PF | RFLAGS_AF | RFLAGS_ZF | RFLAGS_SF | RFLAGS_OF

	// RFLAGS_Live are all architecturally defined bits.
	RFLAGS_Live = RFLAGS_Status | RFLAGS_TF | RFLAGS_IF | RFLAGS_DF | RFLAGS_IOPL |
		RFLAGS_NT | RFLAGS_RF | RFLAGS_VM | RFLAGS_AC | RFLAGS_VIF | RFLAGS_VIP | RFLAGS_ID

	// RFLAGS_SysretMask are the bits SYSRET restores from R11.
	RFLAGS_SysretMask = 0x3c7fd7
)

// Debug register 6 and 7 bits.
const (
	DR6_BD = 1 << 13
	DR6_BS = 1 << 14
	DR6_BT = 1 << 15

	// DR6_MustBeOne are always read as one.
	DR6_MustBeOne = 0xffff0ff0
	// DR6_MustBeZero are always read as zero.
	DR6_MustBeZero = 1 << 12

	DR7_L0 = 1 << 0
	DR7_G0 = 1 << 1
	DR7_LE = 1 << 8
	DR7_GE = 1 << 9
	DR7_GD = 1 << 13

	// DR7_LocalEnables are cleared by a hardware task switch.
	DR7_LocalEnables = 0x55 | DR7_LE
	// DR7_Enables are the local and global breakpoint enables.
	DR7_Enables = 0xff

	// DR7_MustBeOne is bit 10.
	DR7_MustBeOne = 1 << 10
	// DR7_MustBeZero are bits 11, 12, 14 and 15.
	DR7_MustBeZero = 0xd800

	// DR_HighMustBeZero faults when set in DR6 or DR7.
	DR_HighMustBeZero = 0xffffffff00000000
)

// MSR indices.
const (
	MSR_SYSENTER_CS    = 0x174
	MSR_SYSENTER_ESP   = 0x175
	MSR_SYSENTER_EIP   = 0x176
	MSR_EFER           = 0xc0000080
	MSR_STAR           = 0xc0000081
	MSR_LSTAR          = 0xc0000082
	MSR_CSTAR          = 0xc0000083
	MSR_SFMASK         = 0xc0000084
	MSR_FS_BASE        = 0xc0000100
	MSR_GS_BASE        = 0xc0000101
	MSR_KERNEL_GS_BASE = 0xc0000102
)

// Vector is an exception vector.
type Vector uint8

// Exception vectors.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
)

var vectorNames = map[Vector]string{
	DivideByZero:              "#DE",
	Debug:                     "#DB",
	NMI:                       "NMI",
	Breakpoint:                "#BP",
	Overflow:                  "#OF",
	BoundRangeExceeded:        "#BR",
	InvalidOpcode:             "#UD",
	DeviceNotAvailable:        "#NM",
	DoubleFault:               "#DF",
	CoprocessorSegmentOverrun: "#MF9",
	InvalidTSS:                "#TS",
	SegmentNotPresent:         "#NP",
	StackSegmentFault:         "#SS",
	GeneralProtectionFault:    "#GP",
	PageFault:                 "#PF",
}

// String implements fmt.Stringer.
func (v Vector) String() string {
	if s, ok := vectorNames[v]; ok {
		return s
	}
	return "#" + itoa(uint8(v))
}

func itoa(v uint8) string {
	if v < 10 {
		return string(rune('0' + v))
	}
	return itoa(v/10) + string(rune('0'+v%10))
}

// IsCanonical indicates whether addr is canonical with 48 implemented bits.
func IsCanonical(addr uint64) bool {
	return IsCanonicalBits(addr, 48)
}

// IsCanonicalBits indicates whether addr is canonical with bits implemented
// linear address bits: all bits above bits-1 equal bit bits-1.
func IsCanonicalBits(addr uint64, bits uint) bool {
	if bits >= 64 {
		return true
	}
	return uint64(int64(addr<<(64-bits))>>(64-bits)) == addr
}

// IOPL extracts the I/O privilege level from flags.
func IOPL(flags uint64) uint8 {
	return uint8((flags & RFLAGS_IOPL) >> RFLAGS_IOPLShift)
}
