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

package cpu

import (
	"fmt"
	"sort"
	"strings"

	"gvisor.dev/x86core/pkg/x86"
)

// Vendor is the CPU vendor being modelled. The vendors differ in a handful
// of fast system call rules.
type Vendor int

// Vendors.
const (
	VendorIntel Vendor = iota
	VendorAMD
)

// String implements fmt.Stringer.
func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "intel"
	case VendorAMD:
		return "amd"
	default:
		return fmt.Sprintf("vendor%d", int(v))
	}
}

// Generation is the CPU generation being modelled.
type Generation int

// Generations, in order.
const (
	Gen386 Generation = iota
	Gen486
	GenPentium
	GenP6
	GenModern
)

var generationNames = map[Generation]string{
	Gen386:     "386",
	Gen486:     "486",
	GenPentium: "pentium",
	GenP6:      "p6",
	GenModern:  "modern",
}

// String implements fmt.Stringer.
func (g Generation) String() string {
	if s, ok := generationNames[g]; ok {
		return s
	}
	return fmt.Sprintf("gen%d", int(g))
}

// ParseGeneration parses a generation name.
func ParseGeneration(s string) (Generation, error) {
	for g, name := range generationNames {
		if name == s {
			return g, nil
		}
	}
	return 0, fmt.Errorf("unknown cpu generation %q", s)
}

// Feature is a CPU feature that affects privileged instruction semantics.
type Feature int

// Features.
const (
	FeatureVME Feature = iota
	FeaturePVI
	FeatureTSD
	FeatureDE
	FeaturePSE
	FeaturePAE
	FeatureMCE
	FeaturePGE
	FeaturePCE
	FeatureFXSR
	FeatureSSE
	FeatureUMIP
	FeatureLA57
	FeatureVMX
	FeatureSMX
	FeatureFSGSBASE
	FeaturePCID
	FeatureXSAVE
	FeatureSMEP
	FeatureSMAP
	FeaturePKU
	FeatureLM
	FeatureSYSCALL
	FeatureSEP
	FeatureNX
	numFeatures
)

var featureNames = [numFeatures]string{
	FeatureVME:      "vme",
	FeaturePVI:      "pvi",
	FeatureTSD:      "tsd",
	FeatureDE:       "de",
	FeaturePSE:      "pse",
	FeaturePAE:      "pae",
	FeatureMCE:      "mce",
	FeaturePGE:      "pge",
	FeaturePCE:      "pce",
	FeatureFXSR:     "fxsr",
	FeatureSSE:      "sse",
	FeatureUMIP:     "umip",
	FeatureLA57:     "la57",
	FeatureVMX:      "vmx",
	FeatureSMX:      "smx",
	FeatureFSGSBASE: "fsgsbase",
	FeaturePCID:     "pcid",
	FeatureXSAVE:    "xsave",
	FeatureSMEP:     "smep",
	FeatureSMAP:     "smap",
	FeaturePKU:      "pku",
	FeatureLM:       "lm",
	FeatureSYSCALL:  "syscall",
	FeatureSEP:      "sep",
	FeatureNX:       "nx",
}

// String implements fmt.Stringer.
func (f Feature) String() string {
	if f >= 0 && f < numFeatures {
		return featureNames[f]
	}
	return fmt.Sprintf("feature%d", int(f))
}

// FeatureFromString returns the feature with the given name.
func FeatureFromString(s string) (Feature, bool) {
	for f, name := range featureNames {
		if name == s {
			return Feature(f), true
		}
	}
	return 0, false
}

// AllFeatures returns every known feature.
func AllFeatures() []Feature {
	fs := make([]Feature, numFeatures)
	for i := range fs {
		fs[i] = Feature(i)
	}
	return fs
}

// Features describes the modelled CPU.
type Features struct {
	Vendor     Vendor
	Generation Generation

	// PhysAddrBits is the physical address width; CR3 bits above it are
	// reserved.
	PhysAddrBits uint8

	set uint64
}

// NewFeatures returns a feature set with the given features enabled.
func NewFeatures(v Vendor, g Generation, fs ...Feature) *Features {
	f := &Features{Vendor: v, Generation: g, PhysAddrBits: 36}
	for _, x := range fs {
		f.Set(x)
	}
	return f
}

// ModernFeatures returns a typical 64-bit CPU.
func ModernFeatures(v Vendor) *Features {
	f := NewFeatures(v, GenModern,
		FeatureVME, FeaturePVI, FeatureTSD, FeatureDE, FeaturePSE, FeaturePAE,
		FeatureMCE, FeaturePGE, FeaturePCE, FeatureFXSR, FeatureSSE,
		FeatureFSGSBASE, FeaturePCID, FeatureXSAVE, FeatureSMEP, FeatureSMAP,
		FeatureLM, FeatureSYSCALL, FeatureSEP, FeatureNX)
	f.PhysAddrBits = 46
	return f
}

// Set enables a feature.
func (f *Features) Set(x Feature) {
	f.set |= 1 << uint(x)
}

// Clear disables a feature.
func (f *Features) Clear(x Feature) {
	f.set &^= 1 << uint(x)
}

// HasFeature tests whether x is enabled.
func (f *Features) HasFeature(x Feature) bool {
	return f.set&(1<<uint(x)) != 0
}

// List returns the enabled features sorted by name.
func (f *Features) List() []Feature {
	var out []Feature
	for i := Feature(0); i < numFeatures; i++ {
		if f.HasFeature(i) {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// String implements fmt.Stringer.
func (f *Features) String() string {
	names := make([]string, 0, numFeatures)
	for _, x := range f.List() {
		names = append(names, x.String())
	}
	return fmt.Sprintf("%v %v [%s] maxphysaddr=%d", f.Vendor, f.Generation, strings.Join(names, " "), f.PhysAddrBits)
}

// ValidCR4 returns the CR4 bits implemented by this CPU.
func (f *Features) ValidCR4() uint64 {
	var m uint64
	add := func(x Feature, bits uint64) {
		if f.HasFeature(x) {
			m |= bits
		}
	}
	add(FeatureVME, x86.CR4_VME)
	add(FeaturePVI, x86.CR4_PVI)
	add(FeatureTSD, x86.CR4_TSD)
	add(FeatureDE, x86.CR4_DE)
	add(FeaturePSE, x86.CR4_PSE)
	add(FeaturePAE, x86.CR4_PAE)
	add(FeatureMCE, x86.CR4_MCE)
	add(FeaturePGE, x86.CR4_PGE)
	add(FeaturePCE, x86.CR4_PCE)
	add(FeatureFXSR, x86.CR4_OSFXSR)
	add(FeatureSSE, x86.CR4_OSXMMEXCPT)
	add(FeatureUMIP, x86.CR4_UMIP)
	add(FeatureLA57, x86.CR4_LA57)
	add(FeatureVMX, x86.CR4_VMXE)
	add(FeatureSMX, x86.CR4_SMXE)
	add(FeatureFSGSBASE, x86.CR4_FSGSBASE)
	add(FeaturePCID, x86.CR4_PCIDE)
	add(FeatureXSAVE, x86.CR4_OSXSAVE)
	add(FeatureSMEP, x86.CR4_SMEP)
	add(FeatureSMAP, x86.CR4_SMAP)
	add(FeaturePKU, x86.CR4_PKE)
	return m
}
