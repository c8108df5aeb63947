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

// Package config loads the CPU profile and logging settings of a simulated
// machine from TOML.
//
// A profile file looks like:
//
//	vendor = "amd"
//	generation = "modern"
//	features = ["pae", "pge", "lm", "syscall"]
//	phys_addr_bits = 40
//
//	[log]
//	level = "debug"
//	format = "json"
//	file = "/tmp/x86sim/%NAME%.log"
package config

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	hostcpu "golang.org/x/sys/cpu"
	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/log"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Profile describes the modelled CPU.
type Profile struct {
	// Vendor is "intel" or "amd".
	Vendor string `toml:"vendor" yaml:"vendor"`

	// Generation is one of "386", "486", "pentium", "p6" or "modern".
	Generation string `toml:"generation" yaml:"generation"`

	// Features lists the enabled features by name. When empty the
	// defaults of the generation are used.
	Features []string `toml:"features" yaml:"features"`

	// PhysAddrBits is the physical address width. Zero keeps the default
	// of the generation.
	PhysAddrBits uint8 `toml:"phys_addr_bits" yaml:"phys_addr_bits"`

	Log Log `toml:"log" yaml:"log"`
}

// Log configures logging.
type Log struct {
	// Level is "warning", "info" or "debug".
	Level string `toml:"level" yaml:"level"`

	// Format is "text" or "json". Empty selects text on a terminal and
	// JSON otherwise.
	Format string `toml:"format" yaml:"format"`

	// File, if set, is a log file pattern for log.OpenFile.
	File string `toml:"file" yaml:"file"`
}

// Default returns a modern Intel profile.
func Default() *Profile {
	return &Profile{Vendor: "intel", Generation: "modern"}
}

// Load reads a profile from a TOML file. Unknown keys are rejected.
func Load(path string) (*Profile, error) {
	p := Default()
	md, err := toml.DecodeFile(path, p)
	if err != nil {
		return nil, fmt.Errorf("loading profile %q: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("loading profile %q: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("loading profile %q: %w", path, err)
	}
	return p, nil
}

// Parse decodes a profile from TOML text.
func Parse(data string) (*Profile, error) {
	p := Default()
	md, err := toml.Decode(data, p)
	if err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.String())
	}
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}

// Validate checks that every name in the profile is known.
func (p *Profile) Validate() error {
	_, err := p.CPU()
	if err != nil {
		return err
	}
	if _, err := log.ParseLevel(p.Log.Level); err != nil {
		return err
	}
	switch p.Log.Format {
	case "", FormatText, FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", p.Log.Format)
	}
	return nil
}

func parseVendor(s string) (cpu.Vendor, error) {
	switch strings.ToLower(s) {
	case "", "intel":
		return cpu.VendorIntel, nil
	case "amd":
		return cpu.VendorAMD, nil
	default:
		return 0, fmt.Errorf("unknown cpu vendor %q", s)
	}
}

// CPU returns the feature set described by p.
func (p *Profile) CPU() (*cpu.Features, error) {
	v, err := parseVendor(p.Vendor)
	if err != nil {
		return nil, err
	}
	g := cpu.GenModern
	if p.Generation != "" {
		if g, err = cpu.ParseGeneration(p.Generation); err != nil {
			return nil, err
		}
	}
	var f *cpu.Features
	if len(p.Features) == 0 {
		f = defaultFeatures(v, g)
	} else {
		f = cpu.NewFeatures(v, g)
		if g == cpu.GenModern {
			f.PhysAddrBits = cpu.ModernFeatures(v).PhysAddrBits
		}
		for _, name := range p.Features {
			x, ok := cpu.FeatureFromString(strings.ToLower(name))
			if !ok {
				return nil, fmt.Errorf("unknown cpu feature %q", name)
			}
			f.Set(x)
		}
	}
	if p.PhysAddrBits != 0 {
		if p.PhysAddrBits < 32 || p.PhysAddrBits > 52 {
			return nil, fmt.Errorf("phys_addr_bits %d out of range [32, 52]", p.PhysAddrBits)
		}
		f.PhysAddrBits = p.PhysAddrBits
	}
	return f, nil
}

// defaultFeatures returns the features a typical CPU of generation g has.
func defaultFeatures(v cpu.Vendor, g cpu.Generation) *cpu.Features {
	switch g {
	case cpu.Gen386, cpu.Gen486:
		return cpu.NewFeatures(v, g)
	case cpu.GenPentium:
		return cpu.NewFeatures(v, g, cpu.FeatureVME, cpu.FeaturePVI, cpu.FeatureTSD, cpu.FeatureDE, cpu.FeaturePSE, cpu.FeatureMCE)
	case cpu.GenP6:
		return cpu.NewFeatures(v, g, cpu.FeatureVME, cpu.FeaturePVI, cpu.FeatureTSD, cpu.FeatureDE, cpu.FeaturePSE,
			cpu.FeaturePAE, cpu.FeatureMCE, cpu.FeaturePGE, cpu.FeaturePCE, cpu.FeatureFXSR, cpu.FeatureSEP)
	default:
		return cpu.ModernFeatures(v)
	}
}

// Host returns a profile approximating the CPU this process runs on. Only
// the features visible to user space can be probed; the privileged ones
// are those of a modern CPU.
func Host() (*Profile, error) {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "386" {
		return nil, fmt.Errorf("host is %s, not x86", runtime.GOARCH)
	}
	f := cpu.ModernFeatures(cpu.VendorIntel)
	if !hostcpu.X86.HasSSE2 {
		f.Clear(cpu.FeatureSSE)
		f.Clear(cpu.FeatureFXSR)
	}
	if !hostcpu.X86.HasOSXSAVE {
		f.Clear(cpu.FeatureXSAVE)
	}
	if runtime.GOARCH == "386" {
		f.Clear(cpu.FeatureLM)
	}
	p := Default()
	for _, x := range f.List() {
		p.Features = append(p.Features, x.String())
	}
	return p, nil
}

// Encode writes p as TOML.
func (p *Profile) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(p)
}

// Emitter returns the log emitter selected by l writing to w. tty reports
// whether w is a terminal.
func (l Log) Emitter(w io.Writer, tty bool) log.Emitter {
	format := l.Format
	if format == "" {
		format = FormatJSON
		if tty {
			format = FormatText
		}
	}
	if format == FormatJSON {
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	}
	return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
}
