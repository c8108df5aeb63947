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

package intercept

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Exit codes, in the numbering of the AMD SVM exit codes. Operations that
// SVM cannot intercept use codes from 0x400.
const (
	ExitReadCR0      = 0x00
	ExitWriteCR0     = 0x10
	ExitReadDR0      = 0x20
	ExitWriteDR0     = 0x30
	ExitCR0SelWrite  = 0x65
	ExitIDTRRead     = 0x66
	ExitGDTRRead     = 0x67
	ExitLDTRRead     = 0x68
	ExitTRRead       = 0x69
	ExitIDTRWrite    = 0x6a
	ExitGDTRWrite    = 0x6b
	ExitLDTRWrite    = 0x6c
	ExitTRWrite      = 0x6d
	ExitPOPF         = 0x71
	ExitIRET         = 0x74
	ExitTaskSwitch   = 0x7d
	ExitSyscall      = 0x400
	ExitSysret       = 0x401
	ExitSysenter     = 0x402
	ExitSysexit      = 0x403
	ExitSWAPGS       = 0x404
	ExitFarTransfer  = 0x405
	cr0SelectiveBits = 0xfffffffffffffff5 // All but TS and MP.
)

// Config is an intercept configuration modelled on the SVM intercept
// vectors. It is safe for concurrent use; the outer hypervisor may update it
// while virtual CPUs consult it.
type Config struct {
	kinds    atomic.Uint64
	crRead   atomic.Uint32
	crWrite  atomic.Uint32
	drRead   atomic.Uint32
	drWrite  atomic.Uint32
	tables   atomic.Uint32 // Bit per table, reads.
	tablesW  atomic.Uint32 // Bit per table, writes.
	cr0Sel   atomic.Bool
	hitCount atomic.Uint64
}

func setBit32(v *atomic.Uint32, bit int, on bool) {
	if on {
		v.Or(1 << uint(bit))
	} else {
		v.And(^uint32(1 << uint(bit)))
	}
}

// Set enables or disables intercepts of kind k for all indices.
func (c *Config) Set(k Kind, on bool) {
	if on {
		c.kinds.Or(1 << uint(k))
	} else {
		c.kinds.And(^uint64(1 << uint(k)))
	}
}

// SetCR enables or disables read or write intercepts of control register n.
func (c *Config) SetCR(n int, write, on bool) {
	if write {
		setBit32(&c.crWrite, n, on)
	} else {
		setBit32(&c.crRead, n, on)
	}
}

// SetDR enables or disables read or write intercepts of debug register n.
func (c *Config) SetDR(n int, write, on bool) {
	if write {
		setBit32(&c.drWrite, n, on)
	} else {
		setBit32(&c.drRead, n, on)
	}
}

// SetTable enables or disables read or write intercepts of a descriptor
// table register.
func (c *Config) SetTable(t Table, write, on bool) {
	if write {
		setBit32(&c.tablesW, int(t), on)
	} else {
		setBit32(&c.tables, int(t), on)
	}
}

// SetCR0Selective enables the selective CR0 write intercept, which fires
// only when bits other than TS and MP change (or on any LMSW).
func (c *Config) SetCR0Selective(on bool) {
	c.cr0Sel.Store(on)
}

// Hits returns the number of intercepts reported.
func (c *Config) Hits() uint64 {
	return c.hitCount.Load()
}

func (c *Config) hit(e Exit) (Exit, bool) {
	c.hitCount.Add(1)
	return e, true
}

// Intercept implements Gate.Intercept.
func (c *Config) Intercept(r Request) (Exit, bool) {
	bit := func(v *atomic.Uint32, n int) bool {
		return n >= 0 && n < 32 && v.Load()&(1<<uint(n)) != 0
	}
	switch r.Kind {
	case ReadCR:
		if bit(&c.crRead, r.Index) {
			return c.hit(Exit{Kind: r.Kind, Code: ExitReadCR0 + uint64(r.Index)})
		}
	case WriteCR:
		if bit(&c.crWrite, r.Index) {
			return c.hit(Exit{Kind: r.Kind, Code: ExitWriteCR0 + uint64(r.Index), Info: r.Value})
		}
		if r.Index == 0 && c.cr0Sel.Load() {
			if r.Source == SourceLMSW || (r.Old^r.Value)&cr0SelectiveBits != 0 {
				return c.hit(Exit{Kind: r.Kind, Code: ExitCR0SelWrite, Info: r.Value})
			}
		}
	case ReadDR:
		if bit(&c.drRead, r.Index) {
			return c.hit(Exit{Kind: r.Kind, Code: ExitReadDR0 + uint64(r.Index)})
		}
	case WriteDR:
		if bit(&c.drWrite, r.Index) {
			return c.hit(Exit{Kind: r.Kind, Code: ExitWriteDR0 + uint64(r.Index), Info: r.Value})
		}
	case ReadDescriptorTable:
		if bit(&c.tables, r.Index) && r.Index < len(tableReadExit) {
			return c.hit(Exit{Kind: r.Kind, Code: tableReadExit[r.Index]})
		}
	case WriteDescriptorTable:
		if bit(&c.tablesW, r.Index) && r.Index < len(tableWriteExit) {
			return c.hit(Exit{Kind: r.Kind, Code: tableWriteExit[r.Index], Info: r.Value | uint64(r.Selector)})
		}
	default:
		if c.kinds.Load()&(1<<uint(r.Kind)) != 0 {
			return c.hit(Exit{Kind: r.Kind, Code: kindExit[r.Kind], Info: uint64(r.Selector)})
		}
	}
	return Exit{}, false
}

var tableReadExit = [...]uint64{
	GDTR: ExitGDTRRead,
	IDTR: ExitIDTRRead,
	LDTR: ExitLDTRRead,
	TR:   ExitTRRead,
}

var tableWriteExit = [...]uint64{
	GDTR: ExitGDTRWrite,
	IDTR: ExitIDTRWrite,
	LDTR: ExitLDTRWrite,
	TR:   ExitTRWrite,
}

var kindExit = map[Kind]uint64{
	TaskSwitch:  ExitTaskSwitch,
	IRET:        ExitIRET,
	POPF:        ExitPOPF,
	Syscall:     ExitSyscall,
	Sysret:      ExitSysret,
	Sysenter:    ExitSysenter,
	Sysexit:     ExitSysexit,
	SWAPGS:      ExitSWAPGS,
	FarTransfer: ExitFarTransfer,
}

// Enable turns on the intercept named by spec. A spec is a kind name,
// optionally followed by ":" and an index: a register number for the CR and
// DR kinds, or a table name (gdtr, idtr, ldtr, tr) for the descriptor table
// kinds. A kind that takes an index and is given none is enabled for every
// index. "cr0-selective" enables the selective CR0 write intercept.
func (c *Config) Enable(spec string) error {
	if spec == "cr0-selective" {
		c.SetCR0Selective(true)
		return nil
	}
	name, idx, hasIdx := strings.Cut(spec, ":")
	k, ok := KindFromString(name)
	if !ok {
		return fmt.Errorf("unknown intercept %q", spec)
	}
	switch k {
	case ReadCR, WriteCR, ReadDR, WriteDR:
		lo, hi := 0, 15
		if k == ReadDR || k == WriteDR {
			hi = 7
		}
		if hasIdx {
			n, err := strconv.Atoi(idx)
			if err != nil || n < lo || n > hi {
				return fmt.Errorf("intercept %q: bad register index %q", spec, idx)
			}
			lo, hi = n, n
		}
		write := k == WriteCR || k == WriteDR
		for n := lo; n <= hi; n++ {
			if k == ReadCR || k == WriteCR {
				c.SetCR(n, write, true)
			} else {
				c.SetDR(n, write, true)
			}
		}
	case ReadDescriptorTable, WriteDescriptorTable:
		tables := []Table{GDTR, IDTR, LDTR, TR}
		if hasIdx {
			tables = nil
			for t, tn := range tableNames {
				if tn == idx {
					tables = []Table{Table(t)}
				}
			}
			if tables == nil {
				return fmt.Errorf("intercept %q: unknown table %q", spec, idx)
			}
		}
		for _, t := range tables {
			c.SetTable(t, k == WriteDescriptorTable, true)
		}
	default:
		if hasIdx {
			return fmt.Errorf("intercept %q: %v takes no index", spec, k)
		}
		c.Set(k, true)
	}
	return nil
}
