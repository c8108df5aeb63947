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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/x86core/pkg/scenario"
)

// Disasm implements subcommands.Command for the "disasm" command.
type Disasm struct {
	bits int
	pc   uint64
}

// Name implements subcommands.Command.Name.
func (*Disasm) Name() string {
	return "disasm"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Disasm) Synopsis() string {
	return "disassemble instruction bytes"
}

// Usage implements subcommands.Command.Usage.
func (*Disasm) Usage() string {
	return `disasm [-bits=64] [-pc=0] <hex bytes>... - prints the instructions encoded by the bytes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Disasm) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.bits, "bits", 64, "code size: 16, 32 or 64")
	f.Uint64Var(&d.pc, "pc", 0, "address of the first byte")
}

// Execute implements subcommands.Command.Execute.
func (d *Disasm) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	switch d.bits {
	case 16, 32, 64:
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	code, err := parseBytes(f.Args())
	if err != nil {
		Fatalf("%v", err)
	}
	if err := d.disasm(os.Stdout, code); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (d *Disasm) disasm(w io.Writer, code []byte) error {
	pc := d.pc
	for len(code) > 0 {
		text, n, err := scenario.Disassemble(code, d.bits, pc)
		if err != nil {
			return fmt.Errorf("%#x: %v", pc, err)
		}
		fmt.Fprintf(w, "%#8x:  %-24s %s\n", pc, fmt.Sprintf("% x", code[:n]), text)
		code = code[n:]
		pc += uint64(n)
	}
	return nil
}
