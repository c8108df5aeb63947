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
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/scenario"
)

// Describe implements subcommands.Command for the "describe" command.
type Describe struct {
	long     bool
	scenario string
}

// Name implements subcommands.Command.Name.
func (*Describe) Name() string {
	return "describe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Describe) Synopsis() string {
	return "decode segment and gate descriptors"
}

// Usage implements subcommands.Command.Usage.
func (*Describe) Usage() string {
	return `describe [-long] <lo[:hi]>... - decodes raw descriptor quadwords.
describe -scenario=<scenario.yaml> - decodes the descriptor tables of a scenario.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Describe) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.long, "long", false, "decode system descriptors in their 16-byte long mode layout")
	f.StringVar(&d.scenario, "scenario", "", "decode the GDT and LDTs of this scenario")
}

// Execute implements subcommands.Command.Execute.
func (d *Describe) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if (d.scenario == "") == (f.NArg() == 0) {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var err error
	if d.scenario != "" {
		err = d.describeScenario(os.Stdout)
	} else {
		err = d.describeRaw(os.Stdout, f.Args())
	}
	if err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (d *Describe) describeRaw(w io.Writer, args []string) error {
	for _, arg := range args {
		raw, err := parseRaw(arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%016x  %s\n", raw.Lo, descriptor.Describe(descriptor.Decode(raw, d.long)))
	}
	return nil
}

func (d *Describe) describeScenario(w io.Writer) error {
	s, err := scenario.Load(d.scenario)
	if err != nil {
		return err
	}
	tables := append([]scenario.Table{s.GDT}, s.LDTs...)
	for i := range tables {
		name := "gdt"
		if i > 0 {
			name = fmt.Sprintf("ldt %d", i-1)
		}
		fmt.Fprintf(w, "%s base=%#x limit=%#x\n", name, tables[i].Base, tables[i].Limit)
		entries, err := tables[i].Decode(d.long)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(w, "  %v  %016x  %s\n", e.Selector, e.Raw.Lo, descriptor.Describe(e.Descriptor))
		}
	}
	return nil
}

// parseRaw parses "lo" or "lo:hi".
func parseRaw(s string) (descriptor.Raw, error) {
	var raw descriptor.Raw
	lo, hi, wide := strings.Cut(s, ":")
	var err error
	if raw.Lo, err = parseQuad(lo); err != nil {
		return raw, err
	}
	if wide {
		if raw.Hi, err = parseQuad(hi); err != nil {
			return raw, err
		}
	}
	return raw, nil
}
