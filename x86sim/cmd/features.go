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
	"gvisor.dev/x86core/pkg/config"
)

// Features implements subcommands.Command for the "features" command.
type Features struct {
	host bool
}

// Name implements subcommands.Command.Name.
func (*Features) Name() string {
	return "features"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Features) Synopsis() string {
	return "print the modelled cpu profile"
}

// Usage implements subcommands.Command.Usage.
func (*Features) Usage() string {
	return `features [-host] - prints the --config profile, or one derived from the host cpu, as TOML.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fs *Features) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&fs.host, "host", false, "describe the cpu x86sim is running on")
}

// Execute implements subcommands.Command.Execute.
func (fs *Features) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Profile)
	if fs.host {
		var err error
		if conf, err = config.Host(); err != nil {
			Fatalf("%v", err)
		}
	}
	if err := printProfile(os.Stdout, conf); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// printProfile writes p as TOML, preceded by a comment with the resolved
// feature set.
func printProfile(w io.Writer, p *config.Profile) error {
	f, err := p.CPU()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %v\n", f)
	return p.Encode(w)
}
