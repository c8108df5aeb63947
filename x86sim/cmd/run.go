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
	"gvisor.dev/x86core/pkg/interp"
	"gvisor.dev/x86core/pkg/log"
	"gvisor.dev/x86core/pkg/metric"
	"gvisor.dev/x86core/pkg/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	metrics bool
	quiet   bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenarios and check their expectations"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml>... - runs each scenario and reports every step.

A scenario without a cpu section runs on the --config profile.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.metrics, "metrics", false, "print instruction counters in Prometheus text format after the run")
	f.BoolVar(&r.quiet, "quiet", false, "only report failed steps")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Profile)

	ok, err := r.run(ctx, conf, f.Args(), os.Stdout)
	if err != nil {
		Fatalf("%v", err)
	}
	if !ok {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// run runs the scenarios at paths, writing a report to w. It returns false
// if any step failed its expectation.
func (r *Run) run(ctx context.Context, conf *config.Profile, paths []string, w io.Writer) (bool, error) {
	reg := metric.NewRegistry()
	m, err := interp.NewMetrics(reg)
	if err != nil {
		return false, err
	}
	ok := true
	for _, path := range paths {
		s, err := scenario.Load(path)
		if err != nil {
			return false, err
		}
		if s.CPU == nil {
			s.CPU = conf
		}
		rep, err := scenario.Run(ctx, s, scenario.Options{Metrics: m})
		if err != nil {
			return false, err
		}
		for _, res := range rep.Results {
			if r.quiet && res.Err == nil {
				continue
			}
			fmt.Fprintln(w, res)
		}
		if err := rep.Err(); err != nil {
			log.Warningf("%v", err)
			fmt.Fprintf(w, "FAIL %s\n", rep.Name)
			ok = false
			continue
		}
		fmt.Fprintf(w, "PASS %s (%d steps)\n", rep.Name, len(rep.Results))
	}
	if r.metrics {
		if err := reg.WriteText(w); err != nil {
			return false, fmt.Errorf("writing metrics: %w", err)
		}
	}
	return ok, nil
}
