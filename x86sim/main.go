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

// Binary x86sim runs privileged instruction scenarios against the x86
// privilege-transition engine.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/term"
	"gvisor.dev/x86core/pkg/config"
	"gvisor.dev/x86core/pkg/log"
	"gvisor.dev/x86core/x86sim/cmd"
)

var (
	configPath = flag.String("config", "", "TOML cpu profile. Empty selects a modern Intel cpu.")
	logLevel   = flag.String("log-level", "", "log level: warning, info or debug. Overrides the profile.")
	logFormat  = flag.String("log-format", "", "log format: text or json. Overrides the profile.")
	logFile    = flag.String("log-file", "", "log file pattern; %NAME% is replaced by the command name. Overrides the profile.")
)

func main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := profile()
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	level, err := log.ParseLevel(conf.Log.Level)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetLevel(level)

	// Set up logging. A log file gets every message and stderr keeps
	// receiving them as well.
	target := conf.Log.Emitter(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
	f, err := log.OpenFile(conf.Log.File, flag.CommandLine.Arg(0))
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	if f != nil {
		target = &log.MultiEmitter{conf.Log.Emitter(f, false), target}
	}
	log.SetTarget(target)

	status := subcommands.Execute(context.Background(), conf)
	if f != nil {
		f.Close()
	}
	os.Exit(int(status))
}

// profile loads the cpu profile and applies the logging flags to it.
func profile() (*config.Profile, error) {
	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *logLevel != "" {
		conf.Log.Level = *logLevel
	}
	if *logFormat != "" {
		conf.Log.Format = *logFormat
	}
	if *logFile != "" {
		conf.Log.File = *logFile
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// forEachCmd invokes the passed callback for each command supported by
// x86sim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Run), "")

	// Inspection helpers.
	const helperGroup = "helpers"
	cb(new(cmd.Describe), helperGroup)
	cb(new(cmd.Disasm), helperGroup)
	cb(new(cmd.Features), helperGroup)
}
