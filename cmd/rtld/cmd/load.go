// Copyright 2024 The gVisor Authors.
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
	"os"

	"github.com/google/subcommands"
	"kiwi.dev/rtld/pkg/abi/kiwi"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/log"
	"kiwi.dev/rtld/pkg/rtld"
	"kiwi.dev/rtld/pkg/rtld/elfview"
)

// argsBlockAddr is where the process arguments block is placed in a
// simulated address space.
const argsBlockAddr hostarch.Addr = 0x10000

// Load implements subcommands.Command for the "load" command.
type Load struct {
	env     stringFlags
	hostEnv bool
}

// Name implements subcommands.Command.Name.
func (*Load) Name() string {
	return "load"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Load) Synopsis() string {
	return "load a program as the runtime loader would, without running it"
}

// Usage implements subcommands.Command.Usage.
func (*Load) Usage() string {
	return `load [flags] <program> [args...] - load, relocate and initialize a program.

The program and its libraries are mapped into the selected platform. On the
sim platform, initializers are recorded rather than run, and the entry point
is printed. The host platform cannot run initializers, so it always stops
after relocation, as in a dry run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Load) SetFlags(f *flag.FlagSet) {
	f.Var(&l.env, "env", "KEY=VALUE added to the program environment. May be repeated.")
	f.BoolVar(&l.hostEnv, "host-env", false, "pass the environment of rtld to the program.")
}

// environ returns the environment vector of the program.
func (l *Load) environ() []string {
	var env []string
	if l.hostEnv {
		env = append(env, os.Environ()...)
	}
	return append(env, l.env...)
}

// Execute implements subcommands.Command.Execute.
func (l *Load) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	opts := args[0].(*Options)
	pa := &kiwi.ProcessArgs{Path: f.Arg(0), Args: f.Args(), Env: l.environ()}

	b, err := opts.newBackend()
	if err != nil {
		Fatalf("%v", err)
	}
	if b.sim == nil {
		conf := opts.Config.Copy()
		conf.DryRun = true
		if _, err := rtld.Main(b.p, pa, conf); err != nil {
			Fatalf("loading %s: %v", pa.Path, err)
		}
		return subcommands.ExitSuccess
	}

	// Hand the arguments over in memory, the way the kernel does.
	t, err := elfview.TargetFor(opts.Config.Machine)
	if err != nil {
		Fatalf("%v", err)
	}
	block := pa.Encode(t.WordSize(), uint64(argsBlockAddr))
	size, ok := hostarch.PageRoundUp(uint64(len(block)))
	if !ok {
		Fatalf("arguments block of %d bytes is too large", len(block))
	}
	if _, err := b.sim.AS.Reserve(argsBlockAddr, size, true); err != nil {
		Fatalf("reserving arguments block: %v", err)
	}
	if err := b.sim.AS.AnonMap(argsBlockAddr, size, hostarch.ReadWrite); err != nil {
		Fatalf("mapping arguments block: %v", err)
	}
	if _, err := b.sim.AS.CopyOut(argsBlockAddr, block); err != nil {
		Fatalf("writing arguments block: %v", err)
	}

	entry := rtld.Start(b.p, argsBlockAddr, opts.Config)
	for _, c := range b.sim.Caller.Calls() {
		fmt.Printf("initializer %v\n", c)
	}
	if status, exited := b.sim.Process.Exited(); exited {
		log.Infof("Program exited with status %d", status)
		if status != 0 {
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}
	fmt.Printf("entry point %v (%d pages mapped)\n", entry, b.sim.AS.MappedPages())
	return subcommands.ExitSuccess
}
