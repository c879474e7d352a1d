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
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/rtld"
)

// Resolve implements subcommands.Command for the "resolve" command.
type Resolve struct{}

// Name implements subcommands.Command.Name.
func (*Resolve) Name() string {
	return "resolve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Resolve) Synopsis() string {
	return "resolve symbols and addresses in a linked program"
}

// Usage implements subcommands.Command.Usage.
func (*Resolve) Usage() string {
	return `resolve [flags] <program> <symbol|0xaddress>... - link a program and look up
each symbol in global search order, or find the image containing each address.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Resolve) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Resolve) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	opts := args[0].(*Options)
	b, err := opts.newBackend()
	if err != nil {
		Fatalf("%v", err)
	}
	l, err := rtld.New(b.p, opts.Config)
	if err != nil {
		Fatalf("%v", err)
	}
	root, _, err := l.Load(f.Arg(0), nil, rtld.KindExecutable)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := l.LoadDependencies(root); err != nil {
		Fatalf("%v", err)
	}
	if err := l.Relocate(); err != nil {
		Fatalf("%v", err)
	}

	status := subcommands.ExitSuccess
	for _, q := range f.Args()[1:] {
		if strings.HasPrefix(q, "0x") {
			a, err := strconv.ParseUint(q, 0, 64)
			if err != nil {
				Fatalf("invalid address %q: %v", q, err)
			}
			addr := hostarch.Addr(a)
			img := l.Registry().ImageAt(addr)
			if img == nil {
				fmt.Printf("%v => not mapped\n", addr)
				status = subcommands.ExitFailure
				continue
			}
			fmt.Printf("%v => %s+%#x\n", addr, img.Name(), uint64(addr-img.Span().Start))
			continue
		}
		def, err := l.Resolve(q, root)
		if err != nil {
			fmt.Printf("%s => %v\n", q, err)
			status = subcommands.ExitFailure
			continue
		}
		if def.Symbol.Absolute() {
			fmt.Printf("%s => %v (absolute, %s)\n", q, def.Addr, def.Image.Name())
			continue
		}
		fmt.Printf("%s => %v (%s+%#x, %v)\n", q, def.Addr, def.Image.Name(), uint64(def.Addr-def.Image.LoadBase()), def.Symbol.Bind)
	}
	return status
}
