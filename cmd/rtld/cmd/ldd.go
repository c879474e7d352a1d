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

	"github.com/google/subcommands"
	"kiwi.dev/rtld/pkg/abi/kiwi"
	"kiwi.dev/rtld/pkg/rtld"
)

// Ldd implements subcommands.Command for the "ldd" command.
type Ldd struct {
	libraryPath string
}

// Name implements subcommands.Command.Name.
func (*Ldd) Name() string {
	return "ldd"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Ldd) Synopsis() string {
	return "print the images a program links against"
}

// Usage implements subcommands.Command.Usage.
func (*Ldd) Usage() string {
	return `ldd [flags] <program> - load and relocate a program in dry-run mode, printing
one line per image: soname => path (load base).
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Ldd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.libraryPath, "library-path", "", "colon separated list of directories searched before the configured ones.")
}

// Execute implements subcommands.Command.Execute.
func (l *Ldd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	opts := args[0].(*Options)
	b, err := opts.newBackend()
	if err != nil {
		Fatalf("%v", err)
	}

	pa := &kiwi.ProcessArgs{Path: f.Arg(0), Args: []string{f.Arg(0)}, Env: []string{kiwi.EnvDryRun + "=1"}}
	if l.libraryPath != "" {
		pa.Env = append(pa.Env, kiwi.EnvLibraryPath+"="+l.libraryPath)
	}
	if _, err := rtld.Main(b.p, pa, opts.Config); err != nil {
		Fatalf("%s: %v", pa.Path, err)
	}
	return subcommands.ExitSuccess
}
