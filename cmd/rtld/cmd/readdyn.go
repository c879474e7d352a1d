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
	"debug/elf"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"kiwi.dev/rtld/pkg/rtld"
)

// ReadDyn implements subcommands.Command for the "readdyn" command.
type ReadDyn struct {
	symbols bool
}

// Name implements subcommands.Command.Name.
func (*ReadDyn) Name() string {
	return "readdyn"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*ReadDyn) Synopsis() string {
	return "map a single image and print its dynamic section"
}

// Usage implements subcommands.Command.Usage.
func (*ReadDyn) Usage() string {
	return `readdyn [flags] <image> - map an image without its dependencies and print its
dynamic section as the loader sees it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *ReadDyn) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.symbols, "symbols", false, "also list the dynamic symbol table.")
}

// Execute implements subcommands.Command.Execute.
func (r *ReadDyn) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
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
	img, entry, err := l.Load(f.Arg(0), nil, rtld.KindAny)
	if err != nil {
		Fatalf("%v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "Image:\t%s\n", img.Path())
	fmt.Fprintf(w, "Name:\t%s\n", img.Name())
	fmt.Fprintf(w, "Span:\t%v\n", img.Span())
	fmt.Fprintf(w, "Load base:\t%v\n", img.LoadBase())
	fmt.Fprintf(w, "Entry:\t%v\n", entry)
	for _, n := range img.Needed() {
		fmt.Fprintf(w, "Needed:\t%s\n", n)
	}
	fmt.Fprintf(w, "\nTag\tValue\n")
	for _, e := range img.Dynamic().Entries {
		fmt.Fprintf(w, "%v\t%#x\n", e.Tag, e.Val)
	}
	if r.symbols {
		syms := img.Symbols()
		fmt.Fprintf(w, "\nNum\tValue\tSize\tBind\tType\tNdx\tName\n")
		for i := uint32(1); i < syms.Count(); i++ {
			s, err := syms.Symbol(i)
			if err != nil {
				Fatalf("symbol %d: %v", i, err)
			}
			ndx := "DEF"
			switch s.Section {
			case elf.SHN_UNDEF:
				ndx = "UND"
			case elf.SHN_ABS:
				ndx = "ABS"
			}
			fmt.Fprintf(w, "%d\t%#x\t%d\t%v\t%v\t%s\t%s\n", i, s.Value, s.Size, s.Bind, s.Type, ndx, s.Name)
		}
	}
	if err := w.Flush(); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
