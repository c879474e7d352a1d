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

package rtld

import (
	"bytes"
	"debug/elf"
	"errors"
	"testing"

	"kiwi.dev/rtld/pkg/errors/rtlderr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/rtld/elftest"
)

// relocTypes are machine relocation types used by the tests. A zero pc32
// means the machine has none in the supported set.
type relocTypes struct {
	abs         uint32
	globDat     uint32
	pc32        uint32
	unsupported uint32
}

var typesOf = map[elf.Machine]relocTypes{
	elf.EM_X86_64: {
		abs:         uint32(elf.R_X86_64_64),
		globDat:     uint32(elf.R_X86_64_GLOB_DAT),
		pc32:        uint32(elf.R_X86_64_PC32),
		unsupported: uint32(elf.R_X86_64_TPOFF64),
	},
	elf.EM_386: {
		abs:         uint32(elf.R_386_32),
		globDat:     uint32(elf.R_386_GLOB_DAT),
		pc32:        uint32(elf.R_386_PC32),
		unsupported: uint32(elf.R_386_TLS_TPOFF),
	},
	elf.EM_AARCH64: {
		abs:         uint32(elf.R_AARCH64_ABS64),
		globDat:     uint32(elf.R_AARCH64_GLOB_DAT),
		unsupported: uint32(elf.R_AARCH64_TLS_TPREL64),
	},
}

var tableData = []byte("0123456789abcdef")

// addLibc installs a library defining puts, counter and table.
func addLibc(e *testEnv) {
	e.add("/system/libraries/libc.so", &elftest.Builder{
		Soname: "libc.so",
		Syms: []elftest.Sym{
			elftest.Func("puts"),
			elftest.Func("helper"),
			elftest.Object("counter", make([]byte, 8)),
			elftest.Object("table", tableData),
		},
	})
}

func TestRelocate(t *testing.T) {
	for _, m := range allMachines {
		t.Run(goarchOf[m], func(t *testing.T) {
			e := newEnv(t, m)
			rt := typesOf[m]
			addLibc(e)
			relocs := []elftest.Reloc{
				{Type: rt.globDat, Sym: "puts", Slot: "got_puts"},
				{Type: rt.abs, Sym: "counter", Addend: 16, Slot: "abs_counter"},
				{Type: elftest.RelativeType(m), Addend: 0x40, Slot: "relative"},
				{Type: rt.abs, Sym: "maybe", Slot: "weak"},
				{Type: rt.abs, Sym: "helper", Slot: "local"},
				{Type: elftest.CopyType(m), Sym: "table"},
			}
			if rt.pc32 != 0 {
				relocs = append(relocs, elftest.Reloc{Type: rt.pc32, Sym: "puts", Addend: -4, Slot: "call", Size: 4})
			}
			e.add("/bin/prog", &elftest.Builder{
				Needed: []string{"libc.so"},
				Syms: []elftest.Sym{
					elftest.Undef("puts"),
					elftest.Undef("counter"),
					elftest.WeakUndef("maybe"),
					{Name: "helper", Bind: elf.STB_LOCAL, Type: elf.STT_FUNC},
					elftest.Object("table", make([]byte, len(tableData))),
				},
				Relocs: relocs,
				PLT:    []elftest.Reloc{{Sym: "puts"}},
			})
			l, prog := e.link("/bin/prog")
			libc := l.Registry().Contains("libc.so")
			puts := e.symAddr(libc, "puts")

			for _, tc := range []struct {
				slot string
				want uint64
			}{
				{"got_puts", uint64(puts)},
				{"abs_counter", uint64(e.symAddr(libc, "counter")) + 16},
				{"relative", uint64(prog.LoadBase()) + 0x40},
				{"weak", 0},
				{"local", uint64(e.symAddr(prog, "helper"))},
				{"puts", uint64(puts)},
			} {
				if got := e.peekWord(e.slotAddr(prog, tc.slot)); got != tc.want {
					t.Errorf("slot %s got %#x, want %#x", tc.slot, got, tc.want)
				}
			}
			if rt.pc32 != 0 {
				slot := e.slotAddr(prog, "call")
				want := uint64(uint32(int64(puts) - 4 - int64(slot)))
				if got := e.peek(slot, 4); got != want {
					t.Errorf("slot call got %#x, want %#x", got, want)
				}
			}
			table := make([]byte, len(tableData))
			if _, err := e.sim.AS.Peek(e.symAddr(prog, "table"), table); err != nil || !bytes.Equal(table, tableData) {
				t.Errorf("copied table got %q, %v, want %q", table, err, tableData)
			}
		})
	}
}

func TestRelocateErrors(t *testing.T) {
	for _, m := range allMachines {
		rt := typesOf[m]
		for _, tc := range []struct {
			name  string
			reloc elftest.Reloc
			want  error
			class rtlderr.Class
		}{
			{
				name:  "missing symbol",
				reloc: elftest.Reloc{Type: rt.globDat, Sym: "nowhere"},
				want:  rtlderr.MissingSymbol,
				class: rtlderr.ClassSymbol,
			},
			{
				name:  "unsupported type",
				reloc: elftest.Reloc{Type: rt.unsupported, Sym: "nowhere"},
				want:  rtlderr.UnsupportedRelocation,
				class: rtlderr.ClassElfIntegrity,
			},
			{
				name:  "text without TEXTREL",
				reloc: elftest.Reloc{Type: elftest.RelativeType(m), InText: true},
				want:  rtlderr.BadRelocation,
				class: rtlderr.ClassElfIntegrity,
			},
		} {
			t.Run(goarchOf[m]+"/"+tc.name, func(t *testing.T) {
				e := newEnv(t, m)
				e.add("/bin/prog", &elftest.Builder{
					Syms:   []elftest.Sym{elftest.Undef("nowhere")},
					Relocs: []elftest.Reloc{tc.reloc},
				})
				l := e.linker()
				if _, _, err := l.Load("/bin/prog", nil, KindExecutable); err != nil {
					t.Fatalf("Load: %v", err)
				}
				err := l.Relocate()
				if !errors.Is(err, tc.want) {
					t.Fatalf("Relocate got %v, want %v", err, tc.want)
				}
				if got := rtlderr.ClassOf(err); got != tc.class {
					t.Errorf("ClassOf got %v, want %v", got, tc.class)
				}
				if root := l.Registry().Root(); root.State() != StateLoading {
					t.Errorf("State after failure got %v, want %v", root.State(), StateLoading)
				}
			})
		}
	}
}

func TestRelocateCorruptSizes(t *testing.T) {
	for _, tc := range []struct {
		name  string
		b     *elftest.Builder
		patch func(t *testing.T, img *elftest.Image)
	}{
		{
			name: "relocation table size",
			b: &elftest.Builder{
				Relocs: []elftest.Reloc{{Type: elftest.RelativeType(elf.EM_X86_64), Addend: 0x10}},
			},
			patch: func(t *testing.T, img *elftest.Image) {
				patchDynamic(t, img, elf.DT_RELASZ, 24<<56)
			},
		},
		{
			name: "PLT relocation table size",
			b: &elftest.Builder{
				Syms: []elftest.Sym{elftest.Undef("puts")},
				PLT:  []elftest.Reloc{{Sym: "puts"}},
			},
			patch: func(t *testing.T, img *elftest.Image) {
				patchDynamic(t, img, elf.DT_PLTRELSZ, 24<<40)
			},
		},
		{
			name: "copied object size",
			b: &elftest.Builder{
				Syms:   []elftest.Sym{elftest.Object("table", make([]byte, len(tableData)))},
				Relocs: []elftest.Reloc{{Type: elftest.CopyType(elf.EM_X86_64), Sym: "table"}},
			},
			patch: func(t *testing.T, img *elftest.Image) {
				patchSymbolSize(img, 1, 1<<40)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, elf.EM_X86_64)
			addLibc(e)
			tc.b.Type = elf.ET_EXEC
			tc.b.Needed = []string{"libc.so"}
			tc.patch(t, e.add("/bin/prog", tc.b))
			l := e.linker()
			root, _, err := l.Load("/bin/prog", nil, KindExecutable)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if err := l.LoadDependencies(root); err != nil {
				t.Fatalf("LoadDependencies: %v", err)
			}
			err = l.Relocate()
			if !errors.Is(err, rtlderr.BadRelocation) {
				t.Fatalf("Relocate got %v, want %v", err, rtlderr.BadRelocation)
			}
			if got := rtlderr.ClassOf(err); got != rtlderr.ClassElfIntegrity {
				t.Errorf("ClassOf got %v, want %v", got, rtlderr.ClassElfIntegrity)
			}
		})
	}
}

func TestRelocateTextRelocations(t *testing.T) {
	for _, m := range allMachines {
		t.Run(goarchOf[m], func(t *testing.T) {
			e := newEnv(t, m)
			e.add("/bin/prog", &elftest.Builder{
				TextRel: true,
				Relocs:  []elftest.Reloc{{Type: elftest.RelativeType(m), Addend: 0x100, Slot: "text", InText: true}},
			})
			_, prog := e.link("/bin/prog")
			slot := e.slotAddr(prog, "text")
			if got, want := e.peekWord(slot), uint64(prog.LoadBase())+0x100; got != want {
				t.Errorf("text slot got %#x, want %#x", got, want)
			}
			if at, ok := e.sim.AS.AccessAt(slot); !ok || at != readExec {
				t.Errorf("text access after relocation got %v, %v, want %v", at, ok, readExec)
			}
		})
	}
}

func TestRelocateRELRO(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	addLibc(e)
	e.add("/bin/prog", &elftest.Builder{
		Needed: []string{"libc.so"},
		Syms:   []elftest.Sym{elftest.Undef("puts")},
		Relocs: []elftest.Reloc{{Type: uint32(elf.R_X86_64_GLOB_DAT), Sym: "puts", Slot: "got_puts"}},
		PLT:    []elftest.Reloc{{Sym: "puts", Slot: "plt_puts"}},
		RELRO:  true,
	})
	l, prog := e.link("/bin/prog")
	puts := uint64(e.symAddr(l.Registry().Contains("libc.so"), "puts"))

	for _, tc := range []struct {
		slot string
		at   hostarch.AccessType
	}{
		{"got_puts", hostarch.Read},
		{"plt_puts", hostarch.ReadWrite},
	} {
		a := e.slotAddr(prog, tc.slot)
		if got := e.peekWord(a); got != puts {
			t.Errorf("slot %s got %#x, want %#x", tc.slot, got, puts)
		}
		if at, ok := e.sim.AS.AccessAt(a); !ok || at != tc.at {
			t.Errorf("slot %s access got %v, %v, want %v", tc.slot, at, ok, tc.at)
		}
	}
	if at, _ := e.sim.AS.AccessAt(prog.addr(e.images["/bin/prog"].DynamicOff)); at != hostarch.Read {
		t.Errorf("dynamic section access got %v, want %v", at, hostarch.Read)
	}
}

func TestRelocateOnce(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	e.add("/bin/prog", &elftest.Builder{
		Relocs: []elftest.Reloc{{Type: uint32(elf.R_X86_64_RELATIVE), Addend: 0x10, Slot: "relative"}},
	})
	l, prog := e.link("/bin/prog")
	slot := e.slotAddr(prog, "relative")
	if err := e.sim.AS.StoreWord(slot, e.wordSize(), 0); err != nil {
		t.Fatalf("clearing slot: %v", err)
	}
	if err := l.Relocate(); err != nil {
		t.Fatalf("second Relocate: %v", err)
	}
	if got := e.peekWord(slot); got != 0 {
		t.Errorf("second Relocate rewrote slot to %#x", got)
	}
}
