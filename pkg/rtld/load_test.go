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

func TestLoadSharedObject(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	built := e.add("/system/libraries/libfoo.so", &elftest.Builder{
		Soname: "libfoo.so",
		Syms: []elftest.Sym{
			elftest.Func("foo"),
			elftest.Object("greeting", []byte("hello")),
		},
		BSS: 100,
	})
	l := e.linker()
	img, entry, err := l.Load("/system/libraries/libfoo.so", nil, KindSharedObject)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if img.Soname() != "libfoo.so" || img.Path() != "/system/libraries/libfoo.so" {
		t.Errorf("got soname %q path %q", img.Soname(), img.Path())
	}
	if img.State() != StateLoading {
		t.Errorf("State got %v, want %v", img.State(), StateLoading)
	}
	if img.RefCount() != 0 {
		t.Errorf("RefCount got %d, want 0", img.RefCount())
	}
	if img.LoadBase() != img.Span().Start {
		t.Errorf("LoadBase got %v, want reservation start %v", img.LoadBase(), img.Span().Start)
	}
	wantSize, _ := hostarch.PageRoundUp(built.DataEnd)
	if img.LoadSize() != wantSize {
		t.Errorf("LoadSize got %#x, want %#x", img.LoadSize(), wantSize)
	}
	if want := img.LoadBase() + hostarch.Addr(built.Entry); entry != want {
		t.Errorf("entry got %v, want %v", entry, want)
	}
	if got := l.Registry().Contains("libfoo.so"); got != img {
		t.Errorf("Contains got %v, want %v", got, img)
	}

	if at, ok := e.sim.AS.AccessAt(img.LoadBase()); !ok || at != readExec {
		t.Errorf("text access got %v, %v, want %v", at, ok, readExec)
	}
	if at, ok := e.sim.AS.AccessAt(img.addr(built.DataOff)); !ok || at != hostarch.ReadWrite {
		t.Errorf("data access got %v, %v, want %v", at, ok, hostarch.ReadWrite)
	}
	greeting := make([]byte, 5)
	if _, err := e.sim.AS.Peek(e.symAddr(img, "greeting"), greeting); err != nil || string(greeting) != "hello" {
		t.Errorf("greeting got %q, %v", greeting, err)
	}
	bss := make([]byte, 100)
	if _, err := e.sim.AS.Peek(img.addr(built.DataEnd-100), bss); err != nil || !bytes.Equal(bss, make([]byte, 100)) {
		t.Errorf("bss got %v, %v, want zeroes", bss, err)
	}
}

func TestLoadExecutable(t *testing.T) {
	for _, m := range allMachines {
		t.Run(goarchOf[m], func(t *testing.T) {
			e := newEnv(t, m)
			built := e.add("/bin/prog", &elftest.Builder{Type: elf.ET_EXEC, Syms: []elftest.Sym{elftest.Func("main")}, Entry: "main"})
			img, entry, err := e.linker().Load("/bin/prog", nil, KindExecutable)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if img.LoadBase() != 0 {
				t.Errorf("LoadBase got %v, want 0", img.LoadBase())
			}
			if img.Span().Start != hostarch.Addr(built.Base) {
				t.Errorf("reservation at %v, want %#x", img.Span().Start, built.Base)
			}
			if entry != hostarch.Addr(built.SymAddr("main")) {
				t.Errorf("entry got %v, want %#x", entry, built.SymAddr("main"))
			}
			if img.Soname() != "" || img.Name() != "<application>" {
				t.Errorf("got soname %q name %q, want an unnamed application", img.Soname(), img.Name())
			}
		})
	}
}

func TestLoadPositionIndependentExecutable(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	built := e.add("/bin/pie", &elftest.Builder{Syms: []elftest.Sym{elftest.Func("main")}, Entry: "main"})
	img, entry, err := e.linker().Load("/bin/pie", nil, KindExecutable)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.LoadBase() == 0 {
		t.Errorf("LoadBase got 0, want a floating base")
	}
	if want := img.LoadBase() + hostarch.Addr(built.SymAddr("main")); entry != want {
		t.Errorf("entry got %v, want %v", entry, want)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		b    *elftest.Builder
		data []byte
		kind Kind
		want error
	}{
		{
			name: "missing file",
			kind: KindAny,
			want: rtlderr.OpenFailed,
		},
		{
			name: "empty file",
			data: []byte{},
			kind: KindAny,
			want: rtlderr.NotElf,
		},
		{
			name: "not ELF",
			data: []byte("#!/bin/sh\necho not an image\n"),
			kind: KindAny,
			want: rtlderr.BadMagic,
		},
		{
			name: "executable as library",
			b:    &elftest.Builder{Type: elf.ET_EXEC},
			kind: KindSharedObject,
			want: rtlderr.KindMismatch,
		},
		{
			name: "no dynamic",
			b:    &elftest.Builder{NoDynamic: true},
			kind: KindSharedObject,
			want: rtlderr.NoDynamic,
		},
		{
			name: "file size beyond memory size",
			b: &elftest.Builder{ExtraProgs: []elf.ProgHeader{
				{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0x100000, Filesz: 0x200, Memsz: 0x100},
			}},
			kind: KindSharedObject,
			want: rtlderr.BadSegment,
		},
		{
			name: "no access",
			b: &elftest.Builder{ExtraProgs: []elf.ProgHeader{
				{Type: elf.PT_LOAD, Vaddr: 0x100000, Memsz: 0x100},
			}},
			kind: KindSharedObject,
			want: rtlderr.BadSegment,
		},
		{
			name: "incongruent offset",
			b: &elftest.Builder{ExtraProgs: []elf.ProgHeader{
				{Type: elf.PT_LOAD, Flags: elf.PF_R, Off: 0x10, Vaddr: 0x100000, Filesz: 0x10, Memsz: 0x10},
			}},
			kind: KindSharedObject,
			want: rtlderr.BadSegment,
		},
		{
			name: "overlapping segments",
			b: &elftest.Builder{ExtraProgs: []elf.ProgHeader{
				{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0, Filesz: 0x100, Memsz: 0x100},
			}},
			kind: KindSharedObject,
			want: rtlderr.OverlappingSegments,
		},
		{
			name: "segment beyond file",
			b: &elftest.Builder{ExtraProgs: []elf.ProgHeader{
				{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0x100000, Filesz: 0x100000, Memsz: 0x100000},
			}},
			kind: KindSharedObject,
			want: rtlderr.TruncatedImage,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, elf.EM_X86_64)
			switch {
			case tc.b != nil:
				e.add("/lib/bad.so", tc.b)
			case tc.data != nil:
				e.sim.FS.Add("/lib/bad.so", tc.data)
			}
			l := e.linker()
			_, _, err := l.Load("/lib/bad.so", nil, tc.kind)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Load got %v, want %v", err, tc.want)
			}
			if rs := e.sim.AS.Reservations(); len(rs) != 0 {
				t.Errorf("reservations left after failure: %v", rs)
			}
			if l.Registry().Len() != 0 {
				t.Errorf("registry holds %d images after failure", l.Registry().Len())
			}
		})
	}
}

func TestLoadDynamicBeyondSegments(t *testing.T) {
	for _, memsz := range []uint64{1 << 62, 0x10000} {
		e := newEnv(t, elf.EM_X86_64)
		img := e.add("/lib/bad.so", &elftest.Builder{Soname: "bad.so"})
		patchProg(t, img, elf.PT_DYNAMIC, memsz)
		l := e.linker()
		if _, _, err := l.Load("/lib/bad.so", nil, KindSharedObject); !errors.Is(err, rtlderr.BadDynamic) {
			t.Errorf("Load with PT_DYNAMIC size %#x got %v, want %v", memsz, err, rtlderr.BadDynamic)
		}
		if rs := e.sim.AS.Reservations(); len(rs) != 0 {
			t.Errorf("reservations left after failure: %v", rs)
		}
	}
}

func TestLoadWrongMachine(t *testing.T) {
	e := newEnv(t, elf.EM_AARCH64)
	e.add("/lib/libarm.so", &elftest.Builder{Soname: "libarm.so"})
	e.conf.Machine = "amd64"
	_, _, err := e.linker().Load("/lib/libarm.so", nil, KindSharedObject)
	if !errors.Is(err, rtlderr.BadMachine) {
		t.Errorf("Load got %v, want %v", err, rtlderr.BadMachine)
	}
	if got := rtlderr.ClassOf(err); got != rtlderr.ClassElfIntegrity {
		t.Errorf("ClassOf got %v, want %v", got, rtlderr.ClassElfIntegrity)
	}
}

func TestLoadIgnoresEmptySegments(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	e.add("/lib/libempty.so", &elftest.Builder{
		Soname: "libempty.so",
		ExtraProgs: []elf.ProgHeader{
			{Type: elf.PT_LOAD, Vaddr: 0x100000},
		},
	})
	img, _, err := e.linker().Load("/lib/libempty.so", nil, KindSharedObject)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(img.segments) != 2 {
		t.Errorf("got %d mapped segments, want 2", len(img.segments))
	}
}

func TestLoadReadOnlyZeroFill(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	e.add("/lib/librodata.so", &elftest.Builder{
		Soname: "librodata.so",
		ExtraProgs: []elf.ProgHeader{
			// 16 bytes of the file, then zeroes for two pages.
			{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0x100000, Filesz: 0x10, Memsz: 0x2000},
		},
	})
	img, _, err := e.linker().Load("/lib/librodata.so", nil, KindSharedObject)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	start := img.addr(0x100000)
	for _, a := range []hostarch.Addr{start, start + hostarch.PageSize} {
		if at, ok := e.sim.AS.AccessAt(a); !ok || at != hostarch.Read {
			t.Errorf("access at %v got %v, %v, want %v", a, at, ok, hostarch.Read)
		}
	}
	buf := make([]byte, 0x20)
	if _, err := e.sim.AS.Peek(start, buf); err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !bytes.Equal(buf[:4], []byte(elf.ELFMAG)) || !bytes.Equal(buf[0x10:], make([]byte, 0x10)) {
		t.Errorf("segment contents got %x, want the file header then zeroes", buf)
	}
}

func TestLoadExistingSoname(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	e.add("/bin/prog", &elftest.Builder{Type: elf.ET_EXEC})
	e.add("/lib/libc.so", &elftest.Builder{Soname: "libc.so"})
	e.add("/opt/lib/libc.so", &elftest.Builder{Soname: "libc.so"})
	l := e.linker()
	root, _, err := l.Load("/bin/prog", nil, KindExecutable)
	if err != nil {
		t.Fatalf("Load(prog): %v", err)
	}
	first, _, err := l.Load("/lib/libc.so", root, KindSharedObject)
	if err != nil {
		t.Fatalf("Load(libc): %v", err)
	}
	if first.RefCount() != 1 {
		t.Errorf("RefCount after first load got %d, want 1", first.RefCount())
	}
	reservations := len(e.sim.AS.Reservations())

	second, _, err := l.Load("/opt/lib/libc.so", root, KindSharedObject)
	if err != nil {
		t.Fatalf("Load(libc again): %v", err)
	}
	if second != first {
		t.Errorf("second load got a new image %p, want %p", second, first)
	}
	if first.RefCount() != 2 {
		t.Errorf("RefCount after second load got %d, want 2", first.RefCount())
	}
	if got := len(e.sim.AS.Reservations()); got != reservations {
		t.Errorf("got %d reservations, want %d", got, reservations)
	}
	if l.Registry().Len() != 2 {
		t.Errorf("registry holds %d images, want 2", l.Registry().Len())
	}

	// A load without a requester still takes a reference.
	third, _, err := l.Load("/lib/libc.so", nil, KindSharedObject)
	if err != nil {
		t.Fatalf("Load(libc, no requester): %v", err)
	}
	if third != first {
		t.Errorf("load without requester got a new image %p, want %p", third, first)
	}
	if first.RefCount() != 3 {
		t.Errorf("RefCount after load without requester got %d, want 3", first.RefCount())
	}
	if got := len(root.Dependencies()); got != 1 {
		t.Errorf("program has %d dependencies, want 1", got)
	}
}

func TestLoadExistingSonameNoRequester(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	e.add("/lib/libc.so", &elftest.Builder{Soname: "libc.so"})
	e.add("/opt/libc.so", &elftest.Builder{Soname: "libc.so"})
	l := e.linker()
	first, _, err := l.Load("/lib/libc.so", nil, KindSharedObject)
	if err != nil {
		t.Fatalf("Load(/lib/libc.so): %v", err)
	}
	if first.RefCount() != 0 {
		t.Errorf("RefCount after first load got %d, want 0", first.RefCount())
	}
	second, _, err := l.Load("/opt/libc.so", nil, KindSharedObject)
	if err != nil {
		t.Fatalf("Load(/opt/libc.so): %v", err)
	}
	if second != first {
		t.Errorf("second load got a new image %p, want %p", second, first)
	}
	if first.RefCount() != 1 {
		t.Errorf("RefCount after second load got %d, want 1", first.RefCount())
	}
}

func TestLoadSonameFallback(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	e.add("/bin/prog", &elftest.Builder{Needed: []string{"libnoname.so"}})
	e.add("/system/libraries/libnoname.so", &elftest.Builder{})
	l, root := e.link("/bin/prog")
	if root.Soname() != "" {
		t.Errorf("program soname got %q, want none", root.Soname())
	}
	if got := l.Registry().Contains("libnoname.so"); got == nil || got.Path() != "/system/libraries/libnoname.so" {
		t.Errorf("Contains(libnoname.so) got %v", got)
	}
}
