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
	"debug/elf"
	"errors"
	"testing"

	"kiwi.dev/rtld/pkg/errors/rtlderr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/rtld/elftest"
)

func TestResolve(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	e.add("/bin/prog", &elftest.Builder{Type: elf.ET_EXEC, Needed: []string{"libweak.so", "libstrong.so"}})
	e.add("/system/libraries/libweak.so", &elftest.Builder{
		Soname: "libweak.so",
		Syms: []elftest.Sym{
			{Name: "foo", Bind: elf.STB_WEAK, Type: elf.STT_FUNC},
			{Name: "bar", Bind: elf.STB_WEAK, Type: elf.STT_FUNC},
			elftest.Func("dup"),
			elftest.Undef("hidden"),
		},
	})
	e.add("/system/libraries/libstrong.so", &elftest.Builder{
		Soname: "libstrong.so",
		Syms: []elftest.Sym{
			elftest.Func("foo"),
			{Name: "bar", Bind: elf.STB_WEAK, Type: elf.STT_FUNC},
			elftest.Func("dup"),
			{Name: "hidden", Bind: elf.STB_LOCAL, Type: elf.STT_FUNC},
			{Name: "magic", Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Abs: true, Value: 0x1234},
		},
	})
	l, root := e.link("/bin/prog")
	weak := l.Registry().Contains("libweak.so")
	strong := l.Registry().Contains("libstrong.so")

	for _, tc := range []struct {
		name     string
		wantImg  *Image
		wantAddr hostarch.Addr
	}{
		{name: "foo", wantImg: strong, wantAddr: e.symAddr(strong, "foo")},
		{name: "bar", wantImg: weak, wantAddr: e.symAddr(weak, "bar")},
		{name: "dup", wantImg: weak, wantAddr: e.symAddr(weak, "dup")},
		{name: "magic", wantImg: strong, wantAddr: 0x1234},
	} {
		t.Run(tc.name, func(t *testing.T) {
			def, err := l.Resolve(tc.name, root)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if def.Image != tc.wantImg || def.Addr != tc.wantAddr {
				t.Errorf("Resolve got %v at %v, want %v at %v", def.Image, def.Addr, tc.wantImg, tc.wantAddr)
			}
			if def.Symbol.Name != tc.name {
				t.Errorf("Symbol.Name got %q, want %q", def.Symbol.Name, tc.name)
			}
		})
	}

	for _, name := range []string{"hidden", "nothere"} {
		_, err := l.Resolve(name, root)
		if !errors.Is(err, rtlderr.MissingSymbol) {
			t.Errorf("Resolve(%q) got %v, want %v", name, err, rtlderr.MissingSymbol)
		}
	}
	if _, err := l.Resolve("nothere", nil); err == nil || err.Error() != "rtld: nothere: cannot resolve symbol" {
		t.Errorf("Resolve without requester got %v", err)
	}
}

func TestBindLocal(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	e.add("/bin/prog", &elftest.Builder{Type: elf.ET_EXEC, Needed: []string{"liba.so"}, Syms: []elftest.Sym{elftest.Func("helper")}})
	e.add("/system/libraries/liba.so", &elftest.Builder{
		Soname: "liba.so",
		Syms:   []elftest.Sym{{Name: "helper", Bind: elf.STB_LOCAL, Type: elf.STT_FUNC}},
	})
	l, _ := e.link("/bin/prog")
	liba := l.Registry().Contains("liba.so")
	_, sym, ok, err := liba.Symbols().Lookup("helper")
	if err != nil || !ok {
		t.Fatalf("Lookup(helper) got %v, %v", ok, err)
	}
	def, err := l.bind(liba, &sym, false)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if def.Image != liba || def.Addr != e.symAddr(liba, "helper") {
		t.Errorf("bind got %v at %v, want liba.so's own helper", def.Image, def.Addr)
	}
}

func TestResolveSkipsHidden(t *testing.T) {
	e := newEnv(t, elf.EM_X86_64)
	e.add("/bin/prog", &elftest.Builder{Type: elf.ET_EXEC, Needed: []string{"libhid.so", "libpub.so"}})
	e.add("/system/libraries/libhid.so", &elftest.Builder{
		Soname: "libhid.so",
		Syms: []elftest.Sym{
			{Name: "foo", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Vis: elf.STV_HIDDEN},
			{Name: "bar", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Vis: elf.STV_INTERNAL},
		},
	})
	e.add("/system/libraries/libpub.so", &elftest.Builder{
		Soname: "libpub.so",
		Syms:   []elftest.Sym{elftest.Func("foo")},
	})
	l, root := e.link("/bin/prog")
	hid := l.Registry().Contains("libhid.so")
	pub := l.Registry().Contains("libpub.so")

	def, err := l.Resolve("foo", root)
	if err != nil {
		t.Fatalf("Resolve(foo): %v", err)
	}
	if def.Image != pub {
		t.Errorf("Resolve(foo) got %v, want libpub.so", def.Image)
	}
	if _, err := l.Resolve("bar", root); !errors.Is(err, rtlderr.MissingSymbol) {
		t.Errorf("Resolve(bar) got %v, want %v", err, rtlderr.MissingSymbol)
	}

	// A hidden definition still satisfies references from its own image.
	_, sym, ok, err := hid.Symbols().Lookup("foo")
	if err != nil || !ok {
		t.Fatalf("Lookup(foo) got %v, %v", ok, err)
	}
	def, err = l.bind(hid, &sym, false)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if def.Image != hid || def.Addr != e.symAddr(hid, "foo") {
		t.Errorf("bind got %v at %v, want libhid.so's own foo", def.Image, def.Addr)
	}
}
