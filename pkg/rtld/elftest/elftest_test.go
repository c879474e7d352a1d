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

package elftest

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

func TestBuildErrors(t *testing.T) {
	for _, b := range []*Builder{
		{Machine: elf.EM_MIPS},
		{Machine: elf.EM_X86_64, Relocs: []Reloc{{Type: 1, Sym: "nothing"}}},
		{Machine: elf.EM_X86_64, Entry: "nothing"},
	} {
		if _, err := b.Build(); err == nil {
			t.Errorf("Build(%+v) succeeded, want error", b)
		}
	}
}

func TestLayout(t *testing.T) {
	img := (&Builder{
		Machine:   elf.EM_X86_64,
		Type:      elf.ET_EXEC,
		Syms:      []Sym{Func("main"), Object("counter", make([]byte, 8))},
		Entry:     "main",
		InitArray: []string{"ctor"},
		PLT:       []Reloc{{Sym: "main"}},
		RELRO:     true,
		BSS:       64,
	}).MustBuild(t)

	if img.Base != 0x400000 {
		t.Errorf("Base got %#x, want %#x", img.Base, 0x400000)
	}
	if img.Entry != img.SymAddr("main") {
		t.Errorf("Entry got %#x, want main at %#x", img.Entry, img.SymAddr("main"))
	}
	if img.DataOff%pageSize != 0 {
		t.Errorf("DataOff %#x is not page aligned", img.DataOff)
	}
	if got, want := img.DataEnd, uint64(len(img.Bytes))+64; got != want {
		t.Errorf("DataEnd got %#x, want %#x", got, want)
	}
	// GOT[0] holds the address of the dynamic section.
	got0 := binary.LittleEndian.Uint64(img.Bytes[img.GOT-img.Base:])
	if want := img.Base + img.DynamicOff; got0 != want {
		t.Errorf("GOT[0] got %#x, want %#x", got0, want)
	}
	// The PLT slot initially points at its stub in the text segment.
	slot := binary.LittleEndian.Uint64(img.Bytes[img.SlotAddr("main")-img.Base:])
	if slot < img.Base || slot >= img.Base+img.DataOff {
		t.Errorf("PLT slot holds %#x, want an address in the text segment", slot)
	}
	// The PLT GOT follows the RELRO range, which ends on a page boundary.
	if (img.GOT-img.Base)%pageSize != 0 {
		t.Errorf("GOT at %#x does not follow a page aligned RELRO range", img.GOT)
	}
	if _, ok := img.Syms["ctor"]; !ok {
		t.Errorf("no stub for the ctor initializer")
	}
}
