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

// Package elftest builds small dynamically linked ELF images for tests.
//
// Images have two LOAD segments laid out so that file offsets equal link
// addresses minus Builder.Base: a read-only, executable segment holding the
// headers, symbol tables, relocation tables and code stubs, and a writable
// segment holding the dynamic section, initializer arrays, relocation slots,
// the PLT GOT and data objects, followed by BSS.
package elftest

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"testing"
)

const pageSize = 4096

// stubSize is the size of each code stub.
const stubSize = 16

// Sym describes a dynamic symbol.
type Sym struct {
	Name string
	Bind elf.SymBind
	Type elf.SymType
	Vis  elf.SymVis

	// Undef marks a reference to a symbol defined elsewhere.
	Undef bool

	// Abs marks an absolute symbol whose value is Value.
	Abs   bool
	Value uint64

	// Size is the size of a data object. It defaults to the word size.
	Size uint64

	// Data is the initial contents of a data object.
	Data []byte
}

// Func returns a global function definition.
func Func(name string) Sym {
	return Sym{Name: name, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}
}

// Object returns a global data object definition.
func Object(name string, data []byte) Sym {
	return Sym{Name: name, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Size: uint64(len(data)), Data: data}
}

// Undef returns a global reference.
func Undef(name string) Sym {
	return Sym{Name: name, Bind: elf.STB_GLOBAL, Type: elf.STT_NOTYPE, Undef: true}
}

// WeakUndef returns a weak reference.
func WeakUndef(name string) Sym {
	return Sym{Name: name, Bind: elf.STB_WEAK, Type: elf.STT_NOTYPE, Undef: true}
}

// Reloc describes a relocation entry and the slot it patches.
type Reloc struct {
	Type   uint32
	Sym    string
	Addend int64

	// Slot names the patched slot in Image.Slots. It defaults to Sym, or
	// "reloc<i>" for relocations without a symbol. A copy relocation
	// without a Slot patches the storage of its own definition of Sym.
	Slot string

	// Size of the slot; defaults to the word size.
	Size uint64

	// InText places the slot in the read-only segment.
	InText bool
}

// Builder describes an image.
type Builder struct {
	Machine elf.Machine

	// Type defaults to ET_DYN.
	Type elf.Type

	// Base is the link address of the first segment. It defaults to 0 for
	// ET_DYN and to the conventional executable address for ET_EXEC.
	Base uint64

	Soname string
	Needed []string
	RPath  string

	Syms []Sym

	// Relocs go to DT_REL or DT_RELA, depending on the machine.
	Relocs []Reloc

	// PLT relocations go to DT_JMPREL, with slots in the PLT GOT. A zero
	// Type means the machine's jump slot type.
	PLT []Reloc

	// Init, InitArray and PreinitArray name functions. Names that are not
	// function symbols get anonymous code stubs.
	Init         string
	InitArray    []string
	PreinitArray []string

	// Entry names the entry function. It defaults to an anonymous stub at
	// the start of the code.
	Entry string

	BindNow bool
	TextRel bool

	// RELRO covers the dynamic section, initializer arrays and relocation
	// slots with a PT_GNU_RELRO segment, padding the writable segment so
	// that the range ends on a page boundary.
	RELRO bool

	// BSS is the number of zero bytes following the writable segment's
	// file contents.
	BSS uint64

	// NoDynamic omits the PT_DYNAMIC program header.
	NoDynamic bool

	// ExtraProgs are appended to the program header table verbatim.
	ExtraProgs []elf.ProgHeader
}

// Image is a built image.
type Image struct {
	Bytes []byte

	// Base is Builder.Base after defaulting.
	Base uint64

	// Entry is the link address of the entry point.
	Entry uint64

	// Syms maps defined symbols and code stubs to link addresses.
	Syms map[string]uint64

	// Slots maps relocation slots to link addresses.
	Slots map[string]uint64

	// GOT is the link address of the PLT GOT, or 0.
	GOT uint64

	// File offsets of interesting tables.
	PhOff      uint64
	HashOff    uint64
	DynsymOff  uint64
	DynamicOff uint64

	// DataOff is the file offset of the writable segment, and DataEnd the
	// end of its memory image.
	DataOff uint64
	DataEnd uint64
}

// SymAddr returns the link address of a symbol or stub, panicking if there
// is none.
func (img *Image) SymAddr(name string) uint64 {
	a, ok := img.Syms[name]
	if !ok {
		panic(fmt.Sprintf("no symbol %q", name))
	}
	return a
}

// SlotAddr returns the link address of a relocation slot, panicking if there
// is none.
func (img *Image) SlotAddr(name string) uint64 {
	a, ok := img.Slots[name]
	if !ok {
		panic(fmt.Sprintf("no slot %q", name))
	}
	return a
}

type machine struct {
	class    elf.Class
	rela     bool
	relative uint32
	jumpSlot uint32
	copy     uint32
	execBase uint64
}

var machines = map[elf.Machine]machine{
	elf.EM_X86_64: {
		class:    elf.ELFCLASS64,
		rela:     true,
		relative: uint32(elf.R_X86_64_RELATIVE),
		jumpSlot: uint32(elf.R_X86_64_JMP_SLOT),
		copy:     uint32(elf.R_X86_64_COPY),
		execBase: 0x400000,
	},
	elf.EM_386: {
		class:    elf.ELFCLASS32,
		relative: uint32(elf.R_386_RELATIVE),
		jumpSlot: uint32(elf.R_386_JMP_SLOT),
		copy:     uint32(elf.R_386_COPY),
		execBase: 0x8048000,
	},
	elf.EM_AARCH64: {
		class:    elf.ELFCLASS64,
		rela:     true,
		relative: uint32(elf.R_AARCH64_RELATIVE),
		jumpSlot: uint32(elf.R_AARCH64_JUMP_SLOT),
		copy:     uint32(elf.R_AARCH64_COPY),
		execBase: 0x400000,
	},
}

// RelativeType returns the relative relocation type of m.
func RelativeType(m elf.Machine) uint32 { return machines[m].relative }

// JumpSlotType returns the jump slot relocation type of m.
func JumpSlotType(m elf.Machine) uint32 { return machines[m].jumpSlot }

// CopyType returns the copy relocation type of m.
func CopyType(m elf.Machine) uint32 { return machines[m].copy }

// MustBuild is Build, failing t on error.
func (b *Builder) MustBuild(t testing.TB) *Image {
	t.Helper()
	img, err := b.Build()
	if err != nil {
		t.Fatalf("building image %q: %v", b.Soname, err)
	}
	return img
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// strtab accumulates a string table.
type strtab struct {
	data []byte
	offs map[string]uint64
}

func newStrtab() *strtab {
	return &strtab{data: []byte{0}, offs: map[string]uint64{"": 0}}
}

func (s *strtab) add(str string) uint64 {
	if off, ok := s.offs[str]; ok {
		return off
	}
	off := uint64(len(s.data))
	s.data = append(s.data, str...)
	s.data = append(s.data, 0)
	s.offs[str] = off
	return off
}

// writer encodes little-endian values of the image's class.
type writer struct {
	buf   []byte
	class elf.Class
}

func (w *writer) word() uint64 {
	if w.class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

func (w *writer) u16(off uint64, v uint16) { binary.LittleEndian.PutUint16(w.buf[off:], v) }
func (w *writer) u32(off uint64, v uint32) { binary.LittleEndian.PutUint32(w.buf[off:], v) }
func (w *writer) u64(off uint64, v uint64) { binary.LittleEndian.PutUint64(w.buf[off:], v) }

// addr writes an address-sized value.
func (w *writer) addr(off uint64, v uint64) {
	if w.class == elf.ELFCLASS32 {
		w.u32(off, uint32(v))
	} else {
		w.u64(off, v)
	}
}
