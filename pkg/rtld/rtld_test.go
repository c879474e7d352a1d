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
	"testing"

	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/platform"
	"kiwi.dev/rtld/pkg/platform/sim"
	"kiwi.dev/rtld/pkg/rtld/config"
	"kiwi.dev/rtld/pkg/rtld/elftest"
	"kiwi.dev/rtld/pkg/usermem"
)

// goarchOf maps test machines to configuration names.
var goarchOf = map[elf.Machine]string{
	elf.EM_X86_64:  "amd64",
	elf.EM_386:     "386",
	elf.EM_AARCH64: "arm64",
}

var allMachines = []elf.Machine{elf.EM_X86_64, elf.EM_386, elf.EM_AARCH64}

var readExec = hostarch.AccessType{Read: true, Execute: true}

// testEnv is a simulated process with a file system of built images.
type testEnv struct {
	t       *testing.T
	machine elf.Machine
	sim     *sim.Sim
	p       *platform.Platform
	conf    *config.Config
	images  map[string]*elftest.Image
}

func newEnv(t *testing.T, machine elf.Machine) *testEnv {
	t.Helper()
	s := sim.New()
	conf := config.Default()
	conf.Machine = goarchOf[machine]
	return &testEnv{
		t:       t,
		machine: machine,
		sim:     s,
		p:       s.Platform(),
		conf:    conf,
		images:  make(map[string]*elftest.Image),
	}
}

// add builds b for the environment's machine and stores it at path.
func (e *testEnv) add(path string, b *elftest.Builder) *elftest.Image {
	e.t.Helper()
	b.Machine = e.machine
	img := b.MustBuild(e.t)
	e.sim.FS.Add(path, img.Bytes)
	e.images[path] = img
	return img
}

func (e *testEnv) linker() *Linker {
	e.t.Helper()
	l, err := New(e.p, e.conf)
	if err != nil {
		e.t.Fatalf("New: %v", err)
	}
	return l
}

// link loads the program at path with its dependencies and relocates them.
func (e *testEnv) link(path string) (*Linker, *Image) {
	e.t.Helper()
	l := e.linker()
	root, _, err := l.Load(path, nil, KindExecutable)
	if err != nil {
		e.t.Fatalf("Load(%q): %v", path, err)
	}
	if err := l.LoadDependencies(root); err != nil {
		e.t.Fatalf("LoadDependencies: %v", err)
	}
	if err := l.Relocate(); err != nil {
		e.t.Fatalf("Relocate: %v", err)
	}
	return l, root
}

// wordSize returns the address size of the environment's machine.
func (e *testEnv) wordSize() int {
	if e.machine == elf.EM_386 {
		return 4
	}
	return 8
}

// peek reads a size-byte word at addr, ignoring page permissions.
func (e *testEnv) peek(addr hostarch.Addr, size int) uint64 {
	e.t.Helper()
	buf := make([]byte, size)
	if _, err := e.sim.AS.Peek(addr, buf); err != nil {
		e.t.Fatalf("Peek(%v): %v", addr, err)
	}
	if size == 4 {
		return uint64(usermem.ByteOrder.Uint32(buf))
	}
	return usermem.ByteOrder.Uint64(buf)
}

// peekWord reads an address-sized word at addr.
func (e *testEnv) peekWord(addr hostarch.Addr) uint64 {
	e.t.Helper()
	return e.peek(addr, e.wordSize())
}

// symAddr returns the runtime address of a symbol of the image at path.
func (e *testEnv) symAddr(img *Image, name string) hostarch.Addr {
	return img.addr(e.images[img.path].SymAddr(name))
}

// slotAddr returns the runtime address of a relocation slot of the image at
// path.
func (e *testEnv) slotAddr(img *Image, name string) hostarch.Addr {
	return img.addr(e.images[img.path].SlotAddr(name))
}

func names(images []*Image) []string {
	var ns []string
	for _, img := range images {
		ns = append(ns, img.Name())
	}
	return ns
}

// The patch helpers below edit built ELF64 images in place, to produce
// corruptions the builder never emits.

// patchProg sets the memory size of the first program header of type typ.
func patchProg(t *testing.T, img *elftest.Image, typ elf.ProgType, memsz uint64) {
	t.Helper()
	phnum := usermem.ByteOrder.Uint16(img.Bytes[56:])
	for i := uint64(0); i < uint64(phnum); i++ {
		o := img.PhOff + i*56
		if elf.ProgType(usermem.ByteOrder.Uint32(img.Bytes[o:])) == typ {
			usermem.ByteOrder.PutUint64(img.Bytes[o+40:], memsz)
			return
		}
	}
	t.Fatalf("no %v program header", typ)
}

// patchDynamic sets the value of the dynamic entry tag.
func patchDynamic(t *testing.T, img *elftest.Image, tag elf.DynTag, val uint64) {
	t.Helper()
	for o := img.DynamicOff; o+16 <= uint64(len(img.Bytes)); o += 16 {
		switch elf.DynTag(usermem.ByteOrder.Uint64(img.Bytes[o:])) {
		case tag:
			usermem.ByteOrder.PutUint64(img.Bytes[o+8:], val)
			return
		case elf.DT_NULL:
			t.Fatalf("no %v dynamic entry", tag)
		}
	}
	t.Fatalf("no %v dynamic entry", tag)
}

// patchSymbolSize sets the size of the i'th dynamic symbol, counting from 1.
func patchSymbolSize(img *elftest.Image, i int, size uint64) {
	usermem.ByteOrder.PutUint64(img.Bytes[img.DynsymOff+uint64(i)*elf.Sym64Size+16:], size)
}
