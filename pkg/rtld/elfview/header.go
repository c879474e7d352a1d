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

// Package elfview provides typed, read-only views over ELF images: the file
// header and program headers as read from the file, and the dynamic section,
// hash table, symbols and relocations as found in a mapped image.
//
// Every address recorded in the dynamic section is an offset from the load
// base. Views store the base and bias addresses at the point of use.
package elfview

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"kiwi.dev/rtld/pkg/errors/rtlderr"
)

// Target is the ELF class and machine an image must be built for.
type Target struct {
	Class   elf.Class
	Machine elf.Machine
}

// Targets supported by the loader.
var (
	TargetAMD64 = Target{Class: elf.ELFCLASS64, Machine: elf.EM_X86_64}
	Target386   = Target{Class: elf.ELFCLASS32, Machine: elf.EM_386}
	TargetARM64 = Target{Class: elf.ELFCLASS64, Machine: elf.EM_AARCH64}
)

// TargetFor returns the target for a GOARCH value.
func TargetFor(goarch string) (Target, error) {
	switch goarch {
	case "amd64":
		return TargetAMD64, nil
	case "386":
		return Target386, nil
	case "arm64":
		return TargetARM64, nil
	default:
		return Target{}, fmt.Errorf("unsupported architecture %q", goarch)
	}
}

// WordSize returns the size of an address for the target's class.
func (t Target) WordSize() int {
	if t.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// String implements fmt.Stringer.String.
func (t Target) String() string {
	return fmt.Sprintf("%v/%v", t.Class, t.Machine)
}

// Header is the class-independent part of the ELF file header the loader
// uses.
type Header struct {
	Class     elf.Class
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Phoff     uint64
	Phentsize int
	Phnum     int
}

const (
	header32Size = 52
	header64Size = 64
	prog32Size   = 32
	prog64Size   = 56
)

// HeaderSize is the number of bytes Validate needs for the given class.
func HeaderSize(class elf.Class) int {
	if class == elf.ELFCLASS32 {
		return header32Size
	}
	return header64Size
}

// Validate checks the file header in b against t and decodes it. b must hold
// at least the identification bytes; a full header of t's class is needed
// for success.
func Validate(b []byte, t Target) (Header, error) {
	if len(b) < elf.EI_NIDENT || !bytes.Equal(b[:4], []byte(elf.ELFMAG)) {
		return Header{}, rtlderr.BadMagic
	}
	if elf.Class(b[elf.EI_CLASS]) != t.Class || elf.Data(b[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return Header{}, rtlderr.BadClass
	}
	if elf.Version(b[elf.EI_VERSION]) != elf.EV_CURRENT {
		return Header{}, rtlderr.BadVersion
	}
	if len(b) < HeaderSize(t.Class) {
		return Header{}, rtlderr.Wrap(rtlderr.TruncatedImage, "file header")
	}

	var h Header
	var version uint32
	r := bytes.NewReader(b)
	switch t.Class {
	case elf.ELFCLASS32:
		var hdr elf.Header32
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return Header{}, rtlderr.WrapCause(rtlderr.TruncatedImage, err, "file header")
		}
		version = hdr.Version
		h = Header{
			Type:      elf.Type(hdr.Type),
			Machine:   elf.Machine(hdr.Machine),
			Entry:     uint64(hdr.Entry),
			Phoff:     uint64(hdr.Phoff),
			Phentsize: int(hdr.Phentsize),
			Phnum:     int(hdr.Phnum),
		}
	default:
		var hdr elf.Header64
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return Header{}, rtlderr.WrapCause(rtlderr.TruncatedImage, err, "file header")
		}
		version = hdr.Version
		h = Header{
			Type:      elf.Type(hdr.Type),
			Machine:   elf.Machine(hdr.Machine),
			Entry:     hdr.Entry,
			Phoff:     hdr.Phoff,
			Phentsize: int(hdr.Phentsize),
			Phnum:     int(hdr.Phnum),
		}
	}
	h.Class = t.Class

	if h.Machine != t.Machine {
		return Header{}, rtlderr.BadMachine
	}
	if elf.Version(version) != elf.EV_CURRENT {
		return Header{}, rtlderr.BadVersion
	}
	if h.Type != elf.ET_EXEC && h.Type != elf.ET_DYN {
		return Header{}, rtlderr.NotExecutableOrDyn
	}
	return h, nil
}

// ProgramHeaders reads the program header table of a file of size bytes.
func ProgramHeaders(r io.ReaderAt, size int64, h Header) ([]elf.ProgHeader, error) {
	want := prog64Size
	if h.Class == elf.ELFCLASS32 {
		want = prog32Size
	}
	if h.Phnum == 0 {
		return nil, rtlderr.Wrap(rtlderr.BadSegment, "no program headers")
	}
	if h.Phentsize != want {
		return nil, rtlderr.Wrap(rtlderr.BadSegment, "program header size %d, want %d", h.Phentsize, want)
	}
	tableSize := uint64(h.Phnum) * uint64(h.Phentsize)
	if end := h.Phoff + tableSize; end < h.Phoff || end > uint64(size) {
		return nil, rtlderr.Wrap(rtlderr.TruncatedImage, "program headers at %#x+%#x exceed file size %#x", h.Phoff, tableSize, size)
	}

	buf := make([]byte, tableSize)
	if _, err := r.ReadAt(buf, int64(h.Phoff)); err != nil {
		return nil, rtlderr.WrapCause(rtlderr.TruncatedImage, err, "reading program headers")
	}
	br := bytes.NewReader(buf)
	phdrs := make([]elf.ProgHeader, 0, h.Phnum)
	for i := 0; i < h.Phnum; i++ {
		switch h.Class {
		case elf.ELFCLASS32:
			var p elf.Prog32
			if err := binary.Read(br, binary.LittleEndian, &p); err != nil {
				return nil, rtlderr.WrapCause(rtlderr.TruncatedImage, err, "program header %d", i)
			}
			phdrs = append(phdrs, elf.ProgHeader{
				Type:   elf.ProgType(p.Type),
				Flags:  elf.ProgFlag(p.Flags),
				Off:    uint64(p.Off),
				Vaddr:  uint64(p.Vaddr),
				Paddr:  uint64(p.Paddr),
				Filesz: uint64(p.Filesz),
				Memsz:  uint64(p.Memsz),
				Align:  uint64(p.Align),
			})
		default:
			var p elf.Prog64
			if err := binary.Read(br, binary.LittleEndian, &p); err != nil {
				return nil, rtlderr.WrapCause(rtlderr.TruncatedImage, err, "program header %d", i)
			}
			phdrs = append(phdrs, elf.ProgHeader{
				Type:   elf.ProgType(p.Type),
				Flags:  elf.ProgFlag(p.Flags),
				Off:    p.Off,
				Vaddr:  p.Vaddr,
				Paddr:  p.Paddr,
				Filesz: p.Filesz,
				Memsz:  p.Memsz,
				Align:  p.Align,
			})
		}
	}
	return phdrs, nil
}
