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
	"fmt"

	"kiwi.dev/rtld/pkg/errors/rtlderr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/rtld/elfview"
)

// relocKind is the machine-independent computation of a relocation type.
type relocKind int

const (
	relocNone relocKind = iota

	// relocAbsolute stores S + A in a word.
	relocAbsolute

	// relocPC32 stores S + A - P in 32 bits.
	relocPC32

	// relocGlobData stores S in a GOT word.
	relocGlobData

	// relocJumpSlot stores S in a PLT GOT word.
	relocJumpSlot

	// relocRelative stores B + A in a word.
	relocRelative

	// relocCopy copies the definition of S into the slot.
	relocCopy
)

// needsSymbol returns true if k computes with S.
func (k relocKind) needsSymbol() bool {
	switch k {
	case relocAbsolute, relocPC32, relocGlobData, relocJumpSlot, relocCopy:
		return true
	default:
		return false
	}
}

// arch describes the relocation conventions of a machine.
type arch struct {
	target elfview.Target

	// kinds maps supported relocation types.
	kinds map[uint32]relocKind

	// name returns the name of a relocation type.
	name func(t uint32) string

	// gotAddend is set if GOT and PLT slots receive S + A rather than S.
	gotAddend bool

	// pltIndex returns the DT_JMPREL index of the entry the lazy binder is
	// asked to bind. arg is the value passed by the PLT stub and got the
	// address of the PLT GOT.
	pltIndex func(got hostarch.Addr, arg uint64) (uint64, error)
}

// wordSize returns the size of an address.
func (a *arch) wordSize() int {
	return a.target.WordSize()
}

var archAMD64 = &arch{
	target: elfview.TargetAMD64,
	kinds: map[uint32]relocKind{
		uint32(elf.R_X86_64_NONE):     relocNone,
		uint32(elf.R_X86_64_64):       relocAbsolute,
		uint32(elf.R_X86_64_PC32):     relocPC32,
		uint32(elf.R_X86_64_GLOB_DAT): relocGlobData,
		uint32(elf.R_X86_64_JMP_SLOT): relocJumpSlot,
		uint32(elf.R_X86_64_RELATIVE): relocRelative,
		uint32(elf.R_X86_64_COPY):     relocCopy,
	},
	name: func(t uint32) string { return elf.R_X86_64(t).String() },
	// The PLT stub pushes the relocation index.
	pltIndex: func(_ hostarch.Addr, arg uint64) (uint64, error) {
		return arg, nil
	},
}

var arch386 = &arch{
	target: elfview.Target386,
	kinds: map[uint32]relocKind{
		uint32(elf.R_386_NONE):     relocNone,
		uint32(elf.R_386_32):       relocAbsolute,
		uint32(elf.R_386_PC32):     relocPC32,
		uint32(elf.R_386_GLOB_DAT): relocGlobData,
		uint32(elf.R_386_JMP_SLOT): relocJumpSlot,
		uint32(elf.R_386_RELATIVE): relocRelative,
		uint32(elf.R_386_COPY):     relocCopy,
	},
	name: func(t uint32) string { return elf.R_386(t).String() },
	// The PLT stub pushes the byte offset of the entry in DT_JMPREL.
	pltIndex: func(_ hostarch.Addr, arg uint64) (uint64, error) {
		const relSize = 8
		if arg%relSize != 0 {
			return 0, rtlderr.Wrap(rtlderr.BadRelocation, "PLT offset %#x is not a multiple of %d", arg, relSize)
		}
		return arg / relSize, nil
	},
}

var archARM64 = &arch{
	target: elfview.TargetARM64,
	kinds: map[uint32]relocKind{
		uint32(elf.R_AARCH64_NONE):      relocNone,
		uint32(elf.R_AARCH64_ABS64):     relocAbsolute,
		uint32(elf.R_AARCH64_GLOB_DAT):  relocGlobData,
		uint32(elf.R_AARCH64_JUMP_SLOT): relocJumpSlot,
		uint32(elf.R_AARCH64_RELATIVE):  relocRelative,
		uint32(elf.R_AARCH64_COPY):      relocCopy,
	},
	name:      func(t uint32) string { return elf.R_AARCH64(t).String() },
	gotAddend: true,
	// The PLT stub passes the address of the slot; slots follow the three
	// reserved words of the PLT GOT.
	pltIndex: func(got hostarch.Addr, arg uint64) (uint64, error) {
		const wordSize = 8
		first := uint64(got) + 3*wordSize
		if arg < first || (arg-first)%wordSize != 0 {
			return 0, rtlderr.Wrap(rtlderr.BadRelocation, "PLT slot %#x is not in the PLT GOT at %#x", arg, got)
		}
		return (arg - first) / wordSize, nil
	},
}

// archFor returns the relocation conventions for a GOARCH name.
func archFor(goarch string) (*arch, error) {
	t, err := elfview.TargetFor(goarch)
	if err != nil {
		return nil, err
	}
	for _, a := range []*arch{archAMD64, arch386, archARM64} {
		if a.target == t {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no relocation support for %v", t)
}
