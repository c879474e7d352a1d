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

// Package rtld implements the runtime link-editor: it maps a program and its
// shared library dependencies into an address space, binds their symbol
// references and runs their initializers.
//
// The entry points are Start, which decodes a kernel process arguments
// block, and Main. Both drive a Linker through the phases of loading:
//
//	Load              map the program
//	LoadDependencies  map its DT_NEEDED closure, breadth first
//	Relocate          apply relocations, dependencies before dependents
//	RunInitializers   call DT_INIT and DT_INIT_ARRAY, dependencies first
//
// After the program has started, only the lazy binder (BindLazy) runs.
package rtld

import (
	"debug/elf"
	"fmt"

	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/rtld/elfview"
)

// Kind is the kind of image a load expects.
type Kind int

const (
	// KindExecutable accepts ET_EXEC and position independent ET_DYN
	// programs.
	KindExecutable Kind = iota

	// KindSharedObject accepts ET_DYN only.
	KindSharedObject

	// KindAny accepts either.
	KindAny
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindExecutable:
		return "executable"
	case KindSharedObject:
		return "shared object"
	case KindAny:
		return "any"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// accepts returns true if an image of type t may be loaded as k.
func (k Kind) accepts(t elf.Type) bool {
	switch k {
	case KindExecutable, KindAny:
		return t == elf.ET_EXEC || t == elf.ET_DYN
	case KindSharedObject:
		return t == elf.ET_DYN
	default:
		return false
	}
}

// State is the lifecycle state of an image.
type State int

const (
	// StateLoading images are mapped and registered, but not yet fully
	// relocated.
	StateLoading State = iota

	// StateLoaded images have had every relocation applied.
	StateLoaded
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// applicationName is the display name of a program without a DT_SONAME.
const applicationName = "<application>"

// segment is a mapped PT_LOAD segment, page-rounded.
type segment struct {
	ar hostarch.AddrRange
	at hostarch.AccessType
}

// Image is a loaded ELF image.
//
// Addresses read from the image (dynamic entries, symbol values, relocation
// offsets) are kept as offsets and biased by the load base at their use.
type Image struct {
	// soname is the DT_SONAME of the image, or the base name of its path if
	// it has none. It is empty for a program without DT_SONAME.
	soname string

	// path is the path the image was opened from.
	path string

	// typ is ET_EXEC or ET_DYN.
	typ elf.Type

	// refCount counts dependency edges to the image.
	refCount int

	// base is the load base: the difference between mapped and linked
	// addresses. It is zero for ET_EXEC images.
	base hostarch.Addr

	// span is the reservation covering all PT_LOAD segments.
	span hostarch.AddrRange

	// entry is e_entry, unbiased.
	entry uint64

	// dynamicOff is the offset of the dynamic section.
	dynamicOff uint64

	view *elfview.View
	dyn  *elfview.Dynamic
	hash *elfview.HashTable
	syms *elfview.Symbols

	segments []segment

	// relro is the range made read-only after relocation. It is empty if
	// the image has no PT_GNU_RELRO segment.
	relro hostarch.AddrRange

	// needed are the DT_NEEDED names, in order.
	needed []string

	// rpath are the DT_RPATH and DT_RUNPATH directories, unexpanded.
	rpath []string

	// deps are the images named by needed, without duplicates, in the
	// order they were bound.
	deps []*Image

	// plt caches the decoded DT_JMPREL table for the lazy binder.
	plt []elfview.Reloc

	// lazy is set if PLT entries of the image are bound on first call.
	lazy bool

	state State
}

// Soname returns the shared object name of the image. It is empty for a
// program without DT_SONAME.
func (img *Image) Soname() string {
	return img.soname
}

// Name returns the soname, or "<application>" for a nameless program.
func (img *Image) Name() string {
	if img.soname == "" {
		return applicationName
	}
	return img.soname
}

// Path returns the path the image was loaded from.
func (img *Image) Path() string {
	return img.path
}

// LoadBase returns the load base.
func (img *Image) LoadBase() hostarch.Addr {
	return img.base
}

// LoadSize returns the size of the reservation covering the image.
func (img *Image) LoadSize() uint64 {
	return img.span.Length()
}

// Span returns the reservation covering the image.
func (img *Image) Span() hostarch.AddrRange {
	return img.span
}

// Entry returns the biased entry point.
func (img *Image) Entry() hostarch.Addr {
	return img.addr(img.entry)
}

// State returns the lifecycle state.
func (img *Image) State() State {
	return img.state
}

// RefCount returns the number of dependency edges to the image.
func (img *Image) RefCount() int {
	return img.refCount
}

// Needed returns the DT_NEEDED names of the image.
func (img *Image) Needed() []string {
	return append([]string(nil), img.needed...)
}

// Dependencies returns the images the image depends on.
func (img *Image) Dependencies() []*Image {
	return append([]*Image(nil), img.deps...)
}

// Dynamic returns the dynamic section.
func (img *Image) Dynamic() *elfview.Dynamic {
	return img.dyn
}

// Symbols returns the dynamic symbol table.
func (img *Image) Symbols() *elfview.Symbols {
	return img.syms
}

// String implements fmt.Stringer.String.
func (img *Image) String() string {
	return img.Name()
}

// addr biases off by the load base.
func (img *Image) addr(off uint64) hostarch.Addr {
	return img.base + hostarch.Addr(off)
}

// symbolAddr returns the address of a defined symbol of img.
func (img *Image) symbolAddr(sym *elfview.Symbol) hostarch.Addr {
	if sym.Absolute() {
		return hostarch.Addr(sym.Value)
	}
	return img.addr(sym.Value)
}

// handle identifies img to the lazy binder. It is the start of its
// reservation, which is unique and never zero.
func (img *Image) handle() uint64 {
	return uint64(img.span.Start)
}

// reference takes a reference on dep and, if img is not nil, records that
// img depends on it.
func reference(img, dep *Image) {
	dep.refCount++
	if img != nil {
		link(img, dep)
	}
}

// link records that img depends on dep.
func link(img, dep *Image) {
	for _, d := range img.deps {
		if d == dep {
			return
		}
	}
	img.deps = append(img.deps, dep)
}
