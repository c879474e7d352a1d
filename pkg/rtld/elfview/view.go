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

package elfview

import (
	"debug/elf"

	kerrors "kiwi.dev/rtld/pkg/errors"
	"kiwi.dev/rtld/pkg/errors/rtlderr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/usermem"
)

// View is a read-only view over an image mapped at Base.
type View struct {
	// IO accesses the mapped image.
	IO usermem.IO

	// Base is the load base. Offsets from the dynamic section are relative
	// to it.
	Base hostarch.Addr

	// Class selects the record layouts.
	Class elf.Class

	// Span bounds the addresses read through the view. An empty Span
	// leaves reads unbounded.
	Span hostarch.AddrRange
}

// WordSize returns the size of an address in the image.
func (v *View) WordSize() int {
	if v.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// Addr biases the image offset off by the load base.
func (v *View) Addr(off uint64) hostarch.Addr {
	return v.Base + hostarch.Addr(off)
}

// ReadWord reads an address-sized word at image offset off.
func (v *View) ReadWord(off uint64) (uint64, error) {
	return usermem.ReadWord(v.IO, v.Addr(off), v.WordSize())
}

// CheckRange returns an error of the given kind if the length bytes at image
// offset off are not all inside Span.
func (v *View) CheckRange(off, length uint64, kind *kerrors.Error) error {
	if v.Span.Length() == 0 {
		return nil
	}
	start := v.Addr(off)
	end, ok := start.AddLength(length)
	if !ok || start < v.Span.Start || end > v.Span.End {
		return rtlderr.Wrap(kind, "%#x bytes at offset %#x outside image %v", length, off, v.Span)
	}
	return nil
}

// read copies len(dst) bytes at image offset off, failing with kind on a
// short read.
func (v *View) read(off uint64, dst []byte, kind *kerrors.Error) error {
	if err := v.CheckRange(off, uint64(len(dst)), kind); err != nil {
		return err
	}
	if _, err := v.IO.CopyIn(v.Addr(off), dst); err != nil {
		return rtlderr.WrapCause(kind, err, "reading %d bytes at offset %#x", len(dst), off)
	}
	return nil
}
