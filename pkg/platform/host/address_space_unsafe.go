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

//go:build linux
// +build linux

package host

import (
	"runtime/debug"
	"sync/atomic"
	"unsafe"

	"kiwi.dev/rtld/pkg/errors/kiwierr"
	"kiwi.dev/rtld/pkg/hostarch"
)

// window returns the n bytes of process memory at addr.
func window(addr hostarch.Addr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// guard converts a fault during fn into kiwierr.InvalidAddr.
func guard(fn func()) (err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = kiwierr.InvalidAddr
		}
	}()
	fn()
	return nil
}

// CopyOut implements usermem.IO.CopyOut. A fault reports no bytes copied.
func (*AddressSpace) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	if err := guard(func() { copy(window(addr, len(src)), src) }); err != nil {
		return 0, err
	}
	return len(src), nil
}

// CopyIn implements usermem.IO.CopyIn. A fault reports no bytes copied.
func (*AddressSpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if err := guard(func() { copy(dst, window(addr, len(dst))) }); err != nil {
		return 0, err
	}
	return len(dst), nil
}

// ZeroOut implements usermem.IO.ZeroOut.
func (*AddressSpace) ZeroOut(addr hostarch.Addr, toZero int64) (int64, error) {
	if toZero <= 0 {
		return 0, nil
	}
	if err := guard(func() { clear(window(addr, int(toZero))) }); err != nil {
		return 0, err
	}
	return toZero, nil
}

// StoreWord implements usermem.WordStorer.StoreWord.
func (*AddressSpace) StoreWord(addr hostarch.Addr, size int, val uint64) error {
	p := unsafe.Pointer(uintptr(addr))
	switch size {
	case 4:
		return guard(func() { atomic.StoreUint32((*uint32)(p), uint32(val)) })
	case 8:
		return guard(func() { atomic.StoreUint64((*uint64)(p), val) })
	default:
		return kiwierr.InvalidArg
	}
}
