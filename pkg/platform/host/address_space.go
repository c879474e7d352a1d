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
	"golang.org/x/sys/unix"
	"kiwi.dev/rtld/pkg/errors/kiwierr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/platform"
)

// AddressSpace is the address space of the calling process.
type AddressSpace struct{}

var _ platform.AddressSpace = (*AddressSpace)(nil)

func protFor(at hostarch.AccessType) uintptr {
	prot := unix.PROT_NONE
	if at.Read {
		prot |= unix.PROT_READ
	}
	if at.Write {
		prot |= unix.PROT_WRITE
	}
	if at.Execute {
		prot |= unix.PROT_EXEC
	}
	return uintptr(prot)
}

func mmap(addr hostarch.Addr, length uint64, prot, flags uintptr, fd int, off uint64) (hostarch.Addr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(addr), uintptr(length), prot, flags, uintptr(fd), uintptr(off))
	if errno != 0 {
		return 0, translateErrno(errno)
	}
	return hostarch.Addr(r), nil
}

// Reserve implements platform.AddressSpace.Reserve.
func (*AddressSpace) Reserve(hint hostarch.Addr, length uint64, fixed bool) (hostarch.Addr, error) {
	flags := uintptr(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE)
	if fixed {
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	addr, err := mmap(hint, length, unix.PROT_NONE, flags, -1, 0)
	if err != nil {
		return 0, err
	}
	if fixed && addr != hint {
		// Kernels before 4.17 treat MAP_FIXED_NOREPLACE as a hint.
		unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(length), 0)
		return 0, kiwierr.NoMemory
	}
	return addr, nil
}

// MapFile implements platform.AddressSpace.MapFile.
func (*AddressSpace) MapFile(addr hostarch.Addr, f platform.File, fr platform.FileRange, at hostarch.AccessType) error {
	hf, ok := f.(*File)
	if !ok {
		return kiwierr.InvalidHandle
	}
	if !fr.WellFormed() || fr.Length() == 0 {
		return kiwierr.InvalidArg
	}
	_, err := mmap(addr, fr.Length(), protFor(at), unix.MAP_PRIVATE|unix.MAP_FIXED, hf.FD(), fr.Start)
	return err
}

// AnonMap implements platform.AddressSpace.AnonMap.
func (*AddressSpace) AnonMap(addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	_, err := mmap(addr, length, protFor(at), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, -1, 0)
	return err
}

// Protect implements platform.AddressSpace.Protect.
func (*AddressSpace) Protect(addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(addr), uintptr(length), protFor(at))
	if errno != 0 {
		return translateErrno(errno)
	}
	return nil
}

// Unreserve implements platform.AddressSpace.Unreserve.
func (*AddressSpace) Unreserve(addr hostarch.Addr, length uint64) {
	unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(length), 0)
}
