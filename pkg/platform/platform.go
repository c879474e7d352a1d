// Copyright 2018 The gVisor Authors.
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

// Package platform provides the abstractions through which the runtime
// loader reaches the kernel.
//
// See Platform for more information.
package platform

import (
	"fmt"
	"io"

	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/usermem"
)

// Platform bundles the kernel services available to the runtime loader of a
// single process.
type Platform struct {
	// FS opens image files.
	FS FileSystem

	// AS is the address space of the process being started.
	AS AddressSpace

	// Process terminates the process being started.
	Process Process

	// Caller transfers control to initializer functions.
	Caller Caller

	// Trampoline is the address of the lazy-binding entry stub, or 0 if the
	// platform cannot bind lazily.
	Trampoline hostarch.Addr

	// Output receives the dry-run image report.
	Output io.Writer
}

// File is an open image file.
type File interface {
	io.ReaderAt

	// Size returns the size of the file in bytes.
	Size() (int64, error)

	// Close releases the file handle. Mappings created from the file remain
	// valid.
	Close() error
}

// FileSystem opens files by path.
type FileSystem interface {
	// Open opens the file at path for reading. Open does not interpret the
	// path; symbolic links are resolved by the file system.
	Open(path string) (File, error)
}

// AddressSpace represents the virtual address space into which images are
// mapped.
type AddressSpace interface {
	// Reserve reserves length bytes of inaccessible address space. If fixed
	// is true the reservation must start at hint exactly and must not
	// replace an existing reservation; otherwise hint is advisory.
	//
	// Preconditions: length > 0 and is page-aligned. If fixed, hint is
	// page-aligned.
	Reserve(hint hostarch.Addr, length uint64, fixed bool) (hostarch.Addr, error)

	// MapFile maps the offsets fr of f at address addr with access at.
	// Bytes of the last page past the end of the file read as zero.
	//
	// Preconditions: addr and fr.Start are page-aligned. fr.Length() > 0.
	// [addr, addr+fr.Length()) lies inside a reservation.
	MapFile(addr hostarch.Addr, f File, fr FileRange, at hostarch.AccessType) error

	// AnonMap backs [addr, addr+length) with zeroed pages with access at.
	//
	// Preconditions: addr and length are page-aligned. The range lies
	// inside a reservation.
	AnonMap(addr hostarch.Addr, length uint64, at hostarch.AccessType) error

	// Protect changes the access of the mapped pages in [addr,
	// addr+length).
	//
	// Preconditions: addr is page-aligned.
	Protect(addr hostarch.Addr, length uint64, at hostarch.AccessType) error

	// Unreserve releases a reservation along with any mappings in it.
	Unreserve(addr hostarch.Addr, length uint64)

	// IO methods access mapped memory subject to the page permissions.
	usermem.IO
}

// Process is the process being started.
type Process interface {
	// Exit terminates the process with the given status. Real platforms do
	// not return from Exit; simulated platforms record the status and
	// return, in which case the caller must stop all further work.
	Exit(status int32)
}

// Caller runs code inside the process.
type Caller interface {
	// Call calls the function without arguments at addr and waits for it
	// to return.
	Call(addr hostarch.Addr) error
}

// FileRange represents a range of uint64 offsets into a File.
type FileRange struct {
	Start uint64
	End   uint64
}

// WellFormed returns true if r.Start <= r.End.
func (r FileRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r FileRange) Length() uint64 {
	return r.End - r.Start
}

// String implements fmt.Stringer.String.
func (r FileRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}
