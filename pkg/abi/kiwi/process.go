// Copyright 2025 The gVisor Authors.
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

package kiwi

import (
	"encoding/binary"
)

// LibkernelPath is the expected path of the kernel library.
const LibkernelPath = "/system/libraries/libkernel.so"

// SystemLibraryDir is the fixed system library directory.
const SystemLibraryDir = "/system/libraries"

// Environment variables consulted by the runtime loader.
const (
	// EnvLibraryPath is a colon separated list of library directories.
	EnvLibraryPath = "LIBRARY_PATH"

	// EnvDryRun makes the loader print the image list and exit.
	EnvDryRun = "RTLD_DRYRUN"

	// EnvDebug enables loader diagnostics.
	EnvDebug = "LIBKERNEL_DEBUG"

	// EnvBindNow forces eager binding of PLT entries.
	EnvBindNow = "RTLD_BIND_NOW"

	// EnvLazy enables deferred binding of PLT entries.
	EnvLazy = "RTLD_LAZY"
)

// ProcessArgs is the decoded form of the arguments block the kernel passes to
// the userspace loader:
//
//	typedef struct process_args {
//		char *path;
//		char **args;
//		char **env;
//		int args_count;
//		int env_count;
//		void *load_base;
//	} process_args_t;
//
// The string arrays are NULL terminated in addition to being counted.
type ProcessArgs struct {
	// Path is the program path.
	Path string

	// Args is the argument vector.
	Args []string

	// Env is the environment vector, as KEY=VALUE strings.
	Env []string

	// LoadBase is the address the kernel library was loaded to.
	LoadBase uint64
}

// ProcessArgsLayout gives the byte offsets of process_args_t fields for a
// given pointer width.
type ProcessArgsLayout struct {
	PtrSize   int
	Path      int
	Args      int
	Env       int
	ArgsCount int
	EnvCount  int
	LoadBase  int
	Size      int
}

// LayoutFor returns the process_args_t layout for pointers of ptrSize bytes.
func LayoutFor(ptrSize int) ProcessArgsLayout {
	l := ProcessArgsLayout{PtrSize: ptrSize}
	l.Path = 0
	l.Args = ptrSize
	l.Env = 2 * ptrSize
	l.ArgsCount = 3 * ptrSize
	l.EnvCount = l.ArgsCount + 4
	l.LoadBase = l.EnvCount + 4
	if rem := l.LoadBase % ptrSize; rem != 0 {
		l.LoadBase += ptrSize - rem
	}
	l.Size = l.LoadBase + ptrSize
	return l
}

// Encode lays out a process_args_t for a at address at, followed by the
// argument and environment arrays and the strings they point to.
func (a *ProcessArgs) Encode(ptrSize int, at uint64) []byte {
	lay := LayoutFor(ptrSize)
	buf := make([]byte, lay.Size)
	put := func(off int, v uint64) {
		if ptrSize == 4 {
			binary.LittleEndian.PutUint32(buf[off:], uint32(v))
		} else {
			binary.LittleEndian.PutUint64(buf[off:], v)
		}
	}
	grow := func(n int) int {
		off := len(buf)
		buf = append(buf, make([]byte, n)...)
		return off
	}
	str := func(s string) uint64 {
		off := grow(len(s) + 1)
		copy(buf[off:], s)
		return at + uint64(off)
	}
	vector := func(strs []string) uint64 {
		off := grow((len(strs) + 1) * ptrSize)
		for i, s := range strs {
			put(off+i*ptrSize, str(s))
		}
		return at + uint64(off)
	}

	put(lay.Path, str(a.Path))
	put(lay.Args, vector(a.Args))
	put(lay.Env, vector(a.Env))
	binary.LittleEndian.PutUint32(buf[lay.ArgsCount:], uint32(len(a.Args)))
	binary.LittleEndian.PutUint32(buf[lay.EnvCount:], uint32(len(a.Env)))
	put(lay.LoadBase, a.LoadBase)
	return buf
}
