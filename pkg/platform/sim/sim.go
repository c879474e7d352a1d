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

// Package sim implements a simulated platform: a page-granular address space
// with permissions, an in-memory file system, and a process that records
// what the runtime loader asks of it.
//
// The simulated platform does not execute code. Calls are recorded and may
// be intercepted with Caller.Register.
package sim

import (
	"bytes"

	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/platform"
)

// TrampolineAddr is the address reported for the lazy-binding entry stub. It
// lies outside every reservation so that stray calls to it are visible.
const TrampolineAddr hostarch.Addr = 0xffffe000

// Sim is a complete simulated platform.
type Sim struct {
	FS      *FileSystem
	AS      *AddressSpace
	Process *Process
	Caller  *Caller

	// Output collects the dry-run report.
	Output bytes.Buffer
}

// New returns an empty simulated platform.
func New() *Sim {
	return &Sim{
		FS:      NewFileSystem(),
		AS:      NewAddressSpace(DefaultBase),
		Process: &Process{},
		Caller:  &Caller{},
	}
}

// Platform returns the platform view of s.
func (s *Sim) Platform() *platform.Platform {
	return &platform.Platform{
		FS:         s.FS,
		AS:         s.AS,
		Process:    s.Process,
		Caller:     s.Caller,
		Trampoline: TrampolineAddr,
		Output:     &s.Output,
	}
}
