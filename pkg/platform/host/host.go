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

// Package host implements the platform on the Linux host: images are mapped
// into the address space of the calling process with mmap(2).
//
// The host platform maps and relocates images but does not run them: there
// is no trampoline, and Caller refuses to transfer control. It exists to
// inspect how real files would be laid out.
package host

import (
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"kiwi.dev/rtld/pkg/errors/kiwierr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/log"
	"kiwi.dev/rtld/pkg/platform"
)

// New returns the host platform. Output receives the dry-run report.
func New() *platform.Platform {
	if pageSize := os.Getpagesize(); pageSize != hostarch.PageSize {
		log.Warningf("host page size %d differs from %d, mappings may fail", pageSize, hostarch.PageSize)
	}
	return &platform.Platform{
		FS:      FileSystem{},
		AS:      &AddressSpace{},
		Process: Process{},
		Caller:  Caller{},
		Output:  os.Stdout,
	}
}

// Process terminates the calling process.
type Process struct{}

// Exit implements platform.Process.Exit.
func (Process) Exit(status int32) {
	os.Exit(int(status))
}

// Caller refuses to run image code in the calling process.
type Caller struct{}

// Call implements platform.Caller.Call.
func (Caller) Call(addr hostarch.Addr) error {
	log.Warningf("host: refusing to call %v", addr)
	return kiwierr.NotSupported
}

// retry runs op until it returns something other than EINTR.
func retry(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = time.Second
	return backoff.Retry(func() error {
		err := op()
		if err == unix.EINTR {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, b)
}

// translateErrno converts host errors to kernel status errors.
func translateErrno(err error) error {
	switch err {
	case nil:
		return nil
	case unix.ENOENT, unix.ENOTDIR:
		return kiwierr.NotFound
	case unix.EACCES, unix.EPERM:
		return kiwierr.PermDenied
	case unix.ENOMEM, unix.EEXIST:
		return kiwierr.NoMemory
	case unix.EINVAL:
		return kiwierr.InvalidArg
	case unix.EFAULT:
		return kiwierr.InvalidAddr
	case unix.EBADF:
		return kiwierr.InvalidHandle
	case unix.ENAMETOOLONG:
		return kiwierr.TooLong
	case unix.EINTR:
		return kiwierr.Interrupted
	default:
		return err
	}
}
