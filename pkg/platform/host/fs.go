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
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"kiwi.dev/rtld/pkg/errors/kiwierr"
	"kiwi.dev/rtld/pkg/platform"
)

// FileSystem opens host files.
type FileSystem struct{}

// Open implements platform.FileSystem.Open.
func (FileSystem) Open(path string) (platform.File, error) {
	var fd int
	err := retry(func() error {
		var err error
		fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		return err
	})
	if err != nil {
		return nil, translateErrno(err)
	}
	return &File{fd: fd, path: path}, nil
}

// File is an open host file.
type File struct {
	fd   int
	path string
}

// FD returns the host file descriptor.
func (f *File) FD() int {
	return f.fd
}

// ReadAt implements io.ReaderAt.ReadAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.fd < 0 {
		return 0, kiwierr.InvalidHandle
	}
	done := 0
	for done < len(p) {
		var n int
		err := retry(func() error {
			var err error
			n, err = unix.Pread(f.fd, p[done:], off+int64(done))
			return err
		})
		if err != nil {
			return done, translateErrno(err)
		}
		if n == 0 {
			return done, fmt.Errorf("%s: short read at %#x: %w", f.path, off+int64(done), io.EOF)
		}
		done += n
	}
	return done, nil
}

// Size implements platform.File.Size.
func (f *File) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, translateErrno(err)
	}
	return st.Size, nil
}

// Close implements platform.File.Close.
func (f *File) Close() error {
	if f.fd < 0 {
		return kiwierr.InvalidHandle
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return translateErrno(err)
}

// String implements fmt.Stringer.String.
func (f *File) String() string {
	return f.path
}
