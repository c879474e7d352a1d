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

package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"kiwi.dev/rtld/pkg/errors/kiwierr"
	"kiwi.dev/rtld/pkg/platform"
)

// FileSystem is an in-memory file system keyed by cleaned absolute or
// relative path.
type FileSystem struct {
	mu     sync.Mutex
	files  map[string][]byte
	opened []string
	open   int
}

// NewFileSystem returns an empty FileSystem.
func NewFileSystem() *FileSystem {
	return &FileSystem{files: make(map[string][]byte)}
}

// Add creates or replaces the file at p.
func (fs *FileSystem) Add(p string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[path.Clean(p)] = data
}

// AddHostTree copies every regular file below the host directory dir into
// fs, rooted at mount.
func (fs *FileSystem) AddHostTree(dir, mount string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %q: %w", p, err)
		}
		fs.Add(path.Join(mount, filepath.ToSlash(rel)), data)
		return nil
	})
}

// Paths returns the paths of all files, sorted.
func (fs *FileSystem) Paths() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	paths := make([]string, 0, len(fs.files))
	for p := range fs.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Open implements platform.FileSystem.Open.
func (fs *FileSystem) Open(p string) (platform.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.opened = append(fs.opened, p)
	data, ok := fs.files[path.Clean(p)]
	if !ok {
		return nil, kiwierr.NotFound
	}
	fs.open++
	return &File{fs: fs, path: p, r: bytes.NewReader(data)}, nil
}

// Opened returns every path passed to Open, including failed attempts.
func (fs *FileSystem) Opened() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.opened...)
}

// OpenCount returns the number of files opened and not yet closed.
func (fs *FileSystem) OpenCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.open
}

// File is an open file of a FileSystem.
type File struct {
	fs     *FileSystem
	path   string
	r      *bytes.Reader
	closed bool
}

// ReadAt implements io.ReaderAt.ReadAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, kiwierr.InvalidHandle
	}
	return f.r.ReadAt(p, off)
}

// Size implements platform.File.Size.
func (f *File) Size() (int64, error) {
	if f.closed {
		return 0, kiwierr.InvalidHandle
	}
	return f.r.Size(), nil
}

// Close implements platform.File.Close.
func (f *File) Close() error {
	if f.closed {
		return kiwierr.InvalidHandle
	}
	f.closed = true
	f.fs.mu.Lock()
	f.fs.open--
	f.fs.mu.Unlock()
	return nil
}

// String implements fmt.Stringer.String.
func (f *File) String() string {
	return f.path
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
