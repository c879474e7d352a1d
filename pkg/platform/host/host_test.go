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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"kiwi.dev/rtld/pkg/errors/kiwierr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/platform"
	"kiwi.dev/rtld/pkg/usermem"
)

func TestMapFile(t *testing.T) {
	if os.Getpagesize() != hostarch.PageSize {
		t.Skipf("host page size %d", os.Getpagesize())
	}
	path := filepath.Join(t.TempDir(), "image")
	contents := bytes.Repeat([]byte("kiwi"), hostarch.PageSize/2)
	if err := os.WriteFile(path, contents, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := FileSystem{}.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if size, err := f.Size(); err != nil || size != int64(len(contents)) {
		t.Errorf("Size: got (%d, %v), want (%d, nil)", size, err, len(contents))
	}

	as := &AddressSpace{}
	const length = 3 * hostarch.PageSize
	base, err := as.Reserve(0, length, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer as.Unreserve(base, length)

	if _, err := as.CopyIn(base, make([]byte, 1)); err != kiwierr.InvalidAddr {
		t.Errorf("CopyIn of reservation: got %v, want %v", err, kiwierr.InvalidAddr)
	}

	if err := as.MapFile(base, f, platform.FileRange{Start: 0, End: 2 * hostarch.PageSize}, hostarch.Read); err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	got, err := usermem.CopyStringIn(as, base+hostarch.PageSize*2-8, 8)
	if err != kiwierr.TooLong || got != "kiwikiwi" {
		t.Errorf("CopyStringIn: got (%q, %v), want (\"kiwikiwi\", %v)", got, err, kiwierr.TooLong)
	}
	if _, err := as.CopyOut(base, []byte{0}); err != kiwierr.InvalidAddr {
		t.Errorf("CopyOut to read-only mapping: got %v, want %v", err, kiwierr.InvalidAddr)
	}

	if err := as.AnonMap(base+2*hostarch.PageSize, hostarch.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("AnonMap: %v", err)
	}
	if err := usermem.StoreWord(as, base+2*hostarch.PageSize, 8, 0xdeadbeef); err != nil {
		t.Fatalf("StoreWord: %v", err)
	}
	if v, err := usermem.ReadWord(as, base+2*hostarch.PageSize, 8); err != nil || v != 0xdeadbeef {
		t.Errorf("ReadWord: got (%#x, %v), want (0xdeadbeef, nil)", v, err)
	}
}

func TestFixedReservationCollision(t *testing.T) {
	as := &AddressSpace{}
	base, err := as.Reserve(0, hostarch.PageSize, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer as.Unreserve(base, hostarch.PageSize)
	if _, err := as.Reserve(base, hostarch.PageSize, true); err == nil {
		t.Errorf("fixed Reserve over an existing mapping succeeded")
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := (FileSystem{}).Open(filepath.Join(t.TempDir(), "missing")); err != kiwierr.NotFound {
		t.Errorf("Open: got %v, want %v", err, kiwierr.NotFound)
	}
}
