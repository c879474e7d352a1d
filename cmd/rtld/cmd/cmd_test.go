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

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kiwi.dev/rtld/pkg/rtld/config"
)

func TestNewBackend(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "system", "libraries"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "system", "libraries", "libc.so"), []byte("libc"), 0644); err != nil {
		t.Fatal(err)
	}

	opts := &Options{Config: config.Default(), Platform: PlatformSim, Root: dir}
	b, err := opts.newBackend()
	if err != nil {
		t.Fatalf("newBackend: %v", err)
	}
	if b.sim == nil {
		t.Fatalf("sim platform has no simulation")
	}
	if diff := cmp.Diff([]string{"/system/libraries/libc.so"}, b.sim.FS.Paths()); diff != "" {
		t.Errorf("mounted files mismatch (-want +got):\n%s", diff)
	}
	if b.p.Output != os.Stdout {
		t.Errorf("report output is not stdout")
	}

	for _, bad := range []*Options{
		{Config: config.Default(), Platform: PlatformSim},
		{Config: config.Default(), Platform: "kvm"},
	} {
		if _, err := bad.newBackend(); err == nil {
			t.Errorf("newBackend(%+v) succeeded", bad)
		}
	}
}

func TestStringFlags(t *testing.T) {
	var s stringFlags
	for _, v := range []string{"A=1", "LIBRARY_PATH=/opt/lib:/usr/lib", "EMPTY="} {
		if err := s.Set(v); err != nil {
			t.Errorf("Set(%q): %v", v, err)
		}
	}
	if err := s.Set("NOVALUE"); err == nil {
		t.Errorf("Set(NOVALUE) succeeded")
	}
	if got, want := s.String(), "A=1,LIBRARY_PATH=/opt/lib:/usr/lib,EMPTY="; got != want {
		t.Errorf("String got %q, want %q", got, want)
	}

	l := &Load{env: s}
	if diff := cmp.Diff([]string(s), l.environ()); diff != "" {
		t.Errorf("environ mismatch (-want +got):\n%s", diff)
	}
}
