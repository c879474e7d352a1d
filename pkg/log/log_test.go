// Copyright 2018 Google LLC
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

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	w.Emit(0, Info, time.Now(), "no newline %d", 1)
	if diff := cmp.Diff([]string{"no newline 1", "\n"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("debug")
	l.Infof("info")
	l.Warningf("warning")
	if diff := cmp.Diff([]string{"info", "\n", "warning", "\n"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2024, time.May, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "hello %s", "world")
	if len(tw.lines) != 1 {
		t.Fatalf("got lines %q, want exactly one", tw.lines)
	}
	got := tw.lines[0]
	if !strings.HasPrefix(got, "W0507 13:04:05.000006 ") {
		t.Errorf("header: got %q", got)
	}
	if !strings.Contains(got, "log_test.go:") || !strings.HasSuffix(got, "] hello world\n") {
		t.Errorf("caller or message: got %q", got)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour)
	// Debug is not enabled and must not consume the single token.
	rl.Debugf("dropped")
	rl.Infof("first")
	rl.Infof("second")
	if diff := cmp.Diff([]string{"first", "\n"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestPatternOpts(t *testing.T) {
	o := PatternOpts{Command: "ldd", Start: time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)}
	if got, want := o.Build("/tmp/rtld-%COMMAND%-%TIMESTAMP%.log"), "/tmp/rtld-ldd-20240102-030405.000000.log"; got != want {
		t.Errorf("Build: got %q, want %q", got, want)
	}
}
