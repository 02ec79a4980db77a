// Copyright 2026 The vmcore Authors.
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
)

type testWriter struct {
	lines []string
	fail  bool
	limit int
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	if w.limit > 0 && len(w.lines) >= w.limit {
		return len(bytes), nil
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
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestLevelGating(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if got := strings.Join(tw.lines, ""); got != "shown 2\nshown 3\n" {
		t.Errorf("logged %q, want %q", got, "shown 2\nshown 3\n")
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("trap storm %d", i)
	}
	if got := strings.Join(tw.lines, ""); got != "trap storm 0\n" {
		t.Errorf("rate limited logger emitted %q, want %q", got, "trap storm 0\n")
	}
	if !rl.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false, want the wrapped logger's answer")
	}
}

func TestRateLimitedLoggerReportsSuppressed(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Millisecond)
	for i := 0; i < 5; i++ {
		rl.Warningf("fault %d", i)
	}
	time.Sleep(10 * time.Millisecond)
	rl.Warningf("fault %d", 5)
	want := "fault 0\nfault 5 (4 similar messages suppressed)\n"
	if got := strings.Join(tw.lines, ""); got != want {
		t.Errorf("rate limited logger emitted %q, want %q", got, want)
	}
}

func TestKeyedRateLimiter(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	k := NewKeyedRateLimiter[int](base, time.Hour)
	for i := 0; i < 3; i++ {
		k.For(1).Warningf("cause 1")
		k.For(2).Warningf("cause 2")
	}
	if got, want := strings.Join(tw.lines, ""), "cause 1\ncause 2\n"; got != want {
		t.Errorf("keyed limiter emitted %q, want %q", got, want)
	}
	if k.For(1) != k.For(1) {
		t.Errorf("For returned different loggers for the same key")
	}
	k.For(3).Debugf("hidden")
	if len(tw.lines) != 2 {
		t.Errorf("debug message leaked through an info logger: %v", tw.lines)
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, 5, 9, 13, 4, 5, 123456000, time.UTC)
	e.Emit(0, Warning, ts, "satp=%#x", uint64(0x8000000000080123))
	if len(tw.lines) != 1 {
		t.Fatalf("emitted %d lines, want 1", len(tw.lines))
	}
	got := tw.lines[0]
	if !strings.HasPrefix(got, "W0509 13:04:05.123456 ") {
		t.Errorf("header = %q, want prefix %q", got, "W0509 13:04:05.123456 ")
	}
	if !strings.Contains(got, "log_test.go:") {
		t.Errorf("line %q does not name the caller", got)
	}
	if !strings.HasSuffix(got, "] satp=0x8000000000080123\n") {
		t.Errorf("line %q has wrong message", got)
	}
}
