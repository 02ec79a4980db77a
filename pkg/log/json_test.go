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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type lineCollector struct {
	lines []string
}

func (c *lineCollector) Write(b []byte) (int, error) {
	c.lines = append(c.lines, string(b))
	return len(b), nil
}

func TestJSONEmitter(t *testing.T) {
	c := &lineCollector{}
	e := JSONEmitter{Writer: &Writer{Next: c}}
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	e.Emit(0, Info, ts, "mapped %d pages at %#x", 3, 0x1000)

	if len(c.lines) == 0 {
		t.Fatalf("no output emitted")
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(c.lines[0]), &got); err != nil {
		t.Fatalf("output %q is not json: %v", c.lines[0], err)
	}
	if got.Msg != "mapped 3 pages at 0x1000" {
		t.Errorf("Msg = %q, want %q", got.Msg, "mapped 3 pages at 0x1000")
	}
	if got.Level != Info {
		t.Errorf("Level = %v, want %v", got.Level, Info)
	}
	if !got.Time.Equal(ts) {
		t.Errorf("Time = %v, want %v", got.Time, ts)
	}
	if !strings.HasPrefix(got.Source, "json_test.go:") {
		t.Errorf("Source = %q, want json_test.go:<line>", got.Source)
	}
	if strings.Contains(c.lines[0], "labels") {
		t.Errorf("record without labels has a labels field: %s", c.lines[0])
	}
}

func TestJSONEmitterLabels(t *testing.T) {
	c := &lineCollector{}
	labels := map[string]string{"format": "sv48", "harts": "2"}
	e := JSONEmitter{Writer: &Writer{Next: c}, Labels: labels}
	e.Emit(0, Warning, time.Now(), "hart %d wedged", 1)

	var got jsonLog
	if err := json.Unmarshal([]byte(c.lines[0]), &got); err != nil {
		t.Fatalf("output %q is not json: %v", c.lines[0], err)
	}
	if diff := cmp.Diff(labels, got.Labels); diff != "" {
		t.Errorf("Labels mismatch (-want +got):\n%s", diff)
	}
}

// Test that integers can be properly unmarshaled.
func TestUnmarshalFromInt(t *testing.T) {
	tcs := []struct {
		in   string
		want Level
	}{
		{"0", Warning},
		{"1", Info},
		{"2", Debug},
		{`"debug"`, Debug},
	}

	for _, tc := range tcs {
		var lv Level
		if err := lv.UnmarshalJSON([]byte(tc.in)); err != nil {
			t.Errorf("error unmarshaling %v: %v", tc.in, err)
		}
		if lv != tc.want {
			t.Errorf("unmarshal %v got %v want %v", tc.in, lv, tc.want)
		}
	}
}
