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

//go:build riscv64
// +build riscv64

package ring0

import "testing"

func TestNativeVectors(t *testing.T) {
	v := NativeVectors()
	seen := make(map[uintptr]string)
	for name, addr := range map[string]uintptr{
		"trapEntry":   v.TrapEntry,
		"restore":     v.Restore,
		"portalEnter": v.PortalEnter,
		"portalTrap":  v.PortalTrap,
	} {
		if addr == 0 || addr&3 != 0 {
			t.Errorf("%s at %#x, want a non-zero aligned address", name, addr)
		}
		if other, ok := seen[addr]; ok {
			t.Errorf("%s and %s share address %#x", name, other, addr)
		}
		seen[addr] = name
	}
}
