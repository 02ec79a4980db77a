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

package pagetables

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"portalkernel.dev/vmcore/pkg/riscv"
)

type mapping struct {
	Start  riscv.VPN
	Length uint64
	Target riscv.PPN
	Perm   riscv.Perm
}

// checkMappings coalesces the leaves of pt into runs and compares them.
func checkMappings(t *testing.T, pt *PageTables, want []mapping) {
	t.Helper()
	var got []mapping
	pt.Range(riscv.VPNRange{Start: 0, End: pt.Format().MaxVPN()}, func(vpn riscv.VPN, ppn riscv.PPN, perm riscv.Perm, level int) bool {
		pages := uint64(1) << (pt.Format().IndexBits() * level)
		if n := len(got); n > 0 {
			last := &got[n-1]
			if last.Perm == perm && last.Start.Add(last.Length) == vpn && last.Target.Add(last.Length) == ppn {
				last.Length += pages
				return true
			}
		}
		got = append(got, mapping{Start: vpn, Length: pages, Target: ppn, Perm: perm})
		return true
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func newTables(f Format) (*PageTables, *RuntimeAllocator) {
	a := NewRuntimeAllocator(0x80000)
	return New(f, a), a
}

func TestSmallPages(t *testing.T) {
	for _, f := range []Format{Sv39, Sv48, Sv57} {
		t.Run(f.Name(), func(t *testing.T) {
			pt, _ := newTables(f)
			if err := pt.Map(riscv.PageRange(0x400, 42), 0x90000, riscv.ReadWrite); err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			top := f.MaxVPN() - 4
			if err := pt.Map(riscv.PageRange(top, 4), 0x91000, riscv.ReadExecute); err != nil {
				t.Fatalf("Map of the top pages failed: %v", err)
			}
			checkMappings(t, pt, []mapping{
				{0x400, 42, 0x90000, riscv.ReadWrite},
				{top, 4, 0x91000, riscv.ReadExecute},
			})
		})
	}
}

func TestMapConflictRollsBack(t *testing.T) {
	pt, a := newTables(Sv39)
	if err := pt.Map(riscv.PageRange(0x400, 1), 0x90000, riscv.ReadOnly); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	live := a.Live()

	// The first two leaf tables are filled before the conflict is found.
	err := pt.Map(riscv.VPNRange{Start: 0, End: 0x401}, 0xa0000, riscv.ReadWrite)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Map over an existing page = %v, want ErrConflict", err)
	}
	if got := a.Live(); got != live {
		t.Errorf("live tables after rollback = %d, want %d", got, live)
	}
	checkMappings(t, pt, []mapping{
		{0x400, 1, 0x90000, riscv.ReadOnly},
	})
}

func TestMapRejects(t *testing.T) {
	pt, _ := newTables(Sv39)
	if err := pt.Map(riscv.PageRange(0, 1), 0x90000, riscv.Valid); !errors.Is(err, ErrNotLeaf) {
		t.Errorf("Map with a non-leaf permission = %v, want ErrNotLeaf", err)
	}
	if err := pt.Map(riscv.PageRange(Sv39.MaxVPN()-1, 2), 0x90000, riscv.ReadOnly); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Map past the top = %v, want ErrOutOfRange", err)
	}
	if err := pt.Map(riscv.PageRange(5, 0), 0x90000, riscv.ReadOnly); err != nil {
		t.Errorf("empty Map = %v, want nil", err)
	}
}

func TestLookupNeverAllocates(t *testing.T) {
	pt, a := newTables(Sv48)
	if err := pt.Map(riscv.PageRange(0x1000, 1), 0x90000, riscv.UserRW); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	live := a.Live()
	for i := 0; i < 2; i++ {
		if _, _, ok := pt.Lookup(0x5000000); ok {
			t.Errorf("lookup %d of an unmapped page succeeded", i)
		}
		ppn, perm, ok := pt.Lookup(0x1000)
		if !ok || ppn != 0x90000 || perm != riscv.UserRW {
			t.Errorf("lookup %d = (%v, %v, %v), want (0x90000, %v, true)", i, ppn, perm, ok, riscv.UserRW)
		}
	}
	if got := a.Live(); got != live {
		t.Errorf("lookups allocated tables: live %d, want %d", got, live)
	}
}

func TestUnmapFreesTables(t *testing.T) {
	pt, a := newTables(Sv39)
	r := riscv.PageRange(0x1ff, 3)
	if err := pt.Map(r, 0x90000, riscv.ReadWrite); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	n, err := pt.Unmap(r)
	if err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Unmap cleared %d entries, want 3", n)
	}
	if got := a.Live(); got != 1 {
		t.Errorf("live tables after Unmap = %d, want only the root", got)
	}
}

func TestRelease(t *testing.T) {
	pt, a := newTables(Sv39)
	if err := pt.Map(riscv.PageRange(0x10, 2), 0x90000, riscv.ReadWrite|riscv.Owned); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := pt.Map(riscv.PageRange(Sv39.MaxVPN()-1, 1), 0x70000, riscv.ReadExecute); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	var owned []riscv.PPN
	total := 0
	pt.Release(func(ppn riscv.PPN, perm riscv.Perm, pages uint64) {
		total += int(pages)
		if perm.Contains(riscv.Owned) {
			owned = append(owned, ppn)
		}
	})
	if diff := cmp.Diff([]riscv.PPN{0x90000, 0x90001}, owned); diff != "" {
		t.Errorf("owned frames mismatch (-want +got):\n%s", diff)
	}
	if total != 3 {
		t.Errorf("released %d leaves, want 3", total)
	}
	if got := a.Live(); got != 0 {
		t.Errorf("live tables after Release = %d, want 0", got)
	}
}

func TestSuperpageLookup(t *testing.T) {
	pt, _ := newTables(Sv39)
	// A 1GiB leaf in the second root slot.
	pt.root[1].Set(0x40000, riscv.ReadWrite|riscv.Global)

	base := riscv.VPN(1) << 18
	ppn, perm, ok := pt.Lookup(base + 5)
	if !ok || ppn != 0x40005 {
		t.Fatalf("Lookup in superpage = (%v, %v), want (0x40005, true)", ppn, ok)
	}
	if !perm.Contains(riscv.ReadWrite | riscv.Global) {
		t.Errorf("superpage perm = %v", perm)
	}
	if err := pt.Map(riscv.PageRange(base+7, 1), 0x90000, riscv.ReadOnly); !errors.Is(err, ErrConflict) {
		t.Errorf("Map into a superpage = %v, want ErrConflict", err)
	}
}

func TestFromRoot(t *testing.T) {
	pt, a := newTables(Sv57)
	if err := pt.Map(riscv.PageRange(0x123456, 1), 0x90000, riscv.UserRX); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	view := FromRoot(Sv57, a, pt.RootPhysical())
	if ppn, _, ok := view.Lookup(0x123456); !ok || ppn != 0x90000 {
		t.Errorf("Lookup through FromRoot = (%v, %v), want (0x90000, true)", ppn, ok)
	}
}

func TestCanonicalAddresses(t *testing.T) {
	for _, tc := range []struct {
		f    Format
		high riscv.Addr
		bad  riscv.Addr
	}{
		{Sv39, 0xffffffc000000000, 0x0000004000000000},
		{Sv48, 0xffff800000000000, 0x0000800000000000},
		{Sv57, 0xff00000000000000, 0x0100000000000000},
	} {
		top := tc.f.AddrOf(tc.f.MaxVPN() - 1)
		if top != 0xfffffffffffff000 {
			t.Errorf("%s: top page address = %v", tc.f.Name(), top)
		}
		vpn, ok := tc.f.VPNOf(tc.high)
		if !ok || tc.f.AddrOf(vpn) != tc.high {
			t.Errorf("%s: %v does not round trip (vpn %v, ok %v)", tc.f.Name(), tc.high, vpn, ok)
		}
		if _, ok := tc.f.VPNOf(tc.bad); ok {
			t.Errorf("%s: non-canonical %v accepted", tc.f.Name(), tc.bad)
		}
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("sv48")
	if err != nil || f != Sv48 {
		t.Errorf("ParseFormat(sv48) = %v, %v", f, err)
	}
	if _, err := ParseFormat("sv32"); err == nil {
		t.Errorf("ParseFormat(sv32) succeeded")
	}
	if f, ok := FormatFor(riscv.ModeSv57); !ok || f != Sv57 {
		t.Errorf("FormatFor(sv57) = %v, %v", f, ok)
	}
}

func TestASIDs(t *testing.T) {
	a := NewASIDs(2)
	x, ok1 := a.Assign()
	y, ok2 := a.Assign()
	if !ok1 || !ok2 || x == 0 || y == 0 || x == y {
		t.Fatalf("Assign = (%d, %v), (%d, %v)", x, ok1, y, ok2)
	}
	if _, ok := a.Assign(); ok {
		t.Errorf("Assign past the limit succeeded")
	}
	a.Drop(x)
	if z, ok := a.Assign(); !ok || z != x {
		t.Errorf("Assign after Drop = (%d, %v), want (%d, true)", z, ok, x)
	}
}
