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
	"portalkernel.dev/vmcore/pkg/riscv"
)

// visitor is the per-entry callback driven by Walker.
type visitor interface {
	// requiresAlloc returns true if missing intermediate levels should be
	// allocated rather than skipped.
	requiresAlloc() bool

	// requiresFree returns true if tables left empty by the walk should
	// be freed.
	requiresFree() bool

	// visit is called for each leaf slot in range, and for each valid
	// superpage encountered above the leaf level. Returning false stops
	// the walk.
	visit(vpn riscv.VPN, entry *PTE, level int) bool
}

// Walker walks page tables.
type Walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// visitor is the set of arguments.
	visitor visitor
}

// vpnEnd returns the first page after start that begins a new span-aligned
// block, or end if that comes earlier.
func vpnEnd(start, end, span riscv.VPN) riscv.VPN {
	next := (start + span) &^ (span - 1)
	if next < start || next > end {
		return end
	}
	return next
}

// iterateRange iterates over all levels of the tables for [start, end).
func (w *Walker) iterateRange(start, end riscv.VPN) bool {
	if start >= end {
		return true
	}
	return w.walk(w.pageTables.root, w.pageTables.format.Levels()-1, start, end)
}

// walk visits [start, end) within the table at level.
//
// Clear entries are skipped if the visitor does not require allocation, so
// lookups never allocate and an absent level means no mapping.
func (w *Walker) walk(table *PTEs, level int, start, end riscv.VPN) bool {
	f := w.pageTables.format
	span := riscv.VPN(1) << (f.IndexBits() * level)
	alloc := w.pageTables.Allocator
	for start < end {
		next := vpnEnd(start, end, span)
		entry := &table[f.Index(start, level)]

		if level == 0 {
			if entry.Valid() || w.visitor.requiresAlloc() {
				if !w.visitor.visit(start, entry, 0) {
					return false
				}
			}
			start = next
			continue
		}

		var child *PTEs
		switch {
		case !entry.Valid():
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				start = next
				continue
			}
			child = alloc.NewPTEs()
			entry.setPageTable(alloc.PhysicalFor(child))
		case entry.IsLeaf():
			// A superpage to be checked directly.
			if !w.visitor.visit(start&^(span-1), entry, level) {
				return false
			}
			start = next
			continue
		default:
			child = alloc.LookupPTEs(entry.PPN())
		}

		// Map the next level, since this is valid.
		ok := w.walk(child, level-1, start, next)

		// Check if we no longer need this page.
		if w.visitor.requiresFree() && child.empty() {
			entry.Clear()
			alloc.FreePTEs(child)
		}
		if !ok {
			return false
		}
		start = next
	}
	return true
}

// mapVisitor installs leaves for consecutive frames.
type mapVisitor struct {
	start  riscv.VPN
	target riscv.PPN
	perm   riscv.Perm

	// conflict is the first page found already mapped.
	conflict    riscv.VPN
	hasConflict bool
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) requiresFree() bool  { return false }

func (v *mapVisitor) visit(vpn riscv.VPN, entry *PTE, level int) bool {
	if level != 0 || entry.Valid() {
		v.conflict = max(vpn, v.start)
		v.hasConflict = true
		return false
	}
	entry.Set(v.target.Add(uint64(vpn-v.start)), v.perm)
	return true
}

// unmapVisitor clears leaves. Superpages in range are cleared whole.
type unmapVisitor struct {
	count int
}

func (*unmapVisitor) requiresAlloc() bool { return false }
func (*unmapVisitor) requiresFree() bool  { return true }

func (v *unmapVisitor) visit(_ riscv.VPN, entry *PTE, _ int) bool {
	if entry.Valid() {
		v.count++
	}
	entry.Clear()
	return true
}

// lookupVisitor records the entry covering one page.
type lookupVisitor struct {
	target riscv.VPN
	ppn    riscv.PPN
	perm   riscv.Perm
	level  int
	found  bool
}

func (*lookupVisitor) requiresAlloc() bool { return false }
func (*lookupVisitor) requiresFree() bool  { return false }

func (v *lookupVisitor) visit(vpn riscv.VPN, entry *PTE, level int) bool {
	if !entry.Valid() {
		return true
	}
	// A superpage maps target at the same offset from its base.
	v.ppn = entry.PPN().Add(uint64(v.target - vpn))
	v.perm = entry.Perm()
	v.level = level
	v.found = true
	return false
}

// rangeVisitor reports every valid mapping to a callback.
type rangeVisitor struct {
	fn func(vpn riscv.VPN, ppn riscv.PPN, perm riscv.Perm, level int) bool
}

func (*rangeVisitor) requiresAlloc() bool { return false }
func (*rangeVisitor) requiresFree() bool  { return false }

func (v *rangeVisitor) visit(vpn riscv.VPN, entry *PTE, level int) bool {
	return v.fn(vpn, entry.PPN(), entry.Perm(), level)
}

// releaseVisitor hands every leaf to a callback and clears it, so that the
// walk frees every table on the way back up.
type releaseVisitor struct {
	indexBits int
	fn        func(ppn riscv.PPN, perm riscv.Perm, pages uint64)
}

func (*releaseVisitor) requiresAlloc() bool { return false }
func (*releaseVisitor) requiresFree() bool  { return true }

func (v *releaseVisitor) visit(_ riscv.VPN, entry *PTE, level int) bool {
	if entry.Valid() && v.fn != nil {
		v.fn(entry.PPN(), entry.Perm(), uint64(1)<<(v.indexBits*level))
	}
	entry.Clear()
	return true
}
