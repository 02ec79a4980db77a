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

// Package pagetables provides a generic implementation of RISC-V page
// tables.
//
// The walker is written once against Format, so the same code serves Sv39,
// Sv48 and Sv57. Only leaf mappings of base pages are ever installed;
// superpages are recognized when walking tables built elsewhere.
package pagetables

import (
	"errors"
	"fmt"

	"portalkernel.dev/vmcore/pkg/riscv"
)

var (
	// ErrConflict is returned by Map when a page in range is already
	// mapped.
	ErrConflict = errors.New("page already mapped")

	// ErrOutOfRange is returned when a range does not fit the format.
	ErrOutOfRange = errors.New("range outside the address space")

	// ErrNotLeaf is returned by Map for permissions without R, W or X.
	ErrNotLeaf = errors.New("permission does not describe a leaf")
)

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	format       Format
	root         *PTEs
	rootPhysical riscv.PPN
}

// New returns new PageTables with a freshly allocated root.
func New(format Format, a Allocator) *PageTables {
	p := &PageTables{Allocator: a, format: format}
	p.root = a.NewPTEs()
	p.rootPhysical = a.PhysicalFor(p.root)
	return p
}

// FromRoot returns a view over existing tables rooted at root.
//
// Lookups through the view never allocate, so a read-only Allocator that
// only implements LookupPTEs is sufficient for them.
func FromRoot(format Format, a Allocator, root riscv.PPN) *PageTables {
	return &PageTables{
		Allocator:    a,
		format:       format,
		root:         a.LookupPTEs(root),
		rootPhysical: root,
	}
}

// Format returns the table format.
func (p *PageTables) Format() Format {
	return p.format
}

// RootPhysical returns the frame holding the root table.
func (p *PageTables) RootPhysical() riscv.PPN {
	return p.rootPhysical
}

func (p *PageTables) checkRange(vpns riscv.VPNRange) error {
	if vpns.End < vpns.Start || vpns.End > p.format.MaxVPN() {
		return fmt.Errorf("%v in %s: %w", vpns, p.format.Name(), ErrOutOfRange)
	}
	return nil
}

// Map installs leaves mapping vpns to consecutive frames starting at ppn.
//
// Map is all-or-nothing: if any page in range is already mapped, every entry
// installed by this call is removed, tables left empty are freed, and an
// error wrapping ErrConflict is returned. Mapping an empty range is a no-op.
func (p *PageTables) Map(vpns riscv.VPNRange, ppn riscv.PPN, perm riscv.Perm) error {
	if err := p.checkRange(vpns); err != nil {
		return err
	}
	if !perm.IsLeaf() {
		return fmt.Errorf("mapping %v with %v: %w", vpns, perm, ErrNotLeaf)
	}
	if vpns.Empty() {
		return nil
	}
	v := mapVisitor{start: vpns.Start, target: ppn, perm: perm | riscv.Valid}
	w := Walker{pageTables: p, visitor: &v}
	if w.iterateRange(vpns.Start, vpns.End) {
		return nil
	}

	// Roll back the installed prefix. This also frees tables allocated
	// on the way to the conflict that hold nothing else.
	p.unmap(vpns.Start, v.conflict)
	return fmt.Errorf("mapping %v at %v: %w", vpns, v.conflict, ErrConflict)
}

// Unmap removes every mapping in vpns and frees emptied tables. It returns
// the number of entries cleared.
func (p *PageTables) Unmap(vpns riscv.VPNRange) (int, error) {
	if err := p.checkRange(vpns); err != nil {
		return 0, err
	}
	return p.unmap(vpns.Start, vpns.End), nil
}

func (p *PageTables) unmap(start, end riscv.VPN) int {
	v := unmapVisitor{}
	w := Walker{pageTables: p, visitor: &v}
	w.iterateRange(start, end)
	return v.count
}

// Lookup returns the frame and permissions mapping vpn. It never allocates.
func (p *PageTables) Lookup(vpn riscv.VPN) (riscv.PPN, riscv.Perm, bool) {
	if vpn >= p.format.MaxVPN() {
		return 0, 0, false
	}
	v := lookupVisitor{target: vpn}
	w := Walker{pageTables: p, visitor: &v}
	w.iterateRange(vpn, vpn+1)
	return v.ppn, v.perm, v.found
}

// Range calls fn for every valid leaf intersecting vpns, in address order.
// level is 0 for base pages. Returning false from fn stops the iteration.
func (p *PageTables) Range(vpns riscv.VPNRange, fn func(vpn riscv.VPN, ppn riscv.PPN, perm riscv.Perm, level int) bool) {
	end := min(vpns.End, p.format.MaxVPN())
	w := Walker{pageTables: p, visitor: &rangeVisitor{fn: fn}}
	w.iterateRange(vpns.Start, end)
}

// Release clears every mapping, passing each valid leaf to fn (which may be
// nil), then frees every table including the root. The PageTables must not
// be used afterwards.
func (p *PageTables) Release(fn func(ppn riscv.PPN, perm riscv.Perm, pages uint64)) {
	if p.root == nil {
		panic("page tables released twice")
	}
	w := Walker{pageTables: p, visitor: &releaseVisitor{indexBits: p.format.IndexBits(), fn: fn}}
	w.iterateRange(0, p.format.MaxVPN())
	p.Allocator.FreePTEs(p.root)
	p.root = nil
}
