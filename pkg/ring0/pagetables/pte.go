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
	"fmt"
	"unsafe"

	"portalkernel.dev/vmcore/pkg/riscv"
)

const (
	// entriesPerPage is the number of PTEs per table page.
	entriesPerPage = riscv.PageSize / 8

	pteFlagBits = 10
	pteFlagMask = 1<<pteFlagBits - 1
	ptePPNMask  = 1<<44 - 1
)

// PTE is a page table entry.
type PTE uint64

// PTEs is a collection of entries filling one page.
type PTEs [entriesPerPage]PTE

// PTEsFromPage views a page-sized, page-aligned buffer as a table.
func PTEsFromPage(page []byte) *PTEs {
	if len(page) < riscv.PageSize {
		panic(fmt.Sprintf("table page is %d bytes, want %d", len(page), riscv.PageSize))
	}
	if uintptr(unsafe.Pointer(&page[0]))%8 != 0 {
		panic("table page is misaligned")
	}
	return (*PTEs)(unsafe.Pointer(&page[0]))
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return *p&PTE(riscv.Valid) != 0
}

// IsLeaf returns true iff this entry maps memory rather than pointing at the
// next level.
func (p *PTE) IsLeaf() bool {
	return p.Perm().IsLeaf()
}

// PPN returns the frame this entry points at.
func (p *PTE) PPN() riscv.PPN {
	return riscv.PPN(uint64(*p) >> pteFlagBits & ptePPNMask)
}

// Perm returns the flag bits, including software bits.
func (p *PTE) Perm() riscv.Perm {
	return riscv.Perm(uint64(*p) & pteFlagMask)
}

// Clear clears this PTE, including software bits.
func (p *PTE) Clear() {
	*p = 0
}

// Set sets this PTE to a leaf mapping of ppn. Valid is always set.
func (p *PTE) Set(ppn riscv.PPN, perm riscv.Perm) {
	*p = PTE(uint64(ppn)&ptePPNMask<<pteFlagBits | uint64(perm|riscv.Valid)&pteFlagMask)
}

// setPageTable points this entry at the next level table. Non-leaf entries
// carry only the valid bit.
func (p *PTE) setPageTable(ppn riscv.PPN) {
	*p = PTE(uint64(ppn)&ptePPNMask<<pteFlagBits | uint64(riscv.Valid))
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	if !p.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%v %v", p.PPN(), p.Perm())
}

// empty returns true if no entry in the table is valid.
func (e *PTEs) empty() bool {
	for i := range e {
		if e[i].Valid() {
			return false
		}
	}
	return true
}
