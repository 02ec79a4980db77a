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

	"portalkernel.dev/vmcore/pkg/riscv"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of PTEs and its physical frame. The
	// entries must be zeroed.
	NewPTEs() *PTEs

	// PhysicalFor returns the physical frame for a set of PTEs.
	PhysicalFor(ptes *PTEs) riscv.PPN

	// LookupPTEs looks up PTEs by physical frame.
	LookupPTEs(ppn riscv.PPN) *PTEs

	// FreePTEs marks a set of PTEs as freed.
	FreePTEs(ptes *PTEs)
}

// RuntimeAllocator is a trivial allocator that hands out Go heap pages under
// synthetic frame numbers. It has no backing physical memory and is meant
// for building tables that are inspected, not executed.
type RuntimeAllocator struct {
	next  riscv.PPN
	byPPN map[riscv.PPN]*PTEs
	byPtr map[*PTEs]riscv.PPN
}

// NewRuntimeAllocator returns an allocator whose frames start at base.
func NewRuntimeAllocator(base riscv.PPN) *RuntimeAllocator {
	return &RuntimeAllocator{
		next:  base,
		byPPN: make(map[riscv.PPN]*PTEs),
		byPtr: make(map[*PTEs]riscv.PPN),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	ptes := new(PTEs)
	ppn := r.next
	r.next++
	r.byPPN[ppn] = ptes
	r.byPtr[ptes] = ppn
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) riscv.PPN {
	ppn, ok := r.byPtr[ptes]
	if !ok {
		panic("table not owned by this allocator")
	}
	return ppn
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(ppn riscv.PPN) *PTEs {
	ptes, ok := r.byPPN[ppn]
	if !ok {
		panic(fmt.Sprintf("no table at %v", ppn))
	}
	return ptes
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	ppn := r.PhysicalFor(ptes)
	delete(r.byPPN, ppn)
	delete(r.byPtr, ptes)
}

// Live returns the number of tables currently allocated.
func (r *RuntimeAllocator) Live() int {
	return len(r.byPPN)
}
