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

// Package vm implements address spaces: a root page table plus an ordered
// ledger of the regions mapped into it.
//
// Frames come from a PageManager. Frames the space allocates itself carry
// the Owned bit and are freed by Release; frames supplied by the caller
// (MMIO, the portal page, another space's pages) are left alone.
package vm

import (
	"errors"
	"fmt"
	"unsafe"

	"portalkernel.dev/vmcore/pkg/ring0/pagetables"
	"portalkernel.dev/vmcore/pkg/riscv"
)

// PageManager is the physical page provider consumed by address spaces.
//
// Implementations must be safe for concurrent use; one manager is shared by
// every hart.
type PageManager interface {
	// Allocate returns the kernel's pointer to count contiguous frames
	// and adds the manager's ownership mark to perm. Exhaustion is fatal.
	Allocate(count uint64, perm *riscv.Perm) unsafe.Pointer

	// Deallocate frees count frames starting at ppn.
	Deallocate(ppn riscv.PPN, count uint64)

	// PhysicalToKernel returns the kernel's pointer to ppn, or false if
	// the kernel has no view of the frame.
	PhysicalToKernel(ppn riscv.PPN) (unsafe.Pointer, bool)

	// KernelToPhysical returns the frame behind a kernel pointer.
	KernelToPhysical(ptr unsafe.Pointer) riscv.PPN

	// IsOwned returns true if a leaf with perm must be freed by the
	// space that maps it.
	IsOwned(perm riscv.Perm) bool
}

var (
	// ErrFault is returned by CopyIn and CopyOut for addresses that do
	// not translate with the required permission.
	ErrFault = errors.New("bad address")

	// ErrNotEmpty is returned by CloneInto for a populated target.
	ErrNotEmpty = errors.New("address space is not empty")
)

// AddrMap is one contiguous region: len(VPNs) pages mapped to consecutive
// frames from Base.
type AddrMap struct {
	VPNs riscv.VPNRange
	Base riscv.PPN
	Perm riscv.Perm
}

// Pages returns the region's length in pages.
func (m AddrMap) Pages() uint64 {
	return m.VPNs.Len()
}

// PPNFor returns the frame backing vpn, which must be in the region.
func (m AddrMap) PPNFor(vpn riscv.VPN) riscv.PPN {
	return m.Base.Add(uint64(vpn - m.VPNs.Start))
}

// String implements fmt.Stringer.String.
func (m AddrMap) String() string {
	return fmt.Sprintf("%v -> [%#x, %#x) %v", m.VPNs, uint64(m.Base), uint64(m.Base.Add(m.Pages())), m.Perm)
}

// tableAllocator allocates page-table nodes from a PageManager.
type tableAllocator struct {
	pm PageManager
}

// NewPTEs implements pagetables.Allocator.NewPTEs.
func (a tableAllocator) NewPTEs() *pagetables.PTEs {
	var perm riscv.Perm
	ptes := (*pagetables.PTEs)(a.pm.Allocate(1, &perm))
	*ptes = pagetables.PTEs{}
	return ptes
}

// PhysicalFor implements pagetables.Allocator.PhysicalFor.
func (a tableAllocator) PhysicalFor(ptes *pagetables.PTEs) riscv.PPN {
	return a.pm.KernelToPhysical(unsafe.Pointer(ptes))
}

// LookupPTEs implements pagetables.Allocator.LookupPTEs.
func (a tableAllocator) LookupPTEs(ppn riscv.PPN) *pagetables.PTEs {
	ptr, ok := a.pm.PhysicalToKernel(ppn)
	if !ok {
		panic(fmt.Sprintf("page table at %v has no kernel view", ppn))
	}
	return (*pagetables.PTEs)(ptr)
}

// FreePTEs implements pagetables.Allocator.FreePTEs.
func (a tableAllocator) FreePTEs(ptes *pagetables.PTEs) {
	a.pm.Deallocate(a.PhysicalFor(ptes), 1)
}

// ReadOnlyTables returns a view over the tables rooted at root that can only
// be looked up. Any attempt to allocate or free through it panics.
func ReadOnlyTables(format pagetables.Format, pm PageManager, root riscv.PPN) *pagetables.PageTables {
	return pagetables.FromRoot(format, readOnlyAllocator{tableAllocator{pm}}, root)
}

type readOnlyAllocator struct {
	tableAllocator
}

func (readOnlyAllocator) NewPTEs() *pagetables.PTEs {
	panic("allocation through a read-only page table view")
}

func (readOnlyAllocator) FreePTEs(*pagetables.PTEs) {
	panic("free through a read-only page table view")
}
