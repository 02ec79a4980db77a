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

package ring0

import (
	"unsafe"

	"portalkernel.dev/vmcore/pkg/ring0/pagetables"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/vm"
)

// Mode is a hart privilege mode.
type Mode uint8

// Privilege modes.
const (
	ModeUser       Mode = 0
	ModeSupervisor Mode = 1
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	if m == ModeSupervisor {
		return "S"
	}
	return "U"
}

// exception is a synchronous trap raised by an instruction.
type exception struct {
	cause riscv.Cause
	tval  uint64
}

type tlbKey struct {
	asid uint16
	vpn  riscv.VPN
}

type tlbEntry struct {
	ppn  riscv.PPN
	perm riscv.Perm
}

// MMU translates hart accesses through the page tables selected by satp.
//
// Translations are cached until Flush, as hardware caches them until
// sfence.vma: code that switches satp without fencing may see the old
// space's pages.
type MMU struct {
	pm vm.PageManager

	// tlb caches translations by ASID. Global leaves go to global
	// instead and match every ASID.
	tlb    map[tlbKey]tlbEntry
	global map[riscv.VPN]tlbEntry

	// walks counts page-table walks.
	walks uint64
}

func newMMU(pm vm.PageManager) MMU {
	return MMU{
		pm:     pm,
		tlb:    make(map[tlbKey]tlbEntry),
		global: make(map[riscv.VPN]tlbEntry),
	}
}

// Flush drops every cached translation.
func (m *MMU) Flush() {
	clear(m.tlb)
	clear(m.global)
}

// Walks returns the number of page-table walks since creation.
func (m *MMU) Walks() uint64 {
	return m.walks
}

// permits applies the privilege rules: user pages are off limits to the
// supervisor unless SUM is set, and never executable by it; supervisor pages
// are off limits to user mode.
func permits(perm, access riscv.Perm, mode Mode, sstatus uint64) bool {
	if perm.Contains(riscv.User) {
		if mode == ModeSupervisor && (access.Contains(riscv.Execute) || sstatus&riscv.SstatusSUM == 0) {
			return false
		}
	} else if mode == ModeUser {
		return false
	}
	if access == riscv.Read && sstatus&riscv.SstatusMXR != 0 && perm.Contains(riscv.Execute) {
		return true
	}
	return perm.Contains(access | riscv.Valid)
}

// translate returns the kernel view of the frame holding addr, and addr's
// offset in it.
func (m *MMU) translate(satp, addr uint64, access riscv.Perm, mode Mode, sstatus uint64) ([]byte, uint64, *exception) {
	off := addr & riscv.PageMask
	if riscv.SatpModeOf(satp) == riscv.ModeBare {
		page, ok := m.page(riscv.PPN(addr >> riscv.PageShift))
		if !ok {
			return nil, 0, &exception{riscv.AccessFaultFor(access), addr}
		}
		return page, off, nil
	}
	e, exc := m.lookup(satp, addr, access)
	if exc != nil {
		return nil, 0, exc
	}
	if !permits(e.perm, access, mode, sstatus) {
		return nil, 0, &exception{riscv.PageFaultFor(access), addr}
	}
	page, ok := m.page(e.ppn)
	if !ok {
		return nil, 0, &exception{riscv.AccessFaultFor(access), addr}
	}
	return page, off, nil
}

func (m *MMU) lookup(satp, addr uint64, access riscv.Perm) (tlbEntry, *exception) {
	fault := &exception{riscv.PageFaultFor(access), addr}
	format, ok := pagetables.FormatFor(riscv.SatpModeOf(satp))
	if !ok {
		return tlbEntry{}, fault
	}
	vpn, ok := format.VPNOf(riscv.Addr(addr))
	if !ok {
		return tlbEntry{}, fault
	}
	if e, ok := m.global[vpn]; ok {
		return e, nil
	}
	key := tlbKey{asid: riscv.SatpASID(satp), vpn: vpn}
	if e, ok := m.tlb[key]; ok {
		return e, nil
	}

	root := riscv.SatpPPN(satp)
	if _, ok := m.pm.PhysicalToKernel(root); !ok {
		return tlbEntry{}, &exception{riscv.AccessFaultFor(access), addr}
	}
	m.walks++
	ppn, perm, ok := vm.ReadOnlyTables(format, m.pm, root).Lookup(vpn)
	if !ok {
		return tlbEntry{}, fault
	}
	e := tlbEntry{ppn: ppn, perm: perm}
	if perm.Contains(riscv.Global) {
		m.global[vpn] = e
	} else {
		m.tlb[key] = e
	}
	return e, nil
}

func (m *MMU) page(ppn riscv.PPN) ([]byte, bool) {
	ptr, ok := m.pm.PhysicalToKernel(ppn)
	if !ok {
		return nil, false
	}
	return unsafe.Slice((*byte)(ptr), riscv.PageSize), true
}
