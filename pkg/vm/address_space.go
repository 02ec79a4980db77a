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

package vm

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/google/btree"
	"portalkernel.dev/vmcore/pkg/log"
	"portalkernel.dev/vmcore/pkg/ring0/pagetables"
	"portalkernel.dev/vmcore/pkg/riscv"
)

// ledgerDegree is the btree degree of the section ledger.
const ledgerDegree = 8

// AddressSpace is one virtual address space.
//
// An AddressSpace is not safe for concurrent use. It is touched only by the
// hart running its owner; CloneInto additionally requires the source to be
// quiescent.
type AddressSpace struct {
	pm     PageManager
	tables *pagetables.PageTables
	asid   uint16

	// sections are ordinary regions, ordered by start page. They never
	// overlap each other or a portal.
	sections *btree.BTreeG[AddrMap]

	// portals are single-page mappings present at the same page in every
	// space. They are shared, never copied.
	portals []AddrMap

	released bool
}

func lessByStart(a, b AddrMap) bool {
	return a.VPNs.Start < b.VPNs.Start
}

// New returns an empty address space with a freshly allocated root table.
func New(format pagetables.Format, pm PageManager) *AddressSpace {
	return &AddressSpace{
		pm:       pm,
		tables:   pagetables.New(format, tableAllocator{pm}),
		sections: btree.NewG[AddrMap](ledgerDegree, lessByStart),
	}
}

// Format returns the page-table format of the space.
func (as *AddressSpace) Format() pagetables.Format {
	return as.tables.Format()
}

// PageManager returns the frame provider of the space.
func (as *AddressSpace) PageManager() PageManager {
	return as.pm
}

// RootPPN returns the frame holding the root page table.
func (as *AddressSpace) RootPPN() riscv.PPN {
	return as.tables.RootPhysical()
}

// ASID returns the address space identifier used in Satp.
func (as *AddressSpace) ASID() uint16 {
	return as.asid
}

// SetASID sets the address space identifier used in Satp.
func (as *AddressSpace) SetASID(asid uint16) {
	as.asid = asid
}

// Satp returns the satp image selecting this space.
func (as *AddressSpace) Satp() uint64 {
	return riscv.MakeSatp(as.Format().Mode(), as.asid, as.RootPPN())
}

// SatpWriter is a hart that can switch address spaces.
type SatpWriter interface {
	// SetSatp installs satp and fences the translation cache.
	SetSatp(satp uint64)
}

// Activate makes this space current on h.
func (as *AddressSpace) Activate(h SatpWriter) {
	h.SetSatp(as.Satp())
}

// Overlaps returns true if vpns intersects a section or a portal.
func (as *AddressSpace) Overlaps(vpns riscv.VPNRange) bool {
	_, ok := as.overlapping(vpns)
	return ok
}

func (as *AddressSpace) overlapping(vpns riscv.VPNRange) (AddrMap, bool) {
	if vpns.Empty() {
		return AddrMap{}, false
	}
	var (
		found AddrMap
		ok    bool
	)
	// Only the last section starting before vpns.End can overlap.
	as.sections.DescendLessOrEqual(AddrMap{VPNs: riscv.VPNRange{Start: vpns.End - 1}}, func(m AddrMap) bool {
		found, ok = m, m.VPNs.Overlaps(vpns)
		return false
	})
	if ok {
		return found, true
	}
	for _, p := range as.portals {
		if p.VPNs.Overlaps(vpns) {
			return p, true
		}
	}
	return AddrMap{}, false
}

func (as *AddressSpace) assertFree(vpns riscv.VPNRange) {
	if m, ok := as.overlapping(vpns); ok {
		panic(fmt.Sprintf("mapping %v overlaps existing region %v", vpns, m))
	}
}

func (as *AddressSpace) assertLive() {
	if as.released {
		panic("use of a released address space")
	}
}

// MapExtern maps vpns to consecutive frames from base. The frames are not
// owned by the space unless perm carries the page manager's mark.
//
// Overlapping an existing region is a programmer error and panics. The page
// table update is all-or-nothing: on error nothing is installed and the
// ledger is unchanged. An empty range is a no-op.
func (as *AddressSpace) MapExtern(vpns riscv.VPNRange, base riscv.PPN, perm riscv.Perm) error {
	as.assertLive()
	if vpns.Empty() {
		return nil
	}
	as.assertFree(vpns)
	if err := as.tables.Map(vpns, base, perm); err != nil {
		return fmt.Errorf("mapping %v: %w", vpns, err)
	}
	as.sections.ReplaceOrInsert(AddrMap{VPNs: vpns, Base: base, Perm: perm | riscv.Valid})
	return nil
}

// Map allocates owned frames for vpns, zero-fills them, copies data at byte
// offset from the start of the region and maps the result with perm.
//
// The region must hold offset+len(data) bytes; a shorter region is a
// programmer error and panics.
func (as *AddressSpace) Map(vpns riscv.VPNRange, data []byte, offset uint64, perm riscv.Perm) error {
	as.assertLive()
	count := vpns.Len()
	size := count * riscv.PageSize
	if offset > size || uint64(len(data)) > size-offset {
		panic(fmt.Sprintf("region %v holds %d bytes, need %d at offset %d", vpns, size, len(data), offset))
	}
	if count == 0 {
		return nil
	}
	as.assertFree(vpns)

	ptr := as.pm.Allocate(count, &perm)
	buf := unsafe.Slice((*byte)(ptr), size)
	clear(buf[:offset])
	n := copy(buf[offset:], data)
	clear(buf[offset+uint64(n):])

	base := as.pm.KernelToPhysical(ptr)
	if err := as.MapExtern(vpns, base, perm); err != nil {
		as.pm.Deallocate(base, count)
		return err
	}
	return nil
}

// MapPortal maps one page of a portal. The frame is shared, not owned, and
// CloneInto re-maps it unchanged.
func (as *AddressSpace) MapPortal(vpn riscv.VPN, ppn riscv.PPN, perm riscv.Perm) error {
	as.assertLive()
	vpns := riscv.PageRange(vpn, 1)
	as.assertFree(vpns)
	if err := as.tables.Map(vpns, ppn, perm); err != nil {
		return fmt.Errorf("mapping portal at %v: %w", vpn, err)
	}
	as.portals = append(as.portals, AddrMap{VPNs: vpns, Base: ppn, Perm: perm | riscv.Valid})
	return nil
}

// Translate returns the kernel's pointer to the byte at addr if addr is
// mapped with at least perm. It never allocates, and it never dereferences
// addr itself.
func (as *AddressSpace) Translate(addr riscv.Addr, perm riscv.Perm) (unsafe.Pointer, bool) {
	as.assertLive()
	vpn, ok := as.Format().VPNOf(addr)
	if !ok {
		return nil, false
	}
	ppn, got, ok := as.tables.Lookup(vpn)
	if !ok || !got.Contains(perm) {
		return nil, false
	}
	page, ok := as.pm.PhysicalToKernel(ppn)
	if !ok {
		return nil, false
	}
	return unsafe.Add(page, addr.PageOffset()), true
}

// TranslateAs is Translate for a typed object. The object must not cross a
// page boundary.
func TranslateAs[T any](as *AddressSpace, addr riscv.Addr, perm riscv.Perm) (*T, bool) {
	var zero T
	if addr.PageOffset()+uint64(unsafe.Sizeof(zero)) > riscv.PageSize {
		return nil, false
	}
	ptr, ok := as.Translate(addr, perm)
	if !ok {
		return nil, false
	}
	return (*T)(ptr), true
}

// translateRange calls fn with the kernel view of each page-bounded chunk of
// [addr, addr+n).
func (as *AddressSpace) translateRange(addr riscv.Addr, n int, perm riscv.Perm, fn func(chunk []byte)) error {
	for n > 0 {
		ptr, ok := as.Translate(addr, perm)
		if !ok {
			return fmt.Errorf("%v: %w", addr, ErrFault)
		}
		chunk := min(n, int(riscv.PageSize-addr.PageOffset()))
		fn(unsafe.Slice((*byte)(ptr), chunk))
		addr += riscv.Addr(chunk)
		n -= chunk
	}
	return nil
}

// CopyIn copies len(dst) bytes of user memory at addr into dst. The source
// must be user-readable; copies may cross pages.
func (as *AddressSpace) CopyIn(addr riscv.Addr, dst []byte) error {
	return as.translateRange(addr, len(dst), riscv.UserRead, func(chunk []byte) {
		dst = dst[copy(dst, chunk):]
	})
}

// CopyOut copies src into user memory at addr. The destination must be
// user-writable.
func (as *AddressSpace) CopyOut(addr riscv.Addr, src []byte) error {
	return as.translateRange(addr, len(src), riscv.User|riscv.Valid|riscv.Write, func(chunk []byte) {
		src = src[copy(chunk, src):]
	})
}

// CloneInto copies every section of as into dst, which must be empty.
//
// Sections backed by frames the kernel can see are deep-copied into freshly
// allocated frames, so later writes through either space are invisible to
// the other. Sections without a kernel view (MMIO) are re-mapped to the same
// frames, as are portals.
func (as *AddressSpace) CloneInto(dst *AddressSpace) error {
	as.assertLive()
	if dst.sections.Len() != 0 || len(dst.portals) != 0 {
		return fmt.Errorf("clone target with %d sections: %w", dst.sections.Len(), ErrNotEmpty)
	}
	var err error
	as.sections.Ascend(func(m AddrMap) bool {
		err = as.cloneSection(dst, m)
		return err == nil
	})
	if err != nil {
		return err
	}
	for _, p := range as.portals {
		if err := dst.MapPortal(p.VPNs.Start, p.Base, p.Perm); err != nil {
			return err
		}
	}
	return nil
}

func (as *AddressSpace) cloneSection(dst *AddressSpace, m AddrMap) error {
	if _, ok := as.pm.PhysicalToKernel(m.Base); !ok {
		log.Debugf("clone: sharing non-RAM region %v", m)
		return dst.MapExtern(m.VPNs, m.Base, m.Perm)
	}
	count := m.Pages()
	perm := m.Perm &^ riscv.Owned
	ptr := dst.pm.Allocate(count, &perm)
	buf := unsafe.Slice((*byte)(ptr), count*riscv.PageSize)
	for i := uint64(0); i < count; i++ {
		src, ok := as.pm.PhysicalToKernel(m.Base.Add(i))
		if !ok {
			panic(fmt.Sprintf("frame %v of region %v has no kernel view", m.Base.Add(i), m))
		}
		copy(buf[i*riscv.PageSize:], unsafe.Slice((*byte)(src), riscv.PageSize))
	}
	base := dst.pm.KernelToPhysical(ptr)
	if err := dst.MapExtern(m.VPNs, base, perm); err != nil {
		dst.pm.Deallocate(base, count)
		return err
	}
	return nil
}

// Sections returns the ordinary regions in address order.
func (as *AddressSpace) Sections() []AddrMap {
	out := make([]AddrMap, 0, as.sections.Len())
	as.sections.Ascend(func(m AddrMap) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Portals returns the portal mappings in the order they were added.
func (as *AddressSpace) Portals() []AddrMap {
	return append([]AddrMap(nil), as.portals...)
}

// Lookup returns the section containing vpn.
func (as *AddressSpace) Lookup(vpn riscv.VPN) (AddrMap, bool) {
	var (
		found AddrMap
		ok    bool
	)
	as.sections.DescendLessOrEqual(AddrMap{VPNs: riscv.VPNRange{Start: vpn}}, func(m AddrMap) bool {
		found, ok = m, m.VPNs.Contains(vpn)
		return false
	})
	return found, ok
}

// Release frees every owned frame exactly once, then every table including
// the root. The space must not be used afterwards.
func (as *AddressSpace) Release() {
	as.assertLive()
	var frames uint64
	as.tables.Release(func(ppn riscv.PPN, perm riscv.Perm, pages uint64) {
		if as.pm.IsOwned(perm) {
			as.pm.Deallocate(ppn, pages)
			frames += pages
		}
	})
	as.sections.Clear(false)
	as.portals = nil
	as.released = true
	log.Debugf("released address space: %d owned frames freed", frames)
}

// Dump writes the region ledger and every leaf of the page tables to w.
func (as *AddressSpace) Dump(w io.Writer) error {
	as.assertLive()
	f := as.Format()
	if _, err := fmt.Fprintf(w, "root: %#x (%s, asid %d)\n", uint64(as.RootPPN()), f.Name(), as.asid); err != nil {
		return err
	}
	for _, m := range as.Sections() {
		fmt.Fprintf(w, "section %v\n", m)
	}
	for _, m := range as.portals {
		fmt.Fprintf(w, "portal  %v\n", m)
	}
	var err error
	as.tables.Range(riscv.VPNRange{Start: 0, End: f.MaxVPN()}, func(vpn riscv.VPN, ppn riscv.PPN, perm riscv.Perm, level int) bool {
		_, err = fmt.Fprintf(w, "  %#018x -> %#x %v (level %d)\n", uint64(f.AddrOf(vpn)), uint64(ppn.Addr()), perm, level)
		return err == nil
	})
	return err
}
