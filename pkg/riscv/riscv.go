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

// Package riscv defines the RISC-V privileged architecture vocabulary shared
// by the page tables, the address spaces and the trap path: page numbers,
// permission bits, the satp image, trap causes, CSRs and registers.
package riscv

import "fmt"

const (
	// PageShift is the log2 of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1
)

// Addr is a virtual byte address.
type Addr uint64

// PhysAddr is a physical byte address.
type PhysAddr uint64

// VPN is a virtual page number.
type VPN uint64

// PPN is a physical page number.
type PPN uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v is a multiple of the page size.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// PageOffset returns the offset of p into its page.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & PageMask)
}

// PPN returns the frame containing p.
func (p PhysAddr) PPN() PPN {
	return PPN(p >> PageShift)
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// Addr returns the first byte address of the page, without sign extension.
// Use the page-table format to build canonical upper-half addresses.
func (v VPN) Addr() Addr {
	return Addr(v << PageShift)
}

// Add returns v advanced by n pages.
func (v VPN) Add(n uint64) VPN {
	return v + VPN(n)
}

// String implements fmt.Stringer.String.
func (v VPN) String() string {
	return fmt.Sprintf("vpn:%#x", uint64(v))
}

// Addr returns the first byte address of the frame.
func (p PPN) Addr() PhysAddr {
	return PhysAddr(p << PageShift)
}

// Add returns p advanced by n frames.
func (p PPN) Add(n uint64) PPN {
	return p + PPN(n)
}

// String implements fmt.Stringer.String.
func (p PPN) String() string {
	return fmt.Sprintf("ppn:%#x", uint64(p))
}

// VPNRange is a half-open range of virtual pages [Start, End).
type VPNRange struct {
	Start VPN
	End   VPN
}

// PageRange returns the range of n pages starting at start.
func PageRange(start VPN, n uint64) VPNRange {
	return VPNRange{Start: start, End: start.Add(n)}
}

// Len returns the number of pages in r.
func (r VPNRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return uint64(r.End - r.Start)
}

// Empty returns true if r contains no pages.
func (r VPNRange) Empty() bool {
	return r.End <= r.Start
}

// Contains returns true if r contains v.
func (r VPNRange) Contains(v VPN) bool {
	return r.Start <= v && v < r.End
}

// Overlaps returns true if r and o share at least one page.
func (r VPNRange) Overlaps(o VPNRange) bool {
	return !r.Empty() && !o.Empty() && r.Start < o.End && o.Start < r.End
}

// String implements fmt.Stringer.String.
func (r VPNRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
