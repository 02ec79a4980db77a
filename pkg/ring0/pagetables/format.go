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

// Format describes one page-table format: how many levels, how a virtual
// page number splits into per-level indices, and how entries are encoded.
//
// Level 0 is the leaf level; level Levels()-1 is the root.
type Format interface {
	// Name is the lower-case format name, e.g. "sv39".
	Name() string

	// Mode is the satp mode selecting this format.
	Mode() riscv.SatpMode

	// Levels is the number of table levels.
	Levels() int

	// IndexBits is the number of VPN bits consumed per level.
	IndexBits() int

	// VirtualBits is the width of a canonical virtual address.
	VirtualBits() int

	// Index returns the index into the table at level for vpn.
	Index(vpn riscv.VPN, level int) int

	// MaxVPN is one past the largest virtual page number.
	MaxVPN() riscv.VPN

	// VPNOf returns the page containing addr, or false if addr is not
	// canonical.
	VPNOf(addr riscv.Addr) (riscv.VPN, bool)

	// AddrOf returns the canonical address of the first byte of vpn.
	AddrOf(vpn riscv.VPN) riscv.Addr

	// EncodePTE builds an entry pointing at ppn.
	EncodePTE(ppn riscv.PPN, perm riscv.Perm) PTE

	// DecodePTE splits an entry.
	DecodePTE(pte PTE) (riscv.PPN, riscv.Perm)
}

// svFormat is the Sv39/Sv48/Sv57 family. They differ only in level count.
type svFormat struct {
	name   string
	mode   riscv.SatpMode
	levels int
}

// Supported formats.
var (
	Sv39 Format = svFormat{name: "sv39", mode: riscv.ModeSv39, levels: 3}
	Sv48 Format = svFormat{name: "sv48", mode: riscv.ModeSv48, levels: 4}
	Sv57 Format = svFormat{name: "sv57", mode: riscv.ModeSv57, levels: 5}
)

const (
	svIndexBits = 9
	svIndexMask = 1<<svIndexBits - 1
)

func (f svFormat) Name() string         { return f.name }
func (f svFormat) Mode() riscv.SatpMode { return f.mode }
func (f svFormat) Levels() int          { return f.levels }
func (f svFormat) IndexBits() int       { return svIndexBits }

func (f svFormat) VirtualBits() int {
	return riscv.PageShift + svIndexBits*f.levels
}

func (f svFormat) Index(vpn riscv.VPN, level int) int {
	return int(vpn>>(svIndexBits*level)) & svIndexMask
}

func (f svFormat) MaxVPN() riscv.VPN {
	return riscv.VPN(1) << (svIndexBits * f.levels)
}

func (f svFormat) VPNOf(addr riscv.Addr) (riscv.VPN, bool) {
	// Bits [63, VirtualBits-1] must all match.
	top := int64(addr) >> (f.VirtualBits() - 1)
	if top != 0 && top != -1 {
		return 0, false
	}
	return riscv.VPN(uint64(addr)>>riscv.PageShift) & (f.MaxVPN() - 1), true
}

func (f svFormat) AddrOf(vpn riscv.VPN) riscv.Addr {
	shift := 64 - f.VirtualBits()
	return riscv.Addr(int64(uint64(vpn)<<(riscv.PageShift+shift)) >> shift)
}

func (f svFormat) EncodePTE(ppn riscv.PPN, perm riscv.Perm) PTE {
	return PTE(uint64(ppn)<<pteFlagBits | uint64(perm)&pteFlagMask)
}

func (f svFormat) DecodePTE(pte PTE) (riscv.PPN, riscv.Perm) {
	return pte.PPN(), pte.Perm()
}

// FormatFor returns the format selected by a satp mode.
func FormatFor(mode riscv.SatpMode) (Format, bool) {
	for _, f := range []Format{Sv39, Sv48, Sv57} {
		if f.Mode() == mode {
			return f, true
		}
	}
	return nil, false
}

// ParseFormat returns the format with the given name.
func ParseFormat(name string) (Format, error) {
	for _, f := range []Format{Sv39, Sv48, Sv57} {
		if f.Name() == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("unknown page table format %q", name)
}
