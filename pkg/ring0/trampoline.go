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

	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/vm"
)

// Offsets of the routines within the trampoline page.
const (
	trampolineEntry   = 0
	trampolineRestore = 0x200
)

// trampolinePerm maps the trampoline. It is global: the page is identical
// in every space.
const trampolinePerm = riscv.ReadExecute | riscv.Global

// Trampoline is the page holding the trap entry and restore routines. One
// frame is shared by every space, always at the layout's trampoline page.
type Trampoline struct {
	pm   vm.PageManager
	ppn  riscv.PPN
	vpn  riscv.VPN
	addr riscv.Addr
}

// NewTrampoline allocates the trampoline frame and writes both routines
// into it.
func NewTrampoline(pm vm.PageManager, layout Layout) *Trampoline {
	var perm riscv.Perm
	ptr := pm.Allocate(1, &perm)
	page := unsafe.Slice((*byte)(ptr), riscv.PageSize)
	clear(page)
	trapEntryCode().writeTo(page, trampolineEntry, trampolineRestore)
	restoreCode().writeTo(page, trampolineRestore, riscv.PageSize)
	return &Trampoline{
		pm:   pm,
		ppn:  pm.KernelToPhysical(ptr),
		vpn:  layout.Trampoline,
		addr: layout.TrampolineAddr(),
	}
}

// PPN returns the trampoline frame.
func (t *Trampoline) PPN() riscv.PPN {
	return t.ppn
}

// EntryAddr is the trap vector.
func (t *Trampoline) EntryAddr() riscv.Addr {
	return t.addr + trampolineEntry
}

// RestoreAddr is the restore routine; a0 holds the target satp.
func (t *Trampoline) RestoreAddr() riscv.Addr {
	return t.addr + trampolineRestore
}

// MapInto maps the trampoline into as as a portal mapping.
func (t *Trampoline) MapInto(as *vm.AddressSpace) error {
	return as.MapPortal(t.vpn, t.ppn, trampolinePerm)
}

// Free releases the frame. No space may still map it.
func (t *Trampoline) Free() {
	t.pm.Deallocate(t.ppn, 1)
}
