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
	"fmt"
	"unsafe"

	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/vm"
)

// PortalCache holds what portal transit must carry across the satp switch:
// the target satp, and the kernel state to return with.
type PortalCache struct {
	// Satp selects the foreign space.
	Satp uint64

	KernelSatp     uint64
	KernelStvec    uint64
	KernelSscratch uint64
	KernelSP       uint64
	KernelRA       uint64
	KernelGP       uint64
	KernelTP       uint64
	KernelG        uint64

	// TrapVec is installed in stvec for the duration of the transit.
	TrapVec uint64
}

// PortalSlot is one hart's transit buffer.
type PortalSlot struct {
	Cache   PortalCache
	Context FlowContext
}

// Layout of the portal page.
const (
	portalEnter     = 0
	portalTrap      = 0x200
	portalSlotTable = 0x400
)

// MaxPortalSlots is the number of slots that fit in the portal page.
const MaxPortalSlots = (riscv.PageSize - portalSlotTable) / int(unsafe.Sizeof(PortalSlot{}))

// portalPerm maps the portal page: code and slots share it, and neither is
// user accessible.
const portalPerm = riscv.ReadWrite | riscv.Execute | riscv.Global

// MultislotPortal is the relay page used to run a context in a foreign
// space and come back. It is mapped at the same page in every space, and
// each hart transits through its own slot so concurrent transits never
// share a buffer.
type MultislotPortal struct {
	pm    vm.PageManager
	ppn   riscv.PPN
	vpn   riscv.VPN
	addr  riscv.Addr
	page  []byte
	slots int
}

// NewMultislotPortal allocates the portal frame with slots transit slots.
func NewMultislotPortal(pm vm.PageManager, layout Layout, slots int) (*MultislotPortal, error) {
	if slots < 1 || slots > MaxPortalSlots {
		return nil, fmt.Errorf("portal slots %d out of range [1, %d]", slots, MaxPortalSlots)
	}
	var perm riscv.Perm
	ptr := pm.Allocate(1, &perm)
	page := unsafe.Slice((*byte)(ptr), riscv.PageSize)
	clear(page)
	portalEnterCode().writeTo(page, portalEnter, portalTrap)
	portalTrapCode().writeTo(page, portalTrap, portalSlotTable)
	return &MultislotPortal{
		pm:    pm,
		ppn:   pm.KernelToPhysical(ptr),
		vpn:   layout.Portal,
		addr:  layout.PortalAddr(),
		page:  page,
		slots: slots,
	}, nil
}

// Slots returns the number of slots.
func (p *MultislotPortal) Slots() int {
	return p.slots
}

// PPN returns the portal frame.
func (p *MultislotPortal) PPN() riscv.PPN {
	return p.ppn
}

func (p *MultislotPortal) checkSlot(i int) {
	if i < 0 || i >= p.slots {
		panic(fmt.Sprintf("portal slot %d out of range [0, %d)", i, p.slots))
	}
}

// Slot returns the kernel's view of slot i.
func (p *MultislotPortal) Slot(i int) *PortalSlot {
	p.checkSlot(i)
	return (*PortalSlot)(unsafe.Pointer(&p.page[portalSlotTable+i*int(slotSize)]))
}

// SlotAddr returns the virtual address of slot i, valid in every space.
func (p *MultislotPortal) SlotAddr(i int) riscv.Addr {
	p.checkSlot(i)
	return p.addr + riscv.Addr(portalSlotTable+i*int(slotSize))
}

// EnterAddr is the transit entry; a0 holds the slot address.
func (p *MultislotPortal) EnterAddr() riscv.Addr {
	return p.addr + portalEnter
}

// TrapAddr is the trap vector used while a slot is live.
func (p *MultislotPortal) TrapAddr() riscv.Addr {
	return p.addr + portalTrap
}

// Load prepares slot i to run fc.
func (p *MultislotPortal) Load(i int, fc *ForeignContext) {
	s := p.Slot(i)
	s.Context = fc.Context
	s.Cache = PortalCache{Satp: fc.Satp, TrapVec: uint64(p.TrapAddr())}
}

// Store copies the context saved in slot i back into fc.
func (p *MultislotPortal) Store(i int, fc *ForeignContext) {
	s := p.Slot(i)
	fc.Context = s.Context
	fc.Satp = s.Cache.Satp
}

// MapInto maps the portal into as.
func (p *MultislotPortal) MapInto(as *vm.AddressSpace) error {
	return as.MapPortal(p.vpn, p.ppn, portalPerm)
}

// Free releases the frame. No space may still map it.
func (p *MultislotPortal) Free() {
	p.pm.Deallocate(p.ppn, 1)
	p.page = nil
}
