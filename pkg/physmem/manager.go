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

package physmem

import (
	"fmt"
	"unsafe"

	"portalkernel.dev/vmcore/pkg/riscv"
)

// Manager hands out frames of a Memory to address spaces. It implements
// vm.PageManager.
type Manager struct {
	mem *Memory
}

// NewManager returns a page manager over mem.
func NewManager(mem *Memory) *Manager {
	return &Manager{mem: mem}
}

// Memory returns the underlying RAM.
func (m *Manager) Memory() *Memory {
	return m.mem
}

// Allocate returns a pointer to count zeroed contiguous frames and marks
// perm as owned. Exhaustion is fatal.
func (m *Manager) Allocate(count uint64, perm *riscv.Perm) unsafe.Pointer {
	ppn, err := m.mem.Allocate(count)
	if err != nil {
		panic(fmt.Sprintf("page manager: %v", err))
	}
	*perm |= riscv.Owned
	return unsafe.Pointer(unsafe.SliceData(m.mem.Frames(ppn, count)))
}

// Deallocate frees count frames starting at ppn.
func (m *Manager) Deallocate(ppn riscv.PPN, count uint64) {
	m.mem.Free(ppn, count)
}

// PhysicalToKernel returns the kernel's pointer to ppn, or false for frames
// without a kernel view (MMIO and other non-RAM frames).
func (m *Manager) PhysicalToKernel(ppn riscv.PPN) (unsafe.Pointer, bool) {
	page, ok := m.mem.Page(ppn)
	if !ok {
		return nil, false
	}
	return unsafe.Pointer(unsafe.SliceData(page)), true
}

// KernelToPhysical returns the frame behind a kernel pointer. Pointers
// outside RAM are fatal.
func (m *Manager) KernelToPhysical(ptr unsafe.Pointer) riscv.PPN {
	ppn, ok := m.mem.PhysicalFor(ptr)
	if !ok {
		panic(fmt.Sprintf("page manager: %p is not a kernel pointer into RAM", ptr))
	}
	return ppn
}

// IsOwned returns true if a leaf with perm maps a frame this manager must
// free.
func (m *Manager) IsOwned(perm riscv.Perm) bool {
	return perm.Contains(riscv.Owned)
}
