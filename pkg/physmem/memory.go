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

// Package physmem simulates the machine's physical memory.
//
// RAM is a single anonymous mapping in the host process, addressed by
// physical page numbers starting at a configurable base. Frames are handed
// out from a bitmap under a lock, so one Memory can be shared by every hart.
package physmem

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"portalkernel.dev/vmcore/pkg/atomicbitops"
	"portalkernel.dev/vmcore/pkg/bitmap"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/sync"
)

var (
	// ErrExhausted is returned when no run of free frames is large enough.
	ErrExhausted = errors.New("physical memory exhausted")

	// ErrNotRAM is returned for frames outside the arena.
	ErrNotRAM = errors.New("frame is not RAM")
)

// Memory is a contiguous range of simulated RAM.
type Memory struct {
	base  riscv.PPN
	pages uint64

	// data is the host mapping backing all frames. It is immutable after
	// New and unmapped by Close.
	data []byte

	// mu protects used.
	mu   sync.Mutex
	used bitmap.Bitmap

	allocated atomicbitops.Uint64
	freed     atomicbitops.Uint64
}

// Stats are cumulative allocation counters, in frames.
type Stats struct {
	Allocated uint64
	Freed     uint64
	InUse     uint64
	Free      uint64
}

// New maps pages frames of RAM starting at frame base.
func New(base riscv.PPN, pages uint64) (*Memory, error) {
	if pages == 0 || pages > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("invalid RAM size of %d pages", pages)
	}
	data, err := unix.Mmap(-1, 0, int(pages*riscv.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d pages of RAM: %w", pages, err)
	}
	return &Memory{
		base:  base,
		pages: pages,
		data:  data,
		used:  bitmap.New(uint32(pages)),
	}, nil
}

// Close releases the host mapping. Pointers into RAM are invalid afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Base returns the first frame of RAM.
func (m *Memory) Base() riscv.PPN {
	return m.base
}

// Pages returns the number of frames of RAM.
func (m *Memory) Pages() uint64 {
	return m.pages
}

// Contains returns true if [ppn, ppn+n) is entirely RAM.
func (m *Memory) Contains(ppn riscv.PPN, n uint64) bool {
	return ppn >= m.base && n <= m.pages && uint64(ppn-m.base) <= m.pages-n
}

func (m *Memory) index(ppn riscv.PPN, n uint64) (uint32, error) {
	if !m.Contains(ppn, n) {
		return 0, fmt.Errorf("frames [%v, +%d): %w", ppn, n, ErrNotRAM)
	}
	return uint32(ppn - m.base), nil
}

// Reserve marks frames as in use without zeroing them, e.g. for the kernel
// image loaded at boot.
func (m *Memory) Reserve(ppn riscv.PPN, n uint64) error {
	i, err := m.index(ppn, n)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for j := i; j < i+uint32(n); j++ {
		if m.used.Contains(j) {
			return fmt.Errorf("frame %v already in use", m.base.Add(uint64(j)))
		}
	}
	m.used.AddRange(i, i+uint32(n))
	m.allocated.Add(n)
	return nil
}

// Allocate returns n contiguous zeroed frames.
func (m *Memory) Allocate(n uint64) (riscv.PPN, error) {
	if n == 0 || n > m.pages {
		return 0, fmt.Errorf("allocating %d frames: %w", n, ErrExhausted)
	}
	m.mu.Lock()
	i, err := m.used.FirstZeroRun(0, uint32(n))
	if err != nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("allocating %d frames with %d free: %w", n, m.pages-uint64(m.used.GetNumOnes()), ErrExhausted)
	}
	m.used.AddRange(i, i+uint32(n))
	m.mu.Unlock()

	ppn := m.base.Add(uint64(i))
	clear(m.Frames(ppn, n))
	m.allocated.Add(n)
	return ppn, nil
}

// Free returns frames to the pool. Freeing a frame that is not in use is a
// fatal accounting error.
func (m *Memory) Free(ppn riscv.PPN, n uint64) {
	i, err := m.index(ppn, n)
	if err != nil {
		panic(fmt.Sprintf("freeing frames: %v", err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for j := i; j < i+uint32(n); j++ {
		if !m.used.Contains(j) {
			panic(fmt.Sprintf("double free of frame %v", m.base.Add(uint64(j))))
		}
	}
	m.used.RemoveRange(i, i+uint32(n))
	m.freed.Add(n)
}

// InUse returns true if the frame is allocated or reserved.
func (m *Memory) InUse(ppn riscv.PPN) bool {
	i, err := m.index(ppn, 1)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used.Contains(i)
}

// Frames returns the host view of [ppn, ppn+n). It panics if the range is
// not RAM.
func (m *Memory) Frames(ppn riscv.PPN, n uint64) []byte {
	i, err := m.index(ppn, n)
	if err != nil {
		panic(err.Error())
	}
	off := uint64(i) * riscv.PageSize
	return m.data[off : off+n*riscv.PageSize : off+n*riscv.PageSize]
}

// Page returns the host view of one frame, or false if ppn is not RAM.
func (m *Memory) Page(ppn riscv.PPN) ([]byte, bool) {
	if !m.Contains(ppn, 1) {
		return nil, false
	}
	return m.Frames(ppn, 1), true
}

// PhysicalFor returns the frame containing a host pointer into RAM.
func (m *Memory) PhysicalFor(ptr unsafe.Pointer) (riscv.PPN, bool) {
	start := uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	p := uintptr(ptr)
	if p < start || p >= start+uintptr(len(m.data)) {
		return 0, false
	}
	return m.base.Add(uint64(p-start) / riscv.PageSize), true
}

// FreePages returns the number of unallocated frames.
func (m *Memory) FreePages() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages - uint64(m.used.GetNumOnes())
}

// Stats returns allocation counters.
func (m *Memory) Stats() Stats {
	free := m.FreePages()
	return Stats{
		Allocated: m.allocated.Load(),
		Freed:     m.freed.Load(),
		InUse:     m.pages - free,
		Free:      free,
	}
}
