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

// stackPerm maps a trap stack. It is not user accessible: the context is
// written only by transit code running in supervisor mode.
const stackPerm = riscv.ReadWrite

// Stack is a trap stack. Its top FlowContextSize bytes hold the FlowContext
// and are never used for ordinary stack growth.
//
// A Stack is owned by its creator until MapInto hands the frames to an
// address space, which then frees them on Release.
type Stack struct {
	pm     vm.PageManager
	base   riscv.PPN
	pages  uint64
	perm   riscv.Perm
	mem    []byte
	mapped bool
}

// NewStack allocates a zeroed stack of pages frames.
func NewStack(pm vm.PageManager, pages uint64) *Stack {
	perm := stackPerm
	ptr := pm.Allocate(pages, &perm)
	mem := unsafe.Slice((*byte)(ptr), pages*riscv.PageSize)
	clear(mem)
	return &Stack{
		pm:    pm,
		base:  pm.KernelToPhysical(ptr),
		pages: pages,
		perm:  perm,
		mem:   mem,
	}
}

// StackAt returns the stack mapped at vpns in as, such as the copy CloneInto
// made of a parent's stack.
func StackAt(as *vm.AddressSpace, vpns riscv.VPNRange) (*Stack, error) {
	m, ok := as.Lookup(vpns.Start)
	if !ok || m.VPNs != vpns {
		return nil, fmt.Errorf("no stack section at %v", vpns)
	}
	pm := as.PageManager()
	ptr, ok := pm.PhysicalToKernel(m.Base)
	if !ok {
		return nil, fmt.Errorf("stack section %v has no kernel view", m)
	}
	return &Stack{
		pm:     pm,
		base:   m.Base,
		pages:  m.Pages(),
		perm:   m.Perm,
		mem:    unsafe.Slice((*byte)(ptr), m.Pages()*riscv.PageSize),
		mapped: true,
	}, nil
}

// Context returns the FlowContext in the top bytes of the stack.
func (s *Stack) Context() *FlowContext {
	return (*FlowContext)(unsafe.Pointer(&s.mem[len(s.mem)-FlowContextSize]))
}

// PPN returns the first frame of the stack.
func (s *Stack) PPN() riscv.PPN {
	return s.base
}

// Pages returns the stack size in pages.
func (s *Stack) Pages() uint64 {
	return s.pages
}

// MapInto maps the stack at vpns, which must be exactly as long as the
// stack. The space takes ownership of the frames.
func (s *Stack) MapInto(as *vm.AddressSpace, vpns riscv.VPNRange) error {
	if s.mapped {
		panic("stack mapped twice")
	}
	if vpns.Len() != s.pages {
		return fmt.Errorf("stack of %d pages cannot map at %v", s.pages, vpns)
	}
	if err := as.MapExtern(vpns, s.base, s.perm); err != nil {
		return err
	}
	s.mapped = true
	return nil
}

// Free releases a stack that was never mapped.
func (s *Stack) Free() {
	if s.mapped {
		panic("freeing a stack owned by an address space")
	}
	s.pm.Deallocate(s.base, s.pages)
	s.mem = nil
}
