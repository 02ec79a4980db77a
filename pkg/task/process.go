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

// Package task is a thin process layer over the address space and trap
// transit core. A Process owns one address space whose trap stack holds its
// FlowContext; a Kernel creates, forks and tears down processes and runs
// them on harts.
package task

import (
	"fmt"
	"io"
	"unsafe"

	"portalkernel.dev/vmcore/pkg/ring0"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/vm"
)

// ID identifies a process.
type ID uint64

// NoParent is the Parent of processes created from an image.
const NoParent = ^ID(0)

// Process is one user program: its address space and the trap stack at the
// top of it.
//
// A Process is touched only by the hart running it. Parent and Children are
// protected by the owning Kernel's mutex.
type Process struct {
	ID       ID
	Parent   ID
	Children []ID

	// Space is the process address space. It maps the trampoline and
	// portal, the trap stack and the user image.
	Space *vm.AddressSpace

	// Stack is the trap stack holding the saved FlowContext.
	Stack *ring0.Stack

	// Entry is the image entry point.
	Entry riscv.Addr

	// Status is the exit status, valid once the process has exited.
	Status int
}

// Context returns the saved register state.
func (p *Process) Context() *ring0.FlowContext {
	return p.Stack.Context()
}

// Translate returns the kernel's pointer to addr if the process maps it with
// at least perm.
func (p *Process) Translate(addr riscv.Addr, perm riscv.Perm) (unsafe.Pointer, bool) {
	return p.Space.Translate(addr, perm)
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("process %d", p.ID)
}

// Loader populates a fresh address space with a program and returns its
// entry point.
type Loader func(as *vm.AddressSpace) (riscv.Addr, error)

// FromELF loads a RISC-V executable.
func FromELF(r io.ReaderAt) Loader {
	return func(as *vm.AddressSpace) (riscv.Addr, error) {
		return vm.LoadELF(as, r)
	}
}

// Flat maps text user read-execute at base, followed by dataPages zeroed
// user read-write pages. Execution starts at base.
func Flat(base riscv.Addr, text []byte, dataPages uint64) Loader {
	return func(as *vm.AddressSpace) (riscv.Addr, error) {
		if !base.IsPageAligned() {
			return 0, fmt.Errorf("flat image base %v is not page aligned", base)
		}
		start := riscv.VPN(base >> riscv.PageShift)
		textPages := (uint64(len(text)) + riscv.PageSize - 1) / riscv.PageSize
		textRange := riscv.PageRange(start, textPages)
		if err := as.Map(textRange, text, 0, riscv.UserRX); err != nil {
			return 0, fmt.Errorf("mapping text: %w", err)
		}
		if err := as.Map(riscv.PageRange(textRange.End, dataPages), nil, 0, riscv.UserRW); err != nil {
			return 0, fmt.Errorf("mapping data: %w", err)
		}
		return base, nil
	}
}

// WithModules runs load, then shares each named module of mods into the
// space. The process maps the module frames without owning them.
func WithModules(load Loader, mods *vm.Modules, names ...string) Loader {
	return func(as *vm.AddressSpace) (riscv.Addr, error) {
		entry, err := load(as)
		if err != nil {
			return 0, err
		}
		for _, name := range names {
			if err := mods.Share(name, as); err != nil {
				return 0, err
			}
		}
		return entry, nil
	}
}
