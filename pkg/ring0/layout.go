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

	"portalkernel.dev/vmcore/pkg/ring0/pagetables"
	"portalkernel.dev/vmcore/pkg/riscv"
)

// DefaultStackPages is the default trap stack size, in pages.
const DefaultStackPages = 2

// Layout fixes the pages shared by convention between every space of one
// format. From the top of the space down: the trap stack, whose last
// FlowContextSize bytes hold the FlowContext; the trampoline page; the
// portal page.
type Layout struct {
	Format     pagetables.Format
	Stack      riscv.VPNRange
	Trampoline riscv.VPN
	Portal     riscv.VPN
}

// NewLayout returns the layout for format with a trap stack of stackPages.
func NewLayout(format pagetables.Format, stackPages uint64) (Layout, error) {
	if stackPages == 0 {
		return Layout{}, fmt.Errorf("trap stack must have at least one page")
	}
	top := format.MaxVPN()
	if stackPages+2 > uint64(top) {
		return Layout{}, fmt.Errorf("trap stack of %d pages does not fit in %s", stackPages, format.Name())
	}
	stack := riscv.VPNRange{Start: top - riscv.VPN(stackPages), End: top}
	return Layout{
		Format:     format,
		Stack:      stack,
		Trampoline: stack.Start - 1,
		Portal:     stack.Start - 2,
	}, nil
}

// Reserved returns the pages the layout claims in every space. Ordinary
// mappings must stay out of it.
func (l Layout) Reserved() riscv.VPNRange {
	return riscv.VPNRange{Start: l.Portal, End: l.Stack.End}
}

// TrampolineAddr returns the address of the trampoline page.
func (l Layout) TrampolineAddr() riscv.Addr {
	return l.Format.AddrOf(l.Trampoline)
}

// PortalAddr returns the address of the portal page.
func (l Layout) PortalAddr() riscv.Addr {
	return l.Format.AddrOf(l.Portal)
}

// StackBase returns the lowest address of the trap stack.
func (l Layout) StackBase() riscv.Addr {
	return l.Format.AddrOf(l.Stack.Start)
}

// ContextAddr returns the address of the FlowContext: X0 - FlowContextSize.
func (l Layout) ContextAddr() riscv.Addr {
	return ^riscv.Addr(FlowContextSize - 1)
}

// InitialSP returns the first stack pointer below the FlowContext, aligned
// to 16 bytes.
func (l Layout) InitialSP() riscv.Addr {
	return l.ContextAddr() &^ 15
}

// String implements fmt.Stringer.String.
func (l Layout) String() string {
	return fmt.Sprintf("%s: stack %v at %v, trampoline %v, portal %v",
		l.Format.Name(), l.Stack, l.StackBase(), l.TrampolineAddr(), l.PortalAddr())
}
