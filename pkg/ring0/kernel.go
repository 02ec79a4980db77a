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

	"portalkernel.dev/vmcore/pkg/cleanup"
	"portalkernel.dev/vmcore/pkg/log"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/sync"
	"portalkernel.dev/vmcore/pkg/vm"
)

// DefaultQuantum is the default number of user instructions a hart runs
// before its timer fires.
const DefaultQuantum = 10000

// KernelOpts configures a Kernel.
type KernelOpts struct {
	// Layout places the trap stack, trampoline and portal.
	Layout Layout

	// Return is the kernel text address every trap path returns to. It
	// must be executable in the kernel space.
	Return riscv.Addr

	// PortalSlots is the number of portal transit slots, normally one
	// per hart.
	PortalSlots int

	// Quantum is the number of user instructions between timer
	// interrupts.
	Quantum int
}

// Kernel is the ring0 state shared by every hart: the kernel space, and the
// trampoline and portal frames mapped into it.
//
// The trap entry finds the kernel's resume frame at the top of whatever space
// sscratch selects, so each hart needs its own trap stack there. Hart 0 runs
// in Space itself. Every other hart gets a private root that shares Space's
// sections without owning them and maps a trap stack of its own at the
// layout's stack pages.
type Kernel struct {
	KernelOpts

	// Space is the kernel address space.
	Space *vm.AddressSpace

	// Trampoline holds the trap entry and restore routines.
	Trampoline *Trampoline

	// Portal is the cross-space relay.
	Portal *MultislotPortal

	mu sync.Mutex

	// harts holds each booted hart's kernel space and trap stack. The
	// stack's FlowContext is the resume frame the trap entry loads after
	// switching to that space. Guarded by mu.
	harts map[int]hartSpace
}

// hartSpace is one hart's view of the kernel.
type hartSpace struct {
	space *vm.AddressSpace
	stack *Stack
}

// NewKernel prepares space for trap handling: it maps the kernel's trap
// stack, the trampoline and the portal at the layout's fixed pages. On error
// the space may be partially populated and should be released.
func NewKernel(space *vm.AddressSpace, opts KernelOpts) (*Kernel, error) {
	if opts.Layout.Format == nil {
		return nil, fmt.Errorf("kernel layout has no page table format")
	}
	if opts.Layout.Format != space.Format() {
		return nil, fmt.Errorf("layout format %s does not match kernel space format %s", opts.Layout.Format.Name(), space.Format().Name())
	}
	if _, ok := space.Translate(opts.Return, riscv.ReadExecute); !ok {
		return nil, fmt.Errorf("kernel return address %v is not executable in the kernel space", opts.Return)
	}
	if space.Overlaps(opts.Layout.Reserved()) {
		return nil, fmt.Errorf("kernel space already maps %v", opts.Layout.Reserved())
	}
	if opts.Quantum <= 0 {
		opts.Quantum = DefaultQuantum
	}

	pm := space.PageManager()
	k := &Kernel{KernelOpts: opts, Space: space}
	k.Trampoline = NewTrampoline(pm, opts.Layout)
	cu := cleanup.Make(k.Trampoline.Free)
	defer cu.Clean()

	portal, err := NewMultislotPortal(pm, opts.Layout, opts.PortalSlots)
	if err != nil {
		return nil, err
	}
	k.Portal = portal
	cu.Add(portal.Free)

	stack, err := k.newKernelStack(space)
	if err != nil {
		return nil, err
	}
	if err := k.MapInto(space); err != nil {
		return nil, err
	}
	k.harts = map[int]hartSpace{0: {space: space, stack: stack}}
	cu.Release()
	log.Infof("ring0: %v, %d portal slots, return to %v", opts.Layout, opts.PortalSlots, opts.Return)
	return k, nil
}

// MapInto maps the trampoline and the portal into as.
func (k *Kernel) MapInto(as *vm.AddressSpace) error {
	if err := k.Trampoline.MapInto(as); err != nil {
		return fmt.Errorf("mapping trampoline: %w", err)
	}
	if err := k.Portal.MapInto(as); err != nil {
		return fmt.Errorf("mapping portal: %w", err)
	}
	return nil
}

// newKernelStack maps a kernel trap stack into space with its resume frame
// pointing at Return.
func (k *Kernel) newKernelStack(space *vm.AddressSpace) (*Stack, error) {
	s := NewStack(space.PageManager(), k.Layout.Stack.Len())
	ctx := s.Context()
	ctx.RA = uint64(k.Return)
	ctx.SP = uint64(k.Layout.InitialSP())
	if err := s.MapInto(space, k.Layout.Stack); err != nil {
		s.Free()
		return nil, fmt.Errorf("mapping kernel trap stack: %w", err)
	}
	return s, nil
}

// hart returns the kernel space and trap stack of hart id, building them on
// first use.
func (k *Kernel) hart(id int) (hartSpace, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if hs, ok := k.harts[id]; ok {
		return hs, nil
	}
	if id < 0 || id >= k.PortalSlots {
		return hartSpace{}, fmt.Errorf("hart %d out of range [0, %d)", id, k.PortalSlots)
	}
	space := vm.New(k.Layout.Format, k.Space.PageManager())
	space.SetASID(k.Space.ASID())
	cu := cleanup.Make(space.Release)
	defer cu.Clean()

	reserved := k.Layout.Reserved()
	for _, m := range k.Space.Sections() {
		if reserved.Overlaps(m.VPNs) {
			continue
		}
		if err := space.MapExtern(m.VPNs, m.Base, m.Perm&^riscv.Owned); err != nil {
			return hartSpace{}, fmt.Errorf("hart %d kernel space: %w", id, err)
		}
	}
	stack, err := k.newKernelStack(space)
	if err != nil {
		return hartSpace{}, fmt.Errorf("hart %d: %w", id, err)
	}
	if err := k.MapInto(space); err != nil {
		return hartSpace{}, fmt.Errorf("hart %d: %w", id, err)
	}
	cu.Release()
	hs := hartSpace{space: space, stack: stack}
	k.harts[id] = hs
	log.Debugf("ring0: hart %d kernel root %v, trap stack at %v", id, space.RootPPN(), stack.PPN())
	return hs, nil
}

// HartSpace returns the kernel space hart id traps into. Hart 0 uses Space;
// the others get a private root built on first use.
//
// Sections added to Space after a hart's root is built are not visible to
// that hart.
func (k *Kernel) HartSpace(id int) (*vm.AddressSpace, error) {
	hs, err := k.hart(id)
	if err != nil {
		return nil, err
	}
	return hs.space, nil
}

// ResumeFrame returns the FlowContext of hart id's kernel trap stack: the
// registers the trap entry resumes the kernel with on that hart.
func (k *Kernel) ResumeFrame(id int) (*FlowContext, error) {
	hs, err := k.hart(id)
	if err != nil {
		return nil, err
	}
	return hs.stack.Context(), nil
}

// NewUserStack allocates a trap stack and maps it at the layout's stack
// pages in as.
func (k *Kernel) NewUserStack(as *vm.AddressSpace) (*Stack, error) {
	s := NewStack(as.PageManager(), k.Layout.Stack.Len())
	if err := s.MapInto(as, k.Layout.Stack); err != nil {
		s.Free()
		return nil, err
	}
	return s, nil
}

// Release frees the private kernel spaces of harts other than 0, with their
// trap stacks, then the trampoline and portal frames. Every other space
// mapping them must already be released. Hart 0's trap stack belongs to
// Space.
func (k *Kernel) Release() {
	k.mu.Lock()
	for id, hs := range k.harts {
		if hs.space != k.Space {
			hs.space.Release()
		}
		delete(k.harts, id)
	}
	k.mu.Unlock()
	k.Portal.Free()
	k.Trampoline.Free()
}
