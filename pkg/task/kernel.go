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

package task

import (
	"fmt"
	"io"
	"slices"
	"time"

	"portalkernel.dev/vmcore/pkg/cleanup"
	"portalkernel.dev/vmcore/pkg/log"
	"portalkernel.dev/vmcore/pkg/ring0"
	"portalkernel.dev/vmcore/pkg/ring0/pagetables"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/sync"
	"portalkernel.dev/vmcore/pkg/vm"
)

// DefaultUserStackPages is the default size of the user stack.
const DefaultUserStackPages = 2

// Options configures a Kernel.
type Options struct {
	// StackPages is the trap stack size.
	StackPages uint64

	// UserStackPages is the size of the user stack mapped at the top of
	// the lower half of every process space.
	UserStackPages uint64

	// Return is the kernel text address traps return to.
	Return riscv.Addr

	// Harts is the number of harts, and of portal slots.
	Harts int

	// Quantum is the number of user instructions between timer
	// interrupts.
	Quantum int

	// Syscalls services environment calls. Nil selects DefaultSyscalls.
	Syscalls SyscallTable

	// Console receives writes to stdout and stderr. Nil logs them.
	Console io.Writer
}

// Kernel owns the process table and the ring0 state every process space
// shares.
type Kernel struct {
	// Ring0 holds the trampoline, the portal and each hart's kernel trap
	// stack.
	Ring0 *ring0.Kernel

	pm        vm.PageManager
	format    pagetables.Format
	userStack riscv.VPNRange
	syscalls  SyscallTable
	console   io.Writer
	asids     *pagetables.ASIDs

	// traps reports unhandled traps, rate limited per cause.
	traps *log.KeyedRateLimiter[riscv.Cause]

	// mu protects the process table and every process's Parent and
	// Children.
	mu     sync.Mutex
	nextID ID
	procs  map[ID]*Process
}

// NewKernel prepares space, the kernel address space, for running
// processes.
func NewKernel(space *vm.AddressSpace, opts Options) (*Kernel, error) {
	if opts.Harts < 1 {
		return nil, fmt.Errorf("need at least one hart, got %d", opts.Harts)
	}
	if opts.StackPages == 0 {
		opts.StackPages = ring0.DefaultStackPages
	}
	if opts.UserStackPages == 0 {
		opts.UserStackPages = DefaultUserStackPages
	}
	if opts.Syscalls == nil {
		opts.Syscalls = DefaultSyscalls()
	}
	if opts.Console == nil {
		opts.Console = consoleLog{}
	}
	format := space.Format()
	layout, err := ring0.NewLayout(format, opts.StackPages)
	if err != nil {
		return nil, err
	}
	r0, err := ring0.NewKernel(space, ring0.KernelOpts{
		Layout:      layout,
		Return:      opts.Return,
		PortalSlots: opts.Harts,
		Quantum:     opts.Quantum,
	})
	if err != nil {
		return nil, err
	}
	// Every hart's kernel root and trap stack exist before any process.
	for id := 1; id < opts.Harts; id++ {
		if _, err := r0.HartSpace(id); err != nil {
			r0.Release()
			return nil, err
		}
	}
	half := format.MaxVPN() / 2
	return &Kernel{
		Ring0:     r0,
		pm:        space.PageManager(),
		format:    format,
		userStack: riscv.VPNRange{Start: half - riscv.VPN(opts.UserStackPages), End: half},
		syscalls:  opts.Syscalls,
		console:   opts.Console,
		asids:     pagetables.NewASIDs(0),
		traps:     log.NewKeyedRateLimiter[riscv.Cause](log.Log(), time.Second),
		nextID:    1,
		procs:     make(map[ID]*Process),
	}, nil
}

// BootHart returns hart id, ready to run processes.
func (k *Kernel) BootHart(id int) (*ring0.Hart, error) {
	if id < 0 || id >= k.Ring0.Portal.Slots() {
		return nil, fmt.Errorf("hart %d out of range [0, %d)", id, k.Ring0.Portal.Slots())
	}
	if _, err := k.Ring0.HartSpace(id); err != nil {
		return nil, err
	}
	return ring0.NewHart(id, k.Ring0), nil
}

// UserStack returns the pages of the user stack in every process space.
func (k *Kernel) UserStack() riscv.VPNRange {
	return k.userStack
}

// UserSP is the initial user stack pointer.
func (k *Kernel) UserSP() riscv.Addr {
	return riscv.Addr(uint64(k.userStack.End) << riscv.PageShift)
}

// newSpace returns a space with a fresh ASID. The caller must release it
// through k.release.
func (k *Kernel) newSpace() *vm.AddressSpace {
	as := vm.New(k.format, k.pm)
	if asid, ok := k.asids.Assign(); ok {
		as.SetASID(asid)
	} else {
		log.Warningf("out of ASIDs: new space runs with ASID 0")
	}
	return as
}

func (k *Kernel) release(as *vm.AddressSpace) {
	asid := as.ASID()
	as.Release()
	k.asids.Drop(asid)
}

// add enters p in the process table with a new ID.
func (k *Kernel) add(p *Process, parent *Process) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p.ID = k.nextID
	k.nextID++
	p.Parent = NoParent
	if parent != nil {
		p.Parent = parent.ID
		parent.Children = append(parent.Children, p.ID)
	}
	k.procs[p.ID] = p
}

// NewProcess builds a process running the program load installs. The space
// gets the trampoline and portal, a trap stack whose context starts at the
// entry point, and a user stack.
func (k *Kernel) NewProcess(load Loader) (*Process, error) {
	as := k.newSpace()
	cu := cleanup.Make(func() { k.release(as) })
	defer cu.Clean()

	if err := k.Ring0.MapInto(as); err != nil {
		return nil, err
	}
	stack, err := k.Ring0.NewUserStack(as)
	if err != nil {
		return nil, fmt.Errorf("mapping trap stack: %w", err)
	}
	entry, err := load(as)
	if err != nil {
		return nil, fmt.Errorf("loading image: %w", err)
	}
	if as.Overlaps(k.userStack) {
		return nil, fmt.Errorf("image overlaps the user stack at %v", k.userStack)
	}
	if err := as.Map(k.userStack, nil, 0, riscv.UserRW); err != nil {
		return nil, fmt.Errorf("mapping user stack: %w", err)
	}

	p := &Process{Space: as, Stack: stack, Entry: entry}
	ctx := stack.Context()
	ctx.Satp = as.Satp()
	ctx.PC = uint64(entry)
	ctx.SP = uint64(k.UserSP())
	k.add(p, nil)
	cu.Release()
	log.Infof("%v: entry %v, asid %d", p, entry, as.ASID())
	return p, nil
}

// Fork duplicates parent: the child space is a deep copy of the parent's,
// sharing only the trampoline and portal, and the child resumes where the
// parent will with a0 = 0. The parent must not be running.
func (k *Kernel) Fork(parent *Process) (*Process, error) {
	as := k.newSpace()
	cu := cleanup.Make(func() { k.release(as) })
	defer cu.Clean()

	if err := parent.Space.CloneInto(as); err != nil {
		return nil, fmt.Errorf("fork of %v: %w", parent, err)
	}
	stack, err := ring0.StackAt(as, k.Ring0.Layout.Stack)
	if err != nil {
		return nil, fmt.Errorf("fork of %v: %w", parent, err)
	}
	child := &Process{Space: as, Stack: stack, Entry: parent.Entry}
	ctx := stack.Context()
	ctx.Satp = as.Satp()
	ctx.SetReg(riscv.A0, 0)
	k.add(child, parent)
	cu.Release()
	log.Debugf("%v forked %v", parent, child)
	return child, nil
}

// Lookup returns the live process with id.
func (k *Kernel) Lookup(id ID) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[id]
	return p, ok
}

// Len returns the number of live processes.
func (k *Kernel) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.procs)
}

// Exit tears p down: its children pass to its parent, or to NoParent when p
// has none, and every frame its space owns is freed. p must not be running.
func (k *Kernel) Exit(p *Process, status int) {
	k.mu.Lock()
	if _, ok := k.procs[p.ID]; !ok {
		k.mu.Unlock()
		panic(fmt.Sprintf("%v exited twice", p))
	}
	delete(k.procs, p.ID)
	for _, id := range p.Children {
		if c, ok := k.procs[id]; ok {
			c.Parent = p.Parent
		}
	}
	if parent, ok := k.procs[p.Parent]; ok {
		parent.Children = slices.DeleteFunc(parent.Children, func(id ID) bool { return id == p.ID })
		parent.Children = append(parent.Children, p.Children...)
	}
	p.Children = nil
	k.mu.Unlock()

	p.Status = status
	k.release(p.Space)
	log.Debugf("%v exited with status %d", p, status)
}

// Execute resumes p on h through the trampoline and returns the trap that
// brought h back.
func (k *Kernel) Execute(h *ring0.Hart, p *Process) (ring0.Trap, error) {
	return h.SwitchToUser(p.Space.Satp())
}

// ExecuteForeign resumes p on h through h's portal slot instead of the
// trampoline. The saved context moves through the slot and back onto p's
// trap stack.
func (k *Kernel) ExecuteForeign(h *ring0.Hart, p *Process) (ring0.Trap, error) {
	fc := ring0.ForeignContext{Context: *p.Context(), Satp: p.Space.Satp()}
	t, err := h.EnterPortal(&fc)
	if err != nil {
		return t, err
	}
	*p.Context() = fc.Context
	return t, nil
}

// Release tears down every remaining process and frees the trampoline and
// portal. The kernel space itself belongs to the caller.
func (k *Kernel) Release() {
	k.mu.Lock()
	procs := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		procs = append(procs, p)
	}
	k.mu.Unlock()
	for _, p := range procs {
		k.Exit(p, -1)
	}
	k.Ring0.Release()
}

// consoleLog is the default console: one log line per write.
type consoleLog struct{}

// Write implements io.Writer.Write.
func (consoleLog) Write(b []byte) (int, error) {
	log.Infof("console: %s", b)
	return len(b), nil
}
