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
	"strings"
	"testing"

	"portalkernel.dev/vmcore/pkg/ring0/pagetables"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/vm"
)

func TestLayout(t *testing.T) {
	for _, tc := range []struct {
		format pagetables.Format
		pages  uint64
	}{
		{pagetables.Sv39, 1},
		{pagetables.Sv39, DefaultStackPages},
		{pagetables.Sv48, 4},
		{pagetables.Sv57, DefaultStackPages},
	} {
		t.Run(tc.format.Name(), func(t *testing.T) {
			l, err := NewLayout(tc.format, tc.pages)
			if err != nil {
				t.Fatalf("NewLayout failed: %v", err)
			}
			top := tc.format.MaxVPN()
			if l.Stack.End != top || l.Stack.Len() != tc.pages {
				t.Errorf("stack %v, want %d pages ending at %v", l.Stack, tc.pages, top)
			}
			if l.Trampoline != l.Stack.Start-1 || l.Portal != l.Stack.Start-2 {
				t.Errorf("trampoline %v, portal %v; want directly below stack %v", l.Trampoline, l.Portal, l.Stack)
			}
			if got := l.Reserved(); got.Start != l.Portal || got.End != top {
				t.Errorf("Reserved() = %v", got)
			}
			// The context is the last FlowContextSize bytes of the
			// space, whatever the format.
			if got, want := l.ContextAddr(), riscv.Addr(1<<64-FlowContextSize); got != want {
				t.Errorf("ContextAddr() = %v, want %v", got, want)
			}
			if vpn, ok := tc.format.VPNOf(l.ContextAddr()); !ok || !l.Stack.Contains(vpn) {
				t.Errorf("context page %v (%v) outside stack %v", vpn, ok, l.Stack)
			}
			if sp := l.InitialSP(); sp%16 != 0 || sp > l.ContextAddr() || l.ContextAddr()-sp >= 16 {
				t.Errorf("InitialSP() = %v", sp)
			}
			if got, want := l.TrampolineAddr(), l.StackBase()-riscv.PageSize; got != want {
				t.Errorf("TrampolineAddr() = %v, want %v", got, want)
			}
			if got, want := l.PortalAddr(), l.TrampolineAddr()-riscv.PageSize; got != want {
				t.Errorf("PortalAddr() = %v, want %v", got, want)
			}
			if !strings.HasPrefix(l.String(), tc.format.Name()+":") {
				t.Errorf("String() = %q", l.String())
			}
		})
	}
	if _, err := NewLayout(pagetables.Sv39, 0); err == nil {
		t.Errorf("NewLayout with an empty stack succeeded")
	}
}

func TestStack(t *testing.T) {
	f := newFixture(t, 1)
	free := f.mem.FreePages()
	s := NewStack(f.pm, 2)
	if f.mem.FreePages() != free-2 {
		t.Errorf("NewStack used %d frames, want 2", free-f.mem.FreePages())
	}
	ctx := s.Context()
	ctx.PC = 0x1234
	ctx.A[3] = 7

	as := f.space(t)
	if err := s.MapInto(as, riscv.PageRange(0x100, 1)); err == nil {
		t.Errorf("MapInto a range of the wrong length succeeded")
	}
	if err := s.MapInto(as, f.k.Layout.Stack); err != nil {
		t.Fatalf("MapInto failed: %v", err)
	}
	m, ok := as.Lookup(f.k.Layout.Stack.Start)
	if !ok || m.Perm.Contains(riscv.User) || !m.Perm.Contains(riscv.ReadWrite|riscv.Owned) {
		t.Errorf("stack section %v (%v), want owned supervisor read-write", m, ok)
	}
	got, ok := vm.TranslateAs[FlowContext](as, f.k.Layout.ContextAddr(), riscv.ReadWrite)
	if !ok || got != ctx {
		t.Errorf("context at %v = %p, want %p", f.k.Layout.ContextAddr(), got, ctx)
	}

	// A clone carries its own copy of the context.
	clone := f.space(t)
	if err := as.CloneInto(clone); err != nil {
		t.Fatalf("CloneInto failed: %v", err)
	}
	cs, err := StackAt(clone, f.k.Layout.Stack)
	if err != nil {
		t.Fatalf("StackAt failed: %v", err)
	}
	if cs.PPN() == s.PPN() || cs.Pages() != 2 {
		t.Errorf("clone stack at %v (%d pages), parent at %v", cs.PPN(), cs.Pages(), s.PPN())
	}
	if *cs.Context() != *ctx {
		t.Errorf("clone context %+v, want %+v", *cs.Context(), *ctx)
	}
	cs.Context().A[3] = 8
	if ctx.A[3] != 7 {
		t.Errorf("write to clone context visible in parent")
	}

	if _, err := StackAt(clone, riscv.PageRange(0x100, 2)); err == nil {
		t.Errorf("StackAt an unmapped range succeeded")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Free of a mapped stack did not panic")
		}
	}()
	s.Free()
}

func TestPortalSlots(t *testing.T) {
	f := newFixture(t, 1)
	layout := f.k.Layout
	for _, n := range []int{0, -1, MaxPortalSlots + 1} {
		if _, err := NewMultislotPortal(f.pm, layout, n); err == nil {
			t.Errorf("NewMultislotPortal(%d) succeeded", n)
		}
	}
	p, err := NewMultislotPortal(f.pm, layout, MaxPortalSlots)
	if err != nil {
		t.Fatalf("NewMultislotPortal failed: %v", err)
	}
	defer p.Free()

	if p.EnterAddr() != layout.PortalAddr() || p.TrapAddr() <= p.EnterAddr() {
		t.Errorf("EnterAddr %v, TrapAddr %v, portal at %v", p.EnterAddr(), p.TrapAddr(), layout.PortalAddr())
	}
	last := p.SlotAddr(MaxPortalSlots - 1)
	if end := last + riscv.Addr(slotSize); end > layout.PortalAddr()+riscv.PageSize {
		t.Errorf("last slot ends at %v, past the portal page", end)
	}
	if p.SlotAddr(1)-p.SlotAddr(0) != riscv.Addr(slotSize) {
		t.Errorf("slots %v and %v are not adjacent", p.SlotAddr(0), p.SlotAddr(1))
	}

	fc := ForeignContext{Satp: 0x8000000000012345}
	fc.Context.PC = 0x10000
	fc.Context.S[4] = 99
	p.Load(3, &fc)
	s := p.Slot(3)
	if s.Cache.Satp != fc.Satp || s.Cache.TrapVec != uint64(p.TrapAddr()) || s.Context != fc.Context {
		t.Errorf("slot after Load = %+v", s)
	}
	s.Context.S[4] = 100
	var back ForeignContext
	p.Store(3, &back)
	if back.Context.S[4] != 100 || back.Satp != fc.Satp {
		t.Errorf("Store returned %+v", back)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Slot(%d) did not panic", MaxPortalSlots)
		}
	}()
	p.Slot(MaxPortalSlots)
}

func TestKernelMappings(t *testing.T) {
	f := newFixture(t, 2)
	for _, tc := range []struct {
		name string
		addr riscv.Addr
		perm riscv.Perm
		deny riscv.Perm
	}{
		{"trampoline", f.k.Trampoline.EntryAddr(), riscv.ReadExecute | riscv.Global, riscv.User | riscv.Write},
		{"portal", f.k.Portal.EnterAddr(), riscv.ReadWrite | riscv.Execute | riscv.Global, riscv.User},
		{"context", f.k.Layout.ContextAddr(), riscv.ReadWrite, riscv.User | riscv.Execute},
	} {
		ptr, ok := f.kspace.Translate(tc.addr, tc.perm&^riscv.Global)
		if !ok || ptr == nil {
			t.Errorf("%s at %v does not translate %v", tc.name, tc.addr, tc.perm)
			continue
		}
		vpn, _ := f.k.Layout.Format.VPNOf(tc.addr)
		var m vm.AddrMap
		if tc.name == "context" {
			m, ok = f.kspace.Lookup(vpn)
		} else {
			for _, p := range f.kspace.Portals() {
				if p.VPNs.Contains(vpn) {
					m, ok = p, true
				}
			}
		}
		if !ok || !m.Perm.Contains(tc.perm) || m.Perm&tc.deny != 0 {
			t.Errorf("%s mapped %v (%v), want %v without %v", tc.name, m.Perm, ok, tc.perm, tc.deny)
		}
	}
	frame, err := f.k.ResumeFrame(0)
	if err != nil {
		t.Fatalf("ResumeFrame(0) failed: %v", err)
	}
	if frame.RA != uint64(f.k.Return) || frame.SP != uint64(f.k.Layout.InitialSP()) {
		t.Errorf("resume frame ra %#x, sp %#x", frame.RA, frame.SP)
	}
	if f.k.Quantum != 100 || f.k.Portal.Slots() != 2 {
		t.Errorf("kernel opts %+v", f.k.KernelOpts)
	}

	// Every user space sees the same trampoline and portal frames.
	as := f.space(t)
	if err := f.k.MapInto(as); err != nil {
		t.Fatalf("MapInto failed: %v", err)
	}
	want := f.kspace.Portals()
	if got := as.Portals(); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("user portals %v, kernel portals %v", got, want)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("second MapInto did not panic")
		}
	}()
	f.k.MapInto(as)
}

func TestHartKernelStacks(t *testing.T) {
	f := newFixture(t, 2)
	free := f.mem.FreePages()
	h0, h1 := NewHart(0, f.k), NewHart(1, f.k)
	if h0.Satp() != f.kspace.Satp() {
		t.Errorf("hart 0 satp = %#x, want kernel space %#x", h0.Satp(), f.kspace.Satp())
	}
	if h0.Satp() == h1.Satp() {
		t.Fatalf("harts 0 and 1 share kernel satp %#x", h0.Satp())
	}
	if got, ok := h1.CSR(riscv.CSRSscratch); !ok || got != h1.Satp() {
		t.Errorf("hart 1 sscratch = %#x (%v), want its kernel satp %#x", got, ok, h1.Satp())
	}
	if used := free - f.mem.FreePages(); used < f.k.Layout.Stack.Len()+1 {
		t.Errorf("booting hart 1 used %d frames, want its trap stack and a root", used)
	}

	// Both harts resume at the same kernel stack address, backed by
	// different frames.
	sp := f.k.Layout.InitialSP()
	for _, h := range []*Hart{h0, h1} {
		if got := h.Reg(riscv.SP); got != uint64(sp) {
			t.Errorf("hart %d sp = %#x, want %v", h.ID, got, sp)
		}
	}
	ks0, err := f.k.HartSpace(0)
	if err != nil {
		t.Fatalf("HartSpace(0) failed: %v", err)
	}
	ks1, err := f.k.HartSpace(1)
	if err != nil {
		t.Fatalf("HartSpace(1) failed: %v", err)
	}
	top := sp - 8
	p0, ok0 := ks0.Translate(top, riscv.ReadWrite)
	p1, ok1 := ks1.Translate(top, riscv.ReadWrite)
	if !ok0 || !ok1 || p0 == p1 {
		t.Errorf("kernel stack top %v: hart 0 at %p (%v), hart 1 at %p (%v); want distinct frames", top, p0, ok0, p1, ok1)
	}
	r0, err := f.k.ResumeFrame(0)
	if err != nil {
		t.Fatalf("ResumeFrame(0) failed: %v", err)
	}
	r1, err := f.k.ResumeFrame(1)
	if err != nil {
		t.Fatalf("ResumeFrame(1) failed: %v", err)
	}
	if r0 == r1 {
		t.Errorf("harts share resume frame %p", r0)
	}
	if *r0 != *r1 {
		t.Errorf("resume frames differ: %+v, %+v", *r0, *r1)
	}

	// Hart 1 sees the kernel text and the shared pages, and owns only its
	// trap stack.
	if _, ok := ks1.Translate(f.k.Return, riscv.ReadExecute); !ok {
		t.Errorf("hart 1 kernel space does not map return address %v", f.k.Return)
	}
	if got, want := ks1.Portals(), f.kspace.Portals(); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("hart 1 portals %v, kernel portals %v", got, want)
	}
	for _, m := range ks1.Sections() {
		if owned := m.Perm.Contains(riscv.Owned); owned != (m.VPNs == f.k.Layout.Stack) {
			t.Errorf("hart 1 section %v owned = %v", m, owned)
		}
	}

	// Booting the hart again reuses its space.
	if again := NewHart(1, f.k); again.Satp() != h1.Satp() {
		t.Errorf("second boot of hart 1 satp = %#x, want %#x", again.Satp(), h1.Satp())
	}
	if _, err := f.k.HartSpace(2); err == nil {
		t.Errorf("HartSpace(2) with 2 slots succeeded")
	}
}

func TestNewKernelErrors(t *testing.T) {
	f := newFixture(t, 1)
	sv39, _ := NewLayout(pagetables.Sv39, DefaultStackPages)
	sv48, _ := NewLayout(pagetables.Sv48, DefaultStackPages)
	ret := f.k.Return

	mapped := f.space(t)
	if err := mapped.MapExtern(riscv.PageRange(riscv.VPN(ramBase), 1), ramBase, riscv.ReadExecute); err != nil {
		t.Fatalf("MapExtern failed: %v", err)
	}
	if err := mapped.Map(riscv.PageRange(sv39.Portal, 1), nil, 0, riscv.ReadWrite); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	noText := f.space(t)

	for _, tc := range []struct {
		name  string
		space *vm.AddressSpace
		opts  KernelOpts
	}{
		{"no format", noText, KernelOpts{Return: ret, PortalSlots: 1}},
		{"format mismatch", noText, KernelOpts{Layout: sv48, Return: ret, PortalSlots: 1}},
		{"return not mapped", noText, KernelOpts{Layout: sv39, Return: ret, PortalSlots: 1}},
		{"reserved pages taken", mapped, KernelOpts{Layout: sv39, Return: ret, PortalSlots: 1}},
	} {
		free := f.mem.FreePages()
		if _, err := NewKernel(tc.space, tc.opts); err == nil {
			t.Errorf("%s: NewKernel succeeded", tc.name)
		}
		if f.mem.FreePages() != free {
			t.Errorf("%s: NewKernel leaked %d frames", tc.name, free-f.mem.FreePages())
		}
	}
}
