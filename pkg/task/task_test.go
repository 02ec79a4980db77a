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
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"
	"portalkernel.dev/vmcore/pkg/physmem"
	"portalkernel.dev/vmcore/pkg/ring0"
	"portalkernel.dev/vmcore/pkg/ring0/pagetables"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/vm"
)

const (
	ramBase  = riscv.PPN(0x80000)
	textBase = riscv.Addr(0x10000)
)

type fixture struct {
	mem     *physmem.Memory
	k       *Kernel
	console bytes.Buffer
}

func newFixture(t *testing.T, harts int) *fixture {
	t.Helper()
	mem, err := physmem.New(ramBase, 512)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	if err := mem.Reserve(ramBase, 4); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	ks, err := vm.NewKernelSpace(pagetables.Sv39, physmem.NewManager(mem), vm.KernelLayout{
		Text: riscv.PageRange(riscv.VPN(ramBase), 2),
		Data: riscv.PageRange(riscv.VPN(ramBase)+2, 2),
	})
	if err != nil {
		t.Fatalf("NewKernelSpace failed: %v", err)
	}
	f := &fixture{mem: mem}
	k, err := NewKernel(ks, Options{
		Return:  riscv.VPN(ramBase).Addr(),
		Harts:   harts,
		Quantum: 200,
		Console: &f.console,
	})
	if err != nil {
		ks.Release()
		t.Fatalf("NewKernel failed: %v", err)
	}
	t.Cleanup(func() {
		k.Release()
		ks.Release()
	})
	f.k = k
	return f
}

// build assembles a program with fn.
func build(t *testing.T, fn func(b *riscv.ProgramBuilder)) []byte {
	t.Helper()
	b := riscv.NewProgramBuilder(textBase)
	fn(b)
	text, err := b.Bytes()
	if err != nil {
		t.Fatalf("assembling program: %v", err)
	}
	return text
}

func (f *fixture) process(t *testing.T, fn func(b *riscv.ProgramBuilder)) *Process {
	t.Helper()
	p, err := f.k.NewProcess(Flat(textBase, build(t, fn), 1))
	if err != nil {
		t.Fatalf("NewProcess failed: %v", err)
	}
	return p
}

func (f *fixture) run(t *testing.T, foreign bool, procs ...*Process) *Runner {
	t.Helper()
	h, err := f.k.BootHart(0)
	if err != nil {
		t.Fatalf("BootHart failed: %v", err)
	}
	r := f.k.NewRunner(h, foreign)
	for _, p := range procs {
		r.Add(p)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return r
}

// exitWithA0 ends a program with exit(a0).
func exitWithA0(b *riscv.ProgramBuilder) {
	b.AddSyscall(SysExit)
}

func TestNewProcess(t *testing.T) {
	f := newFixture(t, 1)
	p := f.process(t, exitWithA0)
	if p.Parent != NoParent || len(p.Children) != 0 {
		t.Errorf("new process parent %d, children %v", p.Parent, p.Children)
	}
	ctx := p.Context()
	if ctx.PC != uint64(textBase) || ctx.SP != uint64(f.k.UserSP()) || ctx.Satp != p.Space.Satp() {
		t.Errorf("initial context pc %#x, sp %#x, satp %#x", ctx.PC, ctx.SP, ctx.Satp)
	}
	if p.Space.ASID() == 0 {
		t.Errorf("process runs with ASID 0")
	}
	if _, ok := p.Translate(textBase, riscv.UserRX); !ok {
		t.Errorf("text does not translate")
	}
	if _, ok := p.Translate(f.k.UserSP()-8, riscv.UserRW); !ok {
		t.Errorf("user stack does not translate")
	}
	if _, ok := p.Translate(f.k.Ring0.Layout.ContextAddr(), riscv.User); ok {
		t.Errorf("trap stack is user accessible")
	}
	if got := len(p.Space.Portals()); got != 2 {
		t.Errorf("process space has %d portal mappings, want 2", got)
	}
	if got, ok := f.k.Lookup(p.ID); !ok || got != p {
		t.Errorf("Lookup(%d) = %v, %v", p.ID, got, ok)
	}
	q := f.process(t, exitWithA0)
	if q.ID == p.ID || q.Space.ASID() == p.Space.ASID() {
		t.Errorf("processes share id %d or asid %d", q.ID, q.Space.ASID())
	}
	if f.k.Len() != 2 {
		t.Errorf("Len() = %d, want 2", f.k.Len())
	}
}

func TestNewProcessErrors(t *testing.T) {
	f := newFixture(t, 1)
	free := f.mem.FreePages()
	bad := func(as *vm.AddressSpace) (riscv.Addr, error) {
		return 0, errors.New("no image")
	}
	if _, err := f.k.NewProcess(bad); err == nil {
		t.Errorf("NewProcess with a failing loader succeeded")
	}
	clash := Flat(f.k.UserSP()-riscv.PageSize, []byte{0x73, 0, 0, 0}, 0)
	if _, err := f.k.NewProcess(clash); err == nil {
		t.Errorf("NewProcess with an image on the user stack succeeded")
	}
	if _, err := f.k.NewProcess(Flat(textBase+1, nil, 0)); err == nil {
		t.Errorf("NewProcess with an unaligned image succeeded")
	}
	if got := f.mem.FreePages(); got != free {
		t.Errorf("failed NewProcess leaked %d frames", free-got)
	}
	if f.k.Len() != 0 {
		t.Errorf("Len() = %d after failures", f.k.Len())
	}
}

func TestRunSyscalls(t *testing.T) {
	for _, foreign := range []bool{false, true} {
		name := "trampoline"
		if foreign {
			name = "portal"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 1)
			free := f.mem.FreePages()
			p := f.process(t, func(b *riscv.ProgramBuilder) {
				b.AddSyscall(SysGetpid)
				b.Add(riscv.EncodeADD(riscv.S0, riscv.A0, riscv.Zero))
				b.AddLI(riscv.A0, 1)
				b.AddAddressLabel(riscv.A1, "msg")
				b.AddLI(riscv.A2, 6)
				b.AddSyscall(SysWrite)
				b.Add(riscv.EncodeADD(riscv.S1, riscv.A0, riscv.Zero))
				b.AddSyscall(SysYield)
				// exit(pid + written)
				b.Add(riscv.EncodeADD(riscv.A0, riscv.S0, riscv.S1))
				exitWithA0(b)
				b.AddLabel("msg")
				b.AddData([]byte("hello\n"))
			})
			r := f.run(t, foreign, p)
			if got := f.console.String(); got != "hello\n" {
				t.Errorf("console = %q, want %q", got, "hello\n")
			}
			if want := int(p.ID) + 6; p.Status != want {
				t.Errorf("exit status %d, want %d", p.Status, want)
			}
			if got, want := r.Stats(), (Stats{Traps: 4, Syscalls: 4, Exits: 1}); got != want {
				t.Errorf("Stats() = %+v, want %+v", got, want)
			}
			if _, ok := f.k.Lookup(p.ID); ok || f.k.Len() != 0 {
				t.Errorf("process still in the table after exit")
			}
			if got := f.mem.FreePages(); got != free {
				t.Errorf("exit leaked %d frames", free-got)
			}
		})
	}
}

func TestSyscallErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		prog func(b *riscv.ProgramBuilder)
		want int
	}{
		{
			name: "write bad pointer",
			prog: func(b *riscv.ProgramBuilder) {
				b.AddLI(riscv.A0, 1)
				b.AddLI(riscv.A1, 0)
				b.AddLI(riscv.A2, 4)
				b.AddSyscall(SysWrite)
			},
			want: -errFault,
		},
		{
			name: "write bad fd",
			prog: func(b *riscv.ProgramBuilder) {
				b.AddLI(riscv.A0, 5)
				b.AddSyscall(SysWrite)
			},
			want: -errBadFD,
		},
		{
			name: "write trap stack",
			prog: func(b *riscv.ProgramBuilder) {
				b.AddLI(riscv.A0, 1)
				b.AddLI(riscv.A1, -264)
				b.AddLI(riscv.A2, 8)
				b.AddSyscall(SysWrite)
			},
			want: -errFault,
		},
		{
			name: "unknown syscall",
			prog: func(b *riscv.ProgramBuilder) {
				b.AddSyscall(999)
			},
			want: -errNoSys,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 1)
			p := f.process(t, func(b *riscv.ProgramBuilder) {
				tc.prog(b)
				exitWithA0(b)
			})
			f.run(t, false, p)
			if p.Status != tc.want {
				t.Errorf("status %d, want %d", p.Status, tc.want)
			}
			if f.console.Len() != 0 {
				t.Errorf("console got %q", f.console.String())
			}
		})
	}
}

func TestFork(t *testing.T) {
	f := newFixture(t, 1)
	free := f.mem.FreePages()
	p := f.process(t, func(b *riscv.ProgramBuilder) {
		// The data page starts zeroed; the child bumps its copy.
		b.AddLI(riscv.S1, int32(textBase)+riscv.PageSize)
		b.AddSyscall(SysFork)
		b.AddBranchLabel(true, riscv.A0, riscv.Zero, "child")
		// Parent: yield so the child runs first, then exit(word).
		b.AddSyscall(SysYield)
		b.Add(riscv.EncodeLD(riscv.A0, riscv.S1, 0))
		exitWithA0(b)
		b.AddLabel("child")
		b.AddLI(riscv.T0, 40)
		b.Add(riscv.EncodeSD(riscv.T0, riscv.S1, 0))
		b.Add(riscv.EncodeLD(riscv.A0, riscv.S1, 0))
		b.Add(riscv.EncodeADDI(riscv.A0, riscv.A0, 2))
		exitWithA0(b)
	})
	r := f.run(t, false, p)
	if p.Status != 0 {
		t.Errorf("parent status %d, want 0: the child's write leaked", p.Status)
	}
	if got := r.Stats().Exits; got != 2 {
		t.Errorf("%d exits, want 2", got)
	}
	if f.k.Len() != 0 {
		t.Errorf("Len() = %d after both exited", f.k.Len())
	}
	if got := f.mem.FreePages(); got != free {
		t.Errorf("fork and exit leaked %d frames", free-got)
	}
}

func TestForkDirect(t *testing.T) {
	f := newFixture(t, 1)
	p := f.process(t, exitWithA0)
	p.Context().A[0] = 77
	data := textBase + riscv.PageSize
	if err := p.Space.CopyOut(data, []byte("parent")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}

	c, err := f.k.Fork(p)
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if c.Parent != p.ID || len(p.Children) != 1 || p.Children[0] != c.ID {
		t.Errorf("child parent %d, parent children %v", c.Parent, p.Children)
	}
	if c.Context().A[0] != 0 || p.Context().A[0] != 77 {
		t.Errorf("a0 child %d, parent %d; want 0, 77", c.Context().A[0], p.Context().A[0])
	}
	if c.Context().Satp != c.Space.Satp() || c.Space.ASID() == p.Space.ASID() {
		t.Errorf("child satp %#x, asid %d", c.Context().Satp, c.Space.ASID())
	}
	if err := c.Space.CopyOut(data, []byte("child!")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	got := make([]byte, 6)
	if err := p.Space.CopyIn(data, got); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if string(got) != "parent" {
		t.Errorf("parent data = %q after child write", got)
	}

	// Grandchildren pass to the grandparent when their parent exits.
	g, err := f.k.Fork(c)
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	f.k.Exit(c, 0)
	if g.Parent != p.ID || len(p.Children) != 1 || p.Children[0] != g.ID {
		t.Errorf("after exit: grandchild parent %d, parent children %v", g.Parent, p.Children)
	}
	f.k.Exit(p, 0)
	if g.Parent != NoParent {
		t.Errorf("orphan parent = %d", g.Parent)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("second Exit did not panic")
		}
	}()
	f.k.Exit(p, 0)
}

func TestFaultTearsDown(t *testing.T) {
	f := newFixture(t, 1)
	free := f.mem.FreePages()
	bad := f.process(t, func(b *riscv.ProgramBuilder) {
		b.Add(riscv.EncodeLD(riscv.A0, riscv.Zero, 0))
	})
	good := f.process(t, func(b *riscv.ProgramBuilder) {
		b.AddLI(riscv.A0, 5)
		exitWithA0(b)
	})
	r := f.run(t, false, bad, good)
	if bad.Status != -1 || good.Status != 5 {
		t.Errorf("status bad %d, good %d; want -1, 5", bad.Status, good.Status)
	}
	if got := r.Stats(); got.Faults != 1 || got.Exits != 2 {
		t.Errorf("Stats() = %+v", got)
	}
	if got := f.mem.FreePages(); got != free {
		t.Errorf("leaked %d frames", free-got)
	}

	// Step reports the fault itself.
	p := f.process(t, func(b *riscv.ProgramBuilder) {
		b.Add(0xffffffff)
	})
	h, _ := f.k.BootHart(0)
	_, err := f.k.NewRunner(h, false).Step(p)
	var te *ring0.TrapError
	if !errors.As(err, &te) || te.Cause != riscv.IllegalInstruction || te.PC != uint64(textBase) {
		t.Errorf("Step = %v, want illegal instruction at %v", err, textBase)
	}
}

type failingConsole struct{}

func (failingConsole) Write([]byte) (int, error) {
	return 0, errors.New("console gone")
}

func TestStepErrorTearsDown(t *testing.T) {
	for _, tc := range []struct {
		name    string
		foreign bool
		setup   func(t *testing.T, f *fixture) *Process
		want    error
	}{
		{
			name: "wedged hart",
			setup: func(t *testing.T, f *fixture) *Process {
				// No trap stack: the restore path faults in supervisor mode.
				as := f.k.newSpace()
				if err := f.k.Ring0.MapInto(as); err != nil {
					t.Fatalf("MapInto failed: %v", err)
				}
				p := &Process{Space: as, Entry: textBase}
				f.k.add(p, nil)
				return p
			},
			want: ring0.ErrWedged,
		},
		{
			name: "console failure",
			setup: func(t *testing.T, f *fixture) *Process {
				f.k.console = failingConsole{}
				return f.process(t, func(b *riscv.ProgramBuilder) {
					b.AddLI(riscv.A0, 1)
					b.AddLI(riscv.A1, int32(textBase))
					b.AddLI(riscv.A2, 4)
					b.AddSyscall(SysWrite)
					exitWithA0(b)
				})
			},
		},
		{
			name:    "console failure through the portal",
			foreign: true,
			setup: func(t *testing.T, f *fixture) *Process {
				f.k.console = failingConsole{}
				return f.process(t, func(b *riscv.ProgramBuilder) {
					b.AddLI(riscv.A0, 2)
					b.AddLI(riscv.A1, int32(textBase))
					b.AddLI(riscv.A2, 4)
					b.AddSyscall(SysWrite)
					exitWithA0(b)
				})
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 1)
			free := f.mem.FreePages()
			p := tc.setup(t, f)
			h, err := f.k.BootHart(0)
			if err != nil {
				t.Fatalf("BootHart failed: %v", err)
			}
			r := f.k.NewRunner(h, tc.foreign)
			out, err := r.Step(p)
			if err == nil || out != Exited {
				t.Fatalf("Step = %v, %v; want an error and exited", out, err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("Step error = %v, want %v", err, tc.want)
			}
			if _, ok := f.k.Lookup(p.ID); ok || f.k.Len() != 0 {
				t.Errorf("%v still in the process table (%d live)", p, f.k.Len())
			}
			if p.Status != -1 || r.Stats().Exits != 1 {
				t.Errorf("status %d, %d exits; want -1, 1", p.Status, r.Stats().Exits)
			}
			if got := f.mem.FreePages(); got != free {
				t.Errorf("leaked %d frames", free-got)
			}
		})
	}
}

func TestTimerYields(t *testing.T) {
	f := newFixture(t, 1)
	spin := func(b *riscv.ProgramBuilder) {
		b.AddLI(riscv.T1, 1000)
		b.AddLabel("loop")
		b.Add(riscv.EncodeADDI(riscv.T0, riscv.T0, 1))
		b.AddBranchLabel(false, riscv.T0, riscv.T1, "loop")
		b.Add(riscv.EncodeADD(riscv.A0, riscv.T0, riscv.Zero))
		exitWithA0(b)
	}
	p, q := f.process(t, spin), f.process(t, spin)
	r := f.run(t, true, p, q)
	if p.Status != 1000 || q.Status != 1000 {
		t.Errorf("status %d, %d; want 1000", p.Status, q.Status)
	}
	// Each loop is 2000 instructions against a quantum of 200.
	if got := r.Stats().Timers; got < 18 {
		t.Errorf("%d timer interrupts, want at least 18", got)
	}
}

func TestBootHart(t *testing.T) {
	f := newFixture(t, 2)
	for _, id := range []int{-1, 2} {
		if _, err := f.k.BootHart(id); err == nil {
			t.Errorf("BootHart(%d) succeeded", id)
		}
	}
	h, err := f.k.BootHart(1)
	if err != nil || h.ID != 1 {
		t.Errorf("BootHart(1) = %v, %v", h, err)
	}
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, 1)
	p := f.process(t, exitWithA0)
	h, _ := f.k.BootHart(0)
	r := f.k.NewRunner(h, false)
	r.Add(p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestConcurrentRunners(t *testing.T) {
	const harts = 4
	f := newFixture(t, harts)
	free := f.mem.FreePages()
	runners := make([]*Runner, harts)
	for i := range runners {
		h, err := f.k.BootHart(i)
		if err != nil {
			t.Fatalf("BootHart failed: %v", err)
		}
		runners[i] = f.k.NewRunner(h, i%2 == 1)
		runners[i].Add(f.process(t, func(b *riscv.ProgramBuilder) {
			b.AddSyscall(SysFork)
			b.AddLI(riscv.T1, 500)
			b.AddLabel("loop")
			b.Add(riscv.EncodeADDI(riscv.T0, riscv.T0, 1))
			b.AddBranchLabel(false, riscv.T0, riscv.T1, "loop")
			b.AddLI(riscv.A0, 0)
			exitWithA0(b)
		}))
	}
	g, ctx := errgroup.WithContext(context.Background())
	for _, r := range runners {
		g.Go(func() error { return r.Run(ctx) })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, r := range runners {
		if got := r.Stats().Exits; got != 2 {
			t.Errorf("runner %d saw %d exits, want 2", i, got)
		}
	}
	if f.k.Len() != 0 {
		t.Errorf("Len() = %d", f.k.Len())
	}
	if got := f.mem.FreePages(); got != free {
		t.Errorf("leaked %d frames", free-got)
	}
}

// buildELF assembles a one-segment RISC-V executable.
func buildELF(t *testing.T, vaddr uint64, text []byte) []byte {
	t.Helper()
	const (
		ehsize    = 64
		phentsize = 56
		off       = riscv.PageSize
	)
	var b bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     vaddr,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     1,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    off,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(text)),
		Memsz:  uint64(len(text)),
		Align:  riscv.PageSize,
	}
	for _, v := range []any{hdr, prog} {
		if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
			t.Fatalf("writing headers: %v", err)
		}
	}
	b.Write(make([]byte, off-b.Len()))
	b.Write(text)
	return b.Bytes()
}

func TestFromELF(t *testing.T) {
	f := newFixture(t, 1)
	text := build(t, func(b *riscv.ProgramBuilder) {
		b.AddLI(riscv.A0, 9)
		exitWithA0(b)
	})
	p, err := f.k.NewProcess(FromELF(bytes.NewReader(buildELF(t, uint64(textBase), text))))
	if err != nil {
		t.Fatalf("NewProcess failed: %v", err)
	}
	if p.Entry != textBase {
		t.Errorf("entry = %v, want %v", p.Entry, textBase)
	}
	f.run(t, false, p)
	if p.Status != 9 {
		t.Errorf("status %d, want 9", p.Status)
	}

	if _, err := f.k.NewProcess(FromELF(bytes.NewReader([]byte("not an elf")))); !errors.Is(err, vm.ErrBadELF) {
		t.Errorf("NewProcess of garbage = %v, want ErrBadELF", err)
	}
}

func TestWithModules(t *testing.T) {
	f := newFixture(t, 1)
	const modBase = 0x400000
	counter := make([]byte, 8)
	mods := vm.NewModules(pagetables.Sv39, f.k.pm)
	t.Cleanup(mods.Release)
	mod, err := mods.Load("counter", bytes.NewReader(buildELF(t, modBase, counter)))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	modFree := f.mem.FreePages()

	// Each process loads the module's first word and exits with word+1.
	prog := func(b *riscv.ProgramBuilder) {
		b.AddLI(riscv.S1, modBase)
		b.Add(riscv.EncodeLD(riscv.A0, riscv.S1, 0))
		b.Add(riscv.EncodeADDI(riscv.A0, riscv.A0, 1))
		exitWithA0(b)
	}
	// The image holds zero; the processes must see the module's frame.
	word, ok := vm.TranslateAs[uint64](mod.Space, modBase, riscv.UserRead)
	if !ok {
		t.Fatalf("module word at %#x does not translate", modBase)
	}
	*word = 41
	var procs []*Process
	for range 2 {
		p, err := f.k.NewProcess(WithModules(Flat(textBase, build(t, prog), 1), mods, "counter"))
		if err != nil {
			t.Fatalf("NewProcess failed: %v", err)
		}
		m, ok := p.Space.Lookup(riscv.VPN(modBase >> riscv.PageShift))
		if !ok || m.Perm.Contains(riscv.Owned) {
			t.Errorf("module section in %v = %v (%v), want a shared mapping", p, m, ok)
		}
		procs = append(procs, p)
	}
	f.run(t, false, procs...)
	for _, p := range procs {
		if p.Status != 42 {
			t.Errorf("%v status %d, want 42", p, p.Status)
		}
	}
	if got := f.mem.FreePages(); got != modFree {
		t.Errorf("processes leaked %d frames", modFree-got)
	}
	if *word != 41 {
		t.Errorf("module word after exit = %d, want 41", *word)
	}

	if _, err := f.k.NewProcess(WithModules(Flat(textBase, build(t, prog), 1), mods, "missing")); !errors.Is(err, vm.ErrNoModule) {
		t.Errorf("NewProcess with a missing module = %v, want ErrNoModule", err)
	}
	if got := f.mem.FreePages(); got != modFree {
		t.Errorf("failed NewProcess leaked %d frames", modFree-got)
	}
}
