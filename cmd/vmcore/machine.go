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

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"portalkernel.dev/vmcore/pkg/cleanup"
	"portalkernel.dev/vmcore/pkg/config"
	"portalkernel.dev/vmcore/pkg/log"
	"portalkernel.dev/vmcore/pkg/physmem"
	"portalkernel.dev/vmcore/pkg/ring0/pagetables"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/task"
	"portalkernel.dev/vmcore/pkg/vm"
)

// spaceBuilder builds the kernel address space: vm.InitKernelSpace for the
// process-wide space, vm.NewKernelSpace for a private one.
type spaceBuilder func(pagetables.Format, vm.PageManager, vm.KernelLayout) (*vm.AddressSpace, error)

// machine is a booted emulated machine.
type machine struct {
	conf   *config.Config
	mem    *physmem.Memory
	space  *vm.AddressSpace
	kernel *task.Kernel

	// modules are shared into processes started with them.
	modules *vm.Modules
}

// newMachine maps RAM, reserves the kernel image, and prepares the kernel
// space for running processes. Console receives user writes.
func newMachine(conf *config.Config, console io.Writer, build spaceBuilder) (*machine, error) {
	format, err := conf.PageTableFormat()
	if err != nil {
		return nil, err
	}
	base := riscv.PPN(conf.RAMBase)
	mem, err := physmem.New(base, conf.RAMPages)
	if err != nil {
		return nil, fmt.Errorf("mapping RAM: %w", err)
	}
	cu := cleanup.Make(func() { mem.Close() })
	defer cu.Clean()

	if err := mem.Reserve(base, conf.ImagePages()); err != nil {
		return nil, fmt.Errorf("reserving kernel image: %w", err)
	}
	pm := physmem.NewManager(mem)
	space, err := build(format, pm, conf.KernelLayout())
	if err != nil {
		return nil, fmt.Errorf("building kernel space: %w", err)
	}
	cu.Add(space.Release)

	k, err := task.NewKernel(space, task.Options{
		StackPages:     conf.StackPages,
		UserStackPages: conf.UserStackPages,
		Return:         riscv.VPN(base).Addr(),
		Harts:          conf.Harts,
		Quantum:        conf.Quantum,
		Console:        console,
	})
	if err != nil {
		return nil, fmt.Errorf("preparing kernel: %w", err)
	}
	log.Infof("machine: %s, %d pages of RAM at %#x, %d harts, %v", format.Name(), conf.RAMPages, uint64(base.Addr()), conf.Harts, k.Ring0.Layout)

	cu.Release()
	return &machine{conf: conf, mem: mem, space: space, kernel: k, modules: vm.NewModules(format, pm)}, nil
}

// Close tears down every process and the machine.
func (m *machine) Close() {
	m.kernel.Release()
	m.modules.Release()
	m.space.Release()
	m.mem.Close()
}

// loadModule loads the executable at path as module name.
func (m *machine) loadModule(name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = m.modules.Load(name, f)
	return err
}

// withModules shares the named modules into every process load starts.
func (m *machine) withModules(loaders []task.Loader, names []string) []task.Loader {
	if len(names) == 0 {
		return loaders
	}
	out := make([]task.Loader, len(loaders))
	for i, load := range loaders {
		out[i] = task.WithModules(load, m.modules, names...)
	}
	return out
}

// run boots every hart and spreads the processes over them round robin. Odd
// harts enter their processes through the portal, even harts through the
// trampoline. It returns once every run list is empty.
func (m *machine) run(ctx context.Context, loaders []task.Loader) ([]task.Stats, error) {
	runners := make([]*task.Runner, m.conf.Harts)
	for i := range runners {
		h, err := m.kernel.BootHart(i)
		if err != nil {
			return nil, err
		}
		runners[i] = m.kernel.NewRunner(h, i%2 == 1)
	}
	for i, load := range loaders {
		p, err := m.kernel.NewProcess(load)
		if err != nil {
			return nil, fmt.Errorf("starting process %d: %w", i, err)
		}
		runners[i%len(runners)].Add(p)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(ctx) })
	}
	err := g.Wait()
	stats := make([]task.Stats, len(runners))
	for i, r := range runners {
		stats[i] = r.Stats()
	}
	return stats, err
}

const (
	helloMsg = "hello from user space\n"
	childMsg = "hello from the child\n"
)

// demoProgram assembles the built-in user program, linked at base. It
// prints a greeting, forks, and then the parent spins for spin iterations
// before exiting with its pid while the child prints and exits with 0.
func demoProgram(base riscv.Addr, spin int) ([]byte, error) {
	if spin <= 0 || spin > riscv.MaxLI {
		return nil, fmt.Errorf("spin count %d out of range [1, %d]", spin, riscv.MaxLI)
	}
	b := riscv.NewProgramBuilder(base)
	b.AddSyscall(task.SysGetpid)
	b.Add(riscv.EncodeADD(riscv.S0, riscv.A0, riscv.Zero))
	addWrite(b, "hello", len(helloMsg))
	b.AddSyscall(task.SysFork)
	b.AddBranchLabel(true, riscv.A0, riscv.Zero, "child")

	b.AddLI(riscv.T0, 0)
	b.AddLI(riscv.T1, int32(spin))
	if err := b.AddLabel("spin"); err != nil {
		return nil, err
	}
	b.Add(riscv.EncodeADDI(riscv.T0, riscv.T0, 1))
	b.AddBranchLabel(false, riscv.T0, riscv.T1, "spin")
	b.Add(riscv.EncodeADD(riscv.A0, riscv.S0, riscv.Zero))
	b.AddSyscall(task.SysExit)

	if err := b.AddLabel("child"); err != nil {
		return nil, err
	}
	addWrite(b, "childMsg", len(childMsg))
	b.AddLI(riscv.A0, 0)
	b.AddSyscall(task.SysExit)

	for _, d := range []struct{ label, msg string }{{"hello", helloMsg}, {"childMsg", childMsg}} {
		if err := b.AddLabel(d.label); err != nil {
			return nil, err
		}
		b.AddData([]byte(d.msg))
	}
	return b.Bytes()
}

// addWrite emits write(1, label, n).
func addWrite(b *riscv.ProgramBuilder, label string, n int) {
	b.AddLI(riscv.A0, 1)
	b.AddAddressLabel(riscv.A1, label)
	b.AddLI(riscv.A2, int32(n))
	b.AddSyscall(task.SysWrite)
}
