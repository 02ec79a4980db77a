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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"portalkernel.dev/vmcore/pkg/config"
	"portalkernel.dev/vmcore/pkg/log"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/task"
	"portalkernel.dev/vmcore/pkg/vm"
)

// demoBase is where the built-in program is linked.
const demoBase = riscv.Addr(0x10000)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	procs   int
	spin    int
	modules []string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "boot the machine and run processes to completion"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] [elf...] - run ELF images, or the built-in program when none are given.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.procs, "procs", 0, "number of copies of the built-in program to start. Defaults to one per hart.")
	f.Func("module", "`name=path` of an ELF module shared into every process. May be repeated.", func(v string) error {
		if name, path, ok := strings.Cut(v, "="); !ok || name == "" || path == "" {
			return fmt.Errorf("want name=path, got %q", v)
		}
		r.modules = append(r.modules, v)
		return nil
	})
	f.IntVar(&r.spin, "spin", 100000, fmt.Sprintf("iterations the built-in program spins before exiting, at most %d.", riscv.MaxLI))
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	var loaders []task.Loader
	if f.NArg() > 0 {
		for _, path := range f.Args() {
			file, err := os.Open(path)
			if err != nil {
				Fatalf("opening image: %v", err)
			}
			defer file.Close()
			loaders = append(loaders, task.FromELF(file))
		}
	} else {
		text, err := demoProgram(demoBase, r.spin)
		if err != nil {
			Fatalf("assembling built-in program: %v", err)
		}
		n := r.procs
		if n <= 0 {
			n = conf.Harts
		}
		for range n {
			loaders = append(loaders, task.Flat(demoBase, text, 1))
		}
	}

	m, err := newMachine(conf, os.Stdout, vm.InitKernelSpace)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer m.Close()

	var names []string
	for _, v := range r.modules {
		name, path, _ := strings.Cut(v, "=")
		if err := m.loadModule(name, path); err != nil {
			Fatalf("loading module %q: %v", name, err)
		}
		names = append(names, name)
	}
	loaders = m.withModules(loaders, names)

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()

	stats, err := m.run(ctx, loaders)
	if err != nil {
		log.Warningf("run stopped: %v", err)
	}
	w := tabwriter.NewWriter(os.Stderr, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "HART\tTRAPS\tSYSCALLS\tTIMERS\tFAULTS\tEXITS\n")
	for i, s := range stats {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\n", i, s.Traps, s.Syscalls, s.Timers, s.Faults, s.Exits)
	}
	w.Flush()
	ms := m.mem.Stats()
	log.Infof("frames: %d allocated, %d freed, %d in use", ms.Allocated, ms.Freed, ms.InUse)
	if err != nil {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
