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
	"os"

	"github.com/google/subcommands"
	"portalkernel.dev/vmcore/pkg/config"
	"portalkernel.dev/vmcore/pkg/log"
	"portalkernel.dev/vmcore/pkg/task"
	"portalkernel.dev/vmcore/pkg/vm"
)

// Load implements subcommands.Command for the "load" command.
type Load struct {
	kernel bool
}

// Name implements subcommands.Command.Name.
func (*Load) Name() string {
	return "load"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Load) Synopsis() string {
	return "load an ELF image into a fresh process and dump its address space"
}

// Usage implements subcommands.Command.Usage.
func (*Load) Usage() string {
	return `load [flags] <elf> - load an ELF image and dump the process address space.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Load) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.kernel, "kernel", false, "also dump the kernel address space.")
}

// Execute implements subcommands.Command.Execute.
func (l *Load) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	file, err := os.Open(f.Arg(0))
	if err != nil {
		Fatalf("opening image: %v", err)
	}
	defer file.Close()

	m, err := newMachine(conf, os.Stdout, vm.NewKernelSpace)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer m.Close()

	p, err := m.kernel.NewProcess(task.FromELF(file))
	if err != nil {
		Fatalf("loading %s: %v", f.Arg(0), err)
	}
	log.Infof("%v: entry %#x, satp %#x", p, uint64(p.Entry), p.Space.Satp())
	if err := p.Space.Dump(os.Stdout); err != nil {
		Fatalf("dumping %v: %v", p, err)
	}
	if l.kernel {
		if err := m.space.Dump(os.Stdout); err != nil {
			Fatalf("dumping kernel space: %v", err)
		}
	}
	return subcommands.ExitSuccess
}
