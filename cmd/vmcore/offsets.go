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
	"text/tabwriter"

	"github.com/google/subcommands"
	"portalkernel.dev/vmcore/pkg/ring0"
)

// Offsets implements subcommands.Command for the "offsets" command.
type Offsets struct {
	header bool
}

// Name implements subcommands.Command.Name.
func (*Offsets) Name() string {
	return "offsets"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Offsets) Synopsis() string {
	return "print the FlowContext and portal offsets used by the assembly"
}

// Usage implements subcommands.Command.Usage.
func (*Offsets) Usage() string {
	return `offsets [-header] - print the FlowContext and portal offsets.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (o *Offsets) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&o.header, "header", false, "emit flowcontext_riscv64.h instead of a table.")
}

// Execute implements subcommands.Command.Execute.
func (o *Offsets) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if o.header {
		fmt.Print(ring0.AsmHeader())
		return subcommands.ExitSuccess
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	for _, off := range ring0.Offsets() {
		fmt.Fprintf(w, "%s\t%d\n", off.Name, off.Value)
	}
	if err := w.Flush(); err != nil {
		Fatalf("writing offsets: %v", err)
	}
	return subcommands.ExitSuccess
}
