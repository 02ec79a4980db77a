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

package vm

import (
	"errors"
	"fmt"

	"portalkernel.dev/vmcore/pkg/log"
	"portalkernel.dev/vmcore/pkg/ring0/pagetables"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/sync"
)

// KernelLayout describes the kernel image and devices. Every range is
// identity mapped: page n of the space maps frame n.
type KernelLayout struct {
	Text   riscv.VPNRange
	Rodata riscv.VPNRange
	Data   riscv.VPNRange
	MMIO   []riscv.VPNRange
}

// Kernel mapping permissions. Kernel pages are global so they survive ASID
// switches.
const (
	kernelText   = riscv.ReadExecute | riscv.Global
	kernelRodata = riscv.ReadOnly | riscv.Global
	kernelData   = riscv.ReadWrite | riscv.Global
	kernelMMIO   = riscv.ReadWrite | riscv.Global
)

func identity(vpns riscv.VPNRange) riscv.PPN {
	return riscv.PPN(vpns.Start)
}

// NewKernelSpace builds a kernel address space from layout. The image and
// devices are mapped in place, so none of their frames are owned.
func NewKernelSpace(format pagetables.Format, pm PageManager, layout KernelLayout) (*AddressSpace, error) {
	as := New(format, pm)
	for _, r := range []struct {
		name string
		vpns riscv.VPNRange
		perm riscv.Perm
	}{
		{"text", layout.Text, kernelText},
		{"rodata", layout.Rodata, kernelRodata},
		{"data", layout.Data, kernelData},
	} {
		if err := as.MapExtern(r.vpns, identity(r.vpns), r.perm); err != nil {
			as.Release()
			return nil, fmt.Errorf("mapping kernel %s: %w", r.name, err)
		}
	}
	for _, mmio := range layout.MMIO {
		if err := as.MapExtern(mmio, identity(mmio), kernelMMIO); err != nil {
			as.Release()
			return nil, fmt.Errorf("mapping MMIO %v: %w", mmio, err)
		}
	}
	return as, nil
}

// kernelSpace is the process-wide kernel address space. It is written once
// at boot; mu serializes later MMIO additions.
var kernelSpace struct {
	once sync.Once
	mu   sync.Mutex
	as   *AddressSpace
	err  error
}

// ErrNoKernelSpace is returned before InitKernelSpace has succeeded.
var ErrNoKernelSpace = errors.New("kernel address space not initialized")

// InitKernelSpace builds the kernel address space on first call. Later calls
// return the same space and ignore their arguments.
func InitKernelSpace(format pagetables.Format, pm PageManager, layout KernelLayout) (*AddressSpace, error) {
	kernelSpace.once.Do(func() {
		kernelSpace.as, kernelSpace.err = NewKernelSpace(format, pm, layout)
		if kernelSpace.err == nil {
			log.Infof("kernel space: root %v, %d sections", kernelSpace.as.RootPPN(), kernelSpace.as.sections.Len())
		}
	})
	return kernelSpace.as, kernelSpace.err
}

// KernelSpace returns the kernel address space. It panics if the space was
// never built.
func KernelSpace() *AddressSpace {
	if kernelSpace.as == nil {
		panic(ErrNoKernelSpace)
	}
	return kernelSpace.as
}

// MapKernelMMIO identity maps a device region into the kernel space after
// boot.
func MapKernelMMIO(vpns riscv.VPNRange) error {
	kernelSpace.mu.Lock()
	defer kernelSpace.mu.Unlock()
	if kernelSpace.as == nil {
		return ErrNoKernelSpace
	}
	return kernelSpace.as.MapExtern(vpns, identity(vpns), kernelMMIO)
}
