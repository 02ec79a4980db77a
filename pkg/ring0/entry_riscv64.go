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

//go:build riscv64
// +build riscv64

package ring0

// This is an assembly function.
//
// trapEntry is the trap vector. It saves every register into the
// FlowContext at the top of the interrupted space, switches to the hart's
// kernel satp held in sscratch and jumps to the return address in that
// root's resume frame. It never runs on a Go stack.
func trapEntry()

// restore switches to the satp image in a0 and resumes the FlowContext at
// the top of that space with sret.
func restore()

// portalEnter runs the context in the PortalSlot addressed by a0 inside the
// slot's space.
func portalEnter()

// portalTrap is the trap vector while a portal slot is live.
func portalTrap()

// In Go 1.17+, Go references to assembly functions resolve to an ABIInternal
// wrapper function rather than the function itself. We must reference from
// assembly to get the ABI0 (i.e., primary) address.
func addrOfTrapEntry() uintptr
func addrOfRestore() uintptr
func addrOfPortalEnter() uintptr
func addrOfPortalTrap() uintptr

// Vectors are the host addresses of the transit routines, for copying into
// the trampoline and portal frames of a native kernel.
type Vectors struct {
	TrapEntry   uintptr
	Restore     uintptr
	PortalEnter uintptr
	PortalTrap  uintptr
}

// NativeVectors returns the addresses of the assembly routines.
func NativeVectors() Vectors {
	return Vectors{
		TrapEntry:   addrOfTrapEntry(),
		Restore:     addrOfRestore(),
		PortalEnter: addrOfPortalEnter(),
		PortalTrap:  addrOfPortalTrap(),
	}
}
