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
	"strings"
	"unsafe"

	"portalkernel.dev/vmcore/pkg/riscv"
)

// Offset is a named constant shared with the assembly.
type Offset struct {
	Name  string
	Value int64
}

// flowRegs lists the general registers saved in FlowContext, in field
// order.
var flowRegs = []riscv.Reg{
	riscv.T0, riscv.T1, riscv.T2, riscv.T3, riscv.T4, riscv.T5, riscv.T6,
	riscv.A0, riscv.A1, riscv.A2, riscv.A3, riscv.A4, riscv.A5, riscv.A6, riscv.A7,
	riscv.S0, riscv.S1, riscv.S2, riscv.S3, riscv.S4, riscv.S5,
	riscv.S6, riscv.S7, riscv.S8, riscv.S9, riscv.S10, riscv.S11,
	riscv.GP, riscv.TP, riscv.RA, riscv.SP,
}

// Offsets of the non-register fields within FlowContext.
const (
	ctxSatp = int64(unsafe.Offsetof(FlowContext{}.Satp))
	ctxPC   = int64(unsafe.Offsetof(FlowContext{}.PC))
)

// ctxOffset returns the byte offset of r's field within FlowContext.
func ctxOffset(r riscv.Reg) int64 {
	var c FlowContext
	return int64(uintptr(unsafe.Pointer(c.slot(r))) - uintptr(unsafe.Pointer(&c)))
}

// FlowOffset returns the offset of r's saved value from X0. The result is
// negative: the context ends at the top of the address space.
func FlowOffset(r riscv.Reg) int32 {
	return int32(ctxOffset(r) - FlowContextSize)
}

// X0-relative offsets of the non-register fields.
const (
	FlowSatpOffset = int32(ctxSatp - FlowContextSize)
	FlowPCOffset   = int32(ctxPC - FlowContextSize)
)

// Offsets of PortalCache fields within a PortalSlot.
const (
	cacheSatp           = int64(unsafe.Offsetof(PortalCache{}.Satp))
	cacheKernelSatp     = int64(unsafe.Offsetof(PortalCache{}.KernelSatp))
	cacheKernelStvec    = int64(unsafe.Offsetof(PortalCache{}.KernelStvec))
	cacheKernelSscratch = int64(unsafe.Offsetof(PortalCache{}.KernelSscratch))
	cacheKernelSP       = int64(unsafe.Offsetof(PortalCache{}.KernelSP))
	cacheKernelRA       = int64(unsafe.Offsetof(PortalCache{}.KernelRA))
	cacheKernelGP       = int64(unsafe.Offsetof(PortalCache{}.KernelGP))
	cacheKernelTP       = int64(unsafe.Offsetof(PortalCache{}.KernelTP))
	cacheKernelG        = int64(unsafe.Offsetof(PortalCache{}.KernelG))
	cacheTrapVec        = int64(unsafe.Offsetof(PortalCache{}.TrapVec))

	slotCtx  = int64(unsafe.Offsetof(PortalSlot{}.Context))
	slotSize = int64(unsafe.Sizeof(PortalSlot{}))
)

// Offsets returns every constant the assembly depends on, in header order.
func Offsets() []Offset {
	out := []Offset{
		{"FLOW_SIZE", FlowContextSize},
		{"FLOW_SATP", int64(FlowSatpOffset)},
	}
	for _, r := range flowRegs {
		out = append(out, Offset{"FLOW_" + strings.ToUpper(r.String()), int64(FlowOffset(r))})
	}
	out = append(out, Offset{"FLOW_PC", int64(FlowPCOffset)})

	out = append(out, Offset{"CTX_SATP", ctxSatp})
	for _, r := range flowRegs {
		out = append(out, Offset{"CTX_" + strings.ToUpper(r.String()), ctxOffset(r)})
	}
	out = append(out, Offset{"CTX_PC", ctxPC})

	return append(out,
		Offset{"CACHE_SATP", cacheSatp},
		Offset{"CACHE_KSATP", cacheKernelSatp},
		Offset{"CACHE_KSTVEC", cacheKernelStvec},
		Offset{"CACHE_KSSCRATCH", cacheKernelSscratch},
		Offset{"CACHE_KSP", cacheKernelSP},
		Offset{"CACHE_KRA", cacheKernelRA},
		Offset{"CACHE_KGP", cacheKernelGP},
		Offset{"CACHE_KTP", cacheKernelTP},
		Offset{"CACHE_KG", cacheKernelG},
		Offset{"CACHE_TRAPVEC", cacheTrapVec},
		Offset{"SLOT_CTX", slotCtx},
		Offset{"SLOT_SIZE", slotSize},
		Offset{"PORTAL_SLOTS", portalSlotTable},
	)
}

// headerLicense opens the generated header.
const headerLicense = `// Copyright 2026 The vmcore Authors.
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
`

// AsmHeader renders Offsets as the contents of flowcontext_riscv64.h.
func AsmHeader() string {
	var b strings.Builder
	b.WriteString(headerLicense)
	b.WriteString("\n// Code generated by \"vmcore offsets -header\". DO NOT EDIT.\n\n")
	b.WriteString("// Layout of FlowContext and PortalSlot; see context.go and portal.go.\n")
	b.WriteString("// FLOW_* are offsets from X0, CTX_* from the start of a FlowContext,\n")
	b.WriteString("// CACHE_* and SLOT_* from the start of a PortalSlot, PORTAL_* from the\n")
	b.WriteString("// start of the portal page.\n\n")
	for _, o := range Offsets() {
		fmt.Fprintf(&b, "#define %s %d\n", o.Name, o.Value)
	}
	return b.String()
}
