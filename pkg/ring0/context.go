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

// Package ring0 provides the trap path shared by every address space: the
// saved register block (FlowContext), the trap stack at the top of each
// space, the trampoline that switches satp on trap entry and return, and the
// portal relay used to run briefly inside a foreign space.
//
// The trap entry and restore sequences exist twice: as riscv64 assembly for
// real hardware, and as instruction images written into the trampoline and
// portal frames, which the emulated Hart executes. Both address the
// FlowContext through the offsets in flowcontext_riscv64.h.
package ring0

import (
	"fmt"

	"portalkernel.dev/vmcore/pkg/riscv"
)

// FlowContext is the register state saved on trap entry.
//
// The layout is a fixed contract with the trap entry assembly: the block
// occupies the top FlowContextSize bytes of the address space, so field f
// lives at X0 + (offset of f) - FlowContextSize. Any change here must be
// matched in flowcontext_riscv64.h.
type FlowContext struct {
	// Satp is the satp image that was active when the trap was taken.
	Satp uint64
	// T holds t0-t6.
	T [7]uint64
	// A holds a0-a7.
	A [8]uint64
	// S holds s0-s11.
	S  [12]uint64
	GP uint64
	TP uint64
	// PC is the interrupted pc (sepc).
	PC uint64
	RA uint64
	SP uint64
}

// FlowContextSize is the size of FlowContext in bytes.
const FlowContextSize = 264

// slot returns the field holding r, or nil for the zero register.
func (c *FlowContext) slot(r riscv.Reg) *uint64 {
	switch {
	case r == riscv.Zero:
		return nil
	case r == riscv.RA:
		return &c.RA
	case r == riscv.SP:
		return &c.SP
	case r == riscv.GP:
		return &c.GP
	case r == riscv.TP:
		return &c.TP
	case r >= riscv.T0 && r <= riscv.T2:
		return &c.T[r-riscv.T0]
	case r >= riscv.T3 && r <= riscv.T6:
		return &c.T[3+r-riscv.T3]
	case r == riscv.S0 || r == riscv.S1:
		return &c.S[r-riscv.S0]
	case r >= riscv.S2 && r <= riscv.S11:
		return &c.S[2+r-riscv.S2]
	case r >= riscv.A0 && r <= riscv.A7:
		return &c.A[r-riscv.A0]
	default:
		panic(fmt.Sprintf("no register %v", r))
	}
}

// Reg returns the saved value of r. The zero register reads as zero.
func (c *FlowContext) Reg(r riscv.Reg) uint64 {
	if p := c.slot(r); p != nil {
		return *p
	}
	return 0
}

// SetReg sets the saved value of r. Writes to the zero register are
// dropped.
func (c *FlowContext) SetReg(r riscv.Reg, v uint64) {
	if p := c.slot(r); p != nil {
		*p = v
	}
}

// Regs returns x0-x31 in register-number order.
func (c *FlowContext) Regs() [riscv.NumRegs]uint64 {
	var regs [riscv.NumRegs]uint64
	for r := riscv.Reg(1); r < riscv.NumRegs; r++ {
		regs[r] = c.Reg(r)
	}
	return regs
}

// ForeignContext is a FlowContext together with the satp of the space it
// belongs to.
type ForeignContext struct {
	Context FlowContext
	Satp    uint64
}
