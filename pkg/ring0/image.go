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
	"encoding/binary"
	"fmt"

	"portalkernel.dev/vmcore/pkg/riscv"
)

// program is a straight-line instruction sequence.
type program struct {
	words []uint32
}

func (p *program) emit(w ...uint32) {
	p.words = append(p.words, w...)
}

func (p *program) sd(rs, base riscv.Reg, off int64) {
	p.emit(riscv.EncodeSD(rs, base, int32(off)))
}

func (p *program) ld(rd, base riscv.Reg, off int64) {
	p.emit(riscv.EncodeLD(rd, base, int32(off)))
}

func (p *program) csrr(rd riscv.Reg, csr riscv.CSR) {
	p.emit(riscv.EncodeCSRR(rd, csr))
}

func (p *program) csrw(csr riscv.CSR, rs riscv.Reg) {
	p.emit(riscv.EncodeCSRW(csr, rs))
}

// size returns the length of the sequence in bytes.
func (p *program) size() int {
	return 4 * len(p.words)
}

// writeTo copies the sequence into page at off. The sequence must end
// before limit.
func (p *program) writeTo(page []byte, off, limit int) {
	if off+p.size() > limit {
		panic(fmt.Sprintf("code at %#x is %d bytes, overruns %#x", off, p.size(), limit))
	}
	for i, w := range p.words {
		binary.LittleEndian.PutUint32(page[off+4*i:], w)
	}
}

// kernelRegs are the registers the kernel resumes with after a trap. s11 is
// Go's g.
var kernelRegs = []riscv.Reg{riscv.SP, riscv.RA, riscv.GP, riscv.TP, riscv.S11}

// trapEntryCode saves the interrupted context at X0-relative offsets,
// switches to the kernel satp held in sscratch and returns into the kernel
// through the kernel's own slot at the same addresses.
func trapEntryCode() *program {
	var p program
	for _, r := range flowRegs {
		p.sd(r, riscv.Zero, int64(FlowOffset(r)))
	}
	p.csrr(riscv.T1, riscv.CSRSepc)
	p.sd(riscv.T1, riscv.Zero, int64(FlowPCOffset))
	p.csrr(riscv.T0, riscv.CSRSatp)
	p.sd(riscv.T0, riscv.Zero, int64(FlowSatpOffset))
	p.csrr(riscv.T0, riscv.CSRSscratch)
	p.csrw(riscv.CSRSatp, riscv.T0)
	p.emit(riscv.InsnSfenceVMA)
	for _, r := range kernelRegs {
		p.ld(r, riscv.Zero, int64(FlowOffset(r)))
	}
	p.emit(riscv.EncodeRET())
	return &p
}

// restoreCode switches to the satp in a0 before touching the context, then
// reloads every register from the new space's slot and returns with sret.
func restoreCode() *program {
	var p program
	p.csrw(riscv.CSRSatp, riscv.A0)
	p.emit(riscv.InsnSfenceVMA)
	p.ld(riscv.T1, riscv.Zero, int64(FlowPCOffset))
	p.csrw(riscv.CSRSepc, riscv.T1)
	for _, r := range flowRegs {
		p.ld(r, riscv.Zero, int64(FlowOffset(r)))
	}
	p.emit(riscv.InsnSret)
	return &p
}

// kernelCacheOffsets pairs kernelRegs with their PortalCache fields.
var kernelCacheOffsets = []int64{cacheKernelSP, cacheKernelRA, cacheKernelGP, cacheKernelTP, cacheKernelG}

// portalEnterCode runs in the kernel space with a0 holding the slot
// address. It parks the kernel's registers and trap CSRs in the slot's
// cache, points stvec at the portal trap and sscratch at the slot, switches
// to the slot's satp and resumes the slot's context.
func portalEnterCode() *program {
	var p program
	for i, r := range kernelRegs {
		p.sd(r, riscv.A0, kernelCacheOffsets[i])
	}
	p.csrr(riscv.T0, riscv.CSRStvec)
	p.sd(riscv.T0, riscv.A0, cacheKernelStvec)
	p.csrr(riscv.T0, riscv.CSRSscratch)
	p.sd(riscv.T0, riscv.A0, cacheKernelSscratch)
	p.csrw(riscv.CSRSscratch, riscv.A0)
	p.ld(riscv.T0, riscv.A0, cacheTrapVec)
	p.csrw(riscv.CSRStvec, riscv.T0)
	p.csrr(riscv.T0, riscv.CSRSatp)
	p.sd(riscv.T0, riscv.A0, cacheKernelSatp)
	p.ld(riscv.T0, riscv.A0, cacheSatp)
	p.csrw(riscv.CSRSatp, riscv.T0)
	p.emit(riscv.InsnSfenceVMA)
	p.ld(riscv.T1, riscv.A0, slotCtx+ctxPC)
	p.csrw(riscv.CSRSepc, riscv.T1)
	for _, r := range flowRegs {
		if r != riscv.A0 {
			p.ld(r, riscv.A0, slotCtx+ctxOffset(r))
		}
	}
	p.ld(riscv.A0, riscv.A0, slotCtx+ctxOffset(riscv.A0))
	p.emit(riscv.InsnSret)
	return &p
}

// portalTrapCode is the stvec target while a slot is live. It swaps the
// slot address out of sscratch, saves the foreign context into the slot,
// restores the kernel's satp and trap CSRs and returns to the kernel.
func portalTrapCode() *program {
	var p program
	p.emit(riscv.EncodeCSRRW(riscv.A0, riscv.CSRSscratch, riscv.A0))
	for _, r := range flowRegs {
		if r != riscv.A0 {
			p.sd(r, riscv.A0, slotCtx+ctxOffset(r))
		}
	}
	p.csrr(riscv.T0, riscv.CSRSscratch)
	p.sd(riscv.T0, riscv.A0, slotCtx+ctxOffset(riscv.A0))
	p.csrr(riscv.T1, riscv.CSRSepc)
	p.sd(riscv.T1, riscv.A0, slotCtx+ctxPC)
	p.csrr(riscv.T0, riscv.CSRSatp)
	p.sd(riscv.T0, riscv.A0, slotCtx+ctxSatp)
	p.ld(riscv.T0, riscv.A0, cacheKernelSatp)
	p.csrw(riscv.CSRSatp, riscv.T0)
	p.emit(riscv.InsnSfenceVMA)
	p.ld(riscv.T0, riscv.A0, cacheKernelStvec)
	p.csrw(riscv.CSRStvec, riscv.T0)
	p.ld(riscv.T0, riscv.A0, cacheKernelSscratch)
	p.csrw(riscv.CSRSscratch, riscv.T0)
	for i, r := range kernelRegs {
		p.ld(r, riscv.A0, kernelCacheOffsets[i])
	}
	p.emit(riscv.EncodeRET())
	return &p
}
