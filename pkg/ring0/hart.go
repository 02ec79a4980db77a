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
	"errors"
	"fmt"

	"portalkernel.dev/vmcore/pkg/atomicbitops"
	"portalkernel.dev/vmcore/pkg/log"
	"portalkernel.dev/vmcore/pkg/riscv"
)

// State is where a hart is in the trap state machine.
type State int

// Hart states. A hart moves Restoring -> Running -> Trapped and back, once
// per trip through user mode.
const (
	// StateKernel is the state after boot, before the first switch.
	StateKernel State = iota

	// StateRestoring is set while the restore or portal-enter sequence
	// runs.
	StateRestoring

	// StateRunning is set while the hart executes in user mode.
	StateRunning

	// StateTrapped is set from trap delivery until the kernel switches
	// again.
	StateTrapped

	// StateWedged is terminal: transit code faulted.
	StateWedged
)

var stateNames = [...]string{"kernel", "restoring", "running", "trapped", "wedged"}

// String implements fmt.Stringer.String.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrWedged is returned once transit code has faulted. A wedged hart cannot
// run again.
var ErrWedged = errors.New("hart wedged")

// maxTransitSteps bounds a single stretch of supervisor execution. Every
// transit sequence is straight-line code far shorter than this.
const maxTransitSteps = 1024

// Trap describes the trap that returned control to the kernel.
type Trap struct {
	Cause riscv.Cause
	// Tval is stval.
	Tval uint64
	// PC is sepc.
	PC uint64
}

// String implements fmt.Stringer.String.
func (t Trap) String() string {
	return fmt.Sprintf("%v (stval %#x) at pc %#x", t.Cause, t.Tval, t.PC)
}

// TrapError reports a trap the kernel has no handler for.
type TrapError struct {
	Trap
}

// Error implements error.Error.
func (e *TrapError) Error() string {
	return "unhandled trap: " + e.Trap.String()
}

// sstatusMask holds the sstatus bits the hart implements.
const sstatusMask = riscv.SstatusSIE | riscv.SstatusSPIE | riscv.SstatusSPP | riscv.SstatusSUM | riscv.SstatusMXR

// Hart is an emulated hardware thread. It executes the trampoline and portal
// images and user programs with RV64I semantics for the subset those use,
// and returns to its caller whenever a trap path reaches the kernel's
// return address.
//
// A Hart is not safe for concurrent use; each is driven by one goroutine.
type Hart struct {
	// ID is the hart number, also its portal slot.
	ID int

	k       *Kernel
	mmu     MMU
	regs    [riscv.NumRegs]uint64
	pc      uint64
	mode    Mode
	state   State
	transit int
	budget  int

	sstatus  uint64
	stvec    uint64
	sscratch uint64
	sepc     uint64
	scause   uint64
	stval    uint64
	satp     uint64

	// retired counts executed instructions.
	retired atomicbitops.Uint64
}

// NewHart boots hart id of k: supervisor mode in the hart's kernel space,
// stvec at the trampoline entry, and that space's satp in sscratch for the
// trap entry to find. It panics if id is not a portal slot of k or the
// hart's kernel space cannot be built.
func NewHart(id int, k *Kernel) *Hart {
	hs, err := k.hart(id)
	if err != nil {
		panic(fmt.Sprintf("booting hart: %v", err))
	}
	h := &Hart{
		ID:    id,
		k:     k,
		mmu:   newMMU(k.Space.PageManager()),
		mode:  ModeSupervisor,
		state: StateKernel,
	}
	satp := hs.space.Satp()
	h.SetSatp(satp)
	h.sscratch = satp
	h.stvec = uint64(k.Trampoline.EntryAddr())
	resume := hs.stack.Context()
	for _, r := range kernelRegs {
		h.regs[r] = resume.Reg(r)
	}
	return h
}

// SetSatp installs satp and flushes the MMU. It implements vm.SatpWriter.
func (h *Hart) SetSatp(satp uint64) {
	h.satp = satp
	h.mmu.Flush()
}

// Satp returns the active satp image.
func (h *Hart) Satp() uint64 {
	return h.satp
}

// State returns the hart's state.
func (h *Hart) State() State {
	return h.state
}

// Mode returns the current privilege mode.
func (h *Hart) Mode() Mode {
	return h.mode
}

// Reg returns the current value of r.
func (h *Hart) Reg(r riscv.Reg) uint64 {
	return h.regs[r]
}

// CSR returns the value of a supervisor CSR the hart implements.
func (h *Hart) CSR(c riscv.CSR) (uint64, bool) {
	p := h.csr(c)
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Retired returns the number of instructions executed.
func (h *Hart) Retired() uint64 {
	return h.retired.Load()
}

// Walks returns the number of page-table walks the MMU has done.
func (h *Hart) Walks() uint64 {
	return h.mmu.Walks()
}

// prepare readies the hart to leave the kernel: back in the kernel space,
// returning to user mode with interrupts enabled there.
func (h *Hart) prepare() error {
	if h.state == StateWedged {
		return fmt.Errorf("hart %d: %w", h.ID, ErrWedged)
	}
	if h.mode != ModeSupervisor {
		panic(fmt.Sprintf("hart %d switching from %v mode", h.ID, h.mode))
	}
	h.sstatus = h.sstatus&^riscv.SstatusSPP | riscv.SstatusSPIE
	h.budget = h.k.Quantum
	h.transit = 0
	h.state = StateRestoring
	return nil
}

// SwitchToUser resumes the context saved at the top of the space selected
// by satp through the trampoline restore routine, and runs until a trap
// brings the hart back to the kernel.
func (h *Hart) SwitchToUser(satp uint64) (Trap, error) {
	if err := h.prepare(); err != nil {
		return Trap{}, err
	}
	h.regs[riscv.A0] = satp
	h.pc = uint64(h.k.Trampoline.RestoreAddr())
	return h.run()
}

// EnterPortal runs fc in its own space through the hart's portal slot, and
// copies the context back into fc when the foreign code traps. The kernel's
// trap vector and scratch register are restored on the way back.
func (h *Hart) EnterPortal(fc *ForeignContext) (Trap, error) {
	if err := h.prepare(); err != nil {
		return Trap{}, err
	}
	p := h.k.Portal
	p.Load(h.ID, fc)
	h.regs[riscv.A0] = uint64(p.SlotAddr(h.ID))
	h.regs[riscv.RA] = uint64(h.k.Return)
	h.pc = uint64(p.EnterAddr())
	t, err := h.run()
	if err != nil {
		return t, err
	}
	p.Store(h.ID, fc)
	return t, nil
}

func (h *Hart) run() (Trap, error) {
	ret := uint64(h.k.Return)
	for {
		switch h.mode {
		case ModeSupervisor:
			if h.pc == ret {
				return Trap{Cause: riscv.Cause(h.scause), Tval: h.stval, PC: h.sepc}, nil
			}
			h.transit++
			if h.transit > maxTransitSteps {
				return Trap{}, h.wedge(exception{riscv.SupervisorTimerInterrupt, 0})
			}
		case ModeUser:
			if h.budget <= 0 {
				h.takeTrap(riscv.SupervisorTimerInterrupt, 0)
				continue
			}
			h.budget--
		}
		if exc := h.step(); exc != nil {
			if h.mode == ModeSupervisor {
				return Trap{}, h.wedge(*exc)
			}
			h.takeTrap(exc.cause, exc.tval)
		}
	}
}

// wedge stops the hart for good. Transit code has no handler to fall back
// on: a fault there means the contract between the spaces is broken.
func (h *Hart) wedge(e exception) error {
	h.state = StateWedged
	log.Warningf("hart %d wedged: %v (stval %#x) at pc %#x, satp %#x", h.ID, e.cause, e.tval, h.pc, h.satp)
	return fmt.Errorf("hart %d: %v (stval %#x) at pc %#x: %w", h.ID, e.cause, e.tval, h.pc, ErrWedged)
}

// takeTrap delivers a trap to stvec in supervisor mode.
func (h *Hart) takeTrap(cause riscv.Cause, tval uint64) {
	h.sepc = h.pc
	h.scause = uint64(cause)
	h.stval = tval
	if h.mode == ModeSupervisor {
		h.sstatus |= riscv.SstatusSPP
	} else {
		h.sstatus &^= riscv.SstatusSPP
	}
	if h.sstatus&riscv.SstatusSIE != 0 {
		h.sstatus |= riscv.SstatusSPIE
	} else {
		h.sstatus &^= riscv.SstatusSPIE
	}
	h.sstatus &^= riscv.SstatusSIE
	h.mode = ModeSupervisor
	h.pc = h.stvec &^ 3
	h.transit = 0
	h.state = StateTrapped
	if log.IsLogging(log.Debug) {
		log.Debugf("hart %d: trap %v (stval %#x) at pc %#x", h.ID, cause, tval, h.sepc)
	}
}

func (h *Hart) sret() {
	spp := h.sstatus&riscv.SstatusSPP != 0
	if h.sstatus&riscv.SstatusSPIE != 0 {
		h.sstatus |= riscv.SstatusSIE
	} else {
		h.sstatus &^= riscv.SstatusSIE
	}
	h.sstatus = h.sstatus&^riscv.SstatusSPP | riscv.SstatusSPIE
	h.pc = h.sepc
	if spp {
		return
	}
	h.mode = ModeUser
	h.state = StateRunning
}

func (h *Hart) csr(c riscv.CSR) *uint64 {
	switch c {
	case riscv.CSRSstatus:
		return &h.sstatus
	case riscv.CSRStvec:
		return &h.stvec
	case riscv.CSRSscratch:
		return &h.sscratch
	case riscv.CSRSepc:
		return &h.sepc
	case riscv.CSRScause:
		return &h.scause
	case riscv.CSRStval:
		return &h.stval
	case riscv.CSRSatp:
		return &h.satp
	default:
		return nil
	}
}

func (h *Hart) writeCSR(p *uint64, c riscv.CSR, v uint64) {
	switch c {
	case riscv.CSRSstatus:
		v &= sstatusMask
	case riscv.CSRSepc:
		v &^= 1
	}
	*p = v
}

func (h *Hart) setReg(r riscv.Reg, v uint64) {
	if r != riscv.Zero {
		h.regs[r] = v
	}
}

func (h *Hart) fetch() (uint32, *exception) {
	if h.pc&3 != 0 {
		return 0, &exception{riscv.InstructionMisaligned, h.pc}
	}
	page, off, exc := h.mmu.translate(h.satp, h.pc, riscv.Execute, h.mode, h.sstatus)
	if exc != nil {
		return 0, exc
	}
	return binary.LittleEndian.Uint32(page[off:]), nil
}

func (h *Hart) load64(addr uint64) (uint64, *exception) {
	if addr&7 != 0 {
		return 0, &exception{riscv.LoadMisaligned, addr}
	}
	page, off, exc := h.mmu.translate(h.satp, addr, riscv.Read, h.mode, h.sstatus)
	if exc != nil {
		return 0, exc
	}
	return binary.LittleEndian.Uint64(page[off:]), nil
}

func (h *Hart) store64(addr, v uint64) *exception {
	if addr&7 != 0 {
		return &exception{riscv.StoreMisaligned, addr}
	}
	page, off, exc := h.mmu.translate(h.satp, addr, riscv.Write, h.mode, h.sstatus)
	if exc != nil {
		return exc
	}
	binary.LittleEndian.PutUint64(page[off:], v)
	return nil
}

// step executes one instruction. On exception nothing has changed and pc
// still names the faulting instruction.
func (h *Hart) step() *exception {
	w, exc := h.fetch()
	if exc != nil {
		return exc
	}
	i := riscv.Decode(w)
	illegal := &exception{riscv.IllegalInstruction, uint64(w)}
	rs1, rs2 := h.regs[i.Rs1], h.regs[i.Rs2]
	next := h.pc + 4

	switch i.Opcode {
	case riscv.OpLUI:
		h.setReg(i.Rd, uint64(i.Imm))
	case riscv.OpImm:
		if i.Funct3 != 0 {
			return illegal
		}
		h.setReg(i.Rd, rs1+uint64(i.Imm))
	case riscv.OpReg:
		switch {
		case i.Funct3 == 0 && i.Funct7 == 0:
			h.setReg(i.Rd, rs1+rs2)
		case i.Funct3 == 0 && i.Funct7 == 0x20:
			h.setReg(i.Rd, rs1-rs2)
		default:
			return illegal
		}
	case riscv.OpLoad:
		if i.Funct3 != 3 {
			return illegal
		}
		v, exc := h.load64(rs1 + uint64(i.Imm))
		if exc != nil {
			return exc
		}
		h.setReg(i.Rd, v)
	case riscv.OpStore:
		if i.Funct3 != 3 {
			return illegal
		}
		if exc := h.store64(rs1+uint64(i.Imm), rs2); exc != nil {
			return exc
		}
	case riscv.OpJAL:
		h.setReg(i.Rd, next)
		next = h.pc + uint64(i.Imm)
	case riscv.OpJALR:
		if i.Funct3 != 0 {
			return illegal
		}
		target := (rs1 + uint64(i.Imm)) &^ 1
		h.setReg(i.Rd, next)
		next = target
	case riscv.OpBranch:
		var taken bool
		switch i.Funct3 {
		case 0:
			taken = rs1 == rs2
		case 1:
			taken = rs1 != rs2
		default:
			return illegal
		}
		if taken {
			next = h.pc + uint64(i.Imm)
		}
	case riscv.OpSystem:
		if exc := h.system(i, rs1, &next); exc != nil {
			return exc
		}
	default:
		return illegal
	}
	h.pc = next
	h.retired.Add(1)
	return nil
}

func (h *Hart) system(i riscv.Insn, rs1 uint64, next *uint64) *exception {
	illegal := &exception{riscv.IllegalInstruction, uint64(i.Raw)}
	if i.Raw == riscv.InsnEcall {
		if h.mode == ModeUser {
			return &exception{riscv.UserEnvCall, 0}
		}
		return &exception{riscv.SupervisorEnvCall, 0}
	}
	if h.mode != ModeSupervisor {
		return illegal
	}
	switch {
	case i.Raw == riscv.InsnSret:
		h.sret()
		*next = h.pc
	case riscv.IsSfenceVMA(i.Raw):
		h.mmu.Flush()
	case i.Funct3 == riscv.FuncCSRRW || i.Funct3 == riscv.FuncCSRRS:
		c := i.CSR()
		p := h.csr(c)
		if p == nil {
			return illegal
		}
		old := *p
		switch {
		case i.Funct3 == riscv.FuncCSRRW:
			h.writeCSR(p, c, rs1)
		case i.Rs1 != riscv.Zero:
			h.writeCSR(p, c, old|rs1)
		}
		h.setReg(i.Rd, old)
	default:
		return illegal
	}
	return nil
}
