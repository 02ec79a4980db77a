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

package riscv

// CSR is a control and status register number.
type CSR uint16

// Supervisor CSRs used by the trap path.
const (
	CSRSstatus  CSR = 0x100
	CSRSie      CSR = 0x104
	CSRStvec    CSR = 0x105
	CSRSscratch CSR = 0x140
	CSRSepc     CSR = 0x141
	CSRScause   CSR = 0x142
	CSRStval    CSR = 0x143
	CSRSip      CSR = 0x144
	CSRSatp     CSR = 0x180
)

// sstatus bits.
const (
	SstatusSIE  = 1 << 1
	SstatusSPIE = 1 << 5
	SstatusSPP  = 1 << 8
	SstatusSUM  = 1 << 18
	SstatusMXR  = 1 << 19
)

// Fixed instruction encodings.
const (
	InsnSret      uint32 = 0x10200073
	InsnSfenceVMA uint32 = 0x12000073
	InsnEcall     uint32 = 0x00000073
)

// SYSTEM funct3 values.
const (
	FuncCSRRW = 1
	FuncCSRRS = 2
)

func encodeCSR(csr CSR, rs1 Reg, funct3 uint32, rd Reg) uint32 {
	return uint32(csr)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | uint32(OpSystem)
}

// EncodeCSRR encodes "csrr rd, csr" (csrrs rd, csr, zero).
func EncodeCSRR(rd Reg, csr CSR) uint32 {
	return encodeCSR(csr, Zero, FuncCSRRS, rd)
}

// EncodeCSRW encodes "csrw csr, rs" (csrrw zero, csr, rs).
func EncodeCSRW(csr CSR, rs Reg) uint32 {
	return encodeCSR(csr, rs, FuncCSRRW, Zero)
}

// EncodeCSRRW encodes "csrrw rd, csr, rs".
func EncodeCSRRW(rd Reg, csr CSR, rs Reg) uint32 {
	return encodeCSR(csr, rs, FuncCSRRW, rd)
}
