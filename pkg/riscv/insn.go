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

import "fmt"

// Opcode is the major opcode of a 32-bit instruction.
type Opcode uint8

// Major opcodes of the RV64I subset used by transit code and test programs.
const (
	OpLoad   Opcode = 0x03
	OpImm    Opcode = 0x13
	OpStore  Opcode = 0x23
	OpReg    Opcode = 0x33
	OpLUI    Opcode = 0x37
	OpBranch Opcode = 0x63
	OpJALR   Opcode = 0x67
	OpJAL    Opcode = 0x6f
	OpSystem Opcode = 0x73
)

// funct3 values.
const (
	funcADDI = 0
	funcADD  = 0
	funcLD   = 3
	funcSD   = 3
	funcBEQ  = 0
	funcBNE  = 1
	funcJALR = 0

	funct7SUB = 0x20
)

// Insn is a decoded instruction. Fields that the format does not carry are
// zero.
type Insn struct {
	Raw    uint32
	Opcode Opcode
	Rd     Reg
	Rs1    Reg
	Rs2    Reg
	Funct3 uint32
	Funct7 uint32
	Imm    int64
}

// CSR returns the CSR number of a SYSTEM instruction.
func (i Insn) CSR() CSR {
	return CSR(i.Raw >> 20)
}

// Decode splits w into its fields and sign-extends its immediate.
func Decode(w uint32) Insn {
	i := Insn{
		Raw:    w,
		Opcode: Opcode(w & 0x7f),
		Rd:     Reg((w >> 7) & 0x1f),
		Funct3: (w >> 12) & 0x7,
		Rs1:    Reg((w >> 15) & 0x1f),
		Rs2:    Reg((w >> 20) & 0x1f),
		Funct7: w >> 25,
	}
	switch i.Opcode {
	case OpLoad, OpImm, OpJALR:
		i.Imm = int64(int32(w) >> 20)
	case OpStore:
		i.Imm = int64(int32(w)>>25)<<5 | int64((w>>7)&0x1f)
	case OpBranch:
		i.Imm = int64(int32(w)>>31)<<12 | int64((w>>7)&1)<<11 | int64((w>>25)&0x3f)<<5 | int64((w>>8)&0xf)<<1
	case OpLUI:
		i.Imm = int64(int32(w & 0xfffff000))
	case OpJAL:
		i.Imm = int64(int32(w)>>31)<<20 | int64((w>>12)&0xff)<<12 | int64((w>>20)&1)<<11 | int64((w>>21)&0x3ff)<<1
	}
	return i
}

func encodeI(op Opcode, funct3 uint32, rd, rs1 Reg, imm int32) uint32 {
	return uint32(imm&0xfff)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | uint32(op)
}

func encodeS(op Opcode, funct3 uint32, rs1, rs2 Reg, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | (u&0x1f)<<7 | uint32(op)
}

func encodeR(op Opcode, funct3, funct7 uint32, rd, rs1, rs2 Reg) uint32 {
	return funct7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | uint32(op)
}

func encodeB(funct3 uint32, rs1, rs2 Reg, off int32) uint32 {
	u := uint32(off)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 |
		funct3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | uint32(OpBranch)
}

// EncodeADDI encodes "addi rd, rs1, imm". imm must fit in 12 signed bits.
func EncodeADDI(rd, rs1 Reg, imm int32) uint32 {
	return encodeI(OpImm, funcADDI, rd, rs1, imm)
}

// EncodeADD encodes "add rd, rs1, rs2".
func EncodeADD(rd, rs1, rs2 Reg) uint32 {
	return encodeR(OpReg, funcADD, 0, rd, rs1, rs2)
}

// EncodeSUB encodes "sub rd, rs1, rs2".
func EncodeSUB(rd, rs1, rs2 Reg) uint32 {
	return encodeR(OpReg, funcADD, funct7SUB, rd, rs1, rs2)
}

// EncodeLUI encodes "lui rd, imm20".
func EncodeLUI(rd Reg, imm20 uint32) uint32 {
	return (imm20&0xfffff)<<12 | uint32(rd)<<7 | uint32(OpLUI)
}

// EncodeLD encodes "ld rd, off(base)".
func EncodeLD(rd, base Reg, off int32) uint32 {
	return encodeI(OpLoad, funcLD, rd, base, off)
}

// EncodeSD encodes "sd rs, off(base)".
func EncodeSD(rs, base Reg, off int32) uint32 {
	return encodeS(OpStore, funcSD, base, rs, off)
}

// EncodeJAL encodes "jal rd, off" relative to the instruction.
func EncodeJAL(rd Reg, off int32) uint32 {
	u := uint32(off)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | uint32(rd)<<7 | uint32(OpJAL)
}

// EncodeJALR encodes "jalr rd, off(rs1)".
func EncodeJALR(rd, rs1 Reg, off int32) uint32 {
	return encodeI(OpJALR, funcJALR, rd, rs1, off)
}

// EncodeRET encodes "ret".
func EncodeRET() uint32 {
	return EncodeJALR(Zero, RA, 0)
}

// EncodeBEQ encodes "beq rs1, rs2, off".
func EncodeBEQ(rs1, rs2 Reg, off int32) uint32 {
	return encodeB(funcBEQ, rs1, rs2, off)
}

// EncodeBNE encodes "bne rs1, rs2, off".
func EncodeBNE(rs1, rs2 Reg, off int32) uint32 {
	return encodeB(funcBNE, rs1, rs2, off)
}

// MaxLI is the largest value EncodeLI can load. Values above it need addiw.
const MaxLI = 0x7ffff7ff

// EncodeLI returns the shortest lui/addi sequence loading the sign-extended
// 32-bit value v into rd. v must not exceed MaxLI.
func EncodeLI(rd Reg, v int32) []uint32 {
	if v >= -2048 && v < 2048 {
		return []uint32{EncodeADDI(rd, Zero, v)}
	}
	if v > MaxLI {
		panic(fmt.Sprintf("li %#x needs addiw", v))
	}
	lo := v << 20 >> 20
	hi := uint32(v-lo) >> 12
	if lo == 0 {
		return []uint32{EncodeLUI(rd, hi)}
	}
	return []uint32{EncodeLUI(rd, hi), EncodeADDI(rd, rd, lo)}
}

// IsSfenceVMA returns true for any form of sfence.vma.
func IsSfenceVMA(w uint32) bool {
	return w&0xfe007fff == InsnSfenceVMA
}
