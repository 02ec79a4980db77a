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

import (
	"encoding/binary"
	"fmt"
)

// ProgramBuilder assembles a program with labels resolved to pc-relative
// offsets, or to absolute addresses from the program's base.
type ProgramBuilder struct {
	base Addr

	// labels maps label names to label objects.
	labels map[string]*label

	// words is the program.
	words []uint32
}

// NewProgramBuilder returns a builder for a program loaded at base.
func NewProgramBuilder(base Addr) *ProgramBuilder {
	return &ProgramBuilder{base: base, labels: map[string]*label{}}
}

type refKind int

const (
	refBranch refKind = iota
	refJump
	refAddress
)

// source is one reference to a label.
type source struct {
	// line is the index of the referencing instruction.
	line int
	kind refKind
}

// label resolves to a word index.
type label struct {
	sources []source

	// target is the word index of the label, or -1 until placed.
	target int
}

func (b *ProgramBuilder) label(name string) *label {
	l, ok := b.labels[name]
	if !ok {
		l = &label{target: -1}
		b.labels[name] = l
	}
	return l
}

func (b *ProgramBuilder) addSource(name string, kind refKind) {
	l := b.label(name)
	l.sources = append(l.sources, source{line: len(b.words), kind: kind})
}

// Add appends instructions.
func (b *ProgramBuilder) Add(words ...uint32) {
	b.words = append(b.words, words...)
}

// AddLI loads a 32-bit constant into rd.
func (b *ProgramBuilder) AddLI(rd Reg, v int32) {
	b.Add(EncodeLI(rd, v)...)
}

// AddSyscall loads nr into a7 and traps.
func (b *ProgramBuilder) AddSyscall(nr int32) {
	b.AddLI(A7, nr)
	b.Add(InsnEcall)
}

// AddBranchLabel adds "beq" (equal) or "bne" (!equal) to a label.
func (b *ProgramBuilder) AddBranchLabel(equal bool, rs1, rs2 Reg, name string) {
	b.addSource(name, refBranch)
	if equal {
		b.Add(EncodeBEQ(rs1, rs2, 0))
	} else {
		b.Add(EncodeBNE(rs1, rs2, 0))
	}
}

// AddJumpLabel adds "jal rd, label".
func (b *ProgramBuilder) AddJumpLabel(rd Reg, name string) {
	b.addSource(name, refJump)
	b.Add(EncodeJAL(rd, 0))
}

// AddAddressLabel loads the absolute address of a label into rd. It always
// takes two instructions.
func (b *ProgramBuilder) AddAddressLabel(rd Reg, name string) {
	b.addSource(name, refAddress)
	b.Add(EncodeLUI(rd, 0), EncodeADDI(rd, rd, 0))
}

// AddLabel places a label at the next instruction.
func (b *ProgramBuilder) AddLabel(name string) error {
	l := b.label(name)
	if l.target != -1 {
		return fmt.Errorf("label %q target already set: %v", name, l.target)
	}
	l.target = len(b.words)
	return nil
}

// AddData appends raw bytes, zero padded to a whole instruction.
func (b *ProgramBuilder) AddData(data []byte) {
	for len(data) > 0 {
		var w [4]byte
		n := copy(w[:], data)
		data = data[n:]
		b.words = append(b.words, binary.LittleEndian.Uint32(w[:]))
	}
}

// Instructions returns the program with every label resolved.
func (b *ProgramBuilder) Instructions() ([]uint32, error) {
	for name, l := range b.labels {
		if l.target == -1 {
			return b.words, fmt.Errorf("label target not set: %v", name)
		}
		for _, s := range l.sources {
			off := int32(l.target-s.line) * 4
			rd := Reg(b.words[s.line] >> 7 & 0x1f)
			switch s.kind {
			case refBranch:
				if off < -4096 || off >= 4096 {
					return b.words, fmt.Errorf("branch to label %q is too far: %d bytes", name, off)
				}
				i := Decode(b.words[s.line])
				if i.Funct3 == funcBEQ {
					b.words[s.line] = EncodeBEQ(i.Rs1, i.Rs2, off)
				} else {
					b.words[s.line] = EncodeBNE(i.Rs1, i.Rs2, off)
				}
			case refJump:
				if off < -1<<20 || off >= 1<<20 {
					return b.words, fmt.Errorf("jump to label %q is too far: %d bytes", name, off)
				}
				b.words[s.line] = EncodeJAL(rd, off)
			case refAddress:
				addr := b.base + Addr(l.target*4)
				if addr >= 0x7ffff800 {
					return b.words, fmt.Errorf("address of label %q is %v, beyond lui/addi reach", name, addr)
				}
				v := int32(addr)
				lo := v << 20 >> 20
				b.words[s.line] = EncodeLUI(rd, uint32(v-lo)>>12)
				b.words[s.line+1] = EncodeADDI(rd, rd, lo)
			}
		}
	}
	return b.words, nil
}

// Bytes returns the resolved program in memory order.
func (b *ProgramBuilder) Bytes() ([]byte, error) {
	words, err := b.Instructions()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4*len(words))
	for _, w := range words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out, nil
}
