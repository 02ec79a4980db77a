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
	"fmt"
	"strings"
)

// Perm is a set of page-table entry flags. The low eight bits are the
// architectural flags; Owned lives in the first software-reserved bit.
type Perm uint16

// Page-table entry flags.
const (
	Valid Perm = 1 << iota
	Read
	Write
	Execute
	User
	Global
	Accessed
	Dirty

	// Owned marks a leaf whose frame was allocated by the address space
	// and must be freed when the space is released.
	Owned
)

// Common permission combinations.
const (
	ReadOnly     = Valid | Read
	ReadWrite    = Valid | Read | Write
	ReadExecute  = Valid | Read | Execute
	UserRead     = User | ReadOnly
	UserRW       = User | ReadWrite
	UserRX       = User | ReadExecute
	permBits     = 9
	archPermMask = Perm(0xff)
)

// permLetters names each bit, lowest first.
const permLetters = "VRWXUGADO"

// Contains returns true if every bit of o is set in p.
func (p Perm) Contains(o Perm) bool {
	return p&o == o
}

// Arch returns p without software bits.
func (p Perm) Arch() Perm {
	return p & archPermMask
}

// IsLeaf returns true if p describes a leaf rather than a pointer to the
// next table level.
func (p Perm) IsLeaf() bool {
	return p&(Read|Write|Execute) != 0
}

// String renders p most significant bit first, with '_' for clear bits and
// leading clear bits trimmed, so ReadWrite|User renders "U_WRV".
func (p Perm) String() string {
	var b strings.Builder
	started := false
	for i := permBits - 1; i >= 0; i-- {
		if p&(1<<i) != 0 {
			b.WriteByte(permLetters[i])
			started = true
		} else if started {
			b.WriteByte('_')
		}
	}
	if !started {
		return "_"
	}
	return b.String()
}

// ParsePerm parses the notation produced by Perm.String. The last character
// is bit 0; each character is either that bit's letter or '_'.
func ParsePerm(s string) (Perm, error) {
	if len(s) == 0 || len(s) > permBits {
		return 0, fmt.Errorf("invalid permission %q: length must be 1..%d", s, permBits)
	}
	var p Perm
	for i := 0; i < len(s); i++ {
		bit := len(s) - 1 - i
		switch c := s[i]; c {
		case '_':
		case permLetters[bit]:
			p |= 1 << bit
		default:
			return 0, fmt.Errorf("invalid permission %q: %q at bit %d, want %q or '_'", s, c, bit, permLetters[bit])
		}
	}
	return p, nil
}

// MustParsePerm is ParsePerm for constant strings.
func MustParsePerm(s string) Perm {
	p, err := ParsePerm(s)
	if err != nil {
		panic(err)
	}
	return p
}
