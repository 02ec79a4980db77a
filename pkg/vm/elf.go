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
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"portalkernel.dev/vmcore/pkg/log"
	"portalkernel.dev/vmcore/pkg/riscv"
)

// ErrBadELF is returned for images LoadELF cannot load.
var ErrBadELF = errors.New("bad ELF image")

// Segment is one loadable program header.
type Segment struct {
	FileOffset uint64
	FileSize   uint64
	Vaddr      riscv.Addr
	MemSize    uint64
	Perm       riscv.Perm
}

// VPNs returns the pages the segment occupies.
func (s Segment) VPNs() riscv.VPNRange {
	end, _ := (s.Vaddr + riscv.Addr(s.MemSize)).RoundUp()
	return riscv.VPNRange{
		Start: riscv.VPN(s.Vaddr >> riscv.PageShift),
		End:   riscv.VPN(end >> riscv.PageShift),
	}
}

// Segments validates a RISC-V executable and returns its PT_LOAD headers.
func Segments(f *elf.File) ([]Segment, error) {
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("class %v: %w", f.Class, ErrBadELF)
	}
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("machine %v: %w", f.Machine, ErrBadELF)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("type %v: %w", f.Type, ErrBadELF)
	}
	var segs []Segment
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Filesz > p.Memsz {
			return nil, fmt.Errorf("segment at %#x: file size %#x exceeds memory size %#x: %w", p.Vaddr, p.Filesz, p.Memsz, ErrBadELF)
		}
		// The file offset and the address must agree within a page.
		if p.Vaddr%riscv.PageSize != p.Off%riscv.PageSize {
			return nil, fmt.Errorf("segment at %#x: offset %#x not congruent: %w", p.Vaddr, p.Off, ErrBadELF)
		}
		if _, ok := riscv.Addr(p.Vaddr + p.Memsz).RoundUp(); !ok || p.Vaddr+p.Memsz < p.Vaddr {
			return nil, fmt.Errorf("segment at %#x wraps: %w", p.Vaddr, ErrBadELF)
		}
		perm := riscv.User | riscv.Valid
		if p.Flags&elf.PF_R != 0 {
			perm |= riscv.Read
		}
		if p.Flags&elf.PF_W != 0 {
			perm |= riscv.Write
		}
		if p.Flags&elf.PF_X != 0 {
			perm |= riscv.Execute
		}
		segs = append(segs, Segment{
			FileOffset: p.Off,
			FileSize:   p.Filesz,
			Vaddr:      riscv.Addr(p.Vaddr),
			MemSize:    p.Memsz,
			Perm:       perm,
		})
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("no loadable segments: %w", ErrBadELF)
	}
	return segs, nil
}

// imageSize returns the length of the image behind r when r can report it.
func imageSize(r io.ReaderAt) (int64, bool) {
	switch r := r.(type) {
	case interface{ Size() int64 }:
		return r.Size(), true
	case interface{ Stat() (fs.FileInfo, error) }:
		if fi, err := r.Stat(); err == nil && fi.Mode().IsRegular() {
			return fi.Size(), true
		}
	}
	return 0, false
}

// LoadELF maps every loadable segment of the image in r into as with one Map
// call each and returns the entry point.
//
// Segments that collide with each other or with existing regions are
// rejected with an error, as are segments whose file bytes lie beyond the
// image. Segments mapped before a failure stay mapped; callers discard the
// space.
func LoadELF(as *AddressSpace, r io.ReaderAt) (riscv.Addr, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadELF, err)
	}
	defer f.Close()

	segs, err := Segments(f)
	if err != nil {
		return 0, err
	}
	size, known := imageSize(r)
	for _, s := range segs {
		vpns := s.VPNs()
		if vpns.End > as.Format().MaxVPN() {
			return 0, fmt.Errorf("segment %v outside %s: %w", vpns, as.Format().Name(), ErrBadELF)
		}
		if m, ok := as.overlapping(vpns); ok {
			return 0, fmt.Errorf("segment %v overlaps %v: %w", vpns, m, ErrBadELF)
		}
		if s.FileOffset+s.FileSize < s.FileOffset || (known && s.FileOffset+s.FileSize > uint64(size)) {
			return 0, fmt.Errorf("segment at %v: file bytes [%#x, +%#x) beyond image of %#x: %w", s.Vaddr, s.FileOffset, s.FileSize, size, ErrBadELF)
		}
		data, err := io.ReadAll(io.NewSectionReader(r, int64(s.FileOffset), int64(s.FileSize)))
		if err != nil {
			return 0, fmt.Errorf("reading segment at %v: %w", s.Vaddr, err)
		}
		if uint64(len(data)) != s.FileSize {
			return 0, fmt.Errorf("segment at %v: read %#x of %#x file bytes: %w", s.Vaddr, len(data), s.FileSize, ErrBadELF)
		}
		if err := as.Map(vpns, data, s.Vaddr.PageOffset(), s.Perm); err != nil {
			return 0, err
		}
		log.Debugf("elf: mapped %v %v (%d file bytes)", vpns, s.Perm, s.FileSize)
	}
	return riscv.Addr(f.Entry), nil
}
