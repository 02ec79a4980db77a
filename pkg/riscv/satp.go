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

// SatpMode is the translation mode field of satp.
type SatpMode uint8

// Translation modes.
const (
	ModeBare SatpMode = 0
	ModeSv39 SatpMode = 8
	ModeSv48 SatpMode = 9
	ModeSv57 SatpMode = 10
)

const (
	satpModeShift = 60
	satpASIDShift = 44
	satpASIDMask  = 0xffff
	satpPPNMask   = 1<<44 - 1
)

// MakeSatp builds a satp image selecting root as the page-table root.
func MakeSatp(mode SatpMode, asid uint16, root PPN) uint64 {
	return uint64(mode)<<satpModeShift | uint64(asid)<<satpASIDShift | uint64(root)&satpPPNMask
}

// SatpModeOf extracts the mode field.
func SatpModeOf(satp uint64) SatpMode {
	return SatpMode(satp >> satpModeShift)
}

// SatpASID extracts the address space identifier.
func SatpASID(satp uint64) uint16 {
	return uint16((satp >> satpASIDShift) & satpASIDMask)
}

// SatpPPN extracts the root page-table frame.
func SatpPPN(satp uint64) PPN {
	return PPN(satp & satpPPNMask)
}

// String implements fmt.Stringer.String.
func (m SatpMode) String() string {
	switch m {
	case ModeBare:
		return "bare"
	case ModeSv39:
		return "sv39"
	case ModeSv48:
		return "sv48"
	case ModeSv57:
		return "sv57"
	default:
		return "reserved"
	}
}
