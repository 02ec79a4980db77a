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

// Cause is an scause value.
type Cause uint64

// InterruptBit is set in scause for asynchronous traps.
const InterruptBit Cause = 1 << 63

// Synchronous exception causes.
const (
	InstructionMisaligned  Cause = 0
	InstructionAccessFault Cause = 1
	IllegalInstruction     Cause = 2
	Breakpoint             Cause = 3
	LoadMisaligned         Cause = 4
	LoadAccessFault        Cause = 5
	StoreMisaligned        Cause = 6
	StoreAccessFault       Cause = 7
	UserEnvCall            Cause = 8
	SupervisorEnvCall      Cause = 9
	InstructionPageFault   Cause = 12
	LoadPageFault          Cause = 13
	StorePageFault         Cause = 15
)

// Interrupt causes.
const (
	SupervisorSoftwareInterrupt = InterruptBit | 1
	SupervisorTimerInterrupt    = InterruptBit | 5
	SupervisorExternalInterrupt = InterruptBit | 9
)

var causeNames = map[Cause]string{
	InstructionMisaligned:       "instruction address misaligned",
	InstructionAccessFault:      "instruction access fault",
	IllegalInstruction:          "illegal instruction",
	Breakpoint:                  "breakpoint",
	LoadMisaligned:              "load address misaligned",
	LoadAccessFault:             "load access fault",
	StoreMisaligned:             "store address misaligned",
	StoreAccessFault:            "store access fault",
	UserEnvCall:                 "environment call from U-mode",
	SupervisorEnvCall:           "environment call from S-mode",
	InstructionPageFault:        "instruction page fault",
	LoadPageFault:               "load page fault",
	StorePageFault:              "store page fault",
	SupervisorSoftwareInterrupt: "supervisor software interrupt",
	SupervisorTimerInterrupt:    "supervisor timer interrupt",
	SupervisorExternalInterrupt: "supervisor external interrupt",
}

// IsInterrupt returns true for asynchronous causes.
func (c Cause) IsInterrupt() bool {
	return c&InterruptBit != 0
}

// Code returns the cause without the interrupt bit.
func (c Cause) Code() uint64 {
	return uint64(c &^ InterruptBit)
}

// String implements fmt.Stringer.String.
func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	if c.IsInterrupt() {
		return fmt.Sprintf("interrupt %d", c.Code())
	}
	return fmt.Sprintf("exception %d", c.Code())
}

// PageFaultFor returns the page-fault cause raised by a failed access of the
// given kind.
func PageFaultFor(access Perm) Cause {
	switch {
	case access.Contains(Execute):
		return InstructionPageFault
	case access.Contains(Write):
		return StorePageFault
	default:
		return LoadPageFault
	}
}

// AccessFaultFor returns the access-fault cause raised when an access of the
// given kind reaches a frame with nothing behind it.
func AccessFaultFor(access Perm) Cause {
	switch {
	case access.Contains(Execute):
		return InstructionAccessFault
	case access.Contains(Write):
		return StoreAccessFault
	default:
		return LoadAccessFault
	}
}
