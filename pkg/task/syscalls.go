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

package task

import (
	"errors"

	"portalkernel.dev/vmcore/pkg/ring0"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/vm"
)

// System call numbers, as on Linux.
const (
	SysWrite  = 64
	SysExit   = 93
	SysYield  = 124
	SysGetpid = 172
	SysFork   = 220
)

// Error returns, negated into a0.
const (
	errBadFD   = 9
	errNoMem   = 12
	errFault   = 14
	errInvalid = 22
	errNoSys   = 38
)

// maxWrite bounds a single write.
const maxWrite = 1 << 16

// SyscallFunc services one system call. Arguments are in ctx.A, the result
// goes in ctx.A[0]; ctx.PC already points past the ecall.
type SyscallFunc func(r *Runner, p *Process, ctx *ring0.FlowContext) (Outcome, error)

// SyscallTable maps a7 to a handler.
type SyscallTable map[uint64]SyscallFunc

// Dispatch calls the handler for the number in a7. Unknown numbers fail the
// call, not the process.
func (t SyscallTable) Dispatch(r *Runner, p *Process, ctx *ring0.FlowContext) (Outcome, error) {
	fn, ok := t[ctx.A[7]]
	if !ok {
		setErrno(ctx, errNoSys)
		return Resume, nil
	}
	return fn(r, p, ctx)
}

// DefaultSyscalls returns write, exit, sched_yield, getpid and fork.
func DefaultSyscalls() SyscallTable {
	return SyscallTable{
		SysWrite:  sysWrite,
		SysExit:   sysExit,
		SysYield:  sysYield,
		SysGetpid: sysGetpid,
		SysFork:   sysFork,
	}
}

func setErrno(ctx *ring0.FlowContext, errno int64) {
	ctx.A[0] = uint64(-errno)
}

// sysWrite copies the buffer out of user memory. Bad pointers fail the call
// with EFAULT.
func sysWrite(r *Runner, p *Process, ctx *ring0.FlowContext) (Outcome, error) {
	fd, addr, n := ctx.A[0], riscv.Addr(ctx.A[1]), ctx.A[2]
	if fd != 1 && fd != 2 {
		setErrno(ctx, errBadFD)
		return Resume, nil
	}
	if n > maxWrite {
		setErrno(ctx, errInvalid)
		return Resume, nil
	}
	buf := make([]byte, n)
	if err := p.Space.CopyIn(addr, buf); err != nil {
		if errors.Is(err, vm.ErrFault) {
			setErrno(ctx, errFault)
			return Resume, nil
		}
		return Exited, err
	}
	written, err := r.k.console.Write(buf)
	if err != nil {
		return Exited, err
	}
	ctx.A[0] = uint64(written)
	return Resume, nil
}

func sysExit(r *Runner, p *Process, ctx *ring0.FlowContext) (Outcome, error) {
	r.k.Exit(p, int(int32(ctx.A[0])))
	return Exited, nil
}

func sysYield(r *Runner, p *Process, ctx *ring0.FlowContext) (Outcome, error) {
	ctx.A[0] = 0
	return Yield, nil
}

func sysGetpid(r *Runner, p *Process, ctx *ring0.FlowContext) (Outcome, error) {
	ctx.A[0] = uint64(p.ID)
	return Resume, nil
}

// sysFork runs the child on the same hart, after the parent yields.
func sysFork(r *Runner, p *Process, ctx *ring0.FlowContext) (Outcome, error) {
	child, err := r.k.Fork(p)
	if err != nil {
		setErrno(ctx, errNoMem)
		return Resume, nil
	}
	ctx.A[0] = uint64(child.ID)
	r.Add(child)
	return Resume, nil
}
