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
	"context"
	"errors"
	"fmt"

	"portalkernel.dev/vmcore/pkg/log"
	"portalkernel.dev/vmcore/pkg/ring0"
	"portalkernel.dev/vmcore/pkg/riscv"
)

// Outcome is what happens to a process after its trap is handled.
type Outcome int

const (
	// Resume runs the process again immediately.
	Resume Outcome = iota

	// Yield puts the process at the back of the run list.
	Yield

	// Exited means the process is gone.
	Exited
)

// String implements fmt.Stringer.String.
func (o Outcome) String() string {
	switch o {
	case Resume:
		return "resume"
	case Yield:
		return "yield"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Stats counts what a Runner has seen.
type Stats struct {
	Traps    uint64
	Syscalls uint64
	Timers   uint64
	Faults   uint64
	Exits    uint64
}

// Runner drives processes on one hart. It keeps a hart-local run list: the
// processes added to it and every child they fork.
type Runner struct {
	k       *Kernel
	h       *ring0.Hart
	foreign bool
	queue   []*Process
	stats   Stats
}

// NewRunner returns a Runner for h. With foreign set, processes run through
// h's portal slot instead of the trampoline.
func (k *Kernel) NewRunner(h *ring0.Hart, foreign bool) *Runner {
	return &Runner{k: k, h: h, foreign: foreign}
}

// Kernel returns the runner's kernel.
func (r *Runner) Kernel() *Kernel {
	return r.k
}

// Hart returns the runner's hart.
func (r *Runner) Hart() *ring0.Hart {
	return r.h
}

// Stats returns the counters so far.
func (r *Runner) Stats() Stats {
	return r.stats
}

// Add appends p to the run list.
func (r *Runner) Add(p *Process) {
	r.queue = append(r.queue, p)
}

// Step runs p until its next trap and handles it. Whenever it returns an
// error p is gone: a wedged hart or a failed syscall tears p down as a fault
// does.
func (r *Runner) Step(p *Process) (Outcome, error) {
	var (
		t   ring0.Trap
		err error
	)
	if r.foreign {
		t, err = r.k.ExecuteForeign(r.h, p)
	} else {
		t, err = r.k.Execute(r.h, p)
	}
	if err != nil {
		r.abandon(p, err)
		return Exited, err
	}
	out, err := r.HandleTrap(p, t)
	if err != nil {
		r.abandon(p, err)
		return Exited, err
	}
	return out, nil
}

// abandon exits p with status -1 unless it has already exited.
func (r *Runner) abandon(p *Process, err error) {
	if q, ok := r.k.Lookup(p.ID); !ok || q != p {
		return
	}
	log.Warningf("hart %d abandoning %v: %v", r.h.ID, p, err)
	r.stats.Exits++
	r.k.Exit(p, -1)
}

// HandleTrap services the trap t that stopped p. Environment calls go to the
// syscall table and timer interrupts yield. Any other cause is fatal for p:
// it is torn down and a *ring0.TrapError is returned.
func (r *Runner) HandleTrap(p *Process, t ring0.Trap) (Outcome, error) {
	r.stats.Traps++
	switch t.Cause {
	case riscv.UserEnvCall:
		r.stats.Syscalls++
		ctx := p.Context()
		ctx.PC += 4
		out, err := r.k.syscalls.Dispatch(r, p, ctx)
		if out == Exited && err == nil {
			r.stats.Exits++
		}
		return out, err
	case riscv.SupervisorTimerInterrupt:
		r.stats.Timers++
		return Yield, nil
	default:
		r.stats.Faults++
		r.stats.Exits++
		r.k.traps.For(t.Cause).Warningf("%v on hart %d: %v", p, r.h.ID, t)
		r.k.Exit(p, -1)
		return Exited, &ring0.TrapError{Trap: t}
	}
}

// Run executes the run list round robin until it is empty. A process that
// faults is torn down and the rest keep running; a wedged hart or a failed
// syscall stops the runner.
func (r *Runner) Run(ctx context.Context) error {
	for len(r.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := r.queue[0]
		r.queue = r.queue[1:]
		for {
			out, err := r.Step(p)
			if err != nil {
				var te *ring0.TrapError
				if errors.As(err, &te) {
					break
				}
				return fmt.Errorf("hart %d running %v: %w", r.h.ID, p, err)
			}
			if out == Yield {
				r.queue = append(r.queue, p)
			}
			if out != Resume {
				break
			}
		}
	}
	log.Debugf("hart %d: run list empty, %+v", r.h.ID, r.stats)
	return nil
}
