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

package pagetables

import (
	"portalkernel.dev/vmcore/pkg/sync"
)

// limitASID is the largest ASID expressible in satp.
const limitASID = 1<<16 - 1

// ASIDs is a simple ASID allocator.
//
// ASID 0 is reserved for the kernel space and never handed out.
type ASIDs struct {
	// mu protects below.
	mu sync.Mutex

	// next is the next never-used ASID.
	next uint16

	// limit is the largest ASID handed out.
	limit uint16

	// avail are previously used, now available ASIDs.
	avail []uint16
}

// NewASIDs returns a new ASID allocator handing out [1, limit]. A limit of
// zero or above the satp field width uses the full field.
func NewASIDs(limit int) *ASIDs {
	if limit <= 0 || limit > limitASID {
		limit = limitASID
	}
	return &ASIDs{next: 1, limit: uint16(limit)}
}

// Assign returns a fresh ASID, or false if all are in use. Callers that get
// false may run with ASID 0 and flush on every switch.
func (a *ASIDs) Assign() (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.avail); n > 0 {
		asid := a.avail[n-1]
		a.avail = a.avail[:n-1]
		return asid, true
	}
	if a.next == 0 || a.next > a.limit {
		return 0, false
	}
	asid := a.next
	a.next++
	return asid, true
}

// Drop returns an ASID to the pool. Dropping 0 is a no-op.
func (a *ASIDs) Drop(asid uint16) {
	if asid == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.avail = append(a.avail, asid)
}
