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
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"portalkernel.dev/vmcore/pkg/log"
	"portalkernel.dev/vmcore/pkg/ring0/pagetables"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/sync"
)

var (
	// ErrNoModule is returned for a module name that was never loaded.
	ErrNoModule = errors.New("no such module")

	// ErrModuleLoaded is returned by Load for a name already in use.
	ErrModuleLoaded = errors.New("module already loaded")
)

// Module is an executable image loaded once into its own address space.
// The space owns the image's frames; spaces the module is shared into map
// the same frames without owning them.
type Module struct {
	Name  string
	Entry riscv.Addr
	Space *AddressSpace
}

// Modules is a registry of shared modules by name.
//
// Modules is safe for concurrent use. The module spaces themselves follow
// the AddressSpace rules.
type Modules struct {
	format pagetables.Format
	pm     PageManager

	mu     sync.Mutex
	byName map[string]*Module
}

// NewModules returns an empty registry whose modules are built in format
// spaces over pm.
func NewModules(format pagetables.Format, pm PageManager) *Modules {
	return &Modules{
		format: format,
		pm:     pm,
		byName: make(map[string]*Module),
	}
}

// Load builds a fresh space from the executable in r and registers it as
// name.
func (ms *Modules) Load(name string, r io.ReaderAt) (*Module, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.byName[name]; ok {
		return nil, fmt.Errorf("loading %q: %w", name, ErrModuleLoaded)
	}
	as := New(ms.format, ms.pm)
	entry, err := LoadELF(as, r)
	if err != nil {
		as.Release()
		return nil, fmt.Errorf("loading module %q: %w", name, err)
	}
	m := &Module{Name: name, Entry: entry, Space: as}
	ms.byName[name] = m
	log.Infof("vm: loaded module %q, %d sections, entry %v", name, as.sections.Len(), entry)
	return m, nil
}

// Lookup returns the module registered as name.
func (ms *Modules) Lookup(name string) (*Module, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m, ok := ms.byName[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNoModule)
	}
	return m, nil
}

// Names returns the registered module names in order.
func (ms *Modules) Names() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return slices.Sorted(maps.Keys(ms.byName))
}

// Share maps every section of module name into dst at the module's own
// addresses and permissions. dst does not own the frames: releasing dst
// leaves the module intact, and writes through either space are visible to
// the other.
//
// A section that would overlap a region of dst fails the call before
// anything is mapped.
func (ms *Modules) Share(name string, dst *AddressSpace) error {
	m, err := ms.Lookup(name)
	if err != nil {
		return err
	}
	if dst.Format() != m.Space.Format() {
		return fmt.Errorf("sharing %q: %s space into %s", name, m.Space.Format().Name(), dst.Format().Name())
	}
	sections := m.Space.Sections()
	for _, s := range sections {
		if o, ok := dst.overlapping(s.VPNs); ok {
			return fmt.Errorf("sharing %q: section %v overlaps %v", name, s.VPNs, o)
		}
	}
	for _, s := range sections {
		if err := dst.MapExtern(s.VPNs, s.Base, s.Perm&^riscv.Owned); err != nil {
			return fmt.Errorf("sharing %q: %w", name, err)
		}
	}
	log.Debugf("vm: shared module %q into space %v", name, dst.RootPPN())
	return nil
}

// Release frees every module space. Spaces the modules were shared into
// must already be released.
func (ms *Modules) Release() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for name, m := range ms.byName {
		m.Space.Release()
		delete(ms.byName, name)
	}
}
