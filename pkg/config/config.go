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

// Package config holds the machine configuration read by vmcore, from TOML
// or YAML.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"portalkernel.dev/vmcore/pkg/ring0"
	"portalkernel.dev/vmcore/pkg/ring0/pagetables"
	"portalkernel.dev/vmcore/pkg/riscv"
	"portalkernel.dev/vmcore/pkg/vm"
)

// Config is the configuration of one emulated machine.
type Config struct {
	// Format is the page-table format: sv39, sv48 or sv57.
	Format string `toml:"format" yaml:"format"`

	// RAMBase is the first frame of RAM.
	RAMBase uint64 `toml:"ram_base" yaml:"ram_base"`

	// RAMPages is the size of RAM in frames.
	RAMPages uint64 `toml:"ram_pages" yaml:"ram_pages"`

	// KernelText and KernelData are the sizes of the kernel image
	// sections, in pages, placed at the bottom of RAM.
	KernelText uint64 `toml:"kernel_text" yaml:"kernel_text"`
	KernelData uint64 `toml:"kernel_data" yaml:"kernel_data"`

	// MMIO lists device regions, identity mapped into the kernel space.
	MMIO []Region `toml:"mmio" yaml:"mmio"`

	// StackPages is the trap stack size.
	StackPages uint64 `toml:"stack_pages" yaml:"stack_pages"`

	// UserStackPages is the user stack size.
	UserStackPages uint64 `toml:"user_stack_pages" yaml:"user_stack_pages"`

	// Harts is the number of harts, each with its own portal slot.
	Harts int `toml:"harts" yaml:"harts"`

	// Quantum is the number of user instructions between timer
	// interrupts.
	Quantum int `toml:"quantum" yaml:"quantum"`

	// Debug enables debug logging.
	Debug bool `toml:"debug" yaml:"debug"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format" yaml:"log_format"`
}

// Region is a range of frames.
type Region struct {
	Base  uint64 `toml:"base" yaml:"base"`
	Pages uint64 `toml:"pages" yaml:"pages"`
}

// VPNs returns the identity-mapped pages of the region.
func (r Region) VPNs() riscv.VPNRange {
	return riscv.PageRange(riscv.VPN(r.Base), r.Pages)
}

// Default returns the configuration used without a config file: a QEMU virt
// style machine with 16 MiB of RAM at 0x80000000 and a UART.
func Default() *Config {
	return &Config{
		Format:         "sv39",
		RAMBase:        0x80000,
		RAMPages:       4096,
		KernelText:     16,
		KernelData:     16,
		MMIO:           []Region{{Base: 0x10000, Pages: 1}},
		StackPages:     ring0.DefaultStackPages,
		UserStackPages: 2,
		Harts:          2,
		Quantum:        ring0.DefaultQuantum,
		LogFormat:      "text",
	}
}

// Load reads path over the defaults. Files ending in .yaml or .yml are YAML;
// anything else is TOML. Unknown keys are errors in both.
func Load(path string) (*Config, error) {
	c := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := decodeYAML(path, c); err != nil {
			return nil, err
		}
	default:
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return nil, fmt.Errorf("%s: unknown keys %v", path, keys)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func decodeYAML(path string, c *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// PageTableFormat returns the parsed page-table format.
func (c *Config) PageTableFormat() (pagetables.Format, error) {
	return pagetables.ParseFormat(c.Format)
}

// KernelLayout returns the kernel image layout.
func (c *Config) KernelLayout() vm.KernelLayout {
	base := riscv.VPN(c.RAMBase)
	l := vm.KernelLayout{
		Text: riscv.PageRange(base, c.KernelText),
		Data: riscv.PageRange(base+riscv.VPN(c.KernelText), c.KernelData),
	}
	for _, r := range c.MMIO {
		l.MMIO = append(l.MMIO, r.VPNs())
	}
	return l
}

// ImagePages returns the number of frames the kernel image occupies.
func (c *Config) ImagePages() uint64 {
	return c.KernelText + c.KernelData
}

// Validate checks that the configuration describes a machine that can boot.
func (c *Config) Validate() error {
	if _, err := c.PageTableFormat(); err != nil {
		return err
	}
	if c.RAMPages == 0 {
		return fmt.Errorf("ram_pages must be positive")
	}
	if c.KernelText == 0 {
		return fmt.Errorf("kernel_text must be positive: traps return into it")
	}
	if c.ImagePages() >= c.RAMPages {
		return fmt.Errorf("kernel image of %d pages does not fit in %d pages of RAM", c.ImagePages(), c.RAMPages)
	}
	ram := riscv.PageRange(riscv.VPN(c.RAMBase), c.RAMPages)
	for _, r := range c.MMIO {
		if r.Pages == 0 {
			return fmt.Errorf("empty MMIO region at %#x", r.Base)
		}
		if r.VPNs().Overlaps(ram) {
			return fmt.Errorf("MMIO region %v overlaps RAM %v", r.VPNs(), ram)
		}
	}
	if c.StackPages == 0 {
		return fmt.Errorf("stack_pages must be positive")
	}
	if c.Harts < 1 || c.Harts > ring0.MaxPortalSlots {
		return fmt.Errorf("harts %d out of range [1, %d]", c.Harts, ring0.MaxPortalSlots)
	}
	if c.Quantum <= 0 {
		return fmt.Errorf("quantum must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	return nil
}
