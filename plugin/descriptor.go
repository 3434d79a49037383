// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/snapcore/modemd/modem"
	"github.com/snapcore/modemd/osutil"
	"github.com/snapcore/modemd/port"
)

// Default levels of descriptor plugins without an explicit level.
const (
	defaultDescriptorLevel = 80
	productMatchLevel      = LevelMax
)

type apiVersion struct {
	Major int `yaml:"major"`
	Minor int `yaml:"minor"`
}

// Descriptor is the on-disk description of a plugin that matches ports
// on their attributes only.
type Descriptor struct {
	Name          string     `yaml:"name"`
	APIVersion    apiVersion `yaml:"api-version"`
	VendorIDs     []string   `yaml:"vendor-ids"`
	ProductIDs    []string   `yaml:"product-ids"`
	Drivers       []string   `yaml:"drivers"`
	Subsystems    []string   `yaml:"subsystems"`
	Level         int        `yaml:"level"`
	DeferCount    int        `yaml:"defer-count"`
	RequiredPorts []string   `yaml:"required-ports"`
	SortLast      bool       `yaml:"sort-last"`
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("missing plugin name")
	}
	if err := checkVersion(d.Name, d.APIVersion.Major, d.APIVersion.Minor); err != nil {
		return err
	}
	if len(d.VendorIDs) == 0 && len(d.ProductIDs) == 0 && len(d.Drivers) == 0 {
		return fmt.Errorf("plugin %q matches no vendor, product or driver", d.Name)
	}
	for _, pattern := range d.Drivers {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("plugin %q has invalid driver pattern %q", d.Name, pattern)
		}
	}
	for _, sub := range d.Subsystems {
		if sub != port.SubsystemTTY && sub != port.SubsystemNet {
			return fmt.Errorf("plugin %q handles unsupported subsystem %q", d.Name, sub)
		}
	}
	for _, sub := range d.RequiredPorts {
		if sub != port.SubsystemTTY && sub != port.SubsystemNet {
			return fmt.Errorf("plugin %q requires unsupported port type %q", d.Name, sub)
		}
	}
	if d.Level < LevelUnsupported || d.Level > LevelMax {
		return fmt.Errorf("plugin %q has level %d out of range", d.Name, d.Level)
	}
	if d.DeferCount < 0 {
		return fmt.Errorf("plugin %q has negative defer-count", d.Name)
	}
	return nil
}

// ReadDescriptor reads and validates the plugin descriptor at path.
func ReadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, xerrors.Errorf("cannot parse plugin descriptor %q: %w", path, err)
	}
	if err := d.validate(); err != nil {
		return nil, xerrors.Errorf("invalid plugin descriptor %q: %w", path, err)
	}
	return &d, nil
}

func loadDescriptors(dir string) ([]Plugin, error) {
	if !osutil.IsDirectory(dir) {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.{yaml,yml}")
	if err != nil {
		return nil, fmt.Errorf("cannot list plugin descriptors in %q: %v", dir, err)
	}
	sort.Strings(matches)

	plugins := make([]Plugin, 0, len(matches))
	for _, m := range matches {
		d, err := ReadDescriptor(filepath.Join(dir, m))
		if err != nil {
			logLoadError(err)
			continue
		}
		plugins = append(plugins, NewDescriptorPlugin(d))
	}
	return plugins, nil
}

type descriptorPlugin struct {
	desc       Descriptor
	vendorIDs  map[string]bool
	productIDs map[string]bool

	mu        sync.Mutex
	deferrals map[port.ID]int
}

// NewDescriptorPlugin returns the plugin described by d.
func NewDescriptorPlugin(d *Descriptor) Plugin {
	p := &descriptorPlugin{
		desc:       *d,
		vendorIDs:  idSet(d.VendorIDs),
		productIDs: idSet(d.ProductIDs),
		deferrals:  make(map[port.ID]int),
	}
	if len(p.desc.RequiredPorts) == 0 {
		p.desc.RequiredPorts = []string{port.SubsystemTTY}
	}
	return p
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[strings.ToLower(strings.TrimPrefix(id, "0x"))] = true
	}
	return set
}

func (p *descriptorPlugin) Name() string {
	return p.desc.Name
}

func (p *descriptorPlugin) SortLast() bool {
	return p.desc.SortLast
}

func (p *descriptorPlugin) level(dev *port.Device) int {
	if len(p.desc.Subsystems) > 0 && !contains(p.desc.Subsystems, dev.Subsystem()) {
		return LevelUnsupported
	}
	if len(p.vendorIDs) > 0 && !p.vendorIDs[dev.VendorID()] {
		return LevelUnsupported
	}
	if len(p.productIDs) > 0 && !p.productIDs[dev.ProductID()] {
		return LevelUnsupported
	}
	if len(p.desc.Drivers) > 0 {
		driver := dev.Driver()
		matched := false
		for _, pattern := range p.desc.Drivers {
			if ok, _ := doublestar.Match(pattern, driver); ok && driver != "" {
				matched = true
				break
			}
		}
		if !matched {
			return LevelUnsupported
		}
	}

	switch {
	case p.desc.Level > 0:
		return p.desc.Level
	case len(p.vendorIDs) > 0 && len(p.productIDs) > 0:
		return productMatchLevel
	}
	return defaultDescriptorLevel
}

func (p *descriptorPlugin) SupportsPort(ctx context.Context, dev *port.Device, done SupportsFunc) SupportsResult {
	if dev.Subsystem() != port.SubsystemTTY && dev.Subsystem() != port.SubsystemNet {
		return Unsupported
	}
	level := p.level(dev)
	if level == LevelUnsupported {
		return Unsupported
	}

	if p.desc.DeferCount > 0 {
		p.mu.Lock()
		n := p.deferrals[dev.ID()]
		if n < p.desc.DeferCount {
			p.deferrals[dev.ID()] = n + 1
			p.mu.Unlock()
			return Deferred
		}
		p.mu.Unlock()
	}

	done(ClampLevel(level), nil)
	return InProgress
}

func (p *descriptorPlugin) CancelSupportsPort(dev *port.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.deferrals, dev.ID())
}

func (p *descriptorPlugin) GrabPort(dev *port.Device, existing *modem.Modem) (*modem.Modem, error) {
	return GrabIntoModem(p, dev, existing, modem.RequireSubsystems(p.desc.RequiredPorts...))
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
