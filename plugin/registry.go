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
	"fmt"
	"sort"

	"golang.org/x/xerrors"

	"github.com/snapcore/modemd/logger"
	"github.com/snapcore/modemd/modem"
	"github.com/snapcore/modemd/port"
)

// Factory creates a plugin built into the daemon.
type Factory struct {
	Name string
	// API version the plugin was written against.
	VersionMajor int
	VersionMinor int

	New func() (Plugin, error)
}

var factories []Factory

// Register adds a built-in plugin factory. It is meant to be called from
// init functions.
func Register(f Factory) {
	factories = append(factories, f)
}

// VersionMismatchError is returned for plugins written against another
// API version.
type VersionMismatchError struct {
	Plugin string
	Major  int
	Minor  int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("plugin %q uses API version %d.%d, expected %d.%d", e.Plugin, e.Major, e.Minor, APIMajor, APIMinor)
}

func checkVersion(name string, major, minor int) error {
	if major != APIMajor || minor != APIMinor {
		return &VersionMismatchError{Plugin: name, Major: major, Minor: minor}
	}
	return nil
}

func instantiate(f Factory) (Plugin, error) {
	if err := checkVersion(f.Name, f.VersionMajor, f.VersionMinor); err != nil {
		return nil, err
	}
	if f.New == nil {
		return nil, fmt.Errorf("plugin %q has no constructor", f.Name)
	}
	p, err := f.New()
	if err != nil {
		return nil, xerrors.Errorf("cannot initialize plugin %q: %w", f.Name, err)
	}
	if p.Name() != f.Name {
		return nil, fmt.Errorf("plugin %q reports unexpected name %q", f.Name, p.Name())
	}
	return p, nil
}

func logLoadError(err error) {
	var verr *VersionMismatchError
	if xerrors.As(err, &verr) {
		logger.Noticef("skipping plugin %q: %v", verr.Plugin, err)
		return
	}
	logger.Noticef("cannot load plugin: %v", err)
}

// Registry is the ordered set of plugins arbitration goes through.
type Registry struct {
	plugins []Plugin
	byName  map[string]Plugin
}

// NewRegistry returns a registry of the given plugins, in the given order
// except that sort-last plugins are moved to the end. Plugins with a name
// already seen are dropped.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{byName: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		if _, ok := r.byName[p.Name()]; ok {
			logger.Noticef("plugin %q already loaded, skipping", p.Name())
			continue
		}
		r.byName[p.Name()] = p
		r.plugins = append(r.plugins, p)
	}
	sort.SliceStable(r.plugins, func(i, j int) bool {
		return !r.plugins[i].SortLast() && r.plugins[j].SortLast()
	})
	return r
}

// LoadAll instantiates the built-in plugins and the plugins described in
// dir. Plugins that cannot be loaded are logged and skipped.
func LoadAll(dir string) (*Registry, error) {
	var loaded []Plugin
	for _, f := range factories {
		p, err := instantiate(f)
		if err != nil {
			logLoadError(err)
			continue
		}
		loaded = append(loaded, p)
	}

	described, err := loadDescriptors(dir)
	if err != nil {
		return nil, err
	}
	loaded = append(loaded, described...)

	r := NewRegistry(loaded...)
	for _, p := range r.plugins {
		logger.Debugf("loaded plugin %q", p.Name())
	}
	if len(r.plugins) == 0 {
		logger.Noticef("no plugins loaded")
	}
	return r, nil
}

// Plugins returns the plugins in arbitration order.
func (r *Registry) Plugins() []Plugin {
	plugins := make([]Plugin, len(r.plugins))
	copy(plugins, r.plugins)
	return plugins
}

// ByName returns the named plugin, or nil.
func (r *Registry) ByName(name string) Plugin {
	return r.byName[name]
}

// Names returns the plugin names in arbitration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	return names
}

// GrabIntoModem adds the port to existing when given, or to a new modem
// of the calling plugin with the given requirement. It is the common
// GrabPort implementation.
func GrabIntoModem(p Plugin, dev *port.Device, existing *modem.Modem, requirement modem.Requirement) (*modem.Modem, error) {
	if existing != nil {
		if existing.Plugin() != p.Name() {
			return nil, fmt.Errorf("modem at %s is driven by plugin %q", existing.PhysicalDevicePath(), existing.Plugin())
		}
		if err := existing.AddPort(dev); err != nil {
			return nil, err
		}
		return existing, nil
	}

	m := modem.New(dev.PhysicalDevicePath(), p.Name(), requirement)
	if err := m.AddPort(dev); err != nil {
		return nil, err
	}
	return m, nil
}
