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

// Package modem keeps track of the logical modems built out of ports
// that share a physical device.
package modem

import (
	"errors"
	"fmt"

	"github.com/snapcore/modemd/port"
)

// ErrPortOwned is returned when adding a port that is already part of the
// modem.
var ErrPortOwned = errors.New("port already owned by the modem")

// Requirement decides whether the given set of ports is enough for a
// modem to be functional. The plugin creating the modem provides it.
type Requirement func(ports []*port.Device) bool

// RequireSubsystems returns a Requirement met once the modem has at least
// one port of each of the given subsystems.
func RequireSubsystems(subsystems ...string) Requirement {
	return func(ports []*port.Device) bool {
		for _, subsystem := range subsystems {
			found := false
			for _, p := range ports {
				if p.Subsystem() == subsystem {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return len(ports) > 0
	}
}

// Modem is the aggregate of the ports of one physical device.
//
// Modems are only ever touched from the manager loop.
type Modem struct {
	physdev     string
	plugin      string
	requirement Requirement

	ports  []*port.Device
	valid  bool
	closed bool

	id   int
	path string

	// set by the registry
	validityChanged func(m *Modem, valid bool)
	portsChanged    func(m *Modem)
	onClose         func(m *Modem)
}

// New creates an invalid modem without ports, for the physical device at
// physdev, driven by the named plugin.
func New(physdev, plugin string, requirement Requirement) *Modem {
	if requirement == nil {
		requirement = RequireSubsystems()
	}
	return &Modem{
		physdev:     physdev,
		plugin:      plugin,
		requirement: requirement,
	}
}

// PhysicalDevicePath returns the path of the physical device, the key
// the modem is registered under.
func (m *Modem) PhysicalDevicePath() string {
	return m.physdev
}

// Plugin returns the name of the plugin that created the modem.
func (m *Modem) Plugin() string {
	return m.plugin
}

// Ports returns the ports of the modem in the order they were added.
func (m *Modem) Ports() []*port.Device {
	ports := make([]*port.Device, len(m.ports))
	copy(ports, m.ports)
	return ports
}

// PortIDs returns the identities of the ports of the modem.
func (m *Modem) PortIDs() []port.ID {
	ids := make([]port.ID, 0, len(m.ports))
	for _, p := range m.ports {
		ids = append(ids, p.ID())
	}
	return ids
}

// HasPort returns whether the port is part of the modem.
func (m *Modem) HasPort(id port.ID) bool {
	return m.portIndex(id) >= 0
}

func (m *Modem) portIndex(id port.ID) int {
	for i, p := range m.ports {
		if p.ID() == id {
			return i
		}
	}
	return -1
}

// Valid returns whether the modem has collected enough ports to be
// functional.
func (m *Modem) Valid() bool {
	return m.valid
}

// Closed returns whether the modem was destroyed.
func (m *Modem) Closed() bool {
	return m.closed
}

// ID returns the export identifier assigned when the modem became valid,
// or 0.
func (m *Modem) ID() int {
	return m.id
}

// Path returns the object path the modem was exported at, or an empty
// string if it never became valid.
func (m *Modem) Path() string {
	return m.path
}

// AddPort attaches the port to the modem.
func (m *Modem) AddPort(dev *port.Device) error {
	if m.closed {
		return fmt.Errorf("cannot add port %s: modem %s is gone", dev.ID(), m.physdev)
	}
	if m.HasPort(dev.ID()) {
		return ErrPortOwned
	}
	m.ports = append(m.ports, dev)
	m.updateValidity()
	return nil
}

// RemovePort detaches the port from the modem. It returns false if the
// port was not part of the modem.
func (m *Modem) RemovePort(id port.ID) bool {
	idx := m.portIndex(id)
	if idx < 0 {
		return false
	}
	m.ports = append(m.ports[:idx], m.ports[idx+1:]...)
	m.updateValidity()
	return true
}

func (m *Modem) updateValidity() {
	valid := len(m.ports) > 0 && m.requirement(m.ports)
	if valid == m.valid {
		if valid && m.portsChanged != nil {
			m.portsChanged(m)
		}
		return
	}
	m.valid = valid
	if m.validityChanged != nil {
		m.validityChanged(m, valid)
	}
}

// Close destroys the modem. A registered modem is dropped from its
// registry.
func (m *Modem) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.valid = false
	if m.onClose != nil {
		m.onClose(m)
	}
}

func (m *Modem) String() string {
	return fmt.Sprintf("%s modem at %s", m.plugin, m.physdev)
}
