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

package modem

import (
	"fmt"
	"sort"

	"github.com/snapcore/modemd/logger"
	"github.com/snapcore/modemd/port"
)

// Exporter publishes valid modems, e.g. on the system bus.
type Exporter interface {
	// Export publishes the modem at m.Path().
	Export(m *Modem) error
	// Update republishes the ports of an exported modem.
	Update(m *Modem)
	// Unexport withdraws a previously exported modem.
	Unexport(m *Modem)
}

// EventType tells what happened to a modem.
type EventType int

const (
	// ModemAdded is sent when a modem becomes valid and gets exported.
	ModemAdded EventType = iota
	// ModemRemoved is sent when an exported modem is withdrawn.
	ModemRemoved
)

func (t EventType) String() string {
	switch t {
	case ModemAdded:
		return "added"
	case ModemRemoved:
		return "removed"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is delivered to registry observers.
type Event struct {
	Type  EventType
	Modem *Modem
}

// Registry owns the map of physical devices to modems.
//
// The registry is not safe for concurrent use; it is only ever used from
// the manager loop.
type Registry struct {
	basePath string
	exporter Exporter

	lastID    int
	modems    map[string]*Modem
	observers []func(Event)
}

// NewRegistry returns a registry exporting valid modems below
// basePath+"/Modems" through exporter, which may be nil.
func NewRegistry(basePath string, exporter Exporter) *Registry {
	return &Registry{
		basePath: basePath,
		exporter: exporter,
		modems:   make(map[string]*Modem),
	}
}

// AddObserver registers f to be called on every added/removed event.
func (r *Registry) AddObserver(f func(Event)) {
	r.observers = append(r.observers, f)
}

func (r *Registry) notify(t EventType, m *Modem) {
	for _, f := range r.observers {
		f(Event{Type: t, Modem: m})
	}
}

// FindByPhysicalDevice returns the modem for the physical device, or nil.
func (r *Registry) FindByPhysicalDevice(physdev string) *Modem {
	return r.modems[physdev]
}

// FindByPort returns the modem owning the port, or nil.
func (r *Registry) FindByPort(id port.ID) *Modem {
	for _, m := range r.modems {
		if m.HasPort(id) {
			return m
		}
	}
	return nil
}

// Add registers a new modem. Adding a modem for a physical device that
// already has one is a no-op, and false is returned.
func (r *Registry) Add(m *Modem) bool {
	if m.closed {
		return false
	}
	if existing := r.modems[m.physdev]; existing != nil {
		if existing != m {
			logger.Debugf("modem for %s already registered", m.physdev)
		}
		return false
	}
	m.validityChanged = r.validityChanged
	m.portsChanged = r.portsChanged
	m.onClose = r.destroy
	r.modems[m.physdev] = m
	logger.Debugf("registered %s", m)

	if m.valid {
		r.validityChanged(m, true)
	}
	return true
}

// Remove unregisters the modem, withdrawing it if it was exported.
func (r *Registry) Remove(m *Modem) {
	r.destroy(m)
}

// DetachPort removes the port from the modem owning it. The modem is
// destroyed when it becomes invalid or is left without ports. The modem
// the port was detached from is returned, or nil if no modem owned it.
func (r *Registry) DetachPort(id port.ID) *Modem {
	m := r.FindByPort(id)
	if m == nil {
		return nil
	}
	m.RemovePort(id)
	if !m.closed && len(m.ports) == 0 {
		r.destroy(m)
	}
	return m
}

// Modems returns all registered modems, valid or not, sorted by physical
// device path.
func (r *Registry) Modems() []*Modem {
	modems := make([]*Modem, 0, len(r.modems))
	for _, m := range r.modems {
		modems = append(modems, m)
	}
	sort.Slice(modems, func(i, j int) bool {
		return modems[i].physdev < modems[j].physdev
	})
	return modems
}

// ValidModems returns the exported modems sorted by export id.
func (r *Registry) ValidModems() []*Modem {
	var valid []*Modem
	for _, m := range r.modems {
		if m.valid {
			valid = append(valid, m)
		}
	}
	sort.Slice(valid, func(i, j int) bool {
		return valid[i].id < valid[j].id
	})
	return valid
}

func (r *Registry) validityChanged(m *Modem, valid bool) {
	if !valid {
		logger.Noticef("%s is no longer functional", m)
		r.destroy(m)
		return
	}

	r.lastID++
	m.id = r.lastID
	m.path = fmt.Sprintf("%s/Modems/%d", r.basePath, m.id)
	if r.exporter != nil {
		if err := r.exporter.Export(m); err != nil {
			logger.Noticef("cannot export %s at %s: %v", m, m.path, err)
		}
	}
	logger.Noticef("%s is now valid, exported at %s", m, m.path)
	r.notify(ModemAdded, m)
}

func (r *Registry) portsChanged(m *Modem) {
	if m.path != "" && r.exporter != nil {
		r.exporter.Update(m)
	}
}

func (r *Registry) destroy(m *Modem) {
	if r.modems[m.physdev] != m {
		return
	}
	delete(r.modems, m.physdev)
	m.validityChanged = nil
	m.portsChanged = nil
	m.onClose = nil

	if m.path != "" {
		if r.exporter != nil {
			r.exporter.Unexport(m)
		}
		r.notify(ModemRemoved, m)
	}
	m.Close()
	logger.Debugf("unregistered %s", m)
}
