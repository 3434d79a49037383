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

// Package dbusexport publishes the valid modems on the D-Bus.
package dbusexport

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/snapcore/modemd/logger"
	"github.com/snapcore/modemd/modem"
	"github.com/snapcore/modemd/port"
)

const (
	managerInterface        = "org.freedesktop.ModemManager1"
	modemInterface          = "org.freedesktop.ModemManager1.Modem"
	introspectableInterface = "org.freedesktop.DBus.Introspectable"
	propertiesInterface     = "org.freedesktop.DBus.Properties"
)

// Port types, as found in the Ports property.
const (
	portTypeUnknown uint32 = 1
	portTypeNet     uint32 = 2
	portTypeAT      uint32 = 3
)

// Conn is the part of *dbus.Conn used to export objects.
type Conn interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Close() error
}

// Backend answers the calls made on the manager object.
type Backend interface {
	ModemPaths() ([]string, error)
	ScanDevices() error
}

type propertySetter interface {
	SetMust(iface, property string, v interface{})
}

var exportProperties = func(conn Conn, path dbus.ObjectPath, props prop.Map) (propertySetter, error) {
	c, ok := conn.(*dbus.Conn)
	if !ok {
		return nil, fmt.Errorf("cannot export properties on %T", conn)
	}
	return prop.Export(c, path, props)
}

var (
	connectSystemBus  = func() (Conn, error) { return dbus.ConnectSystemBus() }
	connectSessionBus = func() (Conn, error) { return dbus.ConnectSessionBus() }
)

// Exporter publishes modems as objects below a base path, and the
// manager object at the base path itself.
type Exporter struct {
	conn     Conn
	busName  string
	basePath dbus.ObjectPath

	mu    sync.Mutex
	props map[dbus.ObjectPath]propertySetter
}

// New returns an exporter using conn.
func New(conn Conn, busName, basePath string) *Exporter {
	return &Exporter{
		conn:     conn,
		busName:  busName,
		basePath: dbus.ObjectPath(basePath),
		props:    make(map[dbus.ObjectPath]propertySetter),
	}
}

// Connect returns an exporter on the session bus if session is set, on
// the system bus otherwise.
func Connect(session bool, busName, basePath string) (*Exporter, error) {
	connect := connectSystemBus
	if session {
		connect = connectSessionBus
	}
	conn, err := connect()
	if err != nil {
		return nil, fmt.Errorf("cannot connect to the bus: %v", err)
	}
	return New(conn, busName, basePath), nil
}

// Serve exports the manager object and acquires the bus name. Beyond
// this point calls are dispatched to backend.
func (e *Exporter) Serve(backend Backend) error {
	obj := &managerObject{backend: backend}
	if err := e.conn.Export(obj, e.basePath, managerInterface); err != nil {
		return fmt.Errorf("cannot export manager object: %v", err)
	}
	node := &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			managerIntrospection,
		},
	}
	if err := e.conn.Export(introspect.NewIntrospectable(node), e.basePath, introspectableInterface); err != nil {
		return fmt.Errorf("cannot export manager object: %v", err)
	}

	reply, err := e.conn.RequestName(e.busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("cannot obtain bus name %q: %v", e.busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("cannot obtain bus name %q", e.busName)
	}
	return nil
}

// Close disconnects from the bus.
func (e *Exporter) Close() error {
	return e.conn.Close()
}

type portEntry struct {
	Name string
	Type uint32
}

func portEntries(m *modem.Modem) []portEntry {
	ports := m.Ports()
	entries := make([]portEntry, 0, len(ports))
	for _, p := range ports {
		t := portTypeUnknown
		switch p.Subsystem() {
		case port.SubsystemTTY:
			t = portTypeAT
		case port.SubsystemNet:
			t = portTypeNet
		}
		entries = append(entries, portEntry{Name: p.Name(), Type: t})
	}
	return entries
}

// Export publishes the modem at its path and announces it.
func (e *Exporter) Export(m *modem.Modem) error {
	path := dbus.ObjectPath(m.Path())
	if !path.IsValid() {
		return fmt.Errorf("invalid object path %q", path)
	}

	props := prop.Map{
		modemInterface: {
			"Device": {Value: m.PhysicalDevicePath(), Emit: prop.EmitFalse},
			"Plugin": {Value: m.Plugin(), Emit: prop.EmitFalse},
			"Ports":  {Value: portEntries(m), Emit: prop.EmitTrue},
		},
	}
	setter, err := exportProperties(e.conn, path, props)
	if err != nil {
		return fmt.Errorf("cannot export properties: %v", err)
	}
	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			modemIntrospection,
		},
	}
	if err := e.conn.Export(introspect.NewIntrospectable(node), path, introspectableInterface); err != nil {
		if uerr := e.conn.Export(nil, path, propertiesInterface); uerr != nil {
			logger.Noticef("cannot unexport %s from %s: %v", propertiesInterface, path, uerr)
		}
		return fmt.Errorf("cannot export introspection data: %v", err)
	}

	e.mu.Lock()
	e.props[path] = setter
	e.mu.Unlock()

	if err := e.conn.Emit(e.basePath, managerInterface+".DeviceAdded", path); err != nil {
		logger.Noticef("cannot announce %s: %v", path, err)
	}
	return nil
}

// Update refreshes the Ports property of an exported modem.
func (e *Exporter) Update(m *modem.Modem) {
	path := dbus.ObjectPath(m.Path())
	e.mu.Lock()
	setter := e.props[path]
	e.mu.Unlock()
	if setter == nil {
		return
	}
	setter.SetMust(modemInterface, "Ports", portEntries(m))
}

// Unexport withdraws the modem and announces its removal.
func (e *Exporter) Unexport(m *modem.Modem) {
	path := dbus.ObjectPath(m.Path())
	e.mu.Lock()
	_, exported := e.props[path]
	delete(e.props, path)
	e.mu.Unlock()
	if !exported {
		return
	}

	for _, iface := range []string{propertiesInterface, introspectableInterface} {
		if err := e.conn.Export(nil, path, iface); err != nil {
			logger.Noticef("cannot unexport %s from %s: %v", iface, path, err)
		}
	}
	if err := e.conn.Emit(e.basePath, managerInterface+".DeviceRemoved", path); err != nil {
		logger.Noticef("cannot announce removal of %s: %v", path, err)
	}
}

type managerObject struct {
	backend Backend
}

func (o *managerObject) EnumerateDevices() ([]dbus.ObjectPath, *dbus.Error) {
	paths, err := o.backend.ModemPaths()
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	objs := make([]dbus.ObjectPath, 0, len(paths))
	for _, p := range paths {
		objs = append(objs, dbus.ObjectPath(p))
	}
	return objs, nil
}

func (o *managerObject) ScanDevices() *dbus.Error {
	if err := o.backend.ScanDevices(); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

var managerIntrospection = introspect.Interface{
	Name: managerInterface,
	Methods: []introspect.Method{
		{Name: "ScanDevices"},
		{
			Name: "EnumerateDevices",
			Args: []introspect.Arg{{Name: "devices", Type: "ao", Direction: "out"}},
		},
	},
	Signals: []introspect.Signal{
		{Name: "DeviceAdded", Args: []introspect.Arg{{Name: "modem", Type: "o"}}},
		{Name: "DeviceRemoved", Args: []introspect.Arg{{Name: "modem", Type: "o"}}},
	},
}

var modemIntrospection = introspect.Interface{
	Name: modemInterface,
	Properties: []introspect.Property{
		{Name: "Device", Type: "s", Access: "read"},
		{Name: "Plugin", Type: "s", Access: "read"},
		{Name: "Ports", Type: "a(su)", Access: "read"},
	},
}
