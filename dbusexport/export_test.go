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

package dbusexport

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

type PropertySetter = propertySetter

func MockExportProperties(f func(conn Conn, path dbus.ObjectPath, props prop.Map) (PropertySetter, error)) (restore func()) {
	old := exportProperties
	exportProperties = f
	return func() { exportProperties = old }
}

func MockConnect(system, session func() (Conn, error)) (restore func()) {
	oldSystem, oldSession := connectSystemBus, connectSessionBus
	connectSystemBus, connectSessionBus = system, session
	return func() {
		connectSystemBus, connectSessionBus = oldSystem, oldSession
	}
}

type PortEntry = portEntry

var PortEntries = portEntries
