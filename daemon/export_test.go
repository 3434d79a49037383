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

package daemon

import (
	"net"

	"github.com/gorilla/mux"

	"github.com/snapcore/modemd/plugin"
	"github.com/snapcore/modemd/tracing"
	"github.com/snapcore/modemd/udevmonitor"
)

type BusExporter = busExporter

var LogExporter = logExporter{}

func MockLoadPlugins(f func(dir string) (*plugin.Registry, error)) (restore func()) {
	old := loadPlugins
	loadPlugins = f
	return func() { loadPlugins = old }
}

func MockNewMonitor(f func(added udevmonitor.DeviceAddedFunc, removed udevmonitor.DeviceRemovedFunc) udevmonitor.Interface) (restore func()) {
	old := newMonitor
	newMonitor = f
	return func() { newMonitor = old }
}

func MockConnectBus(f func(session bool, busName, basePath string) (BusExporter, error)) (restore func()) {
	old := connectBus
	connectBus = f
	return func() { connectBus = old }
}

func MockActivationListeners(f func() ([]net.Listener, error)) (restore func()) {
	old := activationListeners
	activationListeners = f
	return func() { activationListeners = old }
}

func MockSdNotify(f func(unsetEnvironment bool, state string) (bool, error)) (restore func()) {
	old := sdNotify
	sdNotify = f
	return func() { sdNotify = old }
}

func (d *Daemon) Router() *mux.Router {
	return d.router
}

func (d *Daemon) MetricsAddr() net.Addr {
	return d.metricsListener.Addr()
}

func MockInitTracing(f func(cfg tracing.Config) (tracing.ShutdownFunc, error)) (restore func()) {
	old := initTracing
	initTracing = f
	return func() { initTracing = old }
}
