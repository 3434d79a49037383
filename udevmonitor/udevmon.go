// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2018-2026 Canonical Ltd
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

// Package udevmonitor reports the tty, net and usb devices present on
// the system and the ones plugged in or removed later.
package udevmonitor

import (
	"fmt"
	"time"

	"github.com/pilebones/go-udev/crawler"
	"github.com/pilebones/go-udev/netlink"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"github.com/snapcore/modemd/logger"
	"github.com/snapcore/modemd/port"
)

type Interface interface {
	Connect() error
	Disconnect() error
	Run() error
	Stop() error
	Scan() error
}

type DeviceAddedFunc func(dev *port.Device)
type DeviceRemovedFunc func(dev *port.Device)

type netlinkConn interface {
	Connect(mode netlink.Mode) error
	Close() error
	Monitor(queue chan netlink.UEvent, errs chan error, matcher netlink.Matcher) chan struct{}
}

var (
	newNetlinkConn = func() netlinkConn {
		return &netlink.UEventConn{}
	}
	existingDevices = crawler.ExistingDevices
)

// portSubsystems matches the uevents of interest.
const portSubsystems = "^(tty|net|usb)$"

func portMatcher() netlink.Matcher {
	return &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{Env: map[string]string{"SUBSYSTEM": portSubsystems}},
		},
	}
}

// Monitor monitors kernel uevents for modem ports.
type Monitor struct {
	tomb          tomb.Tomb
	deviceAdded   DeviceAddedFunc
	deviceRemoved DeviceRemovedFunc
	netlinkConn   netlinkConn
	// channels used by netlink connection and monitor
	monitorStop   chan struct{}
	netlinkErrors chan error
	netlinkEvents chan netlink.UEvent
	scanRequests  chan chan error
	errorLimit    *rate.Limiter
}

func New(added DeviceAddedFunc, removed DeviceRemovedFunc) *Monitor {
	return &Monitor{
		deviceAdded:   added,
		deviceRemoved: removed,
		netlinkConn:   newNetlinkConn(),
		netlinkEvents: make(chan netlink.UEvent),
		netlinkErrors: make(chan error),
		scanRequests:  make(chan chan error),
		// bursts of errors come from a receive buffer overrun
		errorLimit: rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

func (m *Monitor) Connect() error {
	if m.monitorStop != nil {
		return fmt.Errorf("cannot connect: already connected")
	}
	if err := m.netlinkConn.Connect(netlink.UdevEvent); err != nil {
		return fmt.Errorf("cannot start uevent monitor: %v", err)
	}
	m.monitorStop = m.netlinkConn.Monitor(m.netlinkEvents, m.netlinkErrors, portMatcher())
	return nil
}

func (m *Monitor) Disconnect() error {
	if m.monitorStop == nil {
		return nil
	}
	close(m.monitorStop)
	m.monitorStop = nil
	return m.netlinkConn.Close()
}

// Run enumerates the existing ports and starts a goroutine reporting
// hotplug events. It returns immediately. The goroutine must be stopped
// by calling Stop.
func (m *Monitor) Run() error {
	m.tomb.Go(func() error {
		if err := m.enumerate(); err != nil {
			return m.Disconnect()
		}
		for {
			select {
			case err := <-m.netlinkErrors:
				m.netlinkError(err)
			case ev := <-m.netlinkEvents:
				m.udevEvent(&ev, nil)
			case reply := <-m.scanRequests:
				err := m.enumerate()
				reply <- err
				if err == tomb.ErrDying {
					return m.Disconnect()
				}
			case <-m.tomb.Dying():
				return m.Disconnect()
			}
		}
	})
	return nil
}

// Scan reports the ports present on the system again.
func (m *Monitor) Scan() error {
	reply := make(chan error, 1)
	select {
	case m.scanRequests <- reply:
	case <-m.tomb.Dying():
		return fmt.Errorf("cannot scan devices: monitor stopped")
	}
	if err := <-reply; err != nil {
		return fmt.Errorf("cannot scan devices: %v", err)
	}
	return nil
}

func (m *Monitor) Stop() error {
	m.tomb.Kill(nil)
	return m.tomb.Wait()
}

// enumerate reports the existing devices. Hotplug events arriving in the
// meantime are queued until enumeration finishes; a device reported by
// both is only reported once.
func (m *Monitor) enumerate() error {
	devices := make(chan crawler.Device)
	crawlerErrors := make(chan error)
	crawlerStop := existingDevices(devices, crawlerErrors, portMatcher())

	seen := make(map[string]bool)
	var queued []*netlink.UEvent
	for devices != nil {
		select {
		case dev, ok := <-devices:
			if !ok {
				devices = nil
				break
			}
			if d := m.addDevice(dev.KObj, dev.Env, nil); d != nil {
				seen[d.DevicePath()] = true
			}
		case err := <-crawlerErrors:
			logger.Noticef("cannot enumerate devices: %v", err)
		case err := <-m.netlinkErrors:
			m.netlinkError(err)
		case ev := <-m.netlinkEvents:
			queued = append(queued, &ev)
		case <-m.tomb.Dying():
			select {
			case crawlerStop <- struct{}{}:
			default:
			}
			go drain(devices, crawlerErrors)
			return tomb.ErrDying
		}
	}

	for _, ev := range queued {
		m.udevEvent(ev, seen)
	}
	return nil
}

// drain lets an aborted enumeration run to completion.
func drain(devices chan crawler.Device, errs chan error) {
	for {
		select {
		case _, ok := <-devices:
			if !ok {
				return
			}
		case <-errs:
		}
	}
}

func (m *Monitor) netlinkError(err error) {
	if m.errorLimit.Allow() {
		logger.Noticef("netlink error: %v", err)
	}
}

func (m *Monitor) udevEvent(ev *netlink.UEvent, seen map[string]bool) {
	switch ev.Action {
	case netlink.ADD, netlink.MOVE:
		m.addDevice(ev.KObj, ev.Env, seen)
	case netlink.REMOVE:
		m.removeDevice(ev.KObj, ev.Env)
	default:
	}
}

func (m *Monitor) device(kobj string, env map[string]string) *port.Device {
	dev, err := port.NewDevice(kobj, env)
	if err != nil {
		logger.Debugf("ignoring uevent for %q: %v", kobj, err)
		return nil
	}
	switch dev.Subsystem() {
	case port.SubsystemTTY, port.SubsystemNet:
		if dev.Virtual() || dev.Console() {
			return nil
		}
	case port.SubsystemUSB:
		// usb interfaces come and go with their device
		if dev.Data["DEVTYPE"] != "usb_device" {
			return nil
		}
	default:
		return nil
	}
	if dev.Ignored() {
		logger.Debugf("(%s) ignoring port as requested by udev rules", dev.ID())
		return nil
	}
	return dev
}

func (m *Monitor) addDevice(kobj string, env map[string]string, seen map[string]bool) *port.Device {
	dev := m.device(kobj, env)
	if dev == nil {
		return nil
	}
	if seen[dev.DevicePath()] {
		return nil
	}
	if action := dev.Action(); action != "" {
		logger.Debugf("(%s) uevent %s for %s", dev.ID(), action, dev.Object())
	}
	if m.deviceAdded != nil {
		m.deviceAdded(dev)
	}
	return dev
}

func (m *Monitor) removeDevice(kobj string, env map[string]string) {
	dev := m.device(kobj, env)
	if dev == nil {
		return
	}
	logger.Debugf("(%s) uevent %s for %s", dev.ID(), dev.Action(), dev.Object())
	if m.deviceRemoved != nil {
		m.deviceRemoved(dev)
	}
}
