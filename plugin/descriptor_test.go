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

package plugin_test

import (
	"context"
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/snapcore/modemd/plugin"
	"github.com/snapcore/modemd/testutil"
)

type descriptorSuite struct {
	testutil.BaseTest
	dir string
}

var _ = Suite(&descriptorSuite{})

func (s *descriptorSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	s.dir = c.MkDir()
}

func (s *descriptorSuite) load(c *C, content string) plugin.Plugin {
	path := filepath.Join(s.dir, "plugin.yaml")
	c.Assert(os.WriteFile(path, []byte(content), 0644), IsNil)
	d, err := plugin.ReadDescriptor(path)
	c.Assert(err, IsNil)
	return plugin.NewDescriptorPlugin(d)
}

type supportsRecorder struct {
	calls int
	level int
	err   error
}

func (r *supportsRecorder) done(level int, err error) {
	r.calls++
	r.level = level
	r.err = err
}

var huaweiTTY = map[string]string{"ID_VENDOR_ID": "12D1", "ID_MODEL_ID": "1506", "ID_USB_DRIVER": "option"}

func (s *descriptorSuite) TestInvalidDescriptors(c *C) {
	for _, t := range []struct {
		content string
		err     string
	}{
		{"name: [", `cannot parse plugin descriptor .*`},
		{"vendor-ids: [12d1]\napi-version: {major: 1}", `invalid plugin descriptor .*: missing plugin name`},
		{"name: x\nvendor-ids: [12d1]", `invalid plugin descriptor .*: plugin "x" uses API version 0.0, expected 1.0`},
		{"name: x\napi-version: {major: 1}", `.*plugin "x" matches no vendor, product or driver`},
		{"name: x\napi-version: {major: 1}\ndrivers: ['[']", `.*plugin "x" has invalid driver pattern "\["`},
		{"name: x\napi-version: {major: 1}\ndrivers: [option]\nsubsystems: [usb]", `.*plugin "x" handles unsupported subsystem "usb"`},
		{"name: x\napi-version: {major: 1}\ndrivers: [option]\nrequired-ports: [usb]", `.*plugin "x" requires unsupported port type "usb"`},
		{"name: x\napi-version: {major: 1}\ndrivers: [option]\nlevel: 101", `.*plugin "x" has level 101 out of range`},
		{"name: x\napi-version: {major: 1}\ndrivers: [option]\ndefer-count: -1", `.*plugin "x" has negative defer-count`},
	} {
		path := filepath.Join(s.dir, "bad.yaml")
		c.Assert(os.WriteFile(path, []byte(t.content), 0644), IsNil)
		_, err := plugin.ReadDescriptor(path)
		c.Check(err, ErrorMatches, t.err, Commentf("%q", t.content))
	}
}

func (s *descriptorSuite) TestVendorAndProductLevels(c *C) {
	vendorOnly := s.load(c, `
name: huawei
api-version: {major: 1, minor: 0}
vendor-ids: ["0x12d1"]
`)
	c.Check(vendorOnly.Name(), Equals, "huawei")
	c.Check(vendorOnly.SortLast(), Equals, false)

	var rec supportsRecorder
	dev := mockPort(c, "tty", "ttyUSB0", "/sys/devices/usb1/1-2", huaweiTTY)
	c.Check(vendorOnly.SupportsPort(context.Background(), dev, rec.done), Equals, plugin.InProgress)
	c.Check(rec, DeepEquals, supportsRecorder{calls: 1, level: 80})

	product := s.load(c, `
name: huawei-e3372
api-version: {major: 1, minor: 0}
vendor-ids: [12d1]
product-ids: [1506]
`)
	rec = supportsRecorder{}
	c.Check(product.SupportsPort(context.Background(), dev, rec.done), Equals, plugin.InProgress)
	c.Check(rec.level, Equals, 100)

	other := mockPort(c, "tty", "ttyUSB1", "/sys/devices/usb1/1-3", map[string]string{"ID_VENDOR_ID": "1199"})
	rec = supportsRecorder{}
	c.Check(product.SupportsPort(context.Background(), other, rec.done), Equals, plugin.Unsupported)
	c.Check(rec.calls, Equals, 0)
}

func (s *descriptorSuite) TestDriverGlobsAndSubsystems(c *C) {
	p := s.load(c, `
name: qmi
api-version: {major: 1, minor: 0}
drivers: ["qmi_*", "cdc_mbim"]
subsystems: [net]
level: 55
`)
	var rec supportsRecorder
	wwan := mockPort(c, "net", "wwan0", "/sys/devices/usb1/1-2", map[string]string{"ID_USB_DRIVER": "qmi_wwan"})
	c.Check(p.SupportsPort(context.Background(), wwan, rec.done), Equals, plugin.InProgress)
	c.Check(rec.level, Equals, 55)

	tty := mockPort(c, "tty", "ttyUSB0", "/sys/devices/usb1/1-2", map[string]string{"ID_USB_DRIVER": "qmi_wwan"})
	c.Check(p.SupportsPort(context.Background(), tty, rec.done), Equals, plugin.Unsupported)

	noDriver := mockPort(c, "net", "eth0", "/sys/devices/pci0/eth", nil)
	c.Check(p.SupportsPort(context.Background(), noDriver, rec.done), Equals, plugin.Unsupported)
	c.Check(rec.calls, Equals, 1)
}

func (s *descriptorSuite) TestUSBPortsUnsupported(c *C) {
	p := s.load(c, "name: huawei\napi-version: {major: 1}\nvendor-ids: [12d1]\n")
	var rec supportsRecorder
	usb := mockPort(c, "usb", "1-2", "/sys/devices/usb1/1-2", huaweiTTY)
	c.Check(p.SupportsPort(context.Background(), usb, rec.done), Equals, plugin.Unsupported)
}

func (s *descriptorSuite) TestDeferCount(c *C) {
	p := s.load(c, `
name: slow
api-version: {major: 1, minor: 0}
vendor-ids: [12d1]
defer-count: 2
`)
	var rec supportsRecorder
	dev := mockPort(c, "tty", "ttyUSB0", "/sys/devices/usb1/1-2", huaweiTTY)
	c.Check(p.SupportsPort(context.Background(), dev, rec.done), Equals, plugin.Deferred)
	c.Check(p.SupportsPort(context.Background(), dev, rec.done), Equals, plugin.Deferred)
	c.Check(rec.calls, Equals, 0)
	c.Check(p.SupportsPort(context.Background(), dev, rec.done), Equals, plugin.InProgress)
	c.Check(rec.calls, Equals, 1)

	// cancelling forgets the port
	p.CancelSupportsPort(dev)
	c.Check(p.SupportsPort(context.Background(), dev, rec.done), Equals, plugin.Deferred)
}

func (s *descriptorSuite) TestGrabRequiredPorts(c *C) {
	p := s.load(c, `
name: sierra
api-version: {major: 1, minor: 0}
vendor-ids: [1199]
required-ports: [tty, net]
`)
	tty := mockPort(c, "tty", "ttyUSB0", "/sys/devices/usb1/1-2", nil)
	m, err := p.GrabPort(tty, nil)
	c.Assert(err, IsNil)
	c.Check(m.Plugin(), Equals, "sierra")
	c.Check(m.Valid(), Equals, false)

	wwan := mockPort(c, "net", "wwan0", "/sys/devices/usb1/1-2", nil)
	m2, err := p.GrabPort(wwan, m)
	c.Assert(err, IsNil)
	c.Check(m2, Equals, m)
	c.Check(m.Valid(), Equals, true)
}

func (s *descriptorSuite) TestGrabDefaultsToTTY(c *C) {
	p := s.load(c, "name: sierra\napi-version: {major: 1}\nvendor-ids: [1199]\nsort-last: true\n")
	c.Check(p.SortLast(), Equals, true)

	wwan := mockPort(c, "net", "wwan0", "/sys/devices/usb1/1-2", nil)
	m, err := p.GrabPort(wwan, nil)
	c.Assert(err, IsNil)
	c.Check(m.Valid(), Equals, false)
	_, err = p.GrabPort(mockPort(c, "tty", "ttyUSB0", "/sys/devices/usb1/1-2", nil), m)
	c.Assert(err, IsNil)
	c.Check(m.Valid(), Equals, true)
}
