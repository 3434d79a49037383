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

// Package port describes kernel-visible ports (tty, net, usb) as reported
// by uevents, and resolves the physical device they belong to.
package port

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/snapcore/modemd/dirs"
	"github.com/snapcore/modemd/osutil"
)

// Subsystems a port can belong to.
const (
	SubsystemTTY = "tty"
	SubsystemNet = "net"
	SubsystemUSB = "usb"
)

// ID identifies a kernel-visible port at a point in time.
type ID struct {
	Subsystem string
	Name      string
}

func (id ID) String() string {
	return id.Subsystem + "/" + id.Name
}

// Device carries information about a port that was added to or removed
// from the system.
type Device struct {
	kobj string
	// map of all attributes returned for given uevent.
	Data map[string]string

	once      sync.Once
	physdev   string
	vendorID  string
	productID string
}

// NewDevice creates a Device from a uevent. kobj is the kernel object
// of the event, either relative to the sysfs root (netlink events) or an
// absolute /sys path (coldplug enumeration); it is used when the
// environment carries no DEVPATH.
func NewDevice(kobj string, env map[string]string) (*Device, error) {
	data := make(map[string]string, len(env)+1)
	for k, v := range env {
		data[k] = v
	}
	if data["DEVPATH"] == "" {
		if kobj == "" {
			return nil, fmt.Errorf("missing device path attribute")
		}
		data["DEVPATH"] = strings.TrimPrefix(kobj, "/sys")
	}
	if data["SUBSYSTEM"] == "" {
		return nil, fmt.Errorf("missing subsystem attribute")
	}
	return &Device{kobj: kobj, Data: data}, nil
}

// Object returns the kernel object the device was created from.
func (d *Device) Object() string {
	return d.kobj
}

// Action returns the uevent action, e.g. "add". It is empty for devices
// found during enumeration.
func (d *Device) Action() string {
	return d.Data["ACTION"]
}

// Subsystem returns the value of the "SUBSYSTEM" attribute, e.g. "tty".
func (d *Device) Subsystem() string {
	return d.Data["SUBSYSTEM"]
}

// Name returns the kernel name of the port, e.g. "ttyUSB2" or "wwan0".
func (d *Device) Name() string {
	if d.Subsystem() == SubsystemNet {
		if iface := d.Data["INTERFACE"]; iface != "" {
			return iface
		}
	}
	if devname := d.Data["DEVNAME"]; devname != "" {
		return filepath.Base(devname)
	}
	return filepath.Base(d.Data["DEVPATH"])
}

// ID returns the identity of the port.
func (d *Device) ID() ID {
	return ID{Subsystem: d.Subsystem(), Name: d.Name()}
}

// DevicePath returns the full device path under /sys, e.g.
// /sys/devices/pci0000:00/0000:00:14.0/usb1/1-2/1-2:1.3/ttyUSB2/tty/ttyUSB2.
func (d *Device) DevicePath() string {
	return filepath.Join(dirs.SysfsDir, d.Data["DEVPATH"])
}

// DeviceNode returns the path of the device node under /dev, or an empty
// string for ports without one (network interfaces).
func (d *Device) DeviceNode() string {
	devname := d.Data["DEVNAME"]
	if devname == "" {
		return ""
	}
	if filepath.IsAbs(devname) {
		return devname
	}
	return filepath.Join(dirs.DevDir, devname)
}

// Ignored returns whether udev rules asked for the port to be left alone.
func (d *Device) Ignored() bool {
	return d.Data["ID_MM_DEVICE_IGNORE"] == "1"
}

// Virtual returns whether the port has no hardware behind it, like the
// loopback interface, bridges or pseudo terminals. Udev rules can still
// attach such a port to a modem with ID_MM_PHYSDEV_UID.
func (d *Device) Virtual() bool {
	if d.Data["ID_MM_PHYSDEV_UID"] != "" {
		return false
	}
	return strings.HasPrefix(d.Data["DEVPATH"], "/devices/virtual/")
}

// Console returns whether the port is a virtual terminal (tty0, tty1...)
// or one of the console devices.
func (d *Device) Console() bool {
	if d.Subsystem() != SubsystemTTY {
		return false
	}
	name := d.Name()
	switch name {
	case "tty", "console", "ptmx":
		return true
	}
	return len(name) > 3 && strings.HasPrefix(name, "tty") && name[3] >= '0' && name[3] <= '9'
}

// Driver returns the name of the kernel driver bound to the port's
// parent device, e.g. "option" or "qmi_wwan".
func (d *Device) Driver() string {
	if drv := d.Data["ID_USB_DRIVER"]; drv != "" {
		return drv
	}
	for _, rel := range []string{"device/driver", "device/device/driver"} {
		if link, err := os.Readlink(filepath.Join(d.DevicePath(), rel)); err == nil {
			return filepath.Base(link)
		}
	}
	return d.Data["DRIVER"]
}

// PhysicalDevicePath returns the sysfs path of the physical device the
// port belongs to. Ports of the same modem share it.
func (d *Device) PhysicalDevicePath() string {
	d.resolve()
	return d.physdev
}

// VendorID returns the lowercase USB vendor ID of the physical device, if
// known.
func (d *Device) VendorID() string {
	d.resolve()
	return d.vendorID
}

// ProductID returns the lowercase USB product ID of the physical device,
// if known.
func (d *Device) ProductID() string {
	d.resolve()
	return d.productID
}

func (d *Device) resolve() {
	d.once.Do(func() {
		d.physdev = d.findPhysicalDevice()
		d.vendorID = strings.ToLower(d.firstOf("ID_VENDOR_ID", readAttr(d.physdev, "idVendor")))
		d.productID = strings.ToLower(d.firstOf("ID_MODEL_ID", readAttr(d.physdev, "idProduct")))
	})
}

func (d *Device) firstOf(attr, fallback string) string {
	if v := d.Data[attr]; v != "" {
		return v
	}
	return fallback
}

func (d *Device) findPhysicalDevice() string {
	if uid := d.Data["ID_MM_PHYSDEV_UID"]; uid != "" {
		return uid
	}

	devicesDir := filepath.Join(dirs.SysfsDir, "devices")
	path := d.DevicePath()
	for dir := path; strings.HasPrefix(dir, devicesDir+"/"); dir = filepath.Dir(dir) {
		if osutil.FileExists(filepath.Join(dir, "idVendor")) {
			return dir
		}
	}

	// not an USB device; use the device the class node hangs off, e.g.
	// /sys/devices/platform/serial8250 for .../serial8250/tty/ttyS0
	parent := filepath.Dir(path)
	if filepath.Base(parent) == d.Subsystem() {
		return filepath.Dir(parent)
	}
	return parent
}

func readAttr(dir, name string) string {
	if dir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (d *Device) String() string {
	return d.str(70)
}

// ShortString returns a string representation of the device with more
// aggressive truncating of model/vendor name.
func (d *Device) ShortString() string {
	return d.str(16)
}

func (d *Device) str(maxModelOrVendorLen int) string {
	s := d.ID().String()

	modelOrVendor := ""
	for _, attr := range []string{"ID_MODEL_FROM_DATABASE", "ID_MODEL", "ID_VENDOR_FROM_DATABASE", "ID_VENDOR"} {
		if v := d.Data[attr]; v != "" {
			modelOrVendor = v
			break
		}
	}
	if len(modelOrVendor) > maxModelOrVendorLen {
		modelOrVendor = modelOrVendor[0:maxModelOrVendorLen] + "…"
	}
	if modelOrVendor != "" {
		s += " (" + modelOrVendor + ")"
	}
	return s
}
