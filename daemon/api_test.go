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

package daemon_test

import (
	"encoding/json"

	. "gopkg.in/check.v1"

	"github.com/snapcore/modemd/daemon"
	"github.com/snapcore/modemd/modem"
	"github.com/snapcore/modemd/port"
	"github.com/snapcore/modemd/testutil"
)

func (s *daemonSuite) TestArbitrations(c *C) {
	d := s.startDaemon(c)

	_, rsp := s.req(c, d, "GET", "/v1/arbitrations", "")
	c.Check(rsp.Type, Equals, "sync")
	c.Check(rsp.StatusCode, Equals, 200)
	c.Check(rsp.Status, Equals, "OK")
	c.Check(string(rsp.Result), Equals, "[]")
}

func (s *daemonSuite) TestModemsEmpty(c *C) {
	d := s.startDaemon(c)

	_, rsp := s.req(c, d, "GET", "/v1/modems", "")
	c.Check(rsp.StatusCode, Equals, 200)
	c.Check(string(rsp.Result), Equals, "[]")
}

func (s *daemonSuite) TestManagerStopped(c *C) {
	d := daemon.New(s.cfg)
	c.Assert(d.Init(), IsNil)
	c.Assert(d.Start(), IsNil)
	c.Assert(d.Stop(), IsNil)

	for _, path := range []string{"/v1/modems", "/v1/arbitrations"} {
		rec, rsp := s.req(c, d, "GET", path, "")
		c.Check(rec.Code, Equals, 503, Commentf(path))
		c.Check(rsp.Type, Equals, "error")
		var result map[string]string
		c.Assert(json.Unmarshal(rsp.Result, &result), IsNil)
		c.Check(result["message"], Equals, "port manager stopped")
	}
}

func (s *daemonSuite) TestScanNeedsRoot(c *C) {
	d := s.startDaemon(c)

	rec, rsp := s.req(c, d, "POST", "/v1/scan", "")
	c.Check(rec.Code, Equals, 403)
	c.Check(rsp.Type, Equals, "error")
	c.Check(s.monitor.scans, Equals, 0)

	rec, _ = s.req(c, d, "POST", "/v1/scan", "pid=100;uid=1000;")
	c.Check(rec.Code, Equals, 403)
	c.Check(s.monitor.scans, Equals, 0)

	rec, rsp = s.req(c, d, "POST", "/v1/scan", "pid=100;uid=0;")
	c.Check(rec.Code, Equals, 200)
	c.Check(rsp.Type, Equals, "sync")
	c.Check(s.monitor.scans, Equals, 1)
}

func (s *daemonSuite) TestBadMethod(c *C) {
	d := s.startDaemon(c)

	rec, rsp := s.req(c, d, "GET", "/v1/scan", "")
	c.Check(rec.Code, Equals, 405)
	c.Check(string(rsp.Result), Equals, `{"message":"method \"GET\" not allowed"}`)

	rec, _ = s.req(c, d, "POST", "/v1/modems", "pid=1;uid=0;")
	c.Check(rec.Code, Equals, 405)
}

func (s *daemonSuite) TestNotFound(c *C) {
	d := s.startDaemon(c)

	rec, rsp := s.req(c, d, "GET", "/v1/bearers", "")
	c.Check(rec.Code, Equals, 404)
	c.Check(rsp.Type, Equals, "error")
	c.Check(rsp.Status, Equals, "Not Found")
	c.Check(string(rsp.Result), Equals, `{"message":"no such endpoint: /v1/bearers"}`)
}

func (s *daemonSuite) TestLogExporter(c *C) {
	registry := modem.NewRegistry("/org/freedesktop/ModemManager1", daemon.LogExporter)
	m := modem.New("/sys/devices/usb1/1-2", "huawei", modem.RequireSubsystems(port.SubsystemTTY))
	c.Assert(registry.Add(m), Equals, true)
	c.Assert(m.AddPort(mockPort(c, "tty", "ttyUSB0", "/sys/devices/usb1/1-2")), IsNil)
	c.Assert(m.AddPort(mockPort(c, "net", "wwan0", "/sys/devices/usb1/1-2")), IsNil)
	registry.Remove(m)

	c.Check(s.log.String(), testutil.Contains, "modem /sys/devices/usb1/1-2 (huawei) available at /org/freedesktop/ModemManager1/Modems/1: tty/ttyUSB0")
	c.Check(s.log.String(), testutil.Contains, "modem /sys/devices/usb1/1-2 (huawei) gone from /org/freedesktop/ModemManager1/Modems/1")
}
