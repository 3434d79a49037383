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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/snapcore/modemd/config"
	"github.com/snapcore/modemd/daemon"
	"github.com/snapcore/modemd/dbusexport"
	"github.com/snapcore/modemd/dirs"
	"github.com/snapcore/modemd/logger"
	"github.com/snapcore/modemd/modem"
	"github.com/snapcore/modemd/plugin"
	"github.com/snapcore/modemd/port"
	"github.com/snapcore/modemd/testutil"
	"github.com/snapcore/modemd/tracing"
	"github.com/snapcore/modemd/udevmonitor"
)

func Test(t *testing.T) { TestingT(t) }

type fakePlugin struct {
	name  string
	level int
}

func (p *fakePlugin) Name() string   { return p.name }
func (p *fakePlugin) SortLast() bool { return false }

func (p *fakePlugin) SupportsPort(ctx context.Context, dev *port.Device, done plugin.SupportsFunc) plugin.SupportsResult {
	done(p.level, nil)
	return plugin.InProgress
}

func (p *fakePlugin) CancelSupportsPort(dev *port.Device) {}

func (p *fakePlugin) GrabPort(dev *port.Device, existing *modem.Modem) (*modem.Modem, error) {
	return plugin.GrabIntoModem(p, dev, existing, modem.RequireSubsystems(port.SubsystemTTY))
}

type fakeMonitor struct {
	added   udevmonitor.DeviceAddedFunc
	removed udevmonitor.DeviceRemovedFunc

	connectErr   error
	connected    bool
	running      bool
	stopped      bool
	disconnected bool
	scans        int
}

func (m *fakeMonitor) Connect() error {
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *fakeMonitor) Disconnect() error {
	m.disconnected = true
	return nil
}

func (m *fakeMonitor) Run() error {
	m.running = true
	return nil
}

func (m *fakeMonitor) Stop() error {
	m.stopped = true
	return nil
}

func (m *fakeMonitor) Scan() error {
	m.scans++
	return nil
}

type fakeBus struct {
	session  bool
	serveErr error
	backend  dbusexport.Backend
	exported []string
	closed   bool
}

func (b *fakeBus) Export(m *modem.Modem) error {
	b.exported = append(b.exported, m.Path())
	return nil
}

func (b *fakeBus) Update(m *modem.Modem)   {}
func (b *fakeBus) Unexport(m *modem.Modem) {}

func (b *fakeBus) Serve(backend dbusexport.Backend) error {
	b.backend = backend
	return b.serveErr
}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

type daemonSuite struct {
	testutil.BaseTest

	log      *bytes.Buffer
	cfg      *config.Config
	monitor  *fakeMonitor
	notified []string
	tracing  []tracing.Config
	flushed  int
}

var _ = Suite(&daemonSuite{})

func (s *daemonSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	dirs.SetRootDir(c.MkDir())
	s.AddCleanup(func() { dirs.SetRootDir("") })

	buf, restore := logger.MockLogger()
	s.AddCleanup(restore)
	s.log = buf

	s.cfg = config.Defaults()
	s.cfg.BusType = config.BusNone
	s.cfg.DebugSocket = ""

	s.monitor = &fakeMonitor{}
	s.AddCleanup(daemon.MockNewMonitor(func(added udevmonitor.DeviceAddedFunc, removed udevmonitor.DeviceRemovedFunc) udevmonitor.Interface {
		s.monitor.added = added
		s.monitor.removed = removed
		return s.monitor
	}))
	s.AddCleanup(daemon.MockActivationListeners(func() ([]net.Listener, error) {
		return nil, nil
	}))
	s.notified = nil
	s.AddCleanup(daemon.MockSdNotify(func(unset bool, state string) (bool, error) {
		s.notified = append(s.notified, state)
		return true, nil
	}))
	s.AddCleanup(daemon.MockConnectBus(func(session bool, busName, basePath string) (daemon.BusExporter, error) {
		return nil, errors.New("unexpected bus connection")
	}))
	s.AddCleanup(daemon.MockLoadPlugins(func(dir string) (*plugin.Registry, error) {
		return plugin.NewRegistry(&fakePlugin{name: "huawei", level: 80}), nil
	}))
	s.tracing = nil
	s.flushed = 0
	s.AddCleanup(daemon.MockInitTracing(func(cfg tracing.Config) (tracing.ShutdownFunc, error) {
		s.tracing = append(s.tracing, cfg)
		return func(context.Context) error {
			s.flushed++
			return nil
		}, nil
	}))
}

func (s *daemonSuite) startDaemon(c *C) *daemon.Daemon {
	d := daemon.New(s.cfg)
	c.Assert(d.Init(), IsNil)
	c.Assert(d.Start(), IsNil)
	s.AddCleanup(func() { d.Stop() })
	return d
}

func mockPort(c *C, subsystem, name, physdev string) *port.Device {
	dev, err := port.NewDevice("", map[string]string{
		"DEVPATH":           "/devices/fake/" + name,
		"SUBSYSTEM":         subsystem,
		"DEVNAME":           name,
		"ID_MM_PHYSDEV_UID": physdev,
	})
	c.Assert(err, IsNil)
	return dev
}

type response struct {
	Type       string          `json:"type"`
	StatusCode int             `json:"status-code"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
}

func (s *daemonSuite) req(c *C, d *daemon.Daemon, method, path, remoteAddr string) (*httptest.ResponseRecorder, *response) {
	req := httptest.NewRequest(method, path, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)
	if rec.Header().Get("Content-Type") != "application/json" {
		return rec, nil
	}
	var rsp response
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &rsp), IsNil)
	return rec, &rsp
}

func (s *daemonSuite) waitForModems(c *C, d *daemon.Daemon) []map[string]interface{} {
	var modems []map[string]interface{}
	for i := 0; i < 500; i++ {
		_, rsp := s.req(c, d, "GET", "/v1/modems", "")
		c.Assert(rsp.StatusCode, Equals, 200)
		c.Assert(json.Unmarshal(rsp.Result, &modems), IsNil)
		if len(modems) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return modems
}

func modemsResult(c *C, s *daemonSuite, d *daemon.Daemon) json.RawMessage {
	_, r := s.req(c, d, "GET", "/v1/modems", "")
	c.Assert(r.StatusCode, Equals, 200)
	return r.Result
}

func (s *daemonSuite) TestStartStop(c *C) {
	d := daemon.New(s.cfg)
	d.Version = "1.2"
	c.Assert(d.Init(), IsNil)
	c.Assert(d.Start(), IsNil)
	c.Check(s.monitor.connected, Equals, true)
	c.Check(s.monitor.running, Equals, true)
	c.Check(s.notified, DeepEquals, []string{"READY=1"})
	c.Check(s.log.String(), testutil.Contains, "started modemd 1.2 with 1 plugins")

	c.Assert(d.Stop(), IsNil)
	c.Check(s.monitor.stopped, Equals, true)
	c.Check(s.notified, DeepEquals, []string{"READY=1", "STOPPING=1"})
	select {
	case <-d.Dying():
	default:
		c.Fatal("daemon not dying after Stop")
	}
}

func (s *daemonSuite) TestStopBeforeStart(c *C) {
	d := daemon.New(s.cfg)
	c.Assert(d.Init(), IsNil)
	c.Check(d.Stop(), IsNil)
	c.Check(s.monitor.stopped, Equals, false)
}

func (s *daemonSuite) TestMonitorConnectError(c *C) {
	s.monitor.connectErr = errors.New("no netlink")
	d := daemon.New(s.cfg)
	c.Assert(d.Init(), IsNil)
	c.Check(d.Start(), ErrorMatches, "no netlink")
	c.Check(d.Stop(), IsNil)
	c.Check(s.monitor.disconnected, Equals, false)
	c.Check(s.monitor.stopped, Equals, false)
}

func (s *daemonSuite) TestPortsBecomeModems(c *C) {
	d := s.startDaemon(c)

	s.monitor.added(mockPort(c, "tty", "ttyUSB0", "/sys/devices/usb1/1-2"))
	modems := s.waitForModems(c, d)
	c.Assert(modems, HasLen, 1)
	c.Check(modems[0], DeepEquals, map[string]interface{}{
		"physical-device": "/sys/devices/usb1/1-2",
		"plugin":          "huawei",
		"ports":           []interface{}{"tty/ttyUSB0"},
		"valid":           true,
		"path":            "/org/freedesktop/ModemManager1/Modems/1",
	})
	c.Check(s.log.String(), testutil.Contains, "modem /sys/devices/usb1/1-2 (huawei) available at /org/freedesktop/ModemManager1/Modems/1: tty/ttyUSB0")

	rec, _ := s.req(c, d, "GET", "/metrics", "")
	c.Check(rec.Code, Equals, 200)
	c.Check(rec.Body.String(), testutil.Contains, "modemd_modems_valid 1")

	s.monitor.removed(mockPort(c, "tty", "ttyUSB0", "/sys/devices/usb1/1-2"))
	for i := 0; i < 500 && string(modemsResult(c, s, d)) != "[]"; i++ {
		time.Sleep(time.Millisecond)
	}
	c.Check(string(modemsResult(c, s, d)), Equals, "[]")
	c.Check(s.log.String(), testutil.Contains, "modem /sys/devices/usb1/1-2 (huawei) gone from /org/freedesktop/ModemManager1/Modems/1")
}

func (s *daemonSuite) TestBus(c *C) {
	bus := &fakeBus{}
	var connected []interface{}
	s.AddCleanup(daemon.MockConnectBus(func(session bool, busName, basePath string) (daemon.BusExporter, error) {
		connected = append(connected, session, busName, basePath)
		return bus, nil
	}))
	s.cfg.BusType = config.BusSession
	s.cfg.BasePath = "/org/example/Modems1"

	d := s.startDaemon(c)
	c.Check(connected, DeepEquals, []interface{}{true, "org.freedesktop.ModemManager1", "/org/example/Modems1"})
	c.Assert(bus.backend, NotNil)

	s.monitor.added(mockPort(c, "tty", "ttyUSB0", "/sys/devices/usb1/1-2"))
	s.waitForModems(c, d)
	paths, err := bus.backend.ModemPaths()
	c.Assert(err, IsNil)
	c.Check(paths, DeepEquals, []string{"/org/example/Modems1/Modems/1"})
	c.Check(bus.exported, DeepEquals, paths)

	c.Assert(bus.backend.ScanDevices(), IsNil)
	c.Check(s.monitor.scans, Equals, 1)

	c.Assert(d.Stop(), IsNil)
	c.Check(bus.closed, Equals, true)
}

func (s *daemonSuite) TestBusErrors(c *C) {
	s.cfg.BusType = config.BusSystem
	c.Check(daemon.New(s.cfg).Init(), ErrorMatches, "unexpected bus connection")

	bus := &fakeBus{serveErr: errors.New(`cannot obtain bus name "org.freedesktop.ModemManager1"`)}
	s.AddCleanup(daemon.MockConnectBus(func(session bool, busName, basePath string) (daemon.BusExporter, error) {
		c.Check(session, Equals, false)
		return bus, nil
	}))
	d := daemon.New(s.cfg)
	c.Assert(d.Init(), IsNil)
	c.Check(d.Start(), ErrorMatches, `cannot obtain bus name "org.freedesktop.ModemManager1"`)
	c.Check(s.monitor.connected, Equals, false)
	c.Check(d.Stop(), IsNil)
	c.Check(bus.closed, Equals, true)
}

func (s *daemonSuite) TestTracing(c *C) {
	s.cfg.Tracing = tracing.Config{Enabled: true, Exporter: tracing.ExporterNone, SampleRatio: 0.5}
	d := daemon.New(s.cfg)
	c.Assert(d.Init(), IsNil)
	c.Check(s.tracing, DeepEquals, []tracing.Config{s.cfg.Tracing})
	c.Assert(d.Start(), IsNil)
	c.Check(s.flushed, Equals, 0)

	c.Assert(d.Stop(), IsNil)
	c.Check(s.flushed, Equals, 1)
}

func (s *daemonSuite) TestTracingError(c *C) {
	s.AddCleanup(daemon.MockInitTracing(func(cfg tracing.Config) (tracing.ShutdownFunc, error) {
		return nil, errors.New("unsupported tracing exporter: jaeger")
	}))
	c.Check(daemon.New(s.cfg).Init(), ErrorMatches, "cannot set up tracing: unsupported tracing exporter: jaeger")
}

func (s *daemonSuite) TestPluginLoadError(c *C) {
	s.AddCleanup(daemon.MockLoadPlugins(func(dir string) (*plugin.Registry, error) {
		return nil, errors.New("boom")
	}))
	c.Check(daemon.New(s.cfg).Init(), ErrorMatches, "cannot load plugins: boom")
}

func (s *daemonSuite) TestBuiltinPlugins(c *C) {
	restore := daemon.MockLoadPlugins(plugin.LoadAll)
	defer restore()

	d := s.startDaemon(c)
	_, rsp := s.req(c, d, "GET", "/v1/plugins", "")
	c.Assert(rsp.StatusCode, Equals, 200)
	c.Check(string(rsp.Result), Equals, `[{"name":"generic","sort-last":true}]`)
}

func (s *daemonSuite) TestDebugSocket(c *C) {
	s.cfg.DebugSocket = filepath.Join(dirs.GlobalRootDir, "/run/modemd.socket")
	d := s.startDaemon(c)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", s.cfg.DebugSocket)
		},
	}}
	rsp, err := client.Get("http://localhost/v1/plugins")
	c.Assert(err, IsNil)
	defer rsp.Body.Close()
	c.Check(rsp.StatusCode, Equals, 200)
	body, err := io.ReadAll(rsp.Body)
	c.Assert(err, IsNil)
	c.Check(string(body), testutil.Contains, `"result":[{"name":"huawei"}]`)

	// a second daemon cannot take over the socket
	other := daemon.New(s.cfg)
	c.Check(other.Init(), ErrorMatches, `when trying to listen on .*/run/modemd.socket: socket ".*" already in use`)

	c.Assert(d.Stop(), IsNil)
}

func (s *daemonSuite) TestMetricsListener(c *C) {
	s.cfg.MetricsAddr = "127.0.0.1:0"
	d := s.startDaemon(c)

	rsp, err := http.Get("http://" + d.MetricsAddr().String() + "/metrics")
	c.Assert(err, IsNil)
	defer rsp.Body.Close()
	c.Check(rsp.StatusCode, Equals, 200)
	body, err := io.ReadAll(rsp.Body)
	c.Assert(err, IsNil)
	c.Check(string(body), testutil.Contains, "modemd_arbitrations_in_flight 0")

	// only metrics are served there
	rsp, err = http.Get("http://" + d.MetricsAddr().String() + "/v1/modems")
	c.Assert(err, IsNil)
	rsp.Body.Close()
	c.Check(rsp.StatusCode, Equals, 404)
}

func (s *daemonSuite) TestMetricsListenerError(c *C) {
	s.cfg.MetricsAddr = "127.0.0.1:-1"
	c.Check(daemon.New(s.cfg).Init(), ErrorMatches, "cannot serve metrics on 127.0.0.1:-1: .*")
}

func (s *daemonSuite) TestStopAfterFailedInit(c *C) {
	s.cfg.BusType = config.BusSystem
	s.cfg.MetricsAddr = "127.0.0.1:-1"
	bus := &fakeBus{}
	s.AddCleanup(daemon.MockConnectBus(func(session bool, busName, basePath string) (daemon.BusExporter, error) {
		return bus, nil
	}))

	d := daemon.New(s.cfg)
	c.Assert(d.Init(), ErrorMatches, "cannot serve metrics on .*")
	c.Check(d.Stop(), IsNil)
	c.Check(bus.closed, Equals, true)
	c.Check(s.flushed, Equals, 1)
}
