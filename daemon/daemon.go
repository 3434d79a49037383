// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2015-2026 Canonical Ltd
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
// Package daemon assembles the port arbitration engine and serves its
// debug API.
package daemon

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/coreos/go-systemd/activation"
	sddaemon "github.com/coreos/go-systemd/daemon"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/snapcore/modemd/config"
	"github.com/snapcore/modemd/dbusexport"
	"github.com/snapcore/modemd/logger"
	"github.com/snapcore/modemd/manager"
	"github.com/snapcore/modemd/metrics"
	"github.com/snapcore/modemd/modem"
	"github.com/snapcore/modemd/plugin"
	"github.com/snapcore/modemd/tracing"
	"github.com/snapcore/modemd/udevmonitor"

	// built-in plugins
	_ "github.com/snapcore/modemd/plugin/builtin"
)

// busExporter publishes modems on the bus and answers the manager calls.
type busExporter interface {
	modem.Exporter
	Serve(backend dbusexport.Backend) error
	Close() error
}

var (
	loadPlugins = plugin.LoadAll
	newMonitor  = func(added udevmonitor.DeviceAddedFunc, removed udevmonitor.DeviceRemovedFunc) udevmonitor.Interface {
		return udevmonitor.New(added, removed)
	}
	connectBus = func(session bool, busName, basePath string) (busExporter, error) {
		return dbusexport.Connect(session, busName, basePath)
	}
	activationListeners = activation.Listeners
	sdNotify            = sddaemon.SdNotify
	initTracing         = tracing.Init
)

const tracingShutdownTimeout = 5 * time.Second

// A Daemon ties the device events, the arbitration of ports and the
// modem export together.
type Daemon struct {
	Version string

	cfg     *config.Config
	metrics *metrics.Collector
	plugins *plugin.Registry
	modems  *modem.Registry
	manager *manager.Manager
	monitor udevmonitor.Interface
	bus     busExporter

	shutdownTracing tracing.ShutdownFunc

	debugListener   net.Listener
	metricsListener net.Listener
	router          *mux.Router

	tomb             tomb.Tomb
	started          bool
	monitorConnected bool
	monitorRunning   bool
}

// New returns a daemon using cfg.
func New(cfg *config.Config) *Daemon {
	return &Daemon{cfg: cfg}
}

type wrappedWriter struct {
	w http.ResponseWriter
	s int
}

func (w *wrappedWriter) Header() http.Header {
	return w.w.Header()
}

func (w *wrappedWriter) Write(bs []byte) (int, error) {
	return w.w.Write(bs)
}

func (w *wrappedWriter) WriteHeader(s int) {
	w.w.WriteHeader(s)
	w.s = s
}

func logit(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := &wrappedWriter{w: w, s: http.StatusOK}
		t0 := time.Now()
		handler.ServeHTTP(ww, r)
		logger.Debugf("%s %s %s %s %d", r.RemoteAddr, r.Method, r.URL, time.Since(t0), ww.s)
	})
}

// getListener tries to get a listener for the given socket path from
// the listener map, and if it fails it tries to set it up directly.
func getListener(socketPath string, listenerMap map[string]net.Listener) (net.Listener, error) {
	if listener, ok := listenerMap[socketPath]; ok {
		return listener, nil
	}

	if c, err := net.Dial("unix", socketPath); err == nil {
		c.Close()
		return nil, fmt.Errorf("socket %q already in use", socketPath)
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, err
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	address, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, err
	}

	runtime.LockOSThread()
	oldmask := unix.Umask(0111)
	listener, err := net.ListenUnix("unix", address)
	unix.Umask(oldmask)
	runtime.UnlockOSThread()
	if err != nil {
		return nil, err
	}

	logger.Debugf("socket %q was not activated; listening", socketPath)

	return listener, nil
}

// Init loads the plugins, connects to the bus and sets up the listeners.
// Don't call more than once.
func (d *Daemon) Init() error {
	t0 := time.Now()

	collector, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	d.metrics = collector

	d.shutdownTracing, err = initTracing(d.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("cannot set up tracing: %v", err)
	}

	d.plugins, err = loadPlugins(d.cfg.PluginDir)
	if err != nil {
		return fmt.Errorf("cannot load plugins: %v", err)
	}

	var exporter modem.Exporter = logExporter{}
	if d.cfg.BusType != config.BusNone {
		bus, err := connectBus(d.cfg.BusType == config.BusSession, d.cfg.BusName, d.cfg.BasePath)
		if err != nil {
			return err
		}
		d.bus = bus
		exporter = bus
	}

	d.modems = modem.NewRegistry(d.cfg.BasePath, exporter)
	d.manager = manager.New(d.plugins, d.modems, manager.Options{
		DeferRetryDelay: d.cfg.DeferRetryDelay,
		MaxDeferrals:    d.cfg.MaxDeferrals,
		Metrics:         d.metrics,
	})
	d.monitor = newMonitor(d.manager.PortAdded, d.manager.PortRemoved)
	d.manager.SetScanner(d.monitor)

	if d.cfg.DebugSocket != "" {
		listeners, err := activationListeners()
		if err != nil {
			return err
		}
		listenerMap := make(map[string]net.Listener, len(listeners))
		for _, listener := range listeners {
			listenerMap[listener.Addr().String()] = listener
		}
		listener, err := getListener(d.cfg.DebugSocket, listenerMap)
		if err != nil {
			return fmt.Errorf("when trying to listen on %s: %v", d.cfg.DebugSocket, err)
		}
		d.debugListener = &ucrednetListener{listener}
	}

	if d.cfg.MetricsAddr != "" {
		listener, err := net.Listen("tcp", d.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("cannot serve metrics on %s: %v", d.cfg.MetricsAddr, err)
		}
		d.metricsListener = listener
	}

	d.addRoutes()

	logger.Debugf("init done in %s", time.Since(t0))
	return nil
}

func (d *Daemon) addRoutes() {
	d.router = mux.NewRouter()

	for _, c := range api {
		c.d = d
		d.router.Handle(c.Path, c).Name(c.Path)
	}
	d.router.Handle("/metrics", d.metrics.Handler()).Name("/metrics")

	d.router.NotFoundHandler = notFoundHandler
}

func (d *Daemon) serve(l net.Listener, handler http.Handler) func() error {
	return func() error {
		if err := http.Serve(l, logit(handler)); err != nil && d.tomb.Err() == tomb.ErrStillAlive {
			return err
		}
		return nil
	}
}

// Start runs the arbitration engine, exports it on the bus and starts
// watching for ports.
func (d *Daemon) Start() error {
	d.started = true
	d.manager.Start()

	d.tomb.Go(func() error {
		if d.debugListener != nil {
			d.tomb.Go(d.serve(d.debugListener, d.router))
		}
		if d.metricsListener != nil {
			router := mux.NewRouter()
			router.Handle("/metrics", d.metrics.Handler())
			d.tomb.Go(d.serve(d.metricsListener, router))
		}
		<-d.tomb.Dying()
		return nil
	})

	if d.bus != nil {
		if err := d.bus.Serve(d.manager); err != nil {
			return err
		}
	}

	if err := d.monitor.Connect(); err != nil {
		return err
	}
	d.monitorConnected = true
	if err := d.monitor.Run(); err != nil {
		return err
	}
	d.monitorRunning = true

	if _, err := sdNotify(false, sddaemon.SdNotifyReady); err != nil {
		logger.Noticef("cannot notify systemd: %v", err)
	}
	logger.Noticef("started modemd %s with %d plugins", d.Version, len(d.plugins.Plugins()))
	return nil
}

// Stop shuts down the Daemon
func (d *Daemon) Stop() error {
	if _, err := sdNotify(false, sddaemon.SdNotifyStopping); err != nil {
		logger.Noticef("cannot notify systemd: %v", err)
	}
	d.tomb.Kill(nil)
	if d.debugListener != nil {
		d.debugListener.Close()
	}
	if d.metricsListener != nil {
		d.metricsListener.Close()
	}

	if d.monitorRunning {
		if err := d.monitor.Stop(); err != nil {
			logger.Noticef("cannot stop device monitor: %v", err)
		}
	} else if d.monitorConnected {
		d.monitor.Disconnect()
	}
	if d.manager != nil {
		d.manager.Stop()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	tracing.ShutdownWithTimeout(d.shutdownTracing, tracingShutdownTimeout)

	if !d.started {
		return nil
	}
	return d.tomb.Wait()
}

// Dying is closed once the daemon starts shutting down.
func (d *Daemon) Dying() <-chan struct{} {
	return d.tomb.Dying()
}
