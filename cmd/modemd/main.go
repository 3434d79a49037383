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
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/daemon"
	"github.com/jessevdk/go-flags"

	"github.com/snapcore/modemd/config"
	"github.com/snapcore/modemd/daemon"
	"github.com/snapcore/modemd/dirs"
	"github.com/snapcore/modemd/logger"
)

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr

	// set at build time
	Version = "unknown"

	sdWatchdogEnabled = sddaemon.SdWatchdogEnabled
	sdNotify          = sddaemon.SdNotify
)

const (
	shortHelp = "Arbitrate modem ports between plugins"
	longHelp  = `
modemd watches the kernel for serial and network ports, asks its
plugins which of them drive each port, and exports the resulting
modems on the bus.
`
)

type options struct {
	Config      string `long:"config" value-name:"<path>" description:"Read the configuration from this file"`
	PluginDir   string `long:"plugin-dir" value-name:"<dir>" description:"Load plugin descriptors from this directory"`
	DebugSocket string `long:"debug-socket" value-name:"<path>" description:"Serve the debug API on this socket"`
	Debug       bool   `long:"debug" description:"Log debug messages"`
	NoBus       bool   `long:"no-bus" description:"Only log modems instead of exporting them on the bus"`
	SessionBus  bool   `long:"session-bus" description:"Export modems on the session bus"`
	Version     bool   `long:"version" description:"Print the version and exit"`
}

func init() {
	err := logger.SimpleSetup()
	if err != nil {
		fmt.Fprintf(Stderr, "WARNING: failed to activate logging: %v\n", err)
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*options, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.ShortDescription = shortHelp
	parser.LongDescription = longHelp

	rest, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument %q", rest[0])
	}
	if opts.NoBus && opts.SessionBus {
		return nil, fmt.Errorf("cannot use --no-bus and --session-bus together")
	}
	return &opts, nil
}

// loadConfig reads the configuration file and applies the command line
// on top of it.
func loadConfig(opts *options) (*config.Config, error) {
	path := opts.Config
	if path == "" {
		path = dirs.ModemdConfigFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.PluginDir != "" {
		cfg.PluginDir = opts.PluginDir
	}
	if opts.DebugSocket != "" {
		cfg.DebugSocket = opts.DebugSocket
	}
	switch {
	case opts.NoBus:
		cfg.BusType = config.BusNone
	case opts.SessionBus:
		cfg.BusType = config.BusSession
	}
	return cfg, nil
}

func runWatchdog(d *daemon.Daemon) (*time.Ticker, error) {
	interval, err := sdWatchdogEnabled(false)
	if err != nil {
		return nil, fmt.Errorf("cannot use systemd watchdog: %v", err)
	}
	// not running under systemd, or no watchdog
	if interval == 0 {
		return nil, nil
	}
	dur := interval / 2
	logger.Debugf("Setting up sd_notify() watchdog timer every %s", dur)
	wt := time.NewTicker(dur)

	go func() {
		for {
			select {
			case <-wt.C:
				sdNotify(false, sddaemon.SdNotifyWatchdog)
			case <-d.Dying():
				return
			}
		}
	}()

	return wt, nil
}

func run(args []string) error {
	t0 := time.Now().Truncate(time.Millisecond)

	opts, err := parseArgs(args)
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		fmt.Fprintln(Stdout, err)
		return nil
	}
	if err != nil {
		return err
	}
	if opts.Version {
		fmt.Fprintf(Stdout, "modemd %s\n", Version)
		return nil
	}
	if opts.Debug {
		logger.EnableDebug()
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	d := daemon.New(cfg)
	d.Version = Version
	if err := d.Init(); err != nil {
		// release what was set up before the failure
		d.Stop()
		return err
	}
	if err := d.Start(); err != nil {
		d.Stop()
		return err
	}

	watchdog, err := runWatchdog(d)
	if err != nil {
		d.Stop()
		return err
	}
	if watchdog != nil {
		defer watchdog.Stop()
	}

	logger.Debugf("activation done in %v", time.Now().Truncate(time.Millisecond).Sub(t0))

	select {
	case sig := <-ch:
		logger.Noticef("Exiting on %s signal.", sig)
	case <-d.Dying():
		// something called Stop()
	}

	return d.Stop()
}
