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

// Package config reads the daemon configuration file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/mvo5/goconfigparser"

	"github.com/snapcore/modemd/dirs"
	"github.com/snapcore/modemd/osutil"
	"github.com/snapcore/modemd/tracing"
)

// Bus types.
const (
	BusSystem  = "system"
	BusSession = "session"
	BusNone    = "none"
)

const (
	DefaultBusName  = "org.freedesktop.ModemManager1"
	DefaultBasePath = "/org/freedesktop/ModemManager1"

	defaultDeferRetryDelay = 3 * time.Second
)

// Config holds the daemon settings.
type Config struct {
	// [daemon]
	PluginDir   string
	DebugSocket string
	// MetricsAddr is a TCP address to serve metrics on, in addition to
	// the debug socket. Empty disables it.
	MetricsAddr string

	// [arbitration]
	DeferRetryDelay time.Duration
	// MaxDeferrals of 0 lets plugins defer forever.
	MaxDeferrals int

	// [bus]
	BusType  string
	BusName  string
	BasePath string

	// [tracing]
	Tracing tracing.Config
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		PluginDir:       dirs.ModemdPluginDir,
		DebugSocket:     dirs.ModemdDebugSocket,
		DeferRetryDelay: defaultDeferRetryDelay,
		BusType:         BusSystem,
		BusName:         DefaultBusName,
		BasePath:        DefaultBasePath,
		Tracing:         tracing.Defaults(),
	}
}

type parser struct {
	cfg *goconfigparser.ConfigParser
}

func (p *parser) get(section, key string) (string, bool) {
	v, err := p.cfg.Get(section, key)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func invalid(section, key, value string, err error) error {
	return fmt.Errorf("invalid value %q for %q in section %q: %v", value, key, section, err)
}

// Load reads the configuration at path on top of the defaults. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	c := Defaults()
	if !osutil.FileExists(path) {
		return c, nil
	}

	p := &parser{cfg: goconfigparser.New()}
	if err := p.cfg.ReadFile(path); err != nil {
		return nil, fmt.Errorf("cannot read configuration %q: %v", path, err)
	}

	if v, ok := p.get("daemon", "plugin-dir"); ok && v != "" {
		c.PluginDir = v
	}
	if v, ok := p.get("daemon", "debug-socket"); ok {
		c.DebugSocket = v
	}
	if v, ok := p.get("daemon", "metrics-addr"); ok {
		c.MetricsAddr = v
	}

	if v, ok := p.get("arbitration", "defer-retry-delay"); ok {
		d, err := time.ParseDuration(v)
		if err == nil && d <= 0 {
			err = fmt.Errorf("must be positive")
		}
		if err != nil {
			return nil, invalid("arbitration", "defer-retry-delay", v, err)
		}
		c.DeferRetryDelay = d
	}
	if v, ok := p.get("arbitration", "max-deferrals"); ok {
		n, err := strconv.Atoi(v)
		if err == nil && n < 0 {
			err = fmt.Errorf("cannot be negative")
		}
		if err != nil {
			return nil, invalid("arbitration", "max-deferrals", v, err)
		}
		c.MaxDeferrals = n
	}

	if v, ok := p.get("bus", "type"); ok {
		switch v {
		case BusSystem, BusSession, BusNone:
			c.BusType = v
		default:
			return nil, invalid("bus", "type", v, fmt.Errorf("expected %s, %s or %s", BusSystem, BusSession, BusNone))
		}
	}
	if v, ok := p.get("bus", "name"); ok {
		if !validBusName(v) {
			return nil, invalid("bus", "name", v, fmt.Errorf("not a well-known bus name"))
		}
		c.BusName = v
	}
	if v, ok := p.get("bus", "base-path"); ok {
		if !dbus.ObjectPath(v).IsValid() || v == "/" {
			return nil, invalid("bus", "base-path", v, fmt.Errorf("not an object path"))
		}
		c.BasePath = v
	}

	if v, ok := p.get("tracing", "enabled"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, invalid("tracing", "enabled", v, err)
		}
		c.Tracing.Enabled = b
	}
	if v, ok := p.get("tracing", "exporter"); ok {
		switch v {
		case tracing.ExporterStdout, tracing.ExporterNone:
			c.Tracing.Exporter = v
		default:
			return nil, invalid("tracing", "exporter", v, fmt.Errorf("expected %s or %s", tracing.ExporterStdout, tracing.ExporterNone))
		}
	}
	if v, ok := p.get("tracing", "sample-ratio"); ok {
		r, err := strconv.ParseFloat(v, 64)
		if err == nil && (r < 0 || r > 1) {
			err = fmt.Errorf("must be between 0 and 1")
		}
		if err != nil {
			return nil, invalid("tracing", "sample-ratio", v, err)
		}
		c.Tracing.SampleRatio = r
	}
	return c, nil
}

func validBusName(name string) bool {
	if len(name) > 255 || strings.HasPrefix(name, ":") {
		return false
	}
	elements := strings.Split(name, ".")
	if len(elements) < 2 {
		return false
	}
	for _, e := range elements {
		if e == "" || (e[0] >= '0' && e[0] <= '9') {
			return false
		}
		for _, r := range e {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
				return false
			}
		}
	}
	return true
}
