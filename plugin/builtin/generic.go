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

// Package builtin contains the plugins compiled into the daemon.
package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/snapcore/modemd/logger"
	"github.com/snapcore/modemd/modem"
	"github.com/snapcore/modemd/plugin"
	"github.com/snapcore/modemd/port"
)

const (
	genericName  = "generic"
	genericLevel = 10

	atBaudRate = 115200
	atAttempts = 3
)

var (
	atReadTimeout     = 100 * time.Millisecond
	atResponseTimeout = time.Second
)

type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

var serialOpen = func(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

func init() {
	plugin.Register(plugin.Factory{
		Name:         genericName,
		VersionMajor: plugin.APIMajor,
		VersionMinor: plugin.APIMinor,
		New:          newGeneric,
	})
}

type atCheck struct {
	cancel context.CancelFunc
}

// generic drives any modem answering to AT commands. It is only picked
// when no vendor plugin claims the port.
type generic struct {
	mu     sync.Mutex
	checks map[port.ID]*atCheck
}

func newGeneric() (plugin.Plugin, error) {
	return &generic{checks: make(map[port.ID]*atCheck)}, nil
}

func (g *generic) Name() string {
	return genericName
}

func (g *generic) SortLast() bool {
	return true
}

func (g *generic) SupportsPort(ctx context.Context, dev *port.Device, done plugin.SupportsFunc) plugin.SupportsResult {
	switch dev.Subsystem() {
	case port.SubsystemNet:
		done(genericLevel, nil)
		return plugin.InProgress
	case port.SubsystemTTY:
	default:
		return plugin.Unsupported
	}

	node := dev.DeviceNode()
	if node == "" {
		return plugin.Unsupported
	}

	pctx, cancel := context.WithCancel(ctx)
	pr := &atCheck{cancel: cancel}
	id := dev.ID()
	g.mu.Lock()
	if old := g.checks[id]; old != nil {
		old.cancel()
	}
	g.checks[id] = pr
	g.mu.Unlock()

	go func() {
		defer g.forget(id, pr)
		ok, err := checkAT(pctx, node)
		if errors.Is(err, context.Canceled) {
			logger.Debugf("AT check of %s cancelled", id)
			return
		}
		if err != nil {
			done(plugin.LevelUnsupported, err)
			return
		}
		level := plugin.LevelUnsupported
		if ok {
			level = genericLevel
		}
		done(level, nil)
	}()
	return plugin.InProgress
}

func (g *generic) forget(id port.ID, pr *atCheck) {
	pr.cancel()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checks[id] == pr {
		delete(g.checks, id)
	}
}

func (g *generic) CancelSupportsPort(dev *port.Device) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pr := g.checks[dev.ID()]; pr != nil {
		pr.cancel()
		delete(g.checks, dev.ID())
	}
}

func (g *generic) GrabPort(dev *port.Device, existing *modem.Modem) (*modem.Modem, error) {
	return plugin.GrabIntoModem(g, dev, existing, modem.RequireSubsystems(port.SubsystemTTY))
}

// checkAT returns whether the serial port at node answers to AT.
func checkAT(ctx context.Context, node string) (bool, error) {
	p, err := serialOpen(node, &serial.Mode{BaudRate: atBaudRate})
	if err != nil {
		return false, fmt.Errorf("cannot open %s: %v", node, err)
	}
	defer p.Close()
	if err := p.SetReadTimeout(atReadTimeout); err != nil {
		return false, fmt.Errorf("cannot set read timeout on %s: %v", node, err)
	}

	buf := make([]byte, 128)
	for attempt := 0; attempt < atAttempts; attempt++ {
		if _, err := p.Write([]byte("AT\r")); err != nil {
			return false, fmt.Errorf("cannot write to %s: %v", node, err)
		}
		var resp []byte
		deadline := time.Now().Add(atResponseTimeout)
		for time.Now().Before(deadline) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			n, err := p.Read(buf)
			if err != nil {
				return false, fmt.Errorf("cannot read from %s: %v", node, err)
			}
			resp = append(resp, buf[:n]...)
			// ERROR is still an AT speaking port
			if bytes.Contains(resp, []byte("OK")) || bytes.Contains(resp, []byte("ERROR")) {
				return true, nil
			}
		}
		logger.Debugf("no AT reply from %s (attempt %d)", node, attempt+1)
	}
	return false, nil
}
