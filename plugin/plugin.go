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

// Package plugin defines the contract between the port arbitration
// engine and the vendor plugins, and loads the set of plugins at startup.
package plugin

import (
	"context"
	"fmt"

	"github.com/snapcore/modemd/modem"
	"github.com/snapcore/modemd/port"
)

// The plugin API version implemented by this daemon. Plugins built
// against a different version are rejected at load time.
const (
	APIMajor = 1
	APIMinor = 0
)

// Support levels reported by plugins.
const (
	// LevelUnsupported means the plugin does not drive the port.
	LevelUnsupported = 0
	// LevelMax is a certain match, e.g. on vendor and product ID.
	LevelMax = 100
)

// ClampLevel brings level into the LevelUnsupported..LevelMax range.
func ClampLevel(level int) int {
	if level < LevelUnsupported {
		return LevelUnsupported
	}
	if level > LevelMax {
		return LevelMax
	}
	return level
}

// SupportsResult is the immediate answer of a plugin to SupportsPort.
type SupportsResult int

const (
	// Unsupported means the plugin claims no support; done is not called.
	Unsupported SupportsResult = iota
	// InProgress means done will be called with the support level, maybe
	// before SupportsPort returns.
	InProgress
	// Deferred means the plugin needs more time and wants to be asked
	// again later; done is not called.
	Deferred
)

func (r SupportsResult) String() string {
	switch r {
	case Unsupported:
		return "unsupported"
	case InProgress:
		return "in-progress"
	case Deferred:
		return "deferred"
	}
	return fmt.Sprintf("SupportsResult(%d)", int(r))
}

// SupportsFunc receives the outcome of a support check. A non-nil error
// means the check failed and is taken as no support. It may be called
// from any goroutine, at most once per SupportsPort call.
type SupportsFunc func(level int, err error)

// Plugin is implemented by every vendor or family specific driver.
type Plugin interface {
	// Name returns the unique plugin name.
	Name() string
	// SortLast returns whether the plugin must be asked after all the
	// other plugins, as generic fallbacks do.
	SortLast() bool
	// SupportsPort checks the level of support the plugin has for the
	// port. ctx is cancelled when the answer is no longer wanted.
	SupportsPort(ctx context.Context, dev *port.Device, done SupportsFunc) SupportsResult
	// CancelSupportsPort aborts any check in flight for the port and
	// releases whatever the plugin kept around while probing it.
	CancelSupportsPort(dev *port.Device)
	// GrabPort takes the port into a modem. existing is the modem already
	// aggregated for the port's physical device, or nil, in which case a
	// new modem is created and returned.
	GrabPort(dev *port.Device, existing *modem.Modem) (*modem.Modem, error)
}
