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

package main

import (
	"time"

	"github.com/snapcore/modemd/daemon"
)

var (
	ParseArgs   = parseArgs
	LoadConfig  = loadConfig
	Run         = run
	RunWatchdog = runWatchdog
)

type Options = options

func MockSdWatchdog(enabled func(bool) (time.Duration, error), notify func(bool, string) (bool, error)) (restore func()) {
	oldEnabled, oldNotify := sdWatchdogEnabled, sdNotify
	sdWatchdogEnabled, sdNotify = enabled, notify
	return func() {
		sdWatchdogEnabled, sdNotify = oldEnabled, oldNotify
	}
}

func NewTestDaemon() *daemon.Daemon {
	return daemon.New(nil)
}
