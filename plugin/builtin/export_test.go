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

package builtin

import (
	"time"

	"go.bug.st/serial"

	"github.com/snapcore/modemd/plugin"
)

type SerialPort = serialPort

func MockSerialOpen(f func(name string, mode *serial.Mode) (SerialPort, error)) (restore func()) {
	old := serialOpen
	serialOpen = f
	return func() { serialOpen = old }
}

func MockATTimeouts(read, response time.Duration) (restore func()) {
	oldRead, oldResponse := atReadTimeout, atResponseTimeout
	atReadTimeout, atResponseTimeout = read, response
	return func() {
		atReadTimeout, atResponseTimeout = oldRead, oldResponse
	}
}

func NewGeneric() plugin.Plugin {
	p, _ := newGeneric()
	return p
}
