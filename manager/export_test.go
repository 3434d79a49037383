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

package manager

import (
	"time"

	"gopkg.in/retry.v1"

	"github.com/snapcore/modemd/port"
)

type Timer = timer

func MockTimeAfterFunc(f func(d time.Duration, cb func()) Timer) (restore func()) {
	old := timeAfterFunc
	timeAfterFunc = f
	return func() { timeAfterFunc = old }
}

func MockDeferralStrategy(m *Manager, strategy retry.Strategy) {
	m.strategy = strategy
}

// RunQueued processes the queued work without a running loop.
func (m *Manager) RunQueued() {
	m.runQueued()
}

func (m *Manager) InFlight() []port.ID {
	var ids []port.ID
	for _, info := range m.sortedInfos() {
		ids = append(ids, info.id)
	}
	return ids
}
