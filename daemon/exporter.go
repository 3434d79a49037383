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

package daemon

import (
	"strings"

	"github.com/snapcore/modemd/logger"
	"github.com/snapcore/modemd/modem"
)

// logExporter stands in for the bus when running without one.
type logExporter struct{}

func portList(m *modem.Modem) string {
	ids := m.PortIDs()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, id.String())
	}
	return strings.Join(names, ", ")
}

func (logExporter) Export(m *modem.Modem) error {
	logger.Noticef("modem %s (%s) available at %s: %s", m.PhysicalDevicePath(), m.Plugin(), m.Path(), portList(m))
	return nil
}

func (logExporter) Update(m *modem.Modem) {
	logger.Debugf("modem %s ports changed: %s", m.Path(), portList(m))
}

func (logExporter) Unexport(m *modem.Modem) {
	logger.Noticef("modem %s (%s) gone from %s", m.PhysicalDevicePath(), m.Plugin(), m.Path())
}
