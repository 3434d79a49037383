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
package daemon

import (
	"net/http"

	"github.com/snapcore/modemd/logger"
	"github.com/snapcore/modemd/manager"
)

// A ResponseFunc handles one of the individual verbs for a method
type ResponseFunc func(*Command, *http.Request) Response

// A Command routes a request to an individual per-verb ResponseFunc
type Command struct {
	Path string

	GET  ResponseFunc
	POST ResponseFunc

	d *Daemon
}

// canAccess lets anyone GET; everything else is reserved to root.
func (c *Command) canAccess(r *http.Request) bool {
	if r.Method == "GET" {
		return true
	}
	uid, err := ucrednetGetUID(r.RemoteAddr)
	if err != nil {
		if err != errNoUID {
			logger.Noticef("unexpected error when attempting to get UID: %s", err)
		}
		return false
	}
	return uid == 0
}

func (c *Command) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !c.canAccess(r) {
		Forbidden("access denied").ServeHTTP(w, r)
		return
	}

	var rspf ResponseFunc
	var rsp = BadMethod("method %q not allowed", r.Method)

	switch r.Method {
	case "GET":
		rspf = c.GET
	case "POST":
		rspf = c.POST
	}

	if rspf != nil {
		rsp = rspf(c, r)
	}

	rsp.ServeHTTP(w, r)
}

var api = []*Command{
	modemsCmd,
	arbitrationsCmd,
	pluginsCmd,
	scanCmd,
}

var (
	modemsCmd = &Command{
		Path: "/v1/modems",
		GET:  getModems,
	}

	arbitrationsCmd = &Command{
		Path: "/v1/arbitrations",
		GET:  getArbitrations,
	}

	pluginsCmd = &Command{
		Path: "/v1/plugins",
		GET:  getPlugins,
	}

	scanCmd = &Command{
		Path: "/v1/scan",
		POST: postScan,
	}
)

func managerError(err error) Response {
	if err == manager.ErrStopped {
		return ServiceUnavailable("%v", err)
	}
	return InternalError("%v", err)
}

func getModems(c *Command, r *http.Request) Response {
	modems, err := c.d.manager.Modems()
	if err != nil {
		return managerError(err)
	}
	if modems == nil {
		modems = []manager.ModemInfo{}
	}
	return SyncResponse(modems)
}

func getArbitrations(c *Command, r *http.Request) Response {
	arbitrations, err := c.d.manager.Snapshot()
	if err != nil {
		return managerError(err)
	}
	if arbitrations == nil {
		arbitrations = []manager.Arbitration{}
	}
	return SyncResponse(arbitrations)
}

type pluginInfo struct {
	Name     string `json:"name"`
	SortLast bool   `json:"sort-last,omitempty"`
}

func getPlugins(c *Command, r *http.Request) Response {
	plugins := c.d.plugins.Plugins()
	infos := make([]pluginInfo, 0, len(plugins))
	for _, p := range plugins {
		infos = append(infos, pluginInfo{Name: p.Name(), SortLast: p.SortLast()})
	}
	return SyncResponse(infos)
}

func postScan(c *Command, r *http.Request) Response {
	if err := c.d.manager.ScanDevices(); err != nil {
		return InternalError("%v", err)
	}
	return SyncResponse(nil)
}
