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

package dirs

import (
	"os"
	"path/filepath"
)

// the various file paths
var (
	GlobalRootDir string

	SysfsDir string
	DevDir   string

	ModemdConfigFile  string
	ModemdPluginDir   string
	ModemdDebugSocket string
)

const (
	defaultConfigFile  = "/etc/modemd/modemd.conf"
	defaultPluginDir   = "/usr/lib/modemd/plugins"
	defaultDebugSocket = "/run/modemd.socket"
)

func init() {
	// init the global directories at startup
	root := os.Getenv("MODEMD_ROOT_DIR")

	SetRootDir(root)
}

// SetRootDir allows settings a new global root directory, this is useful
// for e.g. chroot operations
func SetRootDir(rootdir string) {
	if rootdir == "" {
		rootdir = "/"
	}
	GlobalRootDir = rootdir

	SysfsDir = filepath.Join(rootdir, "/sys")
	DevDir = filepath.Join(rootdir, "/dev")

	ModemdConfigFile = filepath.Join(rootdir, defaultConfigFile)
	ModemdPluginDir = filepath.Join(rootdir, defaultPluginDir)
	ModemdDebugSocket = filepath.Join(rootdir, defaultDebugSocket)
}

