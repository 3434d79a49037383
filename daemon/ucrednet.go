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
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var errNoUID = errors.New("no uid found")

const ucrednetNobody = uint32((1 << 32) - 1)

// ucrednetGetUID extracts the peer uid from the remote address of a
// connection accepted by ucrednetListener.
func ucrednetGetUID(remoteAddr string) (uint32, error) {
	uid := ucrednetNobody
	for _, token := range strings.Split(remoteAddr, ";") {
		if !strings.HasPrefix(token, "uid=") {
			continue
		}
		v, err := strconv.ParseUint(token[4:], 10, 32)
		if err != nil {
			return ucrednetNobody, err
		}
		uid = uint32(v)
	}
	if uid == ucrednetNobody {
		return uid, errNoUID
	}
	return uid, nil
}

type ucrednet struct {
	pid int32
	uid uint32
}

func (un *ucrednet) String() string {
	if un == nil {
		return "pid=;uid=;"
	}
	return fmt.Sprintf("pid=%d;uid=%d;", un.pid, un.uid)
}

type ucrednetAddr struct {
	net.Addr
	*ucrednet
}

func (wa *ucrednetAddr) String() string {
	return wa.ucrednet.String()
}

type ucrednetConn struct {
	net.Conn
	*ucrednet
}

func (wc *ucrednetConn) RemoteAddr() net.Addr {
	return &ucrednetAddr{wc.Conn.RemoteAddr(), wc.ucrednet}
}

// ucrednetListener records the credentials of the peer in the remote
// address of the accepted unix connections.
type ucrednetListener struct{ net.Listener }

var getUcred = unix.GetsockoptUcred

func (wl *ucrednetListener) Accept() (net.Conn, error) {
	con, err := wl.Listener.Accept()
	if err != nil {
		return nil, err
	}

	var unet *ucrednet
	if ucon, ok := con.(*net.UnixConn); ok {
		raw, err := ucon.SyscallConn()
		if err != nil {
			con.Close()
			return nil, err
		}
		var ucred *unix.Ucred
		var credErr error
		err = raw.Control(func(fd uintptr) {
			ucred, credErr = getUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		})
		if err == nil {
			err = credErr
		}
		if err != nil {
			con.Close()
			return nil, err
		}
		unet = &ucrednet{pid: ucred.Pid, uid: ucred.Uid}
	}

	return &ucrednetConn{con, unet}, nil
}
