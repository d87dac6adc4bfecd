// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.
//
// You should have received a copy of the GNU General Public License along
// with this program. If not, see <http://www.gnu.org/licenses/>.

// Package netutil provides the plain-TCP dial/listen/accept primitives
// used by every overlay service loop (spec §4.3). It is grounded on the
// teacher's cmd/syncthing/connections_tcp.go, stripped of the TLS
// handshake the spec explicitly excludes (no encrypted transport), but
// keeping the same socket tuning (SetNoDelay, keepalive, linger).
package netutil

import (
	"fmt"
	"net"
	"time"

	"github.com/fileoverlay/overlayd/internal/overlayerr"
)

const keepAlivePeriod = 60 * time.Second

// Listen binds a TCP listener on the given port of all interfaces.
func Listen(port uint16) (*net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, overlayerr.NewIOError("resolve listen addr", err)
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, overlayerr.NewIOError(fmt.Sprintf("listen on port %d", port), err)
	}
	return l, nil
}

// Accept waits for and tunes the next inbound connection.
func Accept(l *net.TCPListener) (*net.TCPConn, error) {
	conn, err := l.AcceptTCP()
	if err != nil {
		return nil, overlayerr.NewIOError("accept", err)
	}
	setTCPOptions(conn)
	return conn, nil
}

// Dial connects to host:port and tunes the resulting socket.
func Dial(host string, port uint16) (*net.TCPConn, error) {
	raddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, overlayerr.NewIOError("resolve dial addr", err)
	}
	conn, err := net.DialTCP("tcp", nil, raddr)
	if err != nil {
		return nil, overlayerr.NewIOError(fmt.Sprintf("dial %s:%d", host, port), err)
	}
	setTCPOptions(conn)
	return conn, nil
}

func setTCPOptions(conn *net.TCPConn) {
	conn.SetLinger(0)
	conn.SetNoDelay(true)
	conn.SetKeepAlivePeriod(keepAlivePeriod)
	conn.SetKeepAlive(true)
}
