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

package netutil

import (
	"net"
	"testing"
)

func TestListenDialAccept(t *testing.T) {
	l, err := Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	port := uint16(l.Addr().(*net.TCPAddr).Port)

	accepted := make(chan *net.TCPConn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := Accept(l)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	client, err := Dial("127.0.0.1", port)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	select {
	case conn := <-accepted:
		defer conn.Close()
	case err := <-acceptErr:
		t.Fatal(err)
	}
}

func TestDialRefused(t *testing.T) {
	l, err := Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	l.Close()

	if _, err := Dial("127.0.0.1", port); err == nil {
		t.Fatal("Dial to a closed listener should fail")
	}
}
