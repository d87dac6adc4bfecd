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

package runtime

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fileoverlay/overlayd/internal/fdigest"
	"github.com/fileoverlay/overlayd/internal/ledger"
	"github.com/fileoverlay/overlayd/internal/netutil"
	"github.com/fileoverlay/overlayd/internal/overlay"
	"github.com/fileoverlay/overlayd/internal/protocol"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := netutil.Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	l.Close()
	return port
}

func newTestRuntime(t *testing.T) (*Runtime, *overlay.Overlay) {
	t.Helper()
	msgPort := freePort(t)
	filePort := freePort(t)

	shareDir := t.TempDir()
	self := protocol.PeerIdentifier{HostName: "127.0.0.1", Port: msgPort}
	tunables := overlay.Tunables{MaxPeers: 10, MaxInitPeers: 3, QueryTimeToLive: 5, CacheTimeToCheck: 30, CacheTimeToLive: 300}
	ov := overlay.New(self, tunables, shareDir, filePort, fdigest.New(64), ledger.New(io.Discard))

	rt, err := New(ov, ledger.New(io.Discard), nil, msgPort, filePort)
	if err != nil {
		t.Fatal(err)
	}
	return rt, ov
}

func TestUserLoopQuitStopsRun(t *testing.T) {
	rt, _ := newTestRuntime(t)

	done := make(chan error, 1)
	go func() { done <- rt.Run(strings.NewReader("quit\n"), io.Discard) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after quit")
	}
}

func TestUserLoopPeersCommand(t *testing.T) {
	rt, _ := newTestRuntime(t)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- rt.Run(strings.NewReader("peers\nquit\n"), &out) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if out.Len() != 0 {
		t.Fatalf("peers output = %q, want empty (no peers joined)", out.String())
	}
}

func TestUserLoopUnknownCommand(t *testing.T) {
	rt, _ := newTestRuntime(t)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- rt.Run(strings.NewReader("bogus\nquit\n"), &out) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if !strings.Contains(out.String(), `unknown command "bogus"`) {
		t.Fatalf("output = %q, want unknown command message", out.String())
	}
}

func TestUserLoopSearchUsage(t *testing.T) {
	rt, _ := newTestRuntime(t)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- rt.Run(strings.NewReader("search\nquit\n"), &out) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if !strings.Contains(out.String(), "usage: search") {
		t.Fatalf("output = %q, want usage message", out.String())
	}
}

func TestRunAcceptsMessageConnections(t *testing.T) {
	rt, ov := newTestRuntime(t)
	_ = ov

	done := make(chan error, 1)
	r, w := io.Pipe()
	go func() { done <- rt.Run(r, io.Discard) }()

	// Let the accept loops start before dialing.
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", rt.msgListener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	w.Write([]byte("quit\n"))
	w.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
