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

// Package runtime implements the three service loops of spec §4.5: the
// message loop, the file loop, and the user-command loop driven from
// standard input. It is grounded on the accept-loop shape of the teacher's
// cmd/syncthing connection listeners, generalized into a small reusable
// Runtime type that owns listener lifecycle and exposes a single Shutdown
// path for the "quit" command.
package runtime

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/fileoverlay/overlayd/internal/ledger"
	"github.com/fileoverlay/overlayd/internal/netutil"
	"github.com/fileoverlay/overlayd/internal/overlay"
)

// Runtime owns the message, file, and user loops for one node and their
// shared shutdown signal.
type Runtime struct {
	ov     *overlay.Overlay
	led    *ledger.Ledger
	famous []overlay.FamousPeer

	msgListener  *net.TCPListener
	fileListener *net.TCPListener

	stop    chan struct{}
	stopped bool
	stopMu  sync.Mutex

	wg sync.WaitGroup
}

// New binds the message and file listeners and returns a Runtime ready to
// Run. famous is the bootstrap peer list consulted by the "join" user
// command; Run itself does not join.
func New(ov *overlay.Overlay, led *ledger.Ledger, famous []overlay.FamousPeer, messagePort, filePort uint16) (*Runtime, error) {
	msgL, err := netutil.Listen(messagePort)
	if err != nil {
		return nil, fmt.Errorf("runtime: message listener: %w", err)
	}
	fileL, err := netutil.Listen(filePort)
	if err != nil {
		msgL.Close()
		return nil, fmt.Errorf("runtime: file listener: %w", err)
	}
	return &Runtime{
		ov:           ov,
		led:          led,
		famous:       famous,
		msgListener:  msgL,
		fileListener: fileL,
		stop:         make(chan struct{}),
	}, nil
}

// Run starts the message and file accept loops on their own goroutines,
// then blocks in the user command loop reading from r until "quit" is read
// or r reaches EOF. It returns once all three loops have stopped.
func (rt *Runtime) Run(r io.Reader, w io.Writer) error {
	rt.wg.Add(2)
	go rt.messageLoop()
	go rt.fileLoop()

	rt.userLoop(r, w)

	rt.Shutdown()
	rt.wg.Wait()
	return nil
}

// Shutdown closes both listeners, unblocking their accept loops. Safe to
// call more than once.
func (rt *Runtime) Shutdown() {
	rt.stopMu.Lock()
	defer rt.stopMu.Unlock()
	if rt.stopped {
		return
	}
	rt.stopped = true
	close(rt.stop)
	rt.msgListener.Close()
	rt.fileListener.Close()
}

func (rt *Runtime) messageLoop() {
	defer rt.wg.Done()
	for {
		conn, err := netutil.Accept(rt.msgListener)
		if err != nil {
			select {
			case <-rt.stop:
				return
			default:
				rt.led.Error("message loop: accept: %v", err)
				return
			}
		}
		go rt.ov.AcceptMessageConn(conn)
	}
}

func (rt *Runtime) fileLoop() {
	defer rt.wg.Done()
	for {
		conn, err := netutil.Accept(rt.fileListener)
		if err != nil {
			select {
			case <-rt.stop:
				return
			default:
				rt.led.Error("file loop: accept: %v", err)
				return
			}
		}
		go rt.ov.ServeFileRequest(conn)
	}
}

// userLoop reads one command per line from r until "quit" or EOF (spec
// §4.5). Output and errors are written to w so cmd/overlayd can wire this
// to stdout without runtime importing os directly.
func (rt *Runtime) userLoop(r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]

		switch cmd {
		case "quit":
			return
		case "join":
			if err := rt.ov.Join(rt.famous); err != nil {
				fmt.Fprintf(w, "join: %v\n", err)
			}
		case "search":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: search <hex-hash>")
				continue
			}
			if err := rt.ov.InitQuery(args[0]); err != nil {
				fmt.Fprintf(w, "search: %v\n", err)
			}
		case "name-search":
			if len(args) < 1 {
				fmt.Fprintln(w, "usage: name-search <name>")
				continue
			}
			name := strings.Join(args, " ")
			if err := rt.ov.InitNameSearch(name); err != nil {
				fmt.Fprintf(w, "name-search: %v\n", err)
			}
		case "peers":
			for _, p := range rt.ov.Peers() {
				fmt.Fprintln(w, overlay.FormatPeerLine(p))
			}
		default:
			fmt.Fprintf(w, "unknown command %q\n", cmd)
		}
	}
}
