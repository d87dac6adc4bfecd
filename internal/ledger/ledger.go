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

// Package ledger implements the append-only text log the overlay protocol
// is specified against: every record is one line of the form
//
//	[TYPE] [unix-timestamp] message
//
// with TYPE one of EVENT or ERROR. The log file itself, and the decision of
// where it lives, belong to the launcher (spec §1 treats the logger as an
// external collaborator specified only at its interface); this package is
// that interface. Structurally it mirrors github.com/calmh/logger: a single
// mutex guards a single writer, and every call flushes immediately so a
// crash never loses a record that was already logged.
package ledger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Ledger is a process-wide, write-serialized append-only logger.
type Ledger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// Open opens (creating if necessary) the file at path for appending and
// returns a Ledger bound to it. The caller owns the returned file's
// lifetime via Close.
func Open(path string) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

// New wraps an arbitrary writer (a file, or in tests a bytes.Buffer) as a
// Ledger.
func New(w io.Writer) *Ledger {
	return &Ledger{w: w, now: time.Now}
}

// Close closes the underlying writer if it implements io.Closer.
func (l *Ledger) Close() error {
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *Ledger) write(kind, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.w, "[%s] [%d] %s\n", kind, l.now().Unix(), msg)
	if f, ok := l.w.(*os.File); ok {
		f.Sync()
	}
}

// Event records a normal protocol occurrence: a handshake, a forwarded
// query, a completed transfer.
func (l *Ledger) Event(format string, args ...interface{}) {
	l.write("EVENT", format, args...)
}

// Error records a recovered failure: a dropped connection, a malformed
// frame, a hash mismatch.
func (l *Ledger) Error(format string, args ...interface{}) {
	l.write("ERROR", format, args...)
}
