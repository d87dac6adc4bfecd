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

package ledger

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEventFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.now = fixedClock(time.Unix(1700000000, 0))

	l.Event("peer %s joined", "10.0.0.1:9000")

	got := buf.String()
	want := "[EVENT] [1700000000] peer 10.0.0.1:9000 joined\n"
	if got != want {
		t.Fatalf("Event() = %q, want %q", got, want)
	}
}

func TestErrorFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.now = fixedClock(time.Unix(42, 0))

	l.Error("hash mismatch for %s", "deadbeef")

	if !strings.HasPrefix(buf.String(), "[ERROR] [42] ") {
		t.Fatalf("Error() = %q, want ERROR-prefixed record", buf.String())
	}
}

func TestConcurrentWritesAreSerialized(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.now = fixedClock(time.Unix(0, 0))

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(n int) {
			l.Event("concurrent %d", n)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20 (no interleaved/partial writes)", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[EVENT] [0] concurrent ") {
			t.Fatalf("malformed line: %q", line)
		}
	}
}
