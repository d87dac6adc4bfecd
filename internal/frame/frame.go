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

// Package frame implements the message envelope that every overlay
// connection speaks: a 4-byte type code, a 4-byte payload length, and the
// payload itself (spec §4.2). The two header scalars are encoded with
// github.com/calmh/xdr, mirroring the teacher's internal/protocol/header.go,
// which also uses xdr purely for raw uint32 reads and writes with no
// length-prefixing. The payload itself is opaque here; internal/protocol
// owns its fixed-layout encoding.
package frame

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/calmh/xdr"

	"github.com/fileoverlay/overlayd/internal/overlayerr"
)

// MaxPayloadSize bounds the length field to guard against a corrupt or
// hostile peer claiming an unbounded payload and exhausting memory on
// read.
const MaxPayloadSize = 64 << 20 // 64 MiB, generous for a FILE_META chunk

// Conn wraps a connection with framed Send/Recv and serializes concurrent
// writers, matching the teacher's pattern of one write mutex per
// connection independent of any table locks (spec §5).
type Conn struct {
	rw io.ReadWriter

	writeMu sync.Mutex
	xw      *xdr.Writer

	readMu sync.Mutex
	xr     *xdr.Reader
	br     *bufio.Reader
}

// New wraps rw for framed use. rw is typically a net.Conn.
func New(rw io.ReadWriter) *Conn {
	br := bufio.NewReader(rw)
	return &Conn{
		rw: rw,
		xw: xdr.NewWriter(rw),
		xr: xdr.NewReader(br),
		br: br,
	}
}

// Send writes one frame: typ, len(payload), then payload, as a single
// serialized unit. Concurrent Send calls on the same Conn do not
// interleave.
func (c *Conn) Send(typ uint32, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d-byte limit", overlayerr.ErrProtocol, len(payload), MaxPayloadSize)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.xw.WriteUint32(typ); err != nil {
		return overlayerr.NewIOError("write frame type", err)
	}
	if _, err := c.xw.WriteUint32(uint32(len(payload))); err != nil {
		return overlayerr.NewIOError("write frame length", err)
	}
	if len(payload) > 0 {
		n, err := c.rw.Write(payload)
		if err != nil {
			return overlayerr.NewIOError("write frame payload", err)
		}
		if n != len(payload) {
			return fmt.Errorf("%w: wrote %d of %d payload bytes", overlayerr.ErrShortWrite, n, len(payload))
		}
	}
	return nil
}

// Recv reads one frame and returns its type code and payload. It blocks
// until a full frame arrives or the underlying connection errors or
// closes.
func (c *Conn) Recv() (uint32, []byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	typ := c.xr.ReadUint32()
	length := c.xr.ReadUint32()
	if err := c.xr.Error(); err != nil {
		switch err {
		case io.EOF:
			return 0, nil, overlayerr.ErrPeerClosed
		case io.ErrUnexpectedEOF:
			return 0, nil, fmt.Errorf("%w: frame header: %v", overlayerr.ErrShortRead, err)
		default:
			return 0, nil, overlayerr.NewIOError("read frame header", err)
		}
	}

	if length > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: peer announced %d-byte frame, limit is %d", overlayerr.ErrProtocol, length, MaxPayloadSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.br, payload); err != nil {
			switch err {
			case io.EOF, io.ErrUnexpectedEOF:
				return 0, nil, fmt.Errorf("%w: frame payload: %v", overlayerr.ErrShortRead, err)
			default:
				return 0, nil, overlayerr.NewIOError("read frame payload", err)
			}
		}
	}
	return typ, payload, nil
}

// WriteRaw writes b directly to the connection with no frame header,
// serialized against concurrent Send calls. Used for FILE_META's trailing
// byte stream, which is not itself framed (spec §4.2).
func (c *Conn) WriteRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, err := c.rw.Write(b)
	if err != nil {
		return overlayerr.NewIOError("write raw bytes", err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: wrote %d of %d raw bytes", overlayerr.ErrShortWrite, n, len(b))
	}
	return nil
}

// ReadRaw reads exactly n bytes with no frame header, serialized against
// concurrent Recv calls. The counterpart to WriteRaw.
func (c *Conn) ReadRaw(n int) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := io.ReadFull(c.br, buf); err != nil {
		switch err {
		case io.EOF, io.ErrUnexpectedEOF:
			return nil, fmt.Errorf("%w: raw bytes: %v", overlayerr.ErrShortRead, err)
		default:
			return nil, overlayerr.NewIOError("read raw bytes", err)
		}
	}
	return buf, nil
}

// Close closes the underlying connection if it supports io.Closer.
func (c *Conn) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
