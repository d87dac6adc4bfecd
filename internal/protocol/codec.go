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

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fileoverlay/overlayd/internal/overlayerr"
)

// encoder accumulates a fixed-layout payload in little-endian order.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v uint8)   { e.buf.WriteByte(v) }
func (e *encoder) u16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); e.buf.Write(b[:]) }
func (e *encoder) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); e.buf.Write(b[:]) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }
func (e *encoder) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); e.buf.Write(b[:]) }
func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}
func (e *encoder) raw(b []byte) { e.buf.Write(b) }

// fixedString writes s zero-padded into exactly n bytes, leaving room for
// at least one terminating zero byte so the field can always be decoded
// unambiguously.
func (e *encoder) fixedString(s string, n int) error {
	if len(s) >= n {
		return fmt.Errorf("%w: string %q exceeds %d-byte field", overlayerr.ErrProtocol, s, n)
	}
	b := make([]byte, n)
	copy(b, s)
	e.raw(b)
	return nil
}

// fixedBytes writes exactly n bytes of b, zero-padding if b is shorter.
func (e *encoder) fixedBytes(b []byte, n int) error {
	if len(b) > n {
		return fmt.Errorf("%w: %d bytes exceeds %d-byte field", overlayerr.ErrProtocol, len(b), n)
	}
	out := make([]byte, n)
	copy(out, b)
	e.raw(out)
	return nil
}

func (e *encoder) peerIdentifier(p PeerIdentifier) error {
	if err := e.fixedString(p.HostName, MaxHostNameLen+1); err != nil {
		return err
	}
	e.u16(p.Port)
	e.raw(p.ID[:])
	return nil
}

// decoder consumes a fixed-layout payload in little-endian order.
type decoder struct {
	data []byte
	off  int
}

func newDecoder(data []byte) *decoder { return &decoder{data: data} }

func (d *decoder) need(n int) error {
	if d.off+n > len(d.data) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", overlayerr.ErrProtocol, n, d.off, len(d.data))
	}
	return nil
}

func (d *decoder) u8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.data[d.off]
	d.off++
	return v, nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.data[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) i32() (int32, error) {
	v, err := d.u32()
	return int32(v), err
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) boolean() (bool, error) {
	v, err := d.u8()
	return v != 0, err
}

func (d *decoder) rawN(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

// fixedString reads an n-byte field and returns the string up to (but not
// including) its first zero byte, rejecting a field with no terminator as
// malformed (spec §9: "reject payloads where the final segment is not
// null-terminated to avoid buffer over-read on the receiver").
func (d *decoder) fixedString(n int) (string, error) {
	b, err := d.rawN(n)
	if err != nil {
		return "", err
	}
	idx := bytes.IndexByte(b, 0)
	if idx < 0 {
		return "", fmt.Errorf("%w: %d-byte char field has no null terminator", overlayerr.ErrProtocol, n)
	}
	return string(b[:idx]), nil
}

func (d *decoder) peerIdentifier() (PeerIdentifier, error) {
	var p PeerIdentifier
	host, err := d.fixedString(MaxHostNameLen + 1)
	if err != nil {
		return p, err
	}
	port, err := d.u16()
	if err != nil {
		return p, err
	}
	id, err := d.rawN(IDLen)
	if err != nil {
		return p, err
	}
	p.HostName = host
	p.Port = port
	copy(p.ID[:], id)
	return p, nil
}

// --- Ping / Pong / Splash ---

func EncodePing(m Ping) ([]byte, error) {
	var e encoder
	if err := e.peerIdentifier(m.Self); err != nil {
		return nil, err
	}
	e.u32(m.Timestamp)
	return e.buf.Bytes(), nil
}

func DecodePing(data []byte) (Ping, error) {
	d := newDecoder(data)
	var m Ping
	var err error
	if m.Self, err = d.peerIdentifier(); err != nil {
		return m, err
	}
	if m.Timestamp, err = d.u32(); err != nil {
		return m, err
	}
	return m, nil
}

func EncodePong(m Pong) ([]byte, error) {
	var e encoder
	e.boolean(m.Allowed)
	e.u32(m.Timestamp)
	e.i32(m.NumPeers)
	for _, p := range m.Peers {
		if err := e.peerIdentifier(p); err != nil {
			return nil, err
		}
	}
	return e.buf.Bytes(), nil
}

func DecodePong(data []byte) (Pong, error) {
	d := newDecoder(data)
	var m Pong
	var err error
	if m.Allowed, err = d.boolean(); err != nil {
		return m, err
	}
	if m.Timestamp, err = d.u32(); err != nil {
		return m, err
	}
	if m.NumPeers, err = d.i32(); err != nil {
		return m, err
	}
	for i := range m.Peers {
		if m.Peers[i], err = d.peerIdentifier(); err != nil {
			return m, err
		}
	}
	return m, nil
}

func EncodeSplash(m Splash) ([]byte, error) {
	var e encoder
	e.u32(m.Timestamp)
	return e.buf.Bytes(), nil
}

func DecodeSplash(data []byte) (Splash, error) {
	d := newDecoder(data)
	var m Splash
	var err error
	m.Timestamp, err = d.u32()
	return m, err
}

// --- Query / QueryHit ---

func (e *encoder) queryIdentifier(q QueryIdentifier) error {
	if err := e.peerIdentifier(q.Source); err != nil {
		return err
	}
	e.raw(q.Hash[:])
	e.u32(q.Timestamp)
	return nil
}

func (d *decoder) queryIdentifier() (QueryIdentifier, error) {
	var q QueryIdentifier
	src, err := d.peerIdentifier()
	if err != nil {
		return q, err
	}
	hash, err := d.rawN(HashLen)
	if err != nil {
		return q, err
	}
	ts, err := d.u32()
	if err != nil {
		return q, err
	}
	q.Source = src
	copy(q.Hash[:], hash)
	q.Timestamp = ts
	return q, nil
}

func EncodeQuery(m Query) ([]byte, error) {
	var e encoder
	if err := e.queryIdentifier(m.ID); err != nil {
		return nil, err
	}
	if err := e.peerIdentifier(m.Prev); err != nil {
		return nil, err
	}
	e.i32(m.TTL)
	return e.buf.Bytes(), nil
}

func DecodeQuery(data []byte) (Query, error) {
	d := newDecoder(data)
	var m Query
	var err error
	if m.ID, err = d.queryIdentifier(); err != nil {
		return m, err
	}
	if m.Prev, err = d.peerIdentifier(); err != nil {
		return m, err
	}
	if m.TTL, err = d.i32(); err != nil {
		return m, err
	}
	return m, nil
}

func EncodeQueryHit(m QueryHit) ([]byte, error) {
	var e encoder
	if err := e.queryIdentifier(m.ID); err != nil {
		return nil, err
	}
	if err := e.peerIdentifier(m.Prev); err != nil {
		return nil, err
	}
	if err := e.peerIdentifier(m.Destination); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func DecodeQueryHit(data []byte) (QueryHit, error) {
	d := newDecoder(data)
	var m QueryHit
	var err error
	if m.ID, err = d.queryIdentifier(); err != nil {
		return m, err
	}
	if m.Prev, err = d.peerIdentifier(); err != nil {
		return m, err
	}
	if m.Destination, err = d.peerIdentifier(); err != nil {
		return m, err
	}
	return m, nil
}

// --- FileMeta ---

func EncodeFileMeta(m FileMeta) ([]byte, error) {
	var e encoder
	e.raw(m.Hash[:])
	if err := e.fixedString(m.Name, MaxNameLen+1); err != nil {
		return nil, err
	}
	e.boolean(m.Available)
	e.u64(m.FileSize)
	e.raw(m.IV[:])
	e.raw(m.Tag[:])
	return e.buf.Bytes(), nil
}

func DecodeFileMeta(data []byte) (FileMeta, error) {
	d := newDecoder(data)
	var m FileMeta
	hash, err := d.rawN(HashLen)
	if err != nil {
		return m, err
	}
	copy(m.Hash[:], hash)
	if m.Name, err = d.fixedString(MaxNameLen + 1); err != nil {
		return m, err
	}
	if m.Available, err = d.boolean(); err != nil {
		return m, err
	}
	if m.FileSize, err = d.u64(); err != nil {
		return m, err
	}
	iv, err := d.rawN(IVLen)
	if err != nil {
		return m, err
	}
	copy(m.IV[:], iv)
	tag, err := d.rawN(TagLen)
	if err != nil {
		return m, err
	}
	copy(m.Tag[:], tag)
	return m, nil
}

// --- NameSearch / NameSearchHit ---

func EncodeNameSearch(m NameSearch) ([]byte, error) {
	var e encoder
	if err := e.peerIdentifier(m.Source); err != nil {
		return nil, err
	}
	if err := e.fixedString(m.Name, MaxNameLen+1); err != nil {
		return nil, err
	}
	e.u32(m.Timestamp)
	return e.buf.Bytes(), nil
}

func DecodeNameSearch(data []byte) (NameSearch, error) {
	d := newDecoder(data)
	var m NameSearch
	var err error
	if m.Source, err = d.peerIdentifier(); err != nil {
		return m, err
	}
	if m.Name, err = d.fixedString(MaxNameLen + 1); err != nil {
		return m, err
	}
	if m.Timestamp, err = d.u32(); err != nil {
		return m, err
	}
	return m, nil
}

func (e *encoder) searchMatchIdentifier(s SearchMatchIdentifier) error {
	if err := e.fixedString(s.Name, MaxNameLen+1); err != nil {
		return err
	}
	e.raw(s.Hash[:])
	return nil
}

func (d *decoder) searchMatchIdentifier() (SearchMatchIdentifier, error) {
	var s SearchMatchIdentifier
	name, err := d.fixedString(MaxNameLen + 1)
	if err != nil {
		return s, err
	}
	hash, err := d.rawN(HashLen)
	if err != nil {
		return s, err
	}
	s.Name = name
	copy(s.Hash[:], hash)
	return s, nil
}

func EncodeNameSearchHit(m NameSearchHit) ([]byte, error) {
	var e encoder
	if err := e.searchMatchIdentifier(m.Match); err != nil {
		return nil, err
	}
	if err := e.peerIdentifier(m.Source); err != nil {
		return nil, err
	}
	if err := e.peerIdentifier(m.Destination); err != nil {
		return nil, err
	}
	e.u32(m.Timestamp)
	return e.buf.Bytes(), nil
}

func DecodeNameSearchHit(data []byte) (NameSearchHit, error) {
	d := newDecoder(data)
	var m NameSearchHit
	var err error
	if m.Match, err = d.searchMatchIdentifier(); err != nil {
		return m, err
	}
	if m.Source, err = d.peerIdentifier(); err != nil {
		return m, err
	}
	if m.Destination, err = d.peerIdentifier(); err != nil {
		return m, err
	}
	if m.Timestamp, err = d.u32(); err != nil {
		return m, err
	}
	return m, nil
}

// --- SecureCheck ---

func EncodeSecureCheck(m SecureCheck) ([]byte, error) {
	var e encoder
	e.u16(m.Type)
	e.boolean(m.Secure)
	return e.buf.Bytes(), nil
}

func DecodeSecureCheck(data []byte) (SecureCheck, error) {
	d := newDecoder(data)
	var m SecureCheck
	var err error
	if m.Type, err = d.u16(); err != nil {
		return m, err
	}
	if m.Secure, err = d.boolean(); err != nil {
		return m, err
	}
	return m, nil
}

// --- QueryIdentifier (standalone, type 300) ---

func EncodeQueryIdentifier(m QueryIdentifier) ([]byte, error) {
	var e encoder
	if err := e.queryIdentifier(m); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func DecodeQueryIdentifier(data []byte) (QueryIdentifier, error) {
	d := newDecoder(data)
	return d.queryIdentifier()
}

// Encode dispatches on typ and marshals msg into its fixed-layout wire
// form. msg must be the concrete struct matching typ (e.g. typ ==
// TypePing requires msg to be a Ping), or Encode returns ErrProtocol.
func Encode(typ uint32, msg interface{}) ([]byte, error) {
	switch typ {
	case TypePing:
		m, ok := msg.(Ping)
		if !ok {
			return nil, unexpectedType(typ, msg)
		}
		return EncodePing(m)
	case TypePong:
		m, ok := msg.(Pong)
		if !ok {
			return nil, unexpectedType(typ, msg)
		}
		return EncodePong(m)
	case TypeSplash:
		m, ok := msg.(Splash)
		if !ok {
			return nil, unexpectedType(typ, msg)
		}
		return EncodeSplash(m)
	case TypeQueryIdentifier:
		m, ok := msg.(QueryIdentifier)
		if !ok {
			return nil, unexpectedType(typ, msg)
		}
		return EncodeQueryIdentifier(m)
	case TypeQuery:
		m, ok := msg.(Query)
		if !ok {
			return nil, unexpectedType(typ, msg)
		}
		return EncodeQuery(m)
	case TypeQueryHit:
		m, ok := msg.(QueryHit)
		if !ok {
			return nil, unexpectedType(typ, msg)
		}
		return EncodeQueryHit(m)
	case TypeFileMeta:
		m, ok := msg.(FileMeta)
		if !ok {
			return nil, unexpectedType(typ, msg)
		}
		return EncodeFileMeta(m)
	case TypeNameSearch:
		m, ok := msg.(NameSearch)
		if !ok {
			return nil, unexpectedType(typ, msg)
		}
		return EncodeNameSearch(m)
	case TypeSearchMatchIdentifier:
		m, ok := msg.(SearchMatchIdentifier)
		if !ok {
			return nil, unexpectedType(typ, msg)
		}
		var e encoder
		if err := e.searchMatchIdentifier(m); err != nil {
			return nil, err
		}
		return e.buf.Bytes(), nil
	case TypeNameSearchHit:
		m, ok := msg.(NameSearchHit)
		if !ok {
			return nil, unexpectedType(typ, msg)
		}
		return EncodeNameSearchHit(m)
	case TypeSecureCheck:
		m, ok := msg.(SecureCheck)
		if !ok {
			return nil, unexpectedType(typ, msg)
		}
		return EncodeSecureCheck(m)
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", overlayerr.ErrProtocol, typ)
	}
}

// Decode dispatches on typ and unmarshals payload into the concrete
// message type registered for typ, returned as interface{}.
func Decode(typ uint32, payload []byte) (interface{}, error) {
	switch typ {
	case TypePing:
		return DecodePing(payload)
	case TypePong:
		return DecodePong(payload)
	case TypeSplash:
		return DecodeSplash(payload)
	case TypeQueryIdentifier:
		return DecodeQueryIdentifier(payload)
	case TypeQuery:
		return DecodeQuery(payload)
	case TypeQueryHit:
		return DecodeQueryHit(payload)
	case TypeFileMeta:
		return DecodeFileMeta(payload)
	case TypeNameSearch:
		return DecodeNameSearch(payload)
	case TypeSearchMatchIdentifier:
		d := newDecoder(payload)
		return d.searchMatchIdentifier()
	case TypeNameSearchHit:
		return DecodeNameSearchHit(payload)
	case TypeSecureCheck:
		return DecodeSecureCheck(payload)
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", overlayerr.ErrProtocol, typ)
	}
}

func unexpectedType(typ uint32, msg interface{}) error {
	return fmt.Errorf("%w: message %T does not match type code %d", overlayerr.ErrProtocol, msg, typ)
}
