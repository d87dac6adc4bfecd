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

// Package protocol defines the wire message types of the overlay protocol
// (spec §6) and their fixed-layout binary encoding. Every payload is a
// fixed-size record: multi-byte integers are little-endian, character
// arrays are zero-padded and null-terminated, and there are no pointers or
// variable-length fields except FILE_META's trailing byte stream (handled
// by the file-transfer code in internal/overlay, not here).
//
// This mirrors the shape of the teacher's internal/protocol/message.go
// (typed message structs) and internal/discover/packets.go (fixed byte
// arrays for addresses), but the encode/decode here is hand-rolled with
// encoding/binary rather than generated by genxdr or routed through
// github.com/calmh/xdr: that library's WriteBytes/WriteString prepend an
// RFC 4506 length word before the data, which does not reproduce the
// fixed, zero-padded layout this wire format requires. The header's two
// scalar fields (type, length) have no such conflict and are encoded with
// calmh/xdr in internal/frame.
package protocol

const (
	MaxHostNameLen = 255
	MaxNameLen     = 255
	HashLen        = 32
	IDLen          = 16
	IVLen          = 16
	TagLen         = 16
	MaxPongPeers   = 10
)

// Type codes, as specified in spec §6.
const (
	TypePeerIdentifier        uint32 = 100
	TypePeerInfo              uint32 = 101 // local only; never sent on the wire
	TypePing                  uint32 = 200
	TypePong                  uint32 = 201
	TypeSplash                uint32 = 202
	TypeQueryIdentifier       uint32 = 300
	TypeQuery                 uint32 = 301
	TypeQueryHit              uint32 = 302
	TypeQueryStatus           uint32 = 303 // local table only; never sent on the wire
	TypeFileMeta              uint32 = 400
	TypeNameSearch            uint32 = 500
	TypeSearchMatchIdentifier uint32 = 501
	TypeNameSearchHit         uint32 = 502
	TypeSecureCheck           uint32 = 600
)

// PeerIdentifier is the identity of a node advertised on the wire.
// Equality is by (HostName, Port); ID is opaque routing metadata.
type PeerIdentifier struct {
	HostName string
	Port     uint16
	ID       [IDLen]byte
}

// Equal compares two PeerIdentifiers by (HostName, Port) only, per spec
// §3's equality rule — ID is opaque metadata and does not participate.
func (p PeerIdentifier) Equal(o PeerIdentifier) bool {
	return p.HostName == o.HostName && p.Port == o.Port
}

// Ping is sent by a joining node to request admission to a peer's table.
type Ping struct {
	Self      PeerIdentifier
	Timestamp uint32
}

// Pong answers a Ping.
type Pong struct {
	Allowed   bool
	Timestamp uint32
	NumPeers  int32
	Peers     [MaxPongPeers]PeerIdentifier
}

// Splash is a voluntary disconnect notice.
type Splash struct {
	Timestamp uint32
}

// QueryIdentifier is the globally unique key for a routed query.
type QueryIdentifier struct {
	Source    PeerIdentifier
	Hash      [HashLen]byte
	Timestamp uint32
}

// Query is a routed content query in flight.
type Query struct {
	ID   QueryIdentifier
	Prev PeerIdentifier
	TTL  int32
}

// QueryHit is the reverse-path response to a Query.
type QueryHit struct {
	ID          QueryIdentifier
	Prev        PeerIdentifier
	Destination PeerIdentifier
}

// QueryStatus is the local per-query ledger entry; it is never sent on the
// wire, only kept in Overlay's query-status table.
type QueryStatus struct {
	Success   bool
	Timestamp int32
}

// FileMeta describes a file transfer.
type FileMeta struct {
	Hash      [HashLen]byte
	Name      string
	Available bool
	FileSize  uint64
	IV        [IVLen]byte
	Tag       [TagLen]byte
}

// NameSearch floods a search for a file by name (supplemented feature,
// SPEC_FULL.md §SUPPLEMENTED FEATURES 1).
type NameSearch struct {
	Source    PeerIdentifier
	Name      string
	Timestamp uint32
}

// SearchMatchIdentifier names the file a NameSearch matched.
type SearchMatchIdentifier struct {
	Name string
	Hash [HashLen]byte
}

// NameSearchHit is the reverse-path response to a NameSearch.
type NameSearchHit struct {
	Match       SearchMatchIdentifier
	Source      PeerIdentifier
	Destination PeerIdentifier
	Timestamp   uint32
}

// SecureCheck is the reserved capability-negotiation message (spec §1):
// declared but never used to establish encrypted transport.
type SecureCheck struct {
	Type   uint16
	Secure bool
}
