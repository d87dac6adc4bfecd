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
	"reflect"
	"testing"
)

func samplePeer(host string, port uint16, idByte byte) PeerIdentifier {
	var p PeerIdentifier
	p.HostName = host
	p.Port = port
	for i := range p.ID {
		p.ID[i] = idByte
	}
	return p
}

func TestPingRoundTrip(t *testing.T) {
	want := Ping{Self: samplePeer("10.0.0.1", 9000, 0x11), Timestamp: 1700000000}
	data, err := EncodePing(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePing(data)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestPongRoundTrip(t *testing.T) {
	var want Pong
	want.Allowed = true
	want.Timestamp = 42
	want.NumPeers = 2
	want.Peers[0] = samplePeer("host-a", 1, 0x01)
	want.Peers[1] = samplePeer("host-b", 2, 0x02)

	data, err := EncodePong(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePong(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestQueryRoundTrip(t *testing.T) {
	var want Query
	want.ID.Source = samplePeer("src", 100, 0xaa)
	want.ID.Timestamp = 5
	for i := range want.ID.Hash {
		want.ID.Hash[i] = byte(i)
	}
	want.Prev = samplePeer("prev", 101, 0xbb)
	want.TTL = 7

	data, err := EncodeQuery(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeQuery(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestQueryHitRoundTrip(t *testing.T) {
	var want QueryHit
	want.ID.Source = samplePeer("src", 100, 0xaa)
	want.Prev = samplePeer("prev", 101, 0xbb)
	want.Destination = samplePeer("dst", 102, 0xcc)

	data, err := EncodeQueryHit(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeQueryHit(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestFileMetaRoundTrip(t *testing.T) {
	var want FileMeta
	for i := range want.Hash {
		want.Hash[i] = byte(i)
	}
	want.Name = "report.pdf"
	want.Available = true
	want.FileSize = 123456789
	for i := range want.IV {
		want.IV[i] = byte(i + 1)
	}
	for i := range want.Tag {
		want.Tag[i] = byte(i + 2)
	}

	data, err := EncodeFileMeta(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeFileMeta(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestNameSearchRoundTrip(t *testing.T) {
	want := NameSearch{Source: samplePeer("host", 9000, 0x05), Name: "some-file.bin", Timestamp: 9}
	data, err := EncodeNameSearch(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeNameSearch(data)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestNameSearchHitRoundTrip(t *testing.T) {
	var want NameSearchHit
	want.Match.Name = "found.bin"
	for i := range want.Match.Hash {
		want.Match.Hash[i] = byte(i)
	}
	want.Source = samplePeer("src", 1, 0x01)
	want.Destination = samplePeer("dst", 2, 0x02)
	want.Timestamp = 17

	data, err := EncodeNameSearchHit(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeNameSearchHit(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestSecureCheckRoundTrip(t *testing.T) {
	want := SecureCheck{Type: 1, Secure: false}
	data, err := EncodeSecureCheck(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeSecureCheck(data)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestEncodeRejectsOversizedHostName(t *testing.T) {
	p := Ping{Self: samplePeer(string(make([]byte, MaxHostNameLen+1)), 1, 0)}
	if _, err := EncodePing(p); err == nil {
		t.Fatal("EncodePing with an oversized host name should fail")
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	if _, err := DecodePing([]byte{1, 2, 3}); err == nil {
		t.Fatal("DecodePing of a truncated payload should fail")
	}
}

func TestDecodeRejectsMissingNullTerminator(t *testing.T) {
	// A host-name field filled entirely with non-zero bytes has no
	// terminator and must be rejected rather than silently truncated.
	buf := make([]byte, MaxHostNameLen+1+2+IDLen+4)
	for i := 0; i < MaxHostNameLen+1; i++ {
		buf[i] = 'x'
	}
	if _, err := DecodePing(buf); err == nil {
		t.Fatal("DecodePing should reject a host name field with no null terminator")
	}
}

func TestDispatchRoundTrip(t *testing.T) {
	want := Splash{Timestamp: 99}
	data, err := Encode(TypeSplash, want)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(TypeSplash, data)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := decoded.(Splash)
	if !ok || got != want {
		t.Fatalf("Decode(Encode(Splash)) = %+v (ok=%v), want %+v", decoded, ok, want)
	}
}

func TestDispatchRejectsTypeMismatch(t *testing.T) {
	if _, err := Encode(TypePing, Splash{}); err == nil {
		t.Fatal("Encode(TypePing, Splash{}) should fail on type mismatch")
	}
}

func TestDispatchRejectsUnknownType(t *testing.T) {
	if _, err := Encode(999, Splash{}); err == nil {
		t.Fatal("Encode with an unknown type code should fail")
	}
	if _, err := Decode(999, nil); err == nil {
		t.Fatal("Decode with an unknown type code should fail")
	}
}
