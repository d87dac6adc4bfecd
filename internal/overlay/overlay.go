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

// Package overlay implements the protocol state machine (spec §4.4): the
// peer table, the query cache, the query-status cache, the file-path
// index, the join handshake, query/name-search flood routing, and file
// transfer. It is grounded on the teacher's internal/discover package for
// the registry-map-plus-mutex shape of its tables, generalized to the
// four-table, strict-lock-ordering design this protocol requires.
package overlay

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fileoverlay/overlayd/internal/fdigest"
	"github.com/fileoverlay/overlayd/internal/frame"
	"github.com/fileoverlay/overlayd/internal/ledger"
	"github.com/fileoverlay/overlayd/internal/netutil"
	"github.com/fileoverlay/overlayd/internal/overlayerr"
	"github.com/fileoverlay/overlayd/internal/protocol"
)

type peerEntry struct {
	identifier protocol.PeerIdentifier
	conn       *frame.Conn
}

type queryEntry struct {
	id   protocol.QueryIdentifier
	prev protocol.PeerIdentifier
	ttl  int32
}

type statusEntry struct {
	success   bool
	timestamp int64
}

// FamousPeer is a seed node to attempt during Join. It mirrors
// config.FamousPeer without importing the config package, keeping Overlay
// independent of the configuration file format.
type FamousPeer struct {
	HostName string
	Port     uint16
}

// Tunables bundles the overlay's five configured knobs (spec §4.4).
type Tunables struct {
	MaxPeers         int
	MaxInitPeers     int
	QueryTimeToLive  int32
	CacheTimeToCheck int
	CacheTimeToLive  int64
}

// Overlay is the protocol engine for a single node. The zero value is not
// usable; construct with New.
type Overlay struct {
	self      protocol.PeerIdentifier
	tunables  Tunables
	shareDir  string
	filePort  uint16
	fdigest   *fdigest.Index
	ledger    *ledger.Ledger
	now       func() time.Time

	peersMu sync.Mutex
	peers   map[string]*peerEntry

	queriesMu sync.Mutex
	queries   map[string]*queryEntry

	statusMu sync.Mutex
	statuses map[string]*statusEntry

	filePathsMu sync.Mutex
	filePaths   map[string]string

	capsMu sync.Mutex
	caps   map[string]map[uint16]bool
}

// New constructs an Overlay. self is this node's own advertised identity;
// shareDir and filePort are used when serving and requesting files.
func New(self protocol.PeerIdentifier, t Tunables, shareDir string, filePort uint16, idx *fdigest.Index, led *ledger.Ledger) *Overlay {
	return &Overlay{
		self:      self,
		tunables:  t,
		shareDir:  shareDir,
		filePort:  filePort,
		fdigest:   idx,
		ledger:    led,
		now:       time.Now,
		peers:     make(map[string]*peerEntry),
		queries:   make(map[string]*queryEntry),
		statuses:  make(map[string]*statusEntry),
		filePaths: make(map[string]string),
		caps:      make(map[string]map[uint16]bool),
	}
}

// NewSelfIdentifier builds a PeerIdentifier for this node with a fresh
// random opaque id, generated via google/uuid since the 16-byte UUID wire
// representation fits protocol.IDLen exactly.
func NewSelfIdentifier(host string, port uint16) protocol.PeerIdentifier {
	id := uuid.New()
	var idArr [protocol.IDLen]byte
	copy(idArr[:], id[:])
	return protocol.PeerIdentifier{HostName: host, Port: port, ID: idArr}
}

// CanonicalQueryID renders q in the canonical "<host>:<timestamp>:<hex-hash>"
// form used as the key into the query and query-status tables (spec §3).
func CanonicalQueryID(q protocol.QueryIdentifier) string {
	return fmt.Sprintf("%s:%d:%s", q.Source.HostName, q.Timestamp, hex.EncodeToString(q.Hash[:]))
}

func peerKey(id protocol.PeerIdentifier) string {
	return id.HostName + ":" + strconv.Itoa(int(id.Port))
}

// Self returns this node's own advertised identifier.
func (o *Overlay) Self() protocol.PeerIdentifier { return o.self }

// Peers returns a snapshot of currently known peers sorted by host name,
// for the "peers" user command (SPEC_FULL.md supplemented feature 4).
func (o *Overlay) Peers() []protocol.PeerIdentifier {
	o.peersMu.Lock()
	out := make([]protocol.PeerIdentifier, 0, len(o.peers))
	for _, p := range o.peers {
		out = append(out, p.identifier)
	}
	o.peersMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].HostName < out[j].HostName })
	return out
}

// peerHintsLocked returns up to limit peer identifiers from the table,
// leaving out exclude. Caller must hold peersMu.
func (o *Overlay) peerHintsLocked(limit int, exclude protocol.PeerIdentifier) []protocol.PeerIdentifier {
	hints := make([]protocol.PeerIdentifier, 0, limit)
	for _, p := range o.peers {
		if len(hints) >= limit {
			break
		}
		if p.identifier.Equal(exclude) {
			continue
		}
		hints = append(hints, p.identifier)
	}
	return hints
}

func (o *Overlay) registerPeerConn(id protocol.PeerIdentifier, conn *frame.Conn) {
	o.peersMu.Lock()
	o.peers[peerKey(id)] = &peerEntry{identifier: id, conn: conn}
	o.peersMu.Unlock()
}

func (o *Overlay) removePeer(id protocol.PeerIdentifier) {
	o.peersMu.Lock()
	delete(o.peers, peerKey(id))
	o.peersMu.Unlock()
}

// acceptPing applies the server-side admission decision for a PING from
// self (spec §4.4.1) and, if accepted, registers conn as self's peer entry
// in the same critical section as the capacity check — a peer entry is
// never published to the table without its connection attached, so a
// concurrent flood can never observe a conn-less entry and dereference a
// nil *frame.Conn. A peer already present is refreshed rather than treated
// as a capacity-consuming duplicate (spec §9 open question). Hints are
// drawn from the table before self is inserted and skip any existing entry
// for self, so the returned list never contains the joining peer's own
// identifier.
func (o *Overlay) acceptPing(self protocol.PeerIdentifier, conn *frame.Conn) (allowed bool, hints []protocol.PeerIdentifier) {
	o.peersMu.Lock()
	defer o.peersMu.Unlock()

	hints = o.peerHintsLocked(protocol.MaxPongPeers, self)

	_, present := o.peers[peerKey(self)]
	if !present && len(o.peers) >= o.tunables.MaxPeers {
		return false, hints
	}
	o.peers[peerKey(self)] = &peerEntry{identifier: self, conn: conn}
	return true, hints
}

// AcceptMessageConn services one inbound message-port connection from
// handshake through persistent flood traffic, until the peer disconnects.
// It is meant to be called on its own goroutine per accepted connection.
func (o *Overlay) AcceptMessageConn(raw net.Conn) {
	conn := frame.New(raw)

	typ, payload, err := conn.Recv()
	if err != nil {
		conn.Close()
		return
	}
	if typ != protocol.TypePing {
		o.ledger.Error("message port: expected PING from %s, got type %d", raw.RemoteAddr(), typ)
		conn.Close()
		return
	}
	ping, err := protocol.DecodePing(payload)
	if err != nil {
		o.ledger.Error("message port: malformed PING from %s: %v", raw.RemoteAddr(), err)
		conn.Close()
		return
	}

	allowed, hints := o.acceptPing(ping.Self, conn)
	pong := protocol.Pong{Allowed: allowed, Timestamp: uint32(o.now().Unix()), NumPeers: int32(len(hints))}
	for i, h := range hints {
		pong.Peers[i] = h
	}
	data, err := protocol.EncodePong(pong)
	if err != nil {
		o.ledger.Error("message port: encode PONG for %s: %v", ping.Self.HostName, err)
		o.removePeer(ping.Self)
		conn.Close()
		return
	}
	if err := conn.Send(protocol.TypePong, data); err != nil {
		o.ledger.Error("message port: send PONG to %s: %v", ping.Self.HostName, err)
		o.removePeer(ping.Self)
		conn.Close()
		return
	}
	if !allowed {
		o.ledger.Event("peer %s:%d rejected: table full", ping.Self.HostName, ping.Self.Port)
		conn.Close()
		return
	}

	o.ledger.Event("peer %s:%d joined", ping.Self.HostName, ping.Self.Port)
	o.serveFlood(ping.Self, conn)
}

// Join iterates famous peers, dialing each and performing the PING/PONG
// handshake, until maxInitPeers have accepted or the hint pool is
// exhausted (spec §4.4.1).
func (o *Overlay) Join(famous []FamousPeer) error {
	queue := append([]FamousPeer(nil), famous...)
	visited := make(map[string]bool)
	accepted := 0

	for len(queue) > 0 && accepted < o.tunables.MaxInitPeers {
		fp := queue[0]
		queue = queue[1:]

		key := fp.HostName + ":" + strconv.Itoa(int(fp.Port))
		if visited[key] || (fp.HostName == o.self.HostName && fp.Port == o.self.Port) {
			continue
		}
		visited[key] = true

		tcpConn, err := netutil.Dial(fp.HostName, fp.Port)
		if err != nil {
			o.ledger.Error("join: dial %s:%d: %v", fp.HostName, fp.Port, err)
			continue
		}
		conn := frame.New(tcpConn)

		ping := protocol.Ping{Self: o.self, Timestamp: uint32(o.now().Unix())}
		data, err := protocol.EncodePing(ping)
		if err != nil {
			conn.Close()
			return err
		}
		if err := conn.Send(protocol.TypePing, data); err != nil {
			o.ledger.Error("join: send PING to %s:%d: %v", fp.HostName, fp.Port, err)
			conn.Close()
			continue
		}

		typ, payload, err := conn.Recv()
		if err != nil {
			o.ledger.Error("join: recv PONG from %s:%d: %v", fp.HostName, fp.Port, err)
			conn.Close()
			continue
		}
		if typ != protocol.TypePong {
			o.ledger.Error("join: expected PONG from %s:%d, got type %d", fp.HostName, fp.Port, typ)
			conn.Close()
			continue
		}
		pong, err := protocol.DecodePong(payload)
		if err != nil {
			o.ledger.Error("join: malformed PONG from %s:%d: %v", fp.HostName, fp.Port, err)
			conn.Close()
			continue
		}

		if !pong.Allowed {
			conn.Close()
			for i := 0; i < int(pong.NumPeers) && i < len(pong.Peers); i++ {
				queue = append(queue, FamousPeer{HostName: pong.Peers[i].HostName, Port: pong.Peers[i].Port})
			}
			continue
		}

		peerID := protocol.PeerIdentifier{HostName: fp.HostName, Port: fp.Port}
		o.registerPeerConn(peerID, conn)
		o.ledger.Event("peer %s:%d joined", peerID.HostName, peerID.Port)
		accepted++
		go o.serveFlood(peerID, conn)
	}
	return nil
}

// serveFlood reads frames from a persistent peer connection until it
// closes or an unrecoverable protocol error occurs, dispatching each into
// the appropriate handler.
func (o *Overlay) serveFlood(id protocol.PeerIdentifier, conn *frame.Conn) {
	defer func() {
		o.removePeer(id)
		conn.Close()
	}()

	for {
		typ, payload, err := conn.Recv()
		if err != nil {
			if errors.Is(err, overlayerr.ErrPeerClosed) {
				o.ledger.Event("peer %s:%d closed connection", id.HostName, id.Port)
			} else {
				o.ledger.Error("peer %s:%d: %v", id.HostName, id.Port, err)
			}
			return
		}
		if err := o.dispatch(id, conn, typ, payload); err != nil {
			if errors.Is(err, overlayerr.ErrPeerClosed) {
				o.ledger.Event("peer %s:%d sent SPLASH", id.HostName, id.Port)
			} else {
				o.ledger.Error("peer %s:%d: %v", id.HostName, id.Port, err)
			}
			return
		}
	}
}

func (o *Overlay) dispatch(from protocol.PeerIdentifier, conn *frame.Conn, typ uint32, payload []byte) error {
	switch typ {
	case protocol.TypeQuery:
		m, err := protocol.DecodeQuery(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", overlayerr.ErrProtocol, err)
		}
		return o.handleQuery(from, conn, m)
	case protocol.TypeQueryHit:
		m, err := protocol.DecodeQueryHit(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", overlayerr.ErrProtocol, err)
		}
		return o.handleQueryHit(from, m)
	case protocol.TypeSplash:
		if _, err := protocol.DecodeSplash(payload); err != nil {
			return fmt.Errorf("%w: %v", overlayerr.ErrProtocol, err)
		}
		return overlayerr.ErrPeerClosed
	case protocol.TypeNameSearch:
		m, err := protocol.DecodeNameSearch(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", overlayerr.ErrProtocol, err)
		}
		return o.handleNameSearch(from, conn, m)
	case protocol.TypeNameSearchHit:
		m, err := protocol.DecodeNameSearchHit(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", overlayerr.ErrProtocol, err)
		}
		return o.handleNameSearchHit(from, m)
	case protocol.TypeSecureCheck:
		m, err := protocol.DecodeSecureCheck(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", overlayerr.ErrProtocol, err)
		}
		o.recordCapability(from, m)
		return nil
	default:
		return fmt.Errorf("%w: unknown message type %d from %s", overlayerr.ErrProtocol, typ, from.HostName)
	}
}

func (o *Overlay) recordCapability(from protocol.PeerIdentifier, m protocol.SecureCheck) {
	o.capsMu.Lock()
	defer o.capsMu.Unlock()
	key := peerKey(from)
	if o.caps[key] == nil {
		o.caps[key] = make(map[uint16]bool)
	}
	o.caps[key][m.Type] = m.Secure
}

// floodQuery sends q to every known peer except exclude (if non-nil),
// snapshotting the peer table under its lock and releasing before any
// socket write, per spec §5's no-blocking-under-lock rule.
func (o *Overlay) floodQuery(q protocol.Query, exclude *protocol.PeerIdentifier) {
	o.peersMu.Lock()
	targets := make([]*peerEntry, 0, len(o.peers))
	for _, p := range o.peers {
		if exclude != nil && p.identifier.Equal(*exclude) {
			continue
		}
		targets = append(targets, p)
	}
	o.peersMu.Unlock()

	data, err := protocol.EncodeQuery(q)
	if err != nil {
		o.ledger.Error("flood query: encode: %v", err)
		return
	}
	for _, t := range targets {
		if err := t.conn.Send(protocol.TypeQuery, data); err != nil {
			o.ledger.Error("flood query to %s:%d: %v", t.identifier.HostName, t.identifier.Port, err)
			o.removePeer(t.identifier)
		}
	}
}

func (o *Overlay) floodNameSearch(ns protocol.NameSearch, exclude *protocol.PeerIdentifier) {
	o.peersMu.Lock()
	targets := make([]*peerEntry, 0, len(o.peers))
	for _, p := range o.peers {
		if exclude != nil && p.identifier.Equal(*exclude) {
			continue
		}
		targets = append(targets, p)
	}
	o.peersMu.Unlock()

	data, err := protocol.EncodeNameSearch(ns)
	if err != nil {
		o.ledger.Error("flood name-search: encode: %v", err)
		return
	}
	for _, t := range targets {
		if err := t.conn.Send(protocol.TypeNameSearch, data); err != nil {
			o.ledger.Error("flood name-search to %s:%d: %v", t.identifier.HostName, t.identifier.Port, err)
			o.removePeer(t.identifier)
		}
	}
}

// findLocal consults the file-path index, falling back to a fresh
// recursive hash scan of the share directory on a cache miss (spec
// §4.4.2: "Consult filePaths (or FileDigest.findByHash...)").
func (o *Overlay) findLocal(hashHex string) (string, bool) {
	o.filePathsMu.Lock()
	if p, ok := o.filePaths[hashHex]; ok {
		o.filePathsMu.Unlock()
		return p, true
	}
	o.filePathsMu.Unlock()

	p, ok := o.fdigest.FindByHash(o.shareDir, hashHex)
	if ok {
		o.filePathsMu.Lock()
		o.filePaths[hashHex] = p
		o.filePathsMu.Unlock()
	}
	return p, ok
}

// RescanFiles repopulates the file-path index from the share directory.
func (o *Overlay) RescanFiles() error {
	paths, err := fdigest.ListFiles(o.shareDir, true)
	if err != nil {
		return err
	}
	next := make(map[string]string, len(paths))
	for _, p := range paths {
		h, err := o.fdigest.HashFileCached(p)
		if err != nil {
			o.ledger.Error("rescan: hash %s: %v", p, err)
			continue
		}
		next[h] = p
	}
	o.filePathsMu.Lock()
	o.filePaths = next
	o.filePathsMu.Unlock()
	return nil
}

// InitQuery validates hash, registers it as an origin query, and either
// resolves it immediately against local content or floods it (spec
// §4.4.2).
func (o *Overlay) InitQuery(hashHex string) error {
	if !fdigest.IsValidHash(hashHex) {
		return overlayerr.ErrInvalidHash
	}
	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return fmt.Errorf("%w: %v", overlayerr.ErrInvalidHash, err)
	}
	var hashArr [protocol.HashLen]byte
	copy(hashArr[:], raw)

	qid := protocol.QueryIdentifier{Source: o.self, Hash: hashArr, Timestamp: uint32(o.now().Unix())}
	canon := CanonicalQueryID(qid)

	o.queriesMu.Lock()
	o.queries[canon] = &queryEntry{id: qid, prev: o.self, ttl: o.tunables.QueryTimeToLive}
	o.queriesMu.Unlock()

	o.statusMu.Lock()
	o.statuses[canon] = &statusEntry{success: false, timestamp: o.now().Unix()}
	o.statusMu.Unlock()

	if path, ok := o.findLocal(hashHex); ok {
		o.markSuccess(canon)
		o.ledger.Event("query %s resolved locally at %s", canon, path)
		return nil
	}

	o.ledger.Event("query %s initiated for hash %s", canon, hashHex)
	o.floodQuery(protocol.Query{ID: qid, Prev: o.self, TTL: o.tunables.QueryTimeToLive}, nil)
	return nil
}

func (o *Overlay) markSuccess(canon string) {
	o.statusMu.Lock()
	if s, ok := o.statuses[canon]; ok {
		s.success = true
	}
	o.statusMu.Unlock()
}

// Status reports the current QueryStatus for a canonical query id, for
// tests and introspection.
func (o *Overlay) Status(canon string) (success bool, ok bool) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	s, ok := o.statuses[canon]
	if !ok {
		return false, false
	}
	return s.success, true
}

func (o *Overlay) handleQuery(from protocol.PeerIdentifier, fromConn *frame.Conn, q protocol.Query) error {
	canon := CanonicalQueryID(q.ID)

	o.queriesMu.Lock()
	if _, exists := o.queries[canon]; exists {
		o.queriesMu.Unlock()
		return nil
	}
	o.queries[canon] = &queryEntry{id: q.ID, prev: from, ttl: q.TTL}
	o.queriesMu.Unlock()

	o.statusMu.Lock()
	if _, ok := o.statuses[canon]; !ok {
		o.statuses[canon] = &statusEntry{success: false, timestamp: o.now().Unix()}
	}
	o.statusMu.Unlock()

	hashHex := hex.EncodeToString(q.ID.Hash[:])
	if path, ok := o.findLocal(hashHex); ok {
		hit := protocol.QueryHit{ID: q.ID, Prev: o.self, Destination: o.self}
		data, err := protocol.EncodeQueryHit(hit)
		if err != nil {
			return err
		}
		if err := fromConn.Send(protocol.TypeQueryHit, data); err != nil {
			return err
		}
		o.markSuccess(canon)
		o.ledger.Event("query %s hit locally at %s, replying to %s", canon, path, from.HostName)
		return nil
	}

	if q.TTL > 1 {
		o.floodQuery(protocol.Query{ID: q.ID, Prev: o.self, TTL: q.TTL - 1}, &from)
	}
	return nil
}

func (o *Overlay) handleQueryHit(from protocol.PeerIdentifier, hit protocol.QueryHit) error {
	canon := CanonicalQueryID(hit.ID)

	if hit.ID.Source.Equal(o.self) {
		o.markSuccess(canon)
		o.ledger.Event("query %s hit from %s, requesting file from %s", canon, from.HostName, hit.Destination.HostName)
		go o.requestFile(hit.Destination, hit.ID.Hash)
		return nil
	}

	o.queriesMu.Lock()
	entry, ok := o.queries[canon]
	o.queriesMu.Unlock()
	if !ok {
		o.ledger.Event("query hit %s dropped: no route", canon)
		return nil
	}

	o.peersMu.Lock()
	target, found := o.peers[peerKey(entry.prev)]
	o.peersMu.Unlock()
	if !found {
		o.ledger.Event("query hit %s dropped: route to %s gone", canon, entry.prev.HostName)
		return nil
	}

	rewritten := hit
	rewritten.Prev = o.self
	data, err := protocol.EncodeQueryHit(rewritten)
	if err != nil {
		return err
	}
	return target.conn.Send(protocol.TypeQueryHit, data)
}

func nameSearchID(source protocol.PeerIdentifier, name string, timestamp uint32) protocol.QueryIdentifier {
	return protocol.QueryIdentifier{Source: source, Hash: sha256.Sum256([]byte(name)), Timestamp: timestamp}
}

// InitNameSearch floods a search for a file by name, symmetric to
// InitQuery (SPEC_FULL.md supplemented feature 1). Deduplication reuses
// the query cache, keyed by a QueryIdentifier whose hash field is the
// SHA-256 of the search name rather than of file content.
func (o *Overlay) InitNameSearch(name string) error {
	ns := protocol.NameSearch{Source: o.self, Name: name, Timestamp: uint32(o.now().Unix())}
	qid := nameSearchID(o.self, name, ns.Timestamp)
	canon := CanonicalQueryID(qid)

	o.queriesMu.Lock()
	o.queries[canon] = &queryEntry{id: qid, prev: o.self, ttl: o.tunables.QueryTimeToLive}
	o.queriesMu.Unlock()

	o.statusMu.Lock()
	o.statuses[canon] = &statusEntry{success: false, timestamp: o.now().Unix()}
	o.statusMu.Unlock()

	if path, ok := fdigest.FindByName(o.shareDir, name); ok {
		o.markSuccess(canon)
		o.ledger.Event("name-search %s resolved locally at %s", canon, path)
		return nil
	}

	o.ledger.Event("name-search %s initiated for %q", canon, name)
	o.floodNameSearch(ns, nil)
	return nil
}

func (o *Overlay) handleNameSearch(from protocol.PeerIdentifier, fromConn *frame.Conn, ns protocol.NameSearch) error {
	qid := nameSearchID(ns.Source, ns.Name, ns.Timestamp)
	canon := CanonicalQueryID(qid)

	o.queriesMu.Lock()
	if _, exists := o.queries[canon]; exists {
		o.queriesMu.Unlock()
		return nil
	}
	// ttl is unused for name-search routing: the query cache's check-and-insert
	// is the only loop defense here, same as for QUERY.
	o.queries[canon] = &queryEntry{id: qid, prev: from}
	o.queriesMu.Unlock()

	o.statusMu.Lock()
	if _, ok := o.statuses[canon]; !ok {
		o.statuses[canon] = &statusEntry{success: false, timestamp: o.now().Unix()}
	}
	o.statusMu.Unlock()

	if path, ok := fdigest.FindByName(o.shareDir, ns.Name); ok {
		hashHex, err := o.fdigest.HashFileCached(path)
		if err != nil {
			return err
		}
		var hashArr [protocol.HashLen]byte
		rawHash, _ := hex.DecodeString(hashHex)
		copy(hashArr[:], rawHash)

		hit := protocol.NameSearchHit{
			Match:       protocol.SearchMatchIdentifier{Name: filepath.Base(path), Hash: hashArr},
			Source:      ns.Source,
			Destination: o.self,
			Timestamp:   ns.Timestamp,
		}
		data, err := protocol.EncodeNameSearchHit(hit)
		if err != nil {
			return err
		}
		if err := fromConn.Send(protocol.TypeNameSearchHit, data); err != nil {
			return err
		}
		o.markSuccess(canon)
		o.ledger.Event("name-search %s hit locally at %s, replying to %s", canon, path, from.HostName)
		return nil
	}

	o.floodNameSearch(protocol.NameSearch{Source: ns.Source, Name: ns.Name, Timestamp: ns.Timestamp}, &from)
	return nil
}

func (o *Overlay) handleNameSearchHit(from protocol.PeerIdentifier, hit protocol.NameSearchHit) error {
	qid := nameSearchID(hit.Source, hit.Match.Name, hit.Timestamp)
	canon := CanonicalQueryID(qid)

	if hit.Source.Equal(o.self) {
		o.markSuccess(canon)
		o.ledger.Event("name-search %s hit from %s, requesting file from %s", canon, from.HostName, hit.Destination.HostName)
		go o.requestFile(hit.Destination, hit.Match.Hash)
		return nil
	}

	o.queriesMu.Lock()
	entry, ok := o.queries[canon]
	o.queriesMu.Unlock()
	if !ok {
		o.ledger.Event("name-search hit %s dropped: no route", canon)
		return nil
	}

	o.peersMu.Lock()
	target, found := o.peers[peerKey(entry.prev)]
	o.peersMu.Unlock()
	if !found {
		o.ledger.Event("name-search hit %s dropped: route to %s gone", canon, entry.prev.HostName)
		return nil
	}

	data, err := protocol.EncodeNameSearchHit(hit)
	if err != nil {
		return err
	}
	return target.conn.Send(protocol.TypeNameSearchHit, data)
}

// requestFile implements the client side of file transfer (spec §4.4.3):
// dial destination's host on this node's own file port, send the wanted
// hash, receive FILE_META
// and the raw bytes, verify integrity, and persist on success.
func (o *Overlay) requestFile(destination protocol.PeerIdentifier, hash [protocol.HashLen]byte) {
	wantHex := hex.EncodeToString(hash[:])

	tcpConn, err := netutil.Dial(destination.HostName, o.filePort)
	if err != nil {
		o.ledger.Error("file request to %s: dial: %v", destination.HostName, err)
		return
	}
	conn := frame.New(tcpConn)
	defer conn.Close()

	req := protocol.QueryIdentifier{Source: o.self, Hash: hash, Timestamp: uint32(o.now().Unix())}
	data, err := protocol.EncodeQueryIdentifier(req)
	if err != nil {
		o.ledger.Error("file request to %s: encode: %v", destination.HostName, err)
		return
	}
	if err := conn.Send(protocol.TypeQueryIdentifier, data); err != nil {
		o.ledger.Error("file request to %s: send: %v", destination.HostName, err)
		return
	}

	typ, payload, err := conn.Recv()
	if err != nil {
		o.ledger.Error("file request to %s: recv meta: %v", destination.HostName, err)
		return
	}
	if typ != protocol.TypeFileMeta {
		o.ledger.Error("file request to %s: expected FILE_META, got type %d", destination.HostName, typ)
		return
	}
	meta, err := protocol.DecodeFileMeta(payload)
	if err != nil {
		o.ledger.Error("file request to %s: malformed FILE_META: %v", destination.HostName, err)
		return
	}
	if !meta.Available {
		o.ledger.Event("file %s not available at %s", wantHex, destination.HostName)
		return
	}

	raw, err := conn.ReadRaw(int(meta.FileSize))
	if err != nil {
		o.ledger.Error("file request to %s: read body: %v", destination.HostName, err)
		return
	}

	if !fdigest.MatchBytes(raw, wantHex) {
		o.ledger.Error("file request to %s: %v for hash %s", destination.HostName, overlayerr.ErrHashMismatch, wantHex)
		return
	}

	destPath := filepath.Join(o.shareDir, filepath.Base(meta.Name))
	if err := os.WriteFile(destPath, raw, 0644); err != nil {
		o.ledger.Error("file request to %s: write %s: %v", destination.HostName, destPath, err)
		return
	}
	o.filePathsMu.Lock()
	o.filePaths[wantHex] = destPath
	o.filePathsMu.Unlock()
	o.ledger.Event("file %s (%s) received from %s, %d bytes", meta.Name, wantHex, destination.HostName, meta.FileSize)
}

// ServeFileRequest implements the server side of file transfer: read one
// QueryIdentifier, resolve it locally, and reply with FILE_META and
// (if available) the raw file bytes, then close (spec §4.4.3).
func (o *Overlay) ServeFileRequest(raw net.Conn) {
	conn := frame.New(raw)
	defer conn.Close()

	typ, payload, err := conn.Recv()
	if err != nil {
		return
	}
	if typ != protocol.TypeQueryIdentifier {
		o.ledger.Error("file port: expected QUERY_IDENTIFIER from %s, got type %d", raw.RemoteAddr(), typ)
		return
	}
	req, err := protocol.DecodeQueryIdentifier(payload)
	if err != nil {
		o.ledger.Error("file port: malformed QUERY_IDENTIFIER from %s: %v", raw.RemoteAddr(), err)
		return
	}

	hashHex := hex.EncodeToString(req.Hash[:])
	path, ok := o.findLocal(hashHex)
	if ok {
		match, err := fdigest.MatchFile(path, hashHex)
		if err != nil || !match {
			ok = false
		}
	}
	if !ok {
		meta := protocol.FileMeta{Hash: req.Hash, Available: false}
		data, _ := protocol.EncodeFileMeta(meta)
		conn.Send(protocol.TypeFileMeta, data)
		return
	}

	body, err := os.ReadFile(path)
	if err != nil {
		o.ledger.Error("file port: read %s: %v", path, err)
		meta := protocol.FileMeta{Hash: req.Hash, Available: false}
		data, _ := protocol.EncodeFileMeta(meta)
		conn.Send(protocol.TypeFileMeta, data)
		return
	}

	meta := protocol.FileMeta{
		Hash:      req.Hash,
		Name:      filepath.Base(path),
		Available: true,
		FileSize:  uint64(len(body)),
	}
	data, err := protocol.EncodeFileMeta(meta)
	if err != nil {
		o.ledger.Error("file port: encode FILE_META: %v", err)
		return
	}
	if err := conn.Send(protocol.TypeFileMeta, data); err != nil {
		o.ledger.Error("file port: send FILE_META to %s: %v", raw.RemoteAddr(), err)
		return
	}
	if err := conn.WriteRaw(body); err != nil {
		o.ledger.Error("file port: send body to %s: %v", raw.RemoteAddr(), err)
		return
	}
	o.ledger.Event("file %s (%s) served to %s, %d bytes", meta.Name, hashHex, raw.RemoteAddr(), meta.FileSize)
}

// RunSweeper evicts query and query-status entries older than
// cacheTimeToLive every cacheTimeToCheck seconds, until stop fires (spec
// §4.4.4).
func (o *Overlay) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(o.tunables.CacheTimeToCheck) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.sweepOnce()
		}
	}
}

// sweepOnce holds queriesMu then statusMu, preserving the peers → queries
// → queryStatuses → filePaths acquisition order (spec §5) for the one
// place both tables are touched under lock simultaneously.
func (o *Overlay) sweepOnce() {
	cutoff := o.now().Unix() - o.tunables.CacheTimeToLive

	o.queriesMu.Lock()
	defer o.queriesMu.Unlock()
	o.statusMu.Lock()
	defer o.statusMu.Unlock()

	for id, s := range o.statuses {
		if s.timestamp < cutoff {
			delete(o.statuses, id)
			delete(o.queries, id)
		}
	}
}

// PeerCapabilities reports the SECURE_CHECK capabilities recorded for a
// peer, keyed by PEER_IDENTIFIER (host, port) — introspection only, per
// SPEC_FULL.md supplemented feature 2.
func (o *Overlay) PeerCapabilities(id protocol.PeerIdentifier) map[uint16]bool {
	o.capsMu.Lock()
	defer o.capsMu.Unlock()
	src := o.caps[peerKey(id)]
	out := make(map[uint16]bool, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// AnnounceSecureCheck sends a capability declaration to a connected peer.
// The core never uses this to negotiate actual encryption (spec §1).
func (o *Overlay) AnnounceSecureCheck(id protocol.PeerIdentifier, capability uint16) error {
	o.peersMu.Lock()
	target, ok := o.peers[peerKey(id)]
	o.peersMu.Unlock()
	if !ok {
		return fmt.Errorf("announce secure check: %w: %s", overlayerr.ErrUnknownQuery, id.HostName)
	}
	data, err := protocol.EncodeSecureCheck(protocol.SecureCheck{Type: capability, Secure: false})
	if err != nil {
		return err
	}
	return target.conn.Send(protocol.TypeSecureCheck, data)
}

// Splash sends a voluntary-disconnect notice to a peer and removes it
// from the local table.
func (o *Overlay) Splash(id protocol.PeerIdentifier) error {
	o.peersMu.Lock()
	target, ok := o.peers[peerKey(id)]
	o.peersMu.Unlock()
	if !ok {
		return nil
	}
	data, err := protocol.EncodeSplash(protocol.Splash{Timestamp: uint32(o.now().Unix())})
	if err != nil {
		return err
	}
	err = target.conn.Send(protocol.TypeSplash, data)
	o.removePeer(id)
	target.conn.Close()
	return err
}

// FormatPeerLine renders a peer as "host:port id=<hex-id>" (SPEC_FULL.md
// supplemented feature 4).
func FormatPeerLine(p protocol.PeerIdentifier) string {
	return fmt.Sprintf("%s:%d id=%s", p.HostName, p.Port, strings.ToLower(hex.EncodeToString(p.ID[:])))
}
