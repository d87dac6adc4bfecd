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

// Package fdigest implements content hashing, hex validation, and local
// file enumeration/lookup-by-hash — the FileDigest component of spec §4.1.
// Hashing is SHA-256 rendered as lowercase hex; lookups walk a share
// directory and compare digests byte-wise (after both sides are normalized
// to lowercase hex). A bounded path→hash cache, invalidated whenever a
// file's size or modification time changes, avoids rehashing an unchanged
// share directory on every lookup (spec §9, design note 2).
package fdigest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fileoverlay/overlayd/internal/overlayerr"
)

// HashSize is the length in bytes of a SHA-256 digest.
const HashSize = 32

// Index hashes files under a share directory, caching path→hash so a
// rescan doesn't rehash unchanged content. The zero value is not usable;
// construct with New.
type Index struct {
	cache *lru.Cache[string, cacheEntry]
}

type cacheEntry struct {
	hash    string
	size    int64
	modTime time.Time
}

// New returns an Index whose cache holds up to capacity path→hash entries.
func New(capacity int) *Index {
	c, err := lru.New[string, cacheEntry](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0.
		c, _ = lru.New[string, cacheEntry](1)
	}
	return &Index{cache: c}
}

// HashBytes returns the lowercase hex SHA-256 digest of buf.
func HashBytes(buf []byte) string {
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// HashFile reads path in full and returns its lowercase hex SHA-256
// digest, bypassing the cache. Use (*Index).HashFileCached to benefit from
// mtime/size invalidation.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", overlayerr.NewIOError("open "+path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", overlayerr.NewIOError("read "+path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFileCached behaves like HashFile but returns a cached digest when
// the file's size and modification time have not changed since it was last
// hashed.
func (ix *Index) HashFileCached(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", overlayerr.NewIOError("stat "+path, err)
	}

	if entry, ok := ix.cache.Get(path); ok {
		if entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
			return entry.hash, nil
		}
	}

	hash, err := HashFile(path)
	if err != nil {
		return "", err
	}
	ix.cache.Add(path, cacheEntry{hash: hash, size: info.Size(), modTime: info.ModTime()})
	return hash, nil
}

// IsValidHash reports whether s is exactly 64 hex characters (case
// insensitive) — the canonical on-wire and in-index representation of a
// SHA-256 digest.
func IsValidHash(s string) bool {
	if len(s) != HashSize*2 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ListFiles enumerates regular files under dir. When recursive, it
// descends into subdirectories; "." and ".." are never yielded because
// filepath.WalkDir never produces them. Symlinks are reported as whatever
// type their target resolves to. Order is unspecified.
func ListFiles(dir string, recursive bool) ([]string, error) {
	var out []string

	if !recursive {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, overlayerr.NewIOError("readdir "+dir, err)
		}
		for _, e := range entries {
			info, err := os.Stat(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			if info.Mode().IsRegular() {
				out = append(out, filepath.Join(dir, e.Name()))
			}
		}
		return out, nil
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Fail open: skip what we can't read, keep walking.
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, overlayerr.NewIOError("walk "+dir, err)
	}
	return out, nil
}

// FindByHash hashes files under dir (recursively) and returns the path of
// the first whose digest equals hash. It fails open: if enumeration
// partially fails, whatever was enumerable is still searched, and a
// not-found result is returned rather than an error.
func (ix *Index) FindByHash(dir, hash string) (string, bool) {
	hash = strings.ToLower(hash)
	paths, err := ListFiles(dir, true)
	if err != nil {
		return "", false
	}
	for _, p := range paths {
		got, err := ix.HashFileCached(p)
		if err != nil {
			continue
		}
		if got == hash {
			return p, true
		}
	}
	return "", false
}

// FindByName returns the path of the first file under dir (recursively)
// whose final path component equals name.
func FindByName(dir, name string) (string, bool) {
	paths, err := ListFiles(dir, true)
	if err != nil {
		return "", false
	}
	for _, p := range paths {
		if filepath.Base(p) == name {
			return p, true
		}
	}
	return "", false
}

// MatchBytes reports whether buf hashes to hash.
func MatchBytes(buf []byte, hash string) bool {
	return strings.EqualFold(HashBytes(buf), hash)
}

// MatchFile reports whether the file at path currently hashes to hash. It
// bypasses the cache so a served file is always verified against its
// current on-disk content, defending invariant 2 continuously rather than
// only at index-build time.
func MatchFile(path, hash string) (bool, error) {
	got, err := HashFile(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(got, hash), nil
}
