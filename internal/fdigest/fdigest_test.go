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

package fdigest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHashBytesKnownVector(t *testing.T) {
	got := HashBytes([]byte("hello"))
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Fatalf("HashBytes(hello) = %s, want %s", got, want)
	}
	if !IsValidHash(got) {
		t.Fatalf("HashBytes output %q is not a valid hash per IsValidHash", got)
	}
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := HashBytes([]byte("hello"))
	if got != want {
		t.Fatalf("HashFile = %s, want %s", got, want)
	}
}

func TestHashFileByteExact(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	os.WriteFile(a, []byte("hello"), 0644)
	os.WriteFile(b, []byte("hello\n"), 0644)

	ha, _ := HashFile(a)
	hb, _ := HashFile(b)
	if ha == hb {
		t.Fatalf("trailing newline should change the digest, got equal hashes %s", ha)
	}
}

func TestIsValidHash(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"abc", false},
		{string(make([]byte, 64)), false}, // NUL bytes, not hex
		{"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", true},
		{"2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824", true},
		{"zcf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", false},
	}
	for _, c := range cases {
		if got := IsValidHash(c.in); got != c.want {
			t.Errorf("IsValidHash(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestListFilesRecursive(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "top.txt"), []byte("a"), 0644)
	sub := filepath.Join(dir, "sub")
	os.Mkdir(sub, 0755)
	os.WriteFile(filepath.Join(sub, "nested.txt"), []byte("b"), 0644)

	flat, err := ListFiles(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(flat) != 1 {
		t.Fatalf("non-recursive ListFiles found %d files, want 1", len(flat))
	}

	deep, err := ListFiles(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(deep) != 2 {
		t.Fatalf("recursive ListFiles found %d files, want 2", len(deep))
	}
}

func TestListFilesEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	files, err := ListFiles(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatalf("ListFiles(empty) = %v, want empty", files)
	}
}

func TestFindByHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	os.WriteFile(path, []byte("hello"), 0644)
	hash := HashBytes([]byte("hello"))

	ix := New(16)
	got, ok := ix.FindByHash(dir, hash)
	if !ok {
		t.Fatalf("FindByHash did not find %s", hash)
	}
	if got != path {
		t.Fatalf("FindByHash = %s, want %s", got, path)
	}

	if _, ok := ix.FindByHash(dir, HashBytes([]byte("nope"))); ok {
		t.Fatal("FindByHash found a file for a hash that should not match")
	}
}

func TestFindByName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "report.pdf")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("x"), 0644)

	got, ok := FindByName(dir, "report.pdf")
	if !ok || got != path {
		t.Fatalf("FindByName = (%s, %v), want (%s, true)", got, ok, path)
	}
}

func TestHashFileCachedInvalidatesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("v1"), 0644)

	ix := New(4)
	h1, err := ix.HashFileCached(path)
	if err != nil {
		t.Fatal(err)
	}

	// Force a distinguishable mtime before rewriting with different
	// content; some filesystems have coarse mtime resolution.
	future := time.Now().Add(time.Second)
	os.WriteFile(path, []byte("v2-longer-content"), 0644)
	os.Chtimes(path, future, future)

	h2, err := ix.HashFileCached(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("HashFileCached returned a stale hash after the file changed")
	}
	if want := HashBytes([]byte("v2-longer-content")); h2 != want {
		t.Fatalf("HashFileCached = %s, want %s", h2, want)
	}
}

func TestMatchBytesAndMatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("payload"), 0644)
	hash := HashBytes([]byte("payload"))

	if !MatchBytes([]byte("payload"), hash) {
		t.Fatal("MatchBytes should match")
	}
	if MatchBytes([]byte("not-payload"), hash) {
		t.Fatal("MatchBytes should not match")
	}

	ok, err := MatchFile(path, hash)
	if err != nil || !ok {
		t.Fatalf("MatchFile(path, correct hash) = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = MatchFile(path, HashBytes([]byte("other")))
	if err != nil || ok {
		t.Fatalf("MatchFile(path, wrong hash) = (%v, %v), want (false, nil)", ok, err)
	}
}
