// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package scripthash

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHashFile(t *testing.T) {
	content := []byte("#!/bin/sh\necho OK\n")
	path := filepath.Join(t.TempDir(), "echo_ok")
	if err := os.WriteFile(path, content, 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if want := Digest(sha256.Sum256(content)); got != want {
		t.Errorf("HashFile = %s, want %s", got, want)
	}
}

func TestHashFileNonexistent(t *testing.T) {
	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("HashFile should fail for a nonexistent file")
	}
}

func TestHashFileChangesWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script")
	if err := os.WriteFile(path, []byte("original"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	before, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	after, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if before == after {
		t.Error("digest unchanged after content change")
	}
}

func TestParseDigestRoundTrip(t *testing.T) {
	digest := Digest(sha256.Sum256([]byte("x")))
	parsed, err := ParseDigest(digest.String())
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if parsed != digest {
		t.Errorf("round trip = %s, want %s", parsed, digest)
	}
}

func TestParseDigestRejectsBadInput(t *testing.T) {
	for _, input := range []string{"", "deadbeef", strings.Repeat("zz", 32), strings.Repeat("ab", 33)} {
		if _, err := ParseDigest(input); err == nil {
			t.Errorf("ParseDigest(%q) should fail", input)
		}
	}
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scripts.json")
	manifest := Manifest{
		"generate_key": sha256.Sum256([]byte("a")),
		"sign_data":    sha256.Sum256([]byte("b")),
	}
	if err := manifest.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(loaded) != len(manifest) {
		t.Fatalf("loaded %d entries, want %d", len(loaded), len(manifest))
	}
	for name, digest := range manifest {
		if loaded[name] != digest {
			t.Errorf("entry %q = %s, want %s", name, loaded[name], digest)
		}
	}

	// No temporary file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary manifest file left behind after Save")
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	manifest, err := LoadManifest(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadManifest(missing) = %v, want empty manifest", err)
	}
	if len(manifest) != 0 {
		t.Errorf("missing file produced %d entries", len(manifest))
	}
}

func TestLoadManifestCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("LoadManifest should fail on corrupt content")
	}
}
