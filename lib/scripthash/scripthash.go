// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package scripthash provides SHA256 content hashing for privileged
// scripts and a persistable name→digest manifest.
//
// The script gate pins each registered script to the SHA256 of its
// on-disk content and refuses to execute a script whose bytes have
// changed since registration. Digests travel as 64-character hex
// strings in config files, the manifest, and log output.
//
// The manifest is written atomically (temporary file, fsync, rename)
// so a crash mid-write never leaves a reader with a truncated baseline.
// Persisting the manifest lets a trust-on-first-use baseline survive
// restarts: the first observation is saved, and later runs treat it as
// a pinned hash instead of trusting the file again.
package scripthash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Digest is a SHA256 content digest.
type Digest [sha256.Size]byte

// HashFile computes the SHA256 digest of the file at path. The file is
// streamed through the hash function in chunks (via io.Copy) to keep
// memory usage constant regardless of file size.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// String returns the hex-encoded form of the digest, the canonical
// format used in config files, the manifest, and log output.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest parses a hex-encoded SHA256 digest string. Returns an
// error if the string is not a valid 64-character hex encoding of 32
// bytes.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing script digest: %w", err)
	}
	if len(decoded) != sha256.Size {
		return digest, fmt.Errorf("script digest is %d bytes, want %d", len(decoded), sha256.Size)
	}
	copy(digest[:], decoded)
	return digest, nil
}

// Manifest maps script names to their baseline content digests.
type Manifest map[string]Digest

// LoadManifest reads a manifest file. A missing file is not an error;
// it returns an empty manifest so first-run and steady-state callers
// share one code path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading script manifest: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing script manifest %s: %w", path, err)
	}

	manifest := make(Manifest, len(raw))
	for name, hexDigest := range raw {
		digest, err := ParseDigest(hexDigest)
		if err != nil {
			return nil, fmt.Errorf("script manifest entry %q: %w", name, err)
		}
		manifest[name] = digest
	}
	return manifest, nil
}

// Save atomically writes the manifest to path: the content goes to a
// temporary file in the same directory, is fsynced, and is renamed
// into place, so readers never observe a partial manifest. The file is
// created with mode 0600; the parent directory must exist.
func (m Manifest) Save(path string) error {
	raw := make(map[string]string, len(m))
	for name, digest := range m {
		raw[name] = digest.String()
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling script manifest: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary manifest file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary manifest file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary manifest file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary manifest file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming manifest into place: %w", err)
	}

	// Sync the parent directory so the rename survives power loss.
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}
