// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads worker configuration from a YAML file with
// environment variable overrides.
//
// Resolution order, later wins: built-in defaults, the YAML file, then
// environment variables prefixed SEALBUS_ (for example
// SEALBUS_BROKER_SECRET). The file path comes from the --config flag
// or the SEALBUS_CONFIG variable; a missing file is only an error when
// a path was given explicitly.
//
// The script map is file-only: each entry names a script, its path,
// and optionally a pinned SHA-256 digest. Entries without a digest are
// trusted on first use.
package config
