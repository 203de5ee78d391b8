// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package scriptgate executes privileged scripts behind a tamper check.
//
// A [Gate] holds a registry of named executables, each pinned to the
// SHA256 of its on-disk content. Registration is first-wins: a name is
// bound at most once, and re-registering it (even to the same path)
// is rejected rather than overwritten, so a compromised config reload
// cannot silently repoint a name at a different binary. The baseline
// digest comes either from the caller ([Gate.RegisterPinned], for
// pre-distributed manifests) or from hashing the file at registration
// time ([Gate.Register], trust-on-first-use).
//
// [Gate.Execute] re-hashes the file immediately before every run and
// refuses to execute on any mismatch. A failed integrity check is a
// security event, logged at Error and reported distinctly from
// ordinary execution failures. Execution is bounded by a wall-clock
// timeout; on expiry the script's process group is killed and a
// timeout result is returned.
//
// Argument policy: caller-supplied arguments are forwarded after
// validation against an allow-listed character set (letters, digits,
// and "_.,:/=@+-"). An argument outside the allow list fails the
// execution before the process is spawned. The alternative policy of
// discarding caller arguments entirely was considered and rejected:
// command envelopes carry arguments on the wire, and operators pin the
// scripts themselves, so constraining rather than ignoring arguments
// keeps the wire contract meaningful.
//
// The Gate is the only component in the system that spawns processes.
// A Gate instance is owned by a single handler and is not internally
// locked.
package scriptgate
