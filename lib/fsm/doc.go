// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package fsm provides the single-flight state guard used by command
// handlers. A [Machine] holds one of four states (Idle, Processing,
// Completed, Failed) and only permits the transitions a command
// lifecycle can legally take:
//
//	Idle       → Processing
//	Processing → Completed | Failed
//	Failed     → Idle
//
// Completed has no outgoing transition; it is left only through
// [Machine.Reset], which unconditionally returns the machine to Idle.
// Handlers call Reset after every command regardless of outcome, so a
// machine observed outside a command's lifetime is always Idle.
//
// A Machine is owned by exactly one handler and is not safe for
// concurrent use. The broker's prefetch limit of 1 means a handler
// sees one delivery at a time; the machine exists to reject overlap
// anyway if the broker over-delivers or a second producer bypasses
// the queue.
package fsm
