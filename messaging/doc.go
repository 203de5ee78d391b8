// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging provides the HMAC-authenticated publish/subscribe
// bus that distributes privileged commands between processes.
//
// The package provides two [Bus] implementations. [AMQPBus] connects
// to a RabbitMQ broker, declares a durable topic exchange, and binds
// durable queues with AMQP routing patterns ("*" matches exactly one
// dot-separated segment, "#" matches zero or more). [MemoryBus]
// implements the same contract in-process with an equivalent pattern
// matcher and per-queue sequential delivery; it backs tests and
// single-process deployments where a broker would be overhead.
//
// Every published body is serialized with lib/codec and signed with
// HMAC-SHA256 over the exact serialized bytes; the hex signature
// travels in the "signature" transport header, never inside the body.
// On delivery the wrapper verifies the signature with a constant-time
// comparison before the subscriber callback sees anything. Messages
// with a missing or wrong signature are rejected without requeue, as
// are bodies whose callback returns an error; only a callback that
// returns nil acknowledges the delivery.
//
// Both implementations enforce a prefetch/credit limit of one
// unacknowledged message per consumer, which is what lets a command
// handler's single-flight state machine hold even when producers burst.
//
// Connection failures degrade rather than throw: a bus whose broker
// candidates are all unreachable still constructs, and Publish and
// Subscribe on it return [ErrNotConnected] so the owning service can
// report a failed start or retry later.
package messaging
