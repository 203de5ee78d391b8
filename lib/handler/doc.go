// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package handler connects the bus, the state machine, and the script
// gate into a single-command-at-a-time worker.
//
// A Handler subscribes its queue to a routing pattern and processes
// one verified command envelope at a time. The broker's prefetch limit
// already serializes deliveries, but the state machine is the
// authority: if a command arrives while another is in flight the
// handler answers "System busy" without mutating any state, delegating
// queueing back to the broker.
//
// Every delivery is bracketed the same way regardless of outcome:
// transition to processing, execute through the gate, transition to
// completed or failed, publish the response, reset to idle. Failures
// inside that bracket, including panics, become error envelopes; they
// never propagate into the bus delivery loop where a negative
// acknowledgement could trigger a redelivery storm.
package handler
