// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "errors"

var (
	// ErrNotConnected is returned by Publish and Subscribe when the
	// bus has no live broker connection (every candidate endpoint
	// failed). The bus itself is still valid; the caller decides
	// whether to retry or report a failed start.
	ErrNotConnected = errors.New("messaging: not connected to broker")

	// ErrQueueSubscribed is returned by Subscribe when the queue
	// already has a consumer. The prefetch-1 single-flight model
	// assumes exactly one consumer per queue per bus.
	ErrQueueSubscribed = errors.New("messaging: queue already has a consumer")

	// ErrBadSignature marks a delivery whose HMAC did not verify. It
	// never reaches subscriber callbacks (such messages are rejected
	// before dispatch); both bus implementations attach it to the
	// rejection log line.
	ErrBadSignature = errors.New("messaging: message signature missing or invalid")
)
