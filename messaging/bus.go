// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "context"

// HandlerFunc consumes one verified message body. Returning a non-nil
// error negatively acknowledges the delivery without requeue; returning
// nil acknowledges it. The body has passed signature verification but
// not yet been decoded; payload parsing belongs to the subscriber.
type HandlerFunc func(ctx context.Context, body []byte) error

// Bus is the signed publish/subscribe contract shared by the AMQP and
// in-memory implementations. A Bus instance is owned by one service; a
// command handler holds its own Bus the way it holds its own state
// machine.
type Bus interface {
	// Publish serializes message with lib/codec, signs the bytes, and
	// sends them to the topic exchange under routingKey. Failures are
	// reported as errors, never panics; a disconnected bus returns
	// ErrNotConnected.
	Publish(ctx context.Context, routingKey string, message any) error

	// Subscribe declares (if absent) the named durable queue, binds it
	// to the exchange under each pattern, and registers fn as its
	// consumer. Delivery does not begin until Consume or Start. One
	// consumer per queue; subscribing a queue twice is an error.
	Subscribe(queue string, fn HandlerFunc, patterns ...string) error

	// Consume delivers messages to registered consumers on the calling
	// goroutine, blocking until ctx is canceled or Stop is called.
	Consume(ctx context.Context) error

	// Start begins delivery on a background worker. Idempotent while
	// running.
	Start(ctx context.Context)

	// Stop halts delivery. Idempotent; in-flight callbacks finish,
	// future deliveries stay queued at the broker.
	Stop()

	// Close stops delivery and releases the underlying connection.
	Close() error
}
