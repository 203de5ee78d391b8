// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sealbus-foundation/sealbus/lib/codec"
)

// MemoryBus is the in-process Bus implementation: a topic exchange,
// durable-for-the-process queues, and the same signing, verification,
// and acknowledgement behavior as AMQPBus. Each queue is drained by a
// single worker goroutine, reproducing the broker's prefetch-1
// sequential delivery.
//
// MemoryBus backs tests and single-process deployments. PublishRaw
// additionally lets tests inject bodies with arbitrary signatures to
// exercise the rejection path.
type MemoryBus struct {
	signer *Signer
	logger *slog.Logger

	mu        sync.Mutex
	queues    map[string]*memoryQueue
	consuming bool
	stop      chan struct{}
	stopOnce  *sync.Once
}

type memoryQueue struct {
	name       string
	patterns   []string
	fn         HandlerFunc
	deliveries chan memoryDelivery
}

type memoryDelivery struct {
	routingKey string
	body       []byte
	signature  string
}

// memoryQueueDepth bounds undelivered messages per queue. Publish
// blocks when a queue is full, which is the in-process analog of
// broker flow control.
const memoryQueueDepth = 64

// NewMemoryBus returns a MemoryBus signing with the given secret.
func NewMemoryBus(secret []byte, logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		signer: NewSigner(secret),
		logger: logger,
		queues: make(map[string]*memoryQueue),
	}
}

// Publish serializes and signs message, then routes it to every queue
// with a matching binding pattern.
func (b *MemoryBus) Publish(ctx context.Context, routingKey string, message any) error {
	body, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("serializing message for %s: %w", routingKey, err)
	}
	return b.PublishRaw(ctx, routingKey, body, b.signer.Sign(body))
}

// PublishRaw routes pre-serialized body bytes with the given signature.
// Production code goes through Publish; tests use PublishRaw to tamper
// with signatures.
func (b *MemoryBus) PublishRaw(ctx context.Context, routingKey string, body []byte, signature string) error {
	b.mu.Lock()
	var targets []*memoryQueue
	for _, queue := range b.queues {
		for _, pattern := range queue.patterns {
			if MatchTopic(pattern, routingKey) {
				targets = append(targets, queue)
				break
			}
		}
	}
	b.mu.Unlock()

	delivery := memoryDelivery{routingKey: routingKey, body: body, signature: signature}
	for _, queue := range targets {
		select {
		case queue.deliveries <- delivery:
		case <-ctx.Done():
			return fmt.Errorf("publishing to %s: %w", routingKey, ctx.Err())
		}
	}
	return nil
}

// Subscribe registers fn as the single consumer of the named queue,
// bound under each pattern.
func (b *MemoryBus) Subscribe(queue string, fn HandlerFunc, patterns ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queues[queue]; exists {
		return fmt.Errorf("%w: %s", ErrQueueSubscribed, queue)
	}
	b.queues[queue] = &memoryQueue{
		name:       queue,
		patterns:   append([]string(nil), patterns...),
		fn:         fn,
		deliveries: make(chan memoryDelivery, memoryQueueDepth),
	}
	return nil
}

// Consume drains every queue on its own worker until ctx is canceled
// or Stop is called. As with AMQPBus, a callback already running when
// shutdown begins is allowed to finish.
func (b *MemoryBus) Consume(ctx context.Context) error {
	b.mu.Lock()
	if b.consuming {
		b.mu.Unlock()
		return errAlreadyConsuming
	}
	queues := make([]*memoryQueue, 0, len(b.queues))
	for _, queue := range b.queues {
		queues = append(queues, queue)
	}
	stop := make(chan struct{})
	b.stop = stop
	b.stopOnce = &sync.Once{}
	b.consuming = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.consuming = false
		b.mu.Unlock()
	}()

	callbackCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, queue := range queues {
		wg.Add(1)
		go func(queue *memoryQueue) {
			defer wg.Done()
			for {
				select {
				case delivery := <-queue.deliveries:
					b.dispatch(callbackCtx, queue, delivery)
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}(queue)
	}
	wg.Wait()
	return nil
}

// dispatch mirrors the AMQP delivery wrapper: bad signatures are
// dropped before the callback (the in-memory analog of reject without
// requeue), callback errors drop the message, success is an implicit
// ack.
func (b *MemoryBus) dispatch(ctx context.Context, queue *memoryQueue, delivery memoryDelivery) {
	if delivery.signature == "" || !b.signer.Verify(delivery.body, delivery.signature) {
		b.logger.Error("rejecting message",
			"queue", queue.name, "routing_key", delivery.routingKey, "error", ErrBadSignature)
		return
	}
	if err := queue.fn(ctx, delivery.body); err != nil {
		b.logger.Warn("consumer rejected message",
			"queue", queue.name, "routing_key", delivery.routingKey, "error", err)
	}
}

// Start begins delivery on a background goroutine. Safe to call on a
// bus that is already consuming.
func (b *MemoryBus) Start(ctx context.Context) {
	go func() {
		err := b.Consume(ctx)
		if err != nil && !errors.Is(err, errAlreadyConsuming) {
			b.logger.Error("consumer stopped", "error", err)
		}
	}()
}

// Stop halts delivery. Idempotent.
func (b *MemoryBus) Stop() {
	b.mu.Lock()
	stop, once := b.stop, b.stopOnce
	b.mu.Unlock()
	if once != nil {
		once.Do(func() { close(stop) })
	}
}

// Close stops delivery. The in-memory bus has no connection to
// release.
func (b *MemoryBus) Close() error {
	b.Stop()
	return nil
}
