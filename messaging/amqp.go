// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sealbus-foundation/sealbus/lib/codec"
)

// Endpoint is one broker connection candidate.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
}

// URI renders the endpoint as an AMQP connection URI. An empty or "/"
// vhost maps to the broker's default vhost; any other vhost is
// percent-escaped into the URI path.
func (e Endpoint) URI() string {
	port := e.Port
	if port == 0 {
		port = 5672
	}
	uri := fmt.Sprintf("amqp://%s:%s@%s:%d",
		url.QueryEscape(e.Username), url.QueryEscape(e.Password), e.Host, port)
	if e.VHost != "" && e.VHost != "/" {
		uri += "/" + url.PathEscape(strings.TrimPrefix(e.VHost, "/"))
	}
	return uri
}

// AMQPConfig configures an AMQPBus.
type AMQPConfig struct {
	// Endpoints are connection candidates, tried in order. The first
	// that accepts a connection is adopted.
	Endpoints []Endpoint

	// Exchange is the topic exchange name, declared durable on
	// connect.
	Exchange string

	// Secret is the shared HMAC key for signing and verification.
	Secret []byte

	// DialTimeout bounds each connection attempt. Defaults to 5s.
	DialTimeout time.Duration

	// Logger for bus operations. Defaults to slog.Default().
	Logger *slog.Logger
}

// AMQPBus is the broker-backed Bus implementation. One instance owns
// one connection and one channel; Publish calls are serialized with an
// internal mutex because AMQP channels are not safe for concurrent
// publishing.
type AMQPBus struct {
	exchange string
	signer   *Signer
	logger   *slog.Logger

	// publishMu serializes frame writes on the shared channel.
	publishMu sync.Mutex

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	subs      []*amqpSubscription
	consuming bool
	stop      chan struct{}
	stopOnce  *sync.Once
}

type amqpSubscription struct {
	queue string
	fn    HandlerFunc
	tag   string
}

var errAlreadyConsuming = errors.New("messaging: bus is already consuming")

// DialAMQP creates an AMQPBus, trying each endpoint in order and
// adopting the first that connects. If every candidate fails, the bus
// is still returned, in a disconnected state where Publish and
// Subscribe report ErrNotConnected, together with the dial error, so
// the caller can choose between failing its own start and retrying.
func DialAMQP(config AMQPConfig) (*AMQPBus, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := &AMQPBus{
		exchange: config.Exchange,
		signer:   NewSigner(config.Secret),
		logger:   logger,
	}

	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var dialErrs []error
	for _, endpoint := range config.Endpoints {
		conn, err := amqp.DialConfig(endpoint.URI(), amqp.Config{
			Dial:      amqp.DefaultDial(timeout),
			Heartbeat: 10 * time.Second,
		})
		if err != nil {
			logger.Warn("broker candidate unreachable",
				"host", endpoint.Host, "port", endpoint.Port, "error", err)
			dialErrs = append(dialErrs, fmt.Errorf("%s: %w", endpoint.Host, err))
			continue
		}

		channel, err := conn.Channel()
		if err != nil {
			conn.Close()
			dialErrs = append(dialErrs, fmt.Errorf("%s: opening channel: %w", endpoint.Host, err))
			continue
		}
		if err := channel.ExchangeDeclare(config.Exchange, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			dialErrs = append(dialErrs, fmt.Errorf("%s: declaring exchange: %w", endpoint.Host, err))
			continue
		}

		bus.conn = conn
		bus.channel = channel
		logger.Info("connected to broker",
			"host", endpoint.Host, "port", endpoint.Port, "exchange", config.Exchange)
		return bus, nil
	}

	return bus, fmt.Errorf("no broker candidate reachable: %w", errors.Join(dialErrs...))
}

// Connected reports whether the bus holds a live broker connection.
func (b *AMQPBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}

// Publish serializes message, signs the body bytes, and publishes them
// persistently to the topic exchange under routingKey, with the
// signature in the transport headers.
func (b *AMQPBus) Publish(ctx context.Context, routingKey string, message any) error {
	b.mu.Lock()
	channel := b.channel
	b.mu.Unlock()
	if channel == nil {
		return ErrNotConnected
	}

	body, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("serializing message for %s: %w", routingKey, err)
	}
	signature := b.signer.Sign(body)

	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	err = channel.PublishWithContext(ctx, b.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/cbor",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{SignatureHeader: signature},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", routingKey, err)
	}
	return nil
}

// Subscribe declares the durable queue, binds it under each pattern,
// sets the prefetch limit to one unacknowledged message, and registers
// fn as the queue's consumer. Delivery begins with Consume or Start.
func (b *AMQPBus) Subscribe(queue string, fn HandlerFunc, patterns ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel == nil {
		return ErrNotConnected
	}
	for _, sub := range b.subs {
		if sub.queue == queue {
			return fmt.Errorf("%w: %s", ErrQueueSubscribed, queue)
		}
	}

	if _, err := b.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	for _, pattern := range patterns {
		if err := b.channel.QueueBind(queue, pattern, b.exchange, false, nil); err != nil {
			return fmt.Errorf("binding %s to %s: %w", queue, pattern, err)
		}
	}
	// One unacknowledged message in flight per consumer. This is the
	// broker-side half of the single-flight guarantee.
	if err := b.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting prefetch on %s: %w", queue, err)
	}

	b.subs = append(b.subs, &amqpSubscription{
		queue: queue,
		fn:    fn,
		tag:   fmt.Sprintf("sealbus-%s", queue),
	})
	b.logger.Info("subscribed", "queue", queue, "patterns", patterns)
	return nil
}

// Consume delivers messages to registered consumers until ctx is
// canceled or Stop is called, blocking the caller. In-flight callbacks
// are not interrupted by shutdown: the callback context survives
// cancellation so a running script completes and its result is
// published.
func (b *AMQPBus) Consume(ctx context.Context) error {
	b.mu.Lock()
	if b.consuming {
		b.mu.Unlock()
		return errAlreadyConsuming
	}
	if b.channel == nil {
		b.mu.Unlock()
		return ErrNotConnected
	}
	channel := b.channel
	subs := make([]*amqpSubscription, len(b.subs))
	copy(subs, b.subs)
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

	// Stop halts future deliveries but never a command already
	// running, so callbacks get a context detached from cancellation.
	callbackCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, sub := range subs {
		deliveries, err := channel.Consume(sub.queue, sub.tag, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consuming from %s: %w", sub.queue, err)
		}
		wg.Add(1)
		go func(sub *amqpSubscription, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			for delivery := range deliveries {
				b.dispatch(callbackCtx, sub, delivery)
			}
		}(sub, deliveries)
	}

	select {
	case <-ctx.Done():
	case <-stop:
	}

	// Canceling the consumers closes their delivery channels, which
	// ends the dispatch goroutines after any in-flight callback.
	for _, sub := range subs {
		if err := channel.Cancel(sub.tag, false); err != nil {
			b.logger.Warn("canceling consumer", "queue", sub.queue, "error", err)
		}
	}
	wg.Wait()
	return nil
}

// dispatch verifies one delivery's signature and hands the body to the
// subscriber, acknowledging per the outcome. Unauthenticated messages
// are rejected without requeue and never reach the callback.
func (b *AMQPBus) dispatch(ctx context.Context, sub *amqpSubscription, delivery amqp.Delivery) {
	signature, _ := delivery.Headers[SignatureHeader].(string)
	if signature == "" || !b.signer.Verify(delivery.Body, signature) {
		b.logger.Error("rejecting message",
			"queue", sub.queue, "routing_key", delivery.RoutingKey, "error", ErrBadSignature)
		if err := delivery.Reject(false); err != nil {
			b.logger.Warn("rejecting delivery", "queue", sub.queue, "error", err)
		}
		return
	}

	if err := sub.fn(ctx, delivery.Body); err != nil {
		b.logger.Warn("consumer rejected message",
			"queue", sub.queue, "routing_key", delivery.RoutingKey, "error", err)
		if err := delivery.Nack(false, false); err != nil {
			b.logger.Warn("nacking delivery", "queue", sub.queue, "error", err)
		}
		return
	}
	if err := delivery.Ack(false); err != nil {
		b.logger.Warn("acking delivery", "queue", sub.queue, "error", err)
	}
}

// Start begins delivery on a background goroutine. Safe to call on a
// bus that is already consuming.
func (b *AMQPBus) Start(ctx context.Context) {
	go func() {
		err := b.Consume(ctx)
		if err != nil && !errors.Is(err, errAlreadyConsuming) {
			b.logger.Error("consumer stopped", "error", err)
		}
	}()
}

// Stop halts delivery. Idempotent; a bus that never consumed is a
// no-op.
func (b *AMQPBus) Stop() {
	b.mu.Lock()
	stop, once := b.stop, b.stopOnce
	b.mu.Unlock()
	if once != nil {
		once.Do(func() { close(stop) })
	}
}

// Close stops delivery and closes the channel and connection.
func (b *AMQPBus) Close() error {
	b.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	if b.channel != nil {
		if err := b.channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.channel = nil
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.conn = nil
	}
	return firstErr
}
