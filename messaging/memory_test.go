// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sealbus-foundation/sealbus/lib/codec"
	"github.com/sealbus-foundation/sealbus/lib/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logBuffer collects handler output across goroutines; the bus logs
// from its delivery goroutine.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type wirePayload struct {
	Command string   `cbor:"command"`
	Args    []string `cbor:"args,omitempty"`
}

func TestMemoryBusRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus([]byte("secret"), quietLogger())
	received := make(chan wirePayload, 1)
	err := bus.Subscribe("tpm_worker", func(_ context.Context, body []byte) error {
		var payload wirePayload
		if err := codec.Unmarshal(body, &payload); err != nil {
			return err
		}
		received <- payload
		return nil
	}, "tpm.command.#")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.Start(ctx)
	defer bus.Stop()

	in := wirePayload{Command: "generate_key", Args: []string{"rsa", "2048"}}
	if err := bus.Publish(ctx, "tpm.command.execute", in); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	out := testutil.RequireReceive(t, received, 5*time.Second, "waiting for delivery")
	if out.Command != in.Command || len(out.Args) != 2 {
		t.Errorf("delivered payload = %+v, want %+v", out, in)
	}
}

func TestMemoryBusRejectsTamperedSignature(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logs := &logBuffer{}
	bus := NewMemoryBus([]byte("secret"), slog.New(slog.NewTextHandler(logs, nil)))
	delivered := make(chan []byte, 2)
	err := bus.Subscribe("tpm_worker", func(_ context.Context, body []byte) error {
		delivered <- body
		return nil
	}, "tpm.command.*")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.Start(ctx)
	defer bus.Stop()

	body, err := codec.Marshal(wirePayload{Command: "seal"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := bus.PublishRaw(ctx, "tpm.command.run", body, "deadbeef"); err != nil {
		t.Fatalf("PublishRaw: %v", err)
	}
	if err := bus.PublishRaw(ctx, "tpm.command.run", body, ""); err != nil {
		t.Fatalf("PublishRaw: %v", err)
	}

	// A correctly signed message published afterwards must be the
	// first and only delivery: the tampered ones never reach the
	// callback.
	if err := bus.Publish(ctx, "tpm.command.run", wirePayload{Command: "ok"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	first := testutil.RequireReceive(t, delivered, 5*time.Second, "waiting for signed delivery")
	var payload wirePayload
	if err := codec.Unmarshal(first, &payload); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if payload.Command != "ok" {
		t.Errorf("first delivery = %+v; a tampered message got through", payload)
	}
	select {
	case extra := <-delivered:
		t.Errorf("unexpected extra delivery: %x", extra)
	case <-time.After(50 * time.Millisecond):
	}

	// Deliveries on one queue are sequential, so by the time the signed
	// message arrived both rejections have been logged.
	if got := logs.String(); !strings.Contains(got, ErrBadSignature.Error()) {
		t.Errorf("rejection log missing %q:\n%s", ErrBadSignature.Error(), got)
	}
}

func TestMemoryBusRoutesOnPattern(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus([]byte("secret"), quietLogger())
	commands := make(chan struct{}, 4)
	results := make(chan struct{}, 4)
	if err := bus.Subscribe("tpm_worker", func(context.Context, []byte) error {
		commands <- struct{}{}
		return nil
	}, "tpm.command.#"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Subscribe("tpm_responses", func(context.Context, []byte) error {
		results <- struct{}{}
		return nil
	}, "tpm.result", "tpm.error"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.Start(ctx)
	defer bus.Stop()

	for _, key := range []string{"tpm.command.execute", "tpm.result", "tpm.error"} {
		if err := bus.Publish(ctx, key, wirePayload{Command: key}); err != nil {
			t.Fatalf("Publish(%s): %v", key, err)
		}
	}

	testutil.RequireReceive(t, commands, 5*time.Second, "command queue delivery")
	testutil.RequireReceive(t, results, 5*time.Second, "first response delivery")
	testutil.RequireReceive(t, results, 5*time.Second, "second response delivery")
	select {
	case <-commands:
		t.Error("result routing key delivered to command queue")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusSequentialPerQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus([]byte("secret"), quietLogger())
	var mu sync.Mutex
	var inFlight, maxInFlight int
	done := make(chan struct{}, 8)
	err := bus.Subscribe("tpm_worker", func(context.Context, []byte) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, "tpm.command.#")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.Start(ctx)
	defer bus.Stop()

	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "tpm.command.execute", wirePayload{Command: testutil.UniqueID("cmd")}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		testutil.RequireReceive(t, done, 5*time.Second, "waiting for sequential deliveries")
	}
	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("max concurrent deliveries on one queue = %d, want 1", maxInFlight)
	}
}

func TestMemoryBusDuplicateQueue(t *testing.T) {
	bus := NewMemoryBus([]byte("secret"), quietLogger())
	fn := func(context.Context, []byte) error { return nil }
	if err := bus.Subscribe("tpm_worker", fn, "tpm.command.#"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Subscribe("tpm_worker", fn, "tpm.command.#"); err == nil {
		t.Fatal("second Subscribe on the same queue should fail")
	}
}

func TestMemoryBusStopIdempotent(t *testing.T) {
	bus := NewMemoryBus([]byte("secret"), quietLogger())
	bus.Stop()
	bus.Stop()

	ctx := context.Background()
	if err := bus.Subscribe("q", func(context.Context, []byte) error { return nil }, "#"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- bus.Consume(ctx) }()
	time.Sleep(20 * time.Millisecond)
	bus.Stop()
	bus.Stop()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Consume should return after Stop"); err != nil {
		t.Errorf("Consume returned %v", err)
	}
}
