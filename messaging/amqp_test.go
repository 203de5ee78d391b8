// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// The URI must round-trip through the AMQP URI parser with credentials,
// host, port, and vhost intact (including vhosts needing escaping).
func TestEndpointURI(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
		wantPort int
		wantHost string
	}{
		{"full", Endpoint{Host: "broker-1", Port: 5671, Username: "tpm", Password: "s3cret", VHost: "hsm"}, 5671, "broker-1"},
		{"defaults applied", Endpoint{Host: "localhost", Username: "tpm", Password: "pw"}, 5672, "localhost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := amqp.ParseURI(tt.endpoint.URI())
			if err != nil {
				t.Fatalf("ParseURI(%q): %v", tt.endpoint.URI(), err)
			}
			if parsed.Host != tt.wantHost || parsed.Port != tt.wantPort {
				t.Errorf("parsed host:port = %s:%d, want %s:%d", parsed.Host, parsed.Port, tt.wantHost, tt.wantPort)
			}
			if parsed.Username != tt.endpoint.Username || parsed.Password != tt.endpoint.Password {
				t.Errorf("parsed credentials = %s:%s, want %s:%s", parsed.Username, parsed.Password, tt.endpoint.Username, tt.endpoint.Password)
			}
			wantVhost := tt.endpoint.VHost
			if wantVhost == "" {
				wantVhost = "/"
			}
			if parsed.Vhost != wantVhost {
				t.Errorf("parsed vhost = %q, want %q", parsed.Vhost, wantVhost)
			}
		})
	}
}

// A bus whose every candidate fails must still construct, report the
// dial failure, and degrade Publish/Subscribe to ErrNotConnected
// instead of panicking or blocking.
func TestDialAMQPAllCandidatesFail(t *testing.T) {
	bus, err := DialAMQP(AMQPConfig{
		Endpoints: []Endpoint{
			// Reserved port with nothing listening; connection is
			// refused immediately.
			{Host: "127.0.0.1", Port: 1, Username: "guest", Password: "guest"},
			{Host: "127.0.0.1", Port: 2, Username: "guest", Password: "guest"},
		},
		Exchange:    "sealbus",
		Secret:      []byte("secret"),
		DialTimeout: 500 * time.Millisecond,
		Logger:      quietLogger(),
	})
	if err == nil {
		t.Fatal("DialAMQP should report failure when no candidate is reachable")
	}
	if bus == nil {
		t.Fatal("DialAMQP must return a usable bus even on dial failure")
	}
	if bus.Connected() {
		t.Error("Connected() = true on a failed dial")
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, "tpm.result", map[string]any{"x": 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish on disconnected bus = %v, want ErrNotConnected", err)
	}
	if err := bus.Subscribe("tpm_worker", func(context.Context, []byte) error { return nil }, "tpm.command.#"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe on disconnected bus = %v, want ErrNotConnected", err)
	}
	if err := bus.Consume(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Consume on disconnected bus = %v, want ErrNotConnected", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("Close on disconnected bus = %v", err)
	}
}
