// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the messages that travel over the bus.
//
// Every message shares a [Header]: an opaque unique ID, a creation
// timestamp, the source service name, an optional correlation ID for
// request/response pairing, and a kind tag. The kind set is closed
// ([Command], [Response], [Event], and [StateChange]) and [Decode]
// dispatches on the tag with an exhaustive switch, so adding a kind is
// a compile-visible change rather than runtime type probing.
//
// The HMAC signature that authenticates a message is not part of the
// body and does not appear here; the bus computes it over the
// serialized body bytes and carries it in a transport header (see the
// messaging package). Keeping the signature out of the signed bytes is
// what makes signing deterministic.
package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sealbus-foundation/sealbus/lib/clock"
	"github.com/sealbus-foundation/sealbus/lib/codec"
)

// Kind tags the message variant inside the serialized body.
type Kind string

const (
	KindCommand     Kind = "command"
	KindResponse    Kind = "response"
	KindEvent       Kind = "event"
	KindStateChange Kind = "state_change"
)

// Header carries the fields common to every message kind.
type Header struct {
	// Kind is the closed variant tag. Set by the constructors; Decode
	// rejects bodies whose tag is not one of the known kinds.
	Kind Kind `cbor:"kind"`

	// ID is an opaque token unique to this message.
	ID string `cbor:"id"`

	// Timestamp is when the message was created.
	Timestamp time.Time `cbor:"timestamp"`

	// Source names the service that created the message.
	Source string `cbor:"source"`

	// CorrelationID pairs a response with the command that caused it.
	// Empty on unsolicited messages.
	CorrelationID string `cbor:"correlation_id,omitempty"`
}

// EnvelopeHeader returns the shared header. It is how [Message] values
// expose their common fields without reflection.
func (h *Header) EnvelopeHeader() *Header { return h }

// Message is implemented by every envelope kind via the embedded
// Header.
type Message interface {
	EnvelopeHeader() *Header
}

// NewID returns a 32-character random hex token. Uniqueness comes from
// 128 bits of crypto/rand entropy.
func NewID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("envelope: reading random ID bytes: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}

// NewHeader returns a Header with a fresh ID and the clock's current
// time.
func NewHeader(kind Kind, source string, clk clock.Clock) Header {
	return Header{
		Kind:      kind,
		ID:        NewID(),
		Timestamp: clk.Now(),
		Source:    source,
	}
}

// Command requests execution of a named privileged script.
type Command struct {
	Header

	// Command is the registered script name to execute.
	Command string `cbor:"command"`

	// Args are caller-supplied script arguments. Subject to the
	// gate's sanitization policy before reaching the process.
	Args []string `cbor:"args,omitempty"`

	// Target optionally names the service expected to execute the
	// command, for deployments where several workers share a routing
	// pattern.
	Target string `cbor:"target,omitempty"`
}

// Response reports the outcome of a command.
type Response struct {
	Header

	// Success reports whether the command executed and exited zero.
	Success bool `cbor:"success"`

	// Result holds command-specific result fields (output, exit code,
	// duration) for successful or failed execution.
	Result map[string]any `cbor:"result,omitempty"`

	// Error describes the failure when Success is false.
	Error string `cbor:"error,omitempty"`
}

// Event is a general system notification.
type Event struct {
	Header

	// EventType names the event (e.g. "service_started").
	EventType string `cbor:"event_type"`

	// Data carries event-specific fields.
	Data map[string]any `cbor:"data,omitempty"`
}

// StateChange announces a service lifecycle state transition.
type StateChange struct {
	Header

	// Service names the service whose state changed.
	Service string `cbor:"service"`

	OldState string `cbor:"old_state"`
	NewState string `cbor:"new_state"`
}

// Encode serializes a message body with the deterministic wire codec.
func Encode(m Message) ([]byte, error) {
	return codec.Marshal(m)
}

// Decode parses a serialized body into its concrete message type,
// dispatching on the kind tag. Unknown kinds are an error: the variant
// set is closed and a forward-incompatible message must be rejected,
// not guessed at.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Kind Kind `cbor:"kind"`
	}
	if err := codec.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decoding envelope header: %w", err)
	}

	var m Message
	switch probe.Kind {
	case KindCommand:
		m = &Command{}
	case KindResponse:
		m = &Response{}
	case KindEvent:
		m = &Event{}
	case KindStateChange:
		m = &StateChange{}
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", probe.Kind)
	}
	if err := codec.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decoding %s envelope: %w", probe.Kind, err)
	}
	return m, nil
}
