// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR wire encoding for envelope bodies.
//
// Encoding uses RFC 8949 Core Deterministic Encoding: sorted map keys,
// smallest integer encoding, no indefinite-length items. Determinism
// is load-bearing here, not cosmetic: the bus signs the serialized
// body bytes, so the same logical envelope must always produce
// identical bytes or a re-serialized message would fail verification.
//
// Decoding accepts standard CBOR and silently ignores unknown fields
// for forward compatibility across worker versions.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Timestamps encode as RFC 3339 text with nanosecond precision.
	// The unix numeric modes pass through float64 and lose precision
	// below the millisecond, so they cannot round-trip an envelope
	// timestamp exactly. The text form is exact and still has one
	// canonical representation per instant.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Envelope payloads never use non-string map keys. When the
		// decoder's target is any (result and event data maps), it
		// must pick a concrete Go map type; the CBOR default of
		// map[interface{}]interface{} is incompatible with most Go
		// code expecting map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
