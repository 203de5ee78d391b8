// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"strings"
	"testing"
)

func TestSignVerify(t *testing.T) {
	signer := NewSigner([]byte("shared-secret"))
	body := []byte("payload bytes")
	signature := signer.Sign(body)

	if len(signature) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(signature))
	}
	if !signer.Verify(body, signature) {
		t.Error("Verify rejected a valid signature")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer := NewSigner([]byte("shared-secret"))
	body := []byte("payload bytes")
	signature := signer.Sign(body)

	if signer.Verify([]byte("payload byteX"), signature) {
		t.Error("Verify accepted a signature for different bytes")
	}
	if signer.Verify(body, "deadbeef") {
		t.Error("Verify accepted a bogus signature")
	}
	if signer.Verify(body, "") {
		t.Error("Verify accepted an empty signature")
	}
	if signer.Verify(body, strings.ToUpper(signature)) {
		t.Error("Verify accepted a case-mangled signature")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte("payload")
	signature := NewSigner([]byte("secret-a")).Sign(body)
	if NewSigner([]byte("secret-b")).Verify(body, signature) {
		t.Error("Verify accepted a signature made with a different secret")
	}
}

func TestSignDeterministic(t *testing.T) {
	signer := NewSigner([]byte("k"))
	if signer.Sign([]byte("x")) != signer.Sign([]byte("x")) {
		t.Error("Sign is not deterministic")
	}
}
