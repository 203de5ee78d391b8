// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader is the transport header key carrying the hex HMAC.
// The signature rides outside the signed body so the signing input is
// exactly the serialized payload bytes.
const SignatureHeader = "signature"

// Signer computes and verifies HMAC-SHA256 signatures over message
// body bytes with a shared secret. Proof of a valid signature is proof
// the message came from a holder of the secret and was not altered in
// transit.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer for the given shared secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex-encoded HMAC-SHA256 of body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the valid HMAC for body. The
// comparison is constant-time.
func (s *Signer) Verify(body []byte, signature string) bool {
	expected := s.Sign(body)
	return hmac.Equal([]byte(signature), []byte(expected))
}
