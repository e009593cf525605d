// Package webhook verifies and normalizes inbound CI webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Header names used by the upstream platform.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderSignature = "X-Hub-Signature-256"
	HeaderDelivery  = "X-GitHub-Delivery"
)

const signaturePrefix = "sha256="

// ErrSignatureInvalid is returned when a configured secret does not verify the body.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// Verifier checks HMAC-SHA256 signatures over raw request bodies.
// A Verifier with an empty secret runs in permissive mode and accepts everything.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Permissive reports whether verification is skipped.
func (v *Verifier) Permissive() bool {
	return len(v.secret) == 0
}

// Verify checks header (of the form "sha256=<hex>") against body.
// A missing header is rejected whenever a secret is configured.
func (v *Verifier) Verify(body []byte, header string) error {
	if v.Permissive() {
		return nil
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrSignatureInvalid
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrSignatureInvalid
	}
	if !hmac.Equal(got, v.sum(body)) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign returns the header value for body. Used by tests and delivery tooling.
func (v *Verifier) Sign(body []byte) string {
	return signaturePrefix + hex.EncodeToString(v.sum(body))
}

func (v *Verifier) sum(body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return mac.Sum(nil)
}
