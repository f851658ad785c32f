// Copyright 2024-2026 Aiku AI

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	errDigestMismatch = errors.New("webhook HMAC: digest mismatch")
	errEmptySecret    = errors.New("webhook HMAC: secret is empty")
)

// Digest returns the hex HMAC-SHA-256 of body keyed by secret.
func Digest(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyDigest checks a hex HMAC-SHA-256 digest of body in constant time.
// Upper-case hex is accepted.
func VerifyDigest(secret, body []byte, digest string) error {
	if len(secret) == 0 {
		return errEmptySecret
	}
	expected := Digest(secret, body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(digest))) != 1 {
		return errDigestMismatch
	}
	return nil
}

// keyMatches compares a presented API key with the configured one in
// constant time.
func keyMatches(presented, configured []byte) bool {
	return len(configured) > 0 && subtle.ConstantTimeCompare(presented, configured) == 1
}
