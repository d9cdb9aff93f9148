// Package signature implements the platform's webhook signing scheme:
// v0=hex(HMAC-SHA256(secret, "v0:" + timestamp + ":" + body)).
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Compute returns the expected signature header value for a request.
func Compute(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against the raw request bytes. Comparison
// is constant-time; callers must run this before parsing the body.
func Verify(secret, timestamp string, body []byte, header string) bool {
	expected := Compute(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(header))
}

// EncryptToken answers the endpoint validation handshake:
// hex(HMAC-SHA256(secret, plainToken)).
func EncryptToken(secret, plainToken string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(plainToken))
	return hex.EncodeToString(mac.Sum(nil))
}
