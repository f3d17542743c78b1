package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ComputeSignature returns the lowercase hex HMAC-SHA256 of body keyed by
// secret, the format Frappe puts in the X-Frappe-Webhook-Signature header.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presented signature against the expected one in
// constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	expected := ComputeSignature(body, secret)

	return hmac.Equal([]byte(signature), []byte(expected))
}
