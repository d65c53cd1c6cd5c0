package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body
const SignatureHeader = "X-Webhook-Signature"

// generateSignature generates HMAC-SHA256 signature for webhook payload
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies the HMAC signature of a webhook payload.
// An optional "sha256=" prefix is accepted.
func VerifySignature(payload []byte, signature string, secret string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

// Sign returns the signature header value for payload
func Sign(payload []byte, secret string) string {
	return generateSignature(payload, secret)
}
