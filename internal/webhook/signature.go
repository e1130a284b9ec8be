package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateSecret produces a new signing secret and the shortened form
// shown in API responses. The secret is 32 random bytes hex encoded;
// the display form is the first 8 characters plus "...".
func GenerateSecret() (secret, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	secret = hex.EncodeToString(buf)
	return secret, secret[:8] + "...", nil
}

// Sign computes the body signature sent in X-Webhook-Signature. The
// HMAC covers the raw request body; the delivery timestamp travels in
// its own X-Webhook-Timestamp header.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
