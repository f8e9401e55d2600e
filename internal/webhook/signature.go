package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// verifySignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the raw body under secret, constant-time. Grounded on
// the incoming webhook handler pattern in other_examples'
// github-runners-infra handler.go, which verifies the same header
// before trusting a body.
func verifySignature(body []byte, header string, secret []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	sigHex := strings.TrimPrefix(header, prefix)
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(sig, expected)
}
