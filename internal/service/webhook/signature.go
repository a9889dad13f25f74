package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Vapi-Signature"

const signatureHexLen = sha256.Size * 2

var signaturePrefixes = []string{"hmac-sha256=", "sha256="}

// Sign returns the lowercase hex HMAC-SHA256 of payload under secret.
func Sign(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// NormalizeSignature strips an optional algorithm prefix and checks the
// remaining value is a 64 character hex string.
func NormalizeSignature(header string) (string, error) {
	value := strings.TrimSpace(header)
	if value == "" {
		return "", domain.NewAuthenticationError("missing_signature", "missing webhook signature")
	}
	lower := strings.ToLower(value)
	for _, prefix := range signaturePrefixes {
		if strings.HasPrefix(lower, prefix) {
			lower = lower[len(prefix):]
			break
		}
	}
	if len(lower) != signatureHexLen || !isHex(lower) {
		return "", domain.NewAuthenticationError("invalid_signature_format", "malformed webhook signature")
	}
	return lower, nil
}

// VerifySignature recomputes the HMAC of payload and compares it with the
// provided header value in constant time.
func VerifySignature(payload, secret []byte, header string) error {
	provided, err := NormalizeSignature(header)
	if err != nil {
		return err
	}
	expected := Sign(payload, secret)
	if !constantTimeEqual(provided, expected) {
		return domain.NewAuthenticationError("invalid_signature", "invalid webhook signature")
	}
	return nil
}

// constantTimeEqual compares every byte regardless of where the first
// difference is; only a length mismatch returns early.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// SignaturePrefix returns a short, non-secret fragment of the signature
// suitable for rate-limit keys.
func SignaturePrefix(header string) string {
	value, err := NormalizeSignature(header)
	if err != nil {
		return "none"
	}
	return value[:8]
}
