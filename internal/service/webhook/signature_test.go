package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
)

func TestVerifySignatureAcceptsOwnSignature(t *testing.T) {
	secret := []byte("shared-secret")
	payloads := [][]byte{
		[]byte(`{}`),
		[]byte(`{"message":{"type":"call-ended"}}`),
		[]byte(strings.Repeat("x", 4096)),
		{},
	}
	for _, payload := range payloads {
		sig := Sign(payload, secret)
		require.Len(t, sig, 64)
		assert.NoError(t, VerifySignature(payload, secret, sig))
		assert.NoError(t, VerifySignature(payload, secret, "hmac-sha256="+sig))
		assert.NoError(t, VerifySignature(payload, secret, "sha256="+strings.ToUpper(sig)))
	}
}

func TestVerifySignatureRejectsAnySingleByteFlipInPayload(t *testing.T) {
	secret := []byte("shared-secret")
	payload := []byte(`{"message":{"type":"call-ended","call":{"id":"c1"}}}`)
	sig := Sign(payload, secret)

	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		err := VerifySignature(mutated, secret, sig)
		require.Error(t, err, "flip at %d accepted", i)
		assertAuthCode(t, err, "invalid_signature")
	}
}

func TestVerifySignatureRejectsMismatchAtEveryPosition(t *testing.T) {
	secret := []byte("shared-secret")
	payload := []byte(`{"type":"transcript"}`)
	sig := Sign(payload, secret)

	// Every position yields the same rejection; the comparison has no
	// position-dependent outcome.
	for i := 0; i < len(sig); i++ {
		b := []byte(sig)
		if b[i] == 'a' {
			b[i] = 'b'
		} else {
			b[i] = 'a'
		}
		err := VerifySignature(payload, secret, string(b))
		require.Error(t, err, "mismatch at %d accepted", i)
		assertAuthCode(t, err, "invalid_signature")
	}
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	payload := []byte(`{"type":"transcript"}`)
	err := VerifySignature(payload, []byte("other"), Sign(payload, []byte("secret")))
	assertAuthCode(t, err, "invalid_signature")
}

func TestNormalizeSignature(t *testing.T) {
	valid := strings.Repeat("ab", 32)
	cases := []struct {
		name   string
		header string
		want   string
		code   string
	}{
		{name: "bare", header: valid, want: valid},
		{name: "hmac prefix", header: "hmac-sha256=" + valid, want: valid},
		{name: "sha256 prefix", header: "  sha256=" + valid + " ", want: valid},
		{name: "uppercase", header: strings.ToUpper(valid), want: valid},
		{name: "empty", header: "", code: "missing_signature"},
		{name: "short", header: valid[:63], code: "invalid_signature_format"},
		{name: "long", header: valid + "a", code: "invalid_signature_format"},
		{name: "not hex", header: strings.Repeat("zz", 32), code: "invalid_signature_format"},
		{name: "unknown prefix", header: "md5=" + valid, code: "invalid_signature_format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeSignature(tc.header)
			if tc.code != "" {
				assertAuthCode(t, err, tc.code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSignaturePrefix(t *testing.T) {
	sig := Sign([]byte("body"), []byte("k"))
	assert.Equal(t, sig[:8], SignaturePrefix("hmac-sha256="+sig))
	assert.Equal(t, "none", SignaturePrefix("garbage"))
}

func assertAuthCode(t *testing.T, err error, code string) {
	t.Helper()
	appErr, ok := domain.AsError(err)
	require.True(t, ok, "expected domain error, got %v", err)
	assert.Equal(t, domain.KindAuthentication, appErr.Kind)
	assert.Equal(t, code, appErr.Code)
	assert.Equal(t, 401, appErr.Status)
}
