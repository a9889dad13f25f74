package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/webhook"
)

func writePayload(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSignPrintsDigest(t *testing.T) {
	body := `{"type":"health-check"}`
	path := writePayload(t, body)
	var out bytes.Buffer

	require.NoError(t, commandSign([]string{"-secret", "k", "-file", path, "-prefix", "sha256="}, &out))
	assert.Equal(t, "sha256="+webhook.Sign([]byte(body), []byte("k")), strings.TrimSpace(out.String()))
}

func TestSignRequiresSecret(t *testing.T) {
	t.Setenv("VAPI_WEBHOOK_SECRET", "")
	err := commandSign([]string{"-file", writePayload(t, "{}")}, io.Discard)
	require.Error(t, err)
}

func TestSendReportsRejection(t *testing.T) {
	var verified error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		verified = webhook.VerifySignature(data, []byte("k"), r.Header.Get(webhook.SignatureHeader))
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit exceeded","code":"rate_limited"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := commandSend([]string{"-url", srv.URL, "-secret", "k", "-file", writePayload(t, `{"type":"message"}`)}, &out)
	require.Error(t, err)
	assert.NoError(t, verified)
	assert.Contains(t, out.String(), "status: 429")
	assert.Contains(t, out.String(), "Retry-After: 12")
}
