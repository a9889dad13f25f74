package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/ratelimit"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/repository/memory"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/ingest"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/stats"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/toolcall"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/webhook"
)

const (
	testSecret = "router-secret"
	testAdmin  = "admin-token-123"
)

type stubNotifier struct {
	messages []string
}

func (n *stubNotifier) Alert(_ context.Context, recipients []string, message string) domain.DispatchSummary {
	n.messages = append(n.messages, message)
	var s domain.DispatchSummary
	for _, r := range recipients {
		s.Add(domain.DispatchOutcome{Recipient: r, MessageID: "SM-test"})
	}
	return s
}

type failingCalls struct {
	*memory.Store
}

func (failingCalls) StartCall(context.Context, domain.CallRecord) error {
	return errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

type fixture struct {
	router   *Router
	store    *memory.Store
	notifier *stubNotifier
}

type fixtureOption func(*Options, *memory.Store)

func newFixture(t *testing.T, mods ...fixtureOption) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	notifier := &stubNotifier{}
	limiter := ratelimit.NewMemoryLimiter()
	t.Cleanup(func() { _ = limiter.Close() })

	processor := toolcall.NewProcessor(toolcall.DefaultRules(), notifier, []string{"+15145550199"}, logger)
	opts := Options{
		Validator: webhook.NewValidator(webhook.Options{
			Secret:       []byte(testSecret),
			MaxBodyBytes: 4096,
			Logger:       logger,
		}),
		Admission:  ratelimit.NewController(limiter, logger),
		Policies:   ratelimit.DefaultPolicies(),
		Ingest:     ingest.New(store, processor, notifier, []string{"+15145550199"}, logger),
		Stats:      stats.New(store, nil, stats.Options{}, logger),
		AdminToken: testAdmin,
		Registerer: prometheus.NewRegistry(),
	}
	for _, mod := range mods {
		mod(&opts, store)
	}
	return fixture{router: NewRouter(logger, opts), store: store, notifier: notifier}
}

func signedRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, "sha256="+webhook.Sign([]byte(body), []byte(testSecret)))
	req.RemoteAddr = "203.0.113.7:41000"
	return req
}

func serve(r *Router, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const callEndedBody = `{"message":{"type":"call-ended",
	"call":{"id":"call-77","assistantId":"asst-1","endedAt":"2025-03-03T13:59:00Z","customer":{"number":"+15145550101"}},
	"endedReason":"customer-ended-call",
	"analysis":{"summary":"Inondation au sous-sol depuis ce matin"}}}`

func TestSignedCallEndedIsClassified(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.router, signedRequest("/webhook", callEndedBody))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "P1", body["priority"])
	assert.Equal(t, 0.0, body["slaSeconds"])
	assert.Equal(t, "call-77", body["callId"])
	assert.NotNil(t, body["alert"])
	assert.Len(t, f.notifier.messages, 1)

	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	stored, err := f.store.GetCall(context.Background(), "call-77")
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityP1, stored.Priority)
}

func TestAliasPathServesWebhook(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.router, signedRequest("/api/vapi/webhook", callEndedBody))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAuthenticationFailuresShortCircuit(t *testing.T) {
	f := newFixture(t)

	tampered := signedRequest("/webhook", callEndedBody)
	tampered.Body = io.NopCloser(strings.NewReader(strings.Replace(callEndedBody, "call-77", "call-78", 1)))
	rec := serve(f.router, tampered)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_signature", decode(t, rec)["code"])

	missing := signedRequest("/webhook", callEndedBody)
	missing.Header.Del(webhook.SignatureHeader)
	rec = serve(f.router, missing)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_signature", decode(t, rec)["code"])

	_, err := f.store.GetCall(context.Background(), "call-77")
	assert.Error(t, err, "rejected requests must not reach the store")
	assert.Empty(t, f.notifier.messages)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"), "admission runs after validation")
}

func TestValidationStatusCodes(t *testing.T) {
	f := newFixture(t)

	big := `{"type":"message","content":"` + strings.Repeat("a", 5000) + `"}`
	rec := serve(f.router, signedRequest("/webhook", big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = serve(f.router, signedRequest("/webhook", `{"type":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decode(t, rec)["code"])

	rec = serve(f.router, signedRequest("/webhook", `{"type":"call-started","call":{"id":"c"}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	wrongType := signedRequest("/webhook", callEndedBody)
	wrongType.Header.Set("Content-Type", "application/xml")
	rec = serve(f.router, wrongType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_content_type", decode(t, rec)["code"])
}

func TestWebhookRateLimit(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *memory.Store) {
		o.Policies.Webhook.Limit = 1
	})
	body := `{"type":"call-started","call":{"id":"c-1","assistantId":"a"}}`

	first := serve(f.router, signedRequest("/webhook", body))
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := serve(f.router, signedRequest("/webhook", body))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "rate_limited", decode(t, second)["code"])
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.NotEqual(t, "0", second.Header().Get("Retry-After"))
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	other := signedRequest("/webhook", body)
	other.RemoteAddr = "198.51.100.9:5000"
	assert.Equal(t, http.StatusOK, serve(f.router, other).Code, "limits are per caller")
}

func TestHealthCheckEventBypassesEverything(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *memory.Store) {
		o.Policies.Webhook.Limit = 1
	})
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"message":{"type":"health-check"}}`))
		rec := serve(f.router, req)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "healthy", body["status"])
		assert.NotEmpty(t, body["timestamp"])
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestToolCallsReturnResultsInline(t *testing.T) {
	f := newFixture(t)
	body := `{"message":{"type":"tool-calls","call":{"id":"call-5"},"toolCallList":[
		{"id":"tc-1","type":"function","function":{"name":"validateService","arguments":{"serviceType":"debouchage"}}},
		{"id":"tc-2","type":"function","function":{"name":"unknownTool","arguments":"{}"}}]}}`

	rec := serve(f.router, signedRequest("/webhook", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Results []struct {
			ToolCallID string `json:"toolCallId"`
			Result     any    `json:"result"`
			Error      string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Results, 2)
	assert.Equal(t, "tc-1", out.Results[0].ToolCallID)
	assert.NotNil(t, out.Results[0].Result)
	assert.Equal(t, "tc-2", out.Results[1].ToolCallID)
	assert.NotEmpty(t, out.Results[1].Error)
	assert.Len(t, f.store.ToolCalls(), 2)
}

func TestStoreFailureIsGeneric500(t *testing.T) {
	f := newFixture(t, func(o *Options, store *memory.Store) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		processor := toolcall.NewProcessor(toolcall.DefaultRules(), nil, nil, logger)
		o.Ingest = ingest.New(failingCalls{Store: store}, processor, nil, nil, logger)
	})
	rec := serve(f.router, signedRequest("/webhook", `{"type":"call-started","call":{"id":"c-1","assistantId":"a"}}`))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "database_error", body["code"])
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestMethodsAndPreflight(t *testing.T) {
	f := newFixture(t)

	rec := serve(f.router, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(f.router, httptest.NewRequest(http.MethodOptions, "/webhook", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), webhook.SignatureHeader)

	rec = serve(f.router, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	healthy := newFixture(t, func(o *Options, _ *memory.Store) {
		o.Probes = map[string]HealthProbe{
			"database": func(context.Context) (map[string]any, error) {
				return map[string]any{"total": 2}, nil
			},
		}
	})
	rec := serve(healthy.router, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	db := body["components"].(map[string]any)["database"].(map[string]any)
	assert.Equal(t, "up", db["status"])
	assert.Equal(t, 2.0, db["total"])

	degraded := newFixture(t, func(o *Options, _ *memory.Store) {
		o.Probes = map[string]HealthProbe{
			"database": func(context.Context) (map[string]any, error) {
				return nil, errors.New("pool exhausted")
			},
		}
	})
	rec = serve(degraded.router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestHealthPolicyCountsOnlyFailures(t *testing.T) {
	fail := true
	f := newFixture(t, func(o *Options, _ *memory.Store) {
		o.Policies.HealthCheck = ratelimit.Policy{Name: "health", Limit: 2, Window: time.Minute, SkipSuccessful: true}
		o.Probes = map[string]HealthProbe{
			"database": func(context.Context) (map[string]any, error) {
				if fail {
					return nil, errors.New("down")
				}
				return nil, nil
			},
		}
	})

	fail = false
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, serve(f.router, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	}
	fail = true
	assert.Equal(t, http.StatusServiceUnavailable, serve(f.router, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(f.router, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(f.router, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestStatsSummaryRequiresAdminToken(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, serve(f.router, signedRequest("/webhook", callEndedBody)).Code)

	rec := serve(f.router, httptest.NewRequest(http.MethodGet, "/v1/stats/summary", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong := httptest.NewRequest(http.MethodGet, "/v1/stats/summary", nil)
	wrong.Header.Set("Authorization", "Bearer admin-token-124")
	assert.Equal(t, http.StatusUnauthorized, serve(f.router, wrong).Code)

	ok := httptest.NewRequest(http.MethodGet, "/v1/stats/summary?window=1h", nil)
	ok.Header.Set("Authorization", "Bearer "+testAdmin)
	rec = serve(f.router, ok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, 1.0, body["calls"])

	bad := httptest.NewRequest(http.MethodGet, "/v1/stats/summary?window=yesterday", nil)
	bad.Header.Set("Authorization", "Bearer "+testAdmin)
	assert.Equal(t, http.StatusBadRequest, serve(f.router, bad).Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-abc")
	rec := serve(f.router, req)
	assert.Equal(t, "req-abc", rec.Header().Get(requestIDHeader))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", clientIP(req))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}

func TestHealthLimitIgnoresRotatingForwardedFor(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *memory.Store) {
		o.Policies.HealthCheck = ratelimit.Policy{Name: "health", Limit: 2, Window: time.Minute, SkipSuccessful: true}
		o.Probes = map[string]HealthProbe{
			"database": func(context.Context) (map[string]any, error) {
				return nil, errors.New("down")
			},
		}
	})

	codes := map[int]int{}
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "198.51.100.20:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("192.0.2.%d", i+1))
		codes[serve(f.router, req).Code]++
	}
	assert.Equal(t, 2, codes[http.StatusServiceUnavailable])
	assert.Equal(t, 18, codes[http.StatusTooManyRequests])
}

func TestWebhookLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *memory.Store) {
		o.Policies.Webhook.Limit = 1
	})
	body := `{"type":"call-started","call":{"id":"c-9","assistantId":"a"}}`

	first := signedRequest("/webhook", body)
	first.Header.Set("X-Forwarded-For", "192.0.2.1")
	require.Equal(t, http.StatusOK, serve(f.router, first).Code)

	second := signedRequest("/webhook", body)
	second.Header.Set("X-Forwarded-For", "192.0.2.2")
	assert.Equal(t, http.StatusTooManyRequests, serve(f.router, second).Code)
}

func TestPeerIPBehindTrustedProxy(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 172.16.0.1 ", ""})
	require.NoError(t, err)
	r := &Router{trustedProxies: proxies}

	cases := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{name: "untrusted peer ignores header", remote: "203.0.113.5:1", forwarded: "192.0.2.1", want: "203.0.113.5"},
		{name: "trusted peer without header", remote: "10.1.2.3:1", want: "10.1.2.3"},
		{name: "right-most untrusted hop", remote: "10.1.2.3:1", forwarded: "192.0.2.1, 198.51.100.4, 172.16.0.1", want: "198.51.100.4"},
		{name: "all hops trusted", remote: "10.1.2.3:1", forwarded: "10.9.9.9, 172.16.0.1", want: "10.1.2.3"},
		{name: "garbage hop stops the walk", remote: "10.1.2.3:1", forwarded: "192.0.2.1, not-an-ip", want: "10.1.2.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			assert.Equal(t, tc.want, r.peerIP(req))
		})
	}

	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}
