package httpx

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/ratelimit"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/ingest"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/stats"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/webhook"
)

const (
	healthCheckTimeout = 2 * time.Second
	statsWindowDefault = 24 * time.Hour
)

var webhookPaths = []string{"/webhook", "/api/vapi/webhook"}

// HealthProbe reports one component's state for GET /health. A non-nil
// error marks the service degraded.
type HealthProbe func(ctx context.Context) (map[string]any, error)

// Options carries the Router's collaborators.
type Options struct {
	Validator *webhook.Validator
	Admission *ratelimit.Controller
	Policies  ratelimit.Policies
	Ingest    *ingest.Service
	Stats     *stats.Service
	Probes    map[string]HealthProbe

	AdminToken     string
	CORSOrigin     string
	RequestTimeout time.Duration
	// TrustedProxies are the peers whose X-Forwarded-For is honoured for
	// rate-limit keys.
	TrustedProxies []netip.Prefix

	// Registerer and Gatherer default to the prometheus globals.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        chi.Router
	logger     *slog.Logger
	validator  *webhook.Validator
	admission  *ratelimit.Controller
	policies   ratelimit.Policies
	ingest     *ingest.Service
	stats      *stats.Service
	probes     map[string]HealthProbe
	adminToken string
	corsOrigin string
	now        func() time.Time

	trustedProxies []netip.Prefix

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Validator == nil {
		opts.Validator = webhook.NewValidator(webhook.Options{Logger: logger})
	}
	r := &Router{
		mux:        chi.NewRouter(),
		logger:     logger,
		validator:  opts.Validator,
		admission:  opts.Admission,
		policies:   opts.Policies,
		ingest:     opts.Ingest,
		stats:      opts.Stats,
		probes:     opts.Probes,
		adminToken: strings.TrimSpace(opts.AdminToken),
		corsOrigin: strings.TrimSpace(opts.CORSOrigin),
		now:        time.Now,

		trustedProxies: opts.TrustedProxies,
	}
	if r.corsOrigin == "" {
		r.corsOrigin = "*"
	}
	r.initMetrics(opts.Registerer)
	r.register(opts)
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register(opts Options) {
	r.mux.Use(requestID)
	r.mux.Use(r.audit)
	r.mux.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.mux.Use(middleware.Timeout(opts.RequestTimeout))
	}
	r.mux.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "webhook-api")
	})

	r.mux.NotFound(r.notFound)
	r.mux.MethodNotAllowed(r.methodNotAllowed)

	for _, path := range webhookPaths {
		r.mux.Post(path, r.handleWebhook)
		r.mux.Options(path, r.handlePreflight)
	}
	r.mux.Get("/health", r.handleHealth)
	r.mux.Get("/v1/stats/summary", r.requireAdmin(r.handleStats))

	metrics := promhttp.Handler()
	if opts.Gatherer != nil {
		metrics = promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
	}
	r.mux.Method(http.MethodGet, "/metrics", metrics)
}

// fail maps err onto the error taxonomy. Internal detail is logged, never
// returned.
func (r *Router) fail(w http.ResponseWriter, req *http.Request, err error) {
	de, ok := domain.AsError(err)
	if !ok {
		de = domain.NewInternalError(err)
	}
	if de.Status >= http.StatusInternalServerError {
		r.logger.Error("request failed",
			"path", req.URL.Path,
			"kind", string(de.Kind),
			"code", de.Code,
			"error", err,
			"request_id", requestIDFrom(req.Context()),
		)
	} else {
		r.logger.Debug("request rejected", "path", req.URL.Path, "code", de.Code)
	}
	writeError(w, de.Status, de.Code, de.Message)
}

// admit runs policy for key and writes the informational headers. It
// writes the 429 itself and reports false when the request is denied.
func (r *Router) admit(w http.ResponseWriter, req *http.Request, route string, policy ratelimit.Policy, key string) (ratelimit.Decision, bool) {
	decision := r.admission.Admit(req.Context(), policy, key)
	applyRateHeaders(w, decision)
	if decision.Allowed {
		return decision, true
	}
	r.recordRateLimitHit(route, policy.Name)
	w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
	r.fail(w, req, domain.NewRateLimitError("rate limit exceeded"))
	return decision, false
}

func applyRateHeaders(w http.ResponseWriter, decision ratelimit.Decision) {
	if decision.Limit <= 0 {
		return
	}
	remaining := decision.Remaining
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.ResetAt.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}
}

// requireAdmin guards operator endpoints with the static bearer token.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		expected := r.adminToken
		if expected == "" {
			r.logger.Error("admin token not configured", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "admin_not_configured", "admin authentication misconfigured")
			return
		}
		token := strings.TrimSpace(req.Header.Get("Authorization"))
		if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
			token = strings.TrimSpace(token[7:])
		} else {
			token = ""
		}
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			r.logger.Warn("admin token mismatch", "path", req.URL.Path)
			r.fail(w, req, domain.NewAuthenticationError("invalid_token", "invalid admin token"))
			return
		}
		next(w, req)
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "not found")
}
