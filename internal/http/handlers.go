package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/ratelimit"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/webhook"
)

const routeWebhook = "webhook"

var errIngestMissing = errors.New("ingest service not configured")

type healthReply struct {
	Status     string         `json:"status"`
	Timestamp  string         `json:"timestamp"`
	Components map[string]any `json:"components,omitempty"`
}

// handleWebhook runs validation, then admission, then ingest. Health-check
// events skip all three.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	r.applyCORS(w)
	body, err := io.ReadAll(io.LimitReader(req.Body, r.validator.MaxBodyBytes()+1))
	if err != nil {
		r.fail(w, req, domain.NewValidationError("unreadable_body", "could not read request body"))
		return
	}
	kind := webhook.PeekType(body)
	if kind == domain.EventHealthCheck {
		writeJSON(w, http.StatusOK, healthReply{Status: "healthy", Timestamp: r.now().UTC().Format(time.RFC3339Nano)})
		return
	}

	signature := req.Header.Get(webhook.SignatureHeader)
	event, err := r.validator.Validate(domain.Envelope{
		ReceivedAt: r.now(),
		RawBody:    body,
		Signature:  signature,
	}, req.Header.Get("Content-Type"))
	if err != nil {
		r.fail(w, req, err)
		return
	}

	key := ratelimit.WebhookKey(r.peerIP(req), webhook.SignaturePrefix(signature), req.URL.Path)
	if _, ok := r.admit(w, req, routeWebhook, r.policies.Webhook, key); !ok {
		return
	}

	if r.ingest == nil {
		r.fail(w, req, domain.NewInternalError(errIngestMissing))
		return
	}
	out, err := r.ingest.Handle(req.Context(), event)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	r.applyCORS(w)
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, "+webhook.SignatureHeader+", "+requestIDHeader)
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) applyCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", r.corsOrigin)
	if r.corsOrigin != "*" {
		w.Header().Add("Vary", "Origin")
	}
}

// handleHealth probes every component. Only failed checks count against
// the health policy.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	key := ratelimit.HealthKey(r.peerIP(req))
	decision, ok := r.admit(w, req, "health", r.policies.HealthCheck, key)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	components := make(map[string]any, len(names))
	for _, name := range names {
		detail, err := r.probes[name](ctx)
		entry := map[string]any{"status": "up"}
		for k, v := range detail {
			entry[k] = v
		}
		if err != nil {
			status = "degraded"
			entry["status"] = "down"
			entry["error"] = err.Error()
		}
		components[name] = entry
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthReply{
		Status:     status,
		Timestamp:  r.now().UTC().Format(time.RFC3339Nano),
		Components: components,
	})
	r.admission.Settle(req.Context(), r.policies.HealthCheck, key, decision, code)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if r.stats == nil {
		r.notFound(w, req)
		return
	}
	window := statsWindowDefault
	if raw := req.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			r.fail(w, req, domain.NewValidationError("invalid_window", "window must be a positive duration such as 24h"))
			return
		}
		window = d
	}
	summary, err := r.stats.Summary(req.Context(), window)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
