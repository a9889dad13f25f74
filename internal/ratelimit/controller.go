package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Policy is one endpoint class's admission budget.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
	// SkipSuccessful requests are counted up front and refunded once the
	// response turns out to be a success.
	SkipSuccessful bool
}

// Policies groups the endpoint classes the service admits.
type Policies struct {
	Webhook     Policy
	HealthCheck Policy
	SMSTrigger  Policy
}

// DefaultPolicies returns the stock budgets.
func DefaultPolicies() Policies {
	return Policies{
		Webhook:     Policy{Name: "webhook", Limit: 100, Window: time.Minute},
		HealthCheck: Policy{Name: "health", Limit: 30, Window: time.Minute, SkipSuccessful: true},
		SMSTrigger:  Policy{Name: "sms", Limit: 10, Window: 5 * time.Minute},
	}
}

// Controller applies policies against a Limiter. Store failures are logged
// and the request is admitted.
type Controller struct {
	limiter    Limiter
	logger     *slog.Logger
	now        func() time.Time
	onDegraded func(policy string)
	onDenied   func(policy string)
}

// ControllerOption customises a Controller.
type ControllerOption func(*Controller)

// OnDegraded registers a hook fired for every fail-open decision.
func OnDegraded(fn func(policy string)) ControllerOption {
	return func(c *Controller) { c.onDegraded = fn }
}

// OnDenied registers a hook fired for every rejected request.
func OnDenied(fn func(policy string)) ControllerOption {
	return func(c *Controller) { c.onDenied = fn }
}

func NewController(limiter Limiter, logger *slog.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{limiter: limiter, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit counts one request for key under policy.
func (c *Controller) Admit(ctx context.Context, policy Policy, key string) Decision {
	if c == nil || c.limiter == nil || policy.Limit <= 0 {
		return unlimited(policy.Limit, time.Now())
	}
	decision, err := c.limiter.CheckAndIncrement(ctx, storeKey(policy, key), policy.Window, policy.Limit)
	if err != nil {
		c.logger.Warn("rate limit store unavailable, admitting request",
			"policy", policy.Name,
			"error", err,
		)
		if c.onDegraded != nil {
			c.onDegraded(policy.Name)
		}
		return Decision{
			Allowed:   true,
			Limit:     policy.Limit,
			Remaining: policy.Limit,
			ResetAt:   c.now().Add(policy.Window),
			Degraded:  true,
		}
	}
	if !decision.Allowed && c.onDenied != nil {
		c.onDenied(policy.Name)
	}
	return decision
}

// Settle refunds a SkipSuccessful policy's hit when status is below 400.
func (c *Controller) Settle(ctx context.Context, policy Policy, key string, decision Decision, status int) {
	if c == nil || c.limiter == nil || !policy.SkipSuccessful || decision.Degraded || !decision.Allowed || status >= 400 {
		return
	}
	if err := c.limiter.Refund(ctx, storeKey(policy, key)); err != nil {
		c.logger.Warn("rate limit refund failed", "policy", policy.Name, "error", err)
	}
}

func (c *Controller) Close() error {
	if c == nil || c.limiter == nil {
		return nil
	}
	return c.limiter.Close()
}

func storeKey(policy Policy, key string) string {
	if policy.Name == "" {
		return key
	}
	return policy.Name + ":" + key
}

// WebhookKey scopes webhook admission to caller, signature and route.
func WebhookKey(ip, signaturePrefix, path string) string {
	return strings.Join([]string{orUnknown(ip), orUnknown(signaturePrefix), path}, ":")
}

// HealthKey scopes health-check admission to the caller address.
func HealthKey(ip string) string {
	return orUnknown(ip)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
