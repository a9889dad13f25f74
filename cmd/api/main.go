package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/app/migrate"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/cache"
	httpx "github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/http"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/pool"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/ratelimit"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/repository"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/repository/memory"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/repository/postgres"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/ingest"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/notify"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/stats"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/toolcall"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/webhook"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/telemetry"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/pkg/config"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env", "error", err)
	}
	cfg := config.LoadAPIConfig()
	log := logger.New("webhook-api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer("webhook-api", nil, log)
		if err != nil {
			log.Error("failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}
	metrics := telemetry.NewMetrics(nil)

	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		log.Error("VAPI_WEBHOOK_SECRET is required")
		os.Exit(1)
	}

	rules := toolcall.DefaultRules()
	if path := strings.TrimSpace(cfg.PricingRulesPath); path != "" {
		loaded, err := toolcall.LoadRules(path)
		if err != nil {
			log.Error("failed to load pricing rules", "path", path, "error", err)
			os.Exit(1)
		}
		rules = loaded
	}

	trustedProxies, err := httpx.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Error("invalid TRUSTED_PROXIES", "error", err)
		os.Exit(1)
	}

	store, probes, closeStore, err := openStore(ctx, cfg, metrics, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	admission := ratelimit.NewController(openLimiter(ctx, cfg, log), log,
		ratelimit.OnDegraded(metrics.AdmissionDegraded),
		ratelimit.OnDenied(metrics.AdmissionDenied),
	)
	defer admission.Close()
	policies := ratelimit.Policies{
		Webhook:     ratelimit.Policy{Name: "webhook", Limit: cfg.WebhookRateLimit, Window: cfg.WebhookRateWindow},
		HealthCheck: ratelimit.Policy{Name: "health", Limit: cfg.HealthRateLimit, Window: cfg.HealthRateWindow, SkipSuccessful: true},
		SMSTrigger:  ratelimit.Policy{Name: "sms", Limit: cfg.SMSRateLimit, Window: cfg.SMSRateWindow},
	}

	var notifier toolcall.Notifier
	if svc, breakers := openNotifier(cfg, admission, policies.SMSTrigger, store, metrics, log); svc != nil {
		notifier = svc
		probes["sms"] = func(context.Context) (map[string]any, error) {
			return map[string]any{"breakers": breakers.Snapshot()}, nil
		}
	}

	processor := toolcall.NewProcessor(rules, notifier, cfg.SMSOnCallNumbers, log)
	ingestSvc := ingest.New(store, processor, notifier, cfg.SMSOnCallNumbers, log)

	optimizer := cache.NewOptimizer(cache.New(cfg.CacheMaxBytes), cfg.CacheDefaultTTL, log)
	metrics.WatchCache(optimizer.Cache().Stats)
	statsSvc := stats.New(store, optimizer, stats.Options{
		TTL:            cfg.CacheDefaultTTL,
		MaxConcurrency: cfg.QueryMaxConcurrency,
		QueryTimeout:   cfg.PoolQueryTimeout,
	}, log)

	router := httpx.NewRouter(log, httpx.Options{
		Validator: webhook.NewValidator(webhook.Options{
			Secret:        []byte(cfg.WebhookSecret),
			MaxBodyBytes:  cfg.WebhookMaxBodyBytes,
			TimestampSkew: cfg.WebhookTimestampSkew,
			RejectStale:   cfg.WebhookRejectStale,
			Logger:        log,
		}),
		Admission:      admission,
		Policies:       policies,
		Ingest:         ingestSvc,
		Stats:          statsSvc,
		Probes:         probes,
		AdminToken:     cfg.AdminToken,
		CORSOrigin:     cfg.CORSOrigin,
		RequestTimeout: cfg.RequestTimeout,
		TrustedProxies: trustedProxies,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openStore returns the Postgres repository when DATABASE_URL is set and
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.APIConfig, metrics *telemetry.Metrics, log *slog.Logger) (repository.Store, map[string]httpx.HealthProbe, func(), error) {
	probes := map[string]httpx.HealthProbe{}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return memory.New(), probes, func() {}, nil
	}

	runner, err := migrate.New(cfg.DatabaseURL, log)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := runner.Ensure(ctx); err != nil {
		return nil, nil, nil, err
	}

	mgr, err := pool.New(ctx, postgres.Dial(cfg.DatabaseURL), pool.Config{
		Min:            cfg.PoolMinConnections,
		Max:            cfg.PoolMaxConnections,
		AcquireTimeout: cfg.PoolAcquireTimeout,
		IdleTimeout:    cfg.PoolIdleTimeout,
		HealthInterval: cfg.PoolHealthInterval,
	}, log)
	if err != nil {
		return nil, nil, nil, err
	}
	mgr.Start(ctx)
	metrics.WatchPool(mgr.Stats)

	probes["database"] = func(ctx context.Context) (map[string]any, error) {
		s := mgr.Stats()
		detail := map[string]any{"total": s.Total, "inUse": s.InUse, "healthy": s.Healthy, "pending": s.Pending}
		return detail, mgr.Ping(ctx)
	}
	repo := postgres.New(mgr, pool.ExecOptions{
		Retries:   cfg.PoolRetries,
		Timeout:   cfg.PoolQueryTimeout,
		BaseDelay: cfg.PoolRetryBaseDelay,
	})
	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Close(closeCtx); err != nil {
			log.Warn("pool close failed", "error", err)
		}
	}
	return repo, probes, closeFn, nil
}

// openLimiter prefers Redis and falls back to process memory when it is
// not configured or unreachable at startup.
func openLimiter(ctx context.Context, cfg config.APIConfig, log *slog.Logger) ratelimit.Limiter {
	addr := strings.TrimSpace(cfg.RateLimitRedisAddr)
	if addr == "" {
		return ratelimit.NewMemoryLimiter()
	}
	rl := ratelimit.NewRedisLimiter(ratelimit.RedisOptions{
		Addr:     addr,
		Password: cfg.RateLimitRedisPass,
		DB:       cfg.RateLimitRedisDB,
		Timeout:  cfg.RateLimitRedisTimeout,
	}, log)
	if err := rl.Ping(ctx); err != nil {
		log.Warn("redis rate limiter unavailable, using memory", "addr", addr, "error", err)
		_ = rl.Close()
		return ratelimit.NewMemoryLimiter()
	}
	log.Info("redis rate limiter enabled", "addr", addr)
	return rl
}

func openNotifier(cfg config.APIConfig, admission *ratelimit.Controller, policy ratelimit.Policy, logs notify.LogWriter, metrics *telemetry.Metrics, log *slog.Logger) (*notify.Service, *notify.Registry) {
	if strings.TrimSpace(cfg.SMSAccountSID) == "" {
		log.Warn("SMS gateway not configured, P1 alerts will only be logged")
		return nil, nil
	}
	gw, err := notify.NewTwilioGateway(cfg.SMSBaseURL, cfg.SMSAccountSID, cfg.SMSAuthToken, cfg.SMSFromNumber, &http.Client{Timeout: cfg.SMSTimeout})
	if err != nil {
		log.Error("SMS gateway misconfigured, P1 alerts will only be logged", "error", err)
		return nil, nil
	}
	breakers := notify.NewRegistry(notify.BreakerConfig{
		Threshold:     cfg.BreakerThreshold,
		Cooldown:      cfg.BreakerCooldown,
		OnStateChange: metrics.BreakerTransition,
	})
	dispatcher := notify.NewDispatcher(gw, breakers.Get("sms:"+gw.Account()), notify.DispatcherConfig{
		Retries:   cfg.SMSRetries,
		BaseDelay: cfg.SMSRetryBaseDelay,
	}, log)
	svc := notify.NewService(dispatcher, admission, logs, notify.ServiceConfig{
		Policy:    policy,
		OnOutcome: metrics.SMSOutcome,
	}, log)
	return svc, breakers
}
