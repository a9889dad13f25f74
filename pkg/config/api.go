package config

import "time"

// APIConfig holds runtime configuration for the webhook API service.
type APIConfig struct {
	Environment     string
	Addr            string
	LogLevel        string
	DatabaseURL     string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AdminToken      string
	CORSOrigin      string
	TracingEnabled  bool
	TrustedProxies  []string

	WebhookSecret         string
	WebhookMaxBodyBytes   int64
	WebhookTimestampSkew  time.Duration
	WebhookRejectStale    bool
	WebhookRateLimit      int
	WebhookRateWindow     time.Duration
	HealthRateLimit       int
	HealthRateWindow      time.Duration
	SMSRateLimit          int
	SMSRateWindow         time.Duration
	RateLimitRedisAddr    string
	RateLimitRedisPass    string
	RateLimitRedisDB      int
	RateLimitRedisTimeout time.Duration

	PoolMinConnections  int
	PoolMaxConnections  int
	PoolAcquireTimeout  time.Duration
	PoolIdleTimeout     time.Duration
	PoolHealthInterval  time.Duration
	PoolQueryTimeout    time.Duration
	PoolRetries         int
	PoolRetryBaseDelay  time.Duration
	CacheMaxBytes       int64
	CacheDefaultTTL     time.Duration
	QueryMaxConcurrency int

	SMSBaseURL          string
	SMSAccountSID       string
	SMSAuthToken        string
	SMSFromNumber       string
	SMSOnCallNumbers    []string
	SMSRetries          int
	SMSRetryBaseDelay   time.Duration
	SMSTimeout          time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	PricingRulesPath    string
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:     GetString("APP_ENV", "development"),
		Addr:            GetString("API_ADDR", ":8080"),
		LogLevel:        GetString("LOG_LEVEL", "info"),
		DatabaseURL:     GetString("DATABASE_URL", ""),
		RequestTimeout:  Seconds("REQUEST_TIMEOUT_SECONDS", 30),
		ShutdownTimeout: Seconds("SHUTDOWN_TIMEOUT_SECONDS", 10),
		AdminToken:      GetString("ADMIN_TOKEN", ""),
		CORSOrigin:      GetString("CORS_ALLOWED_ORIGIN", "*"),
		TracingEnabled:  GetBool("TRACING_ENABLED", false),
		TrustedProxies:  GetStrings("TRUSTED_PROXIES", nil),

		WebhookSecret:         GetString("VAPI_WEBHOOK_SECRET", ""),
		WebhookMaxBodyBytes:   GetInt64("WEBHOOK_MAX_BODY_BYTES", 1<<20),
		WebhookTimestampSkew:  Seconds("WEBHOOK_TIMESTAMP_SKEW_SECONDS", 300),
		WebhookRejectStale:    GetBool("WEBHOOK_REJECT_STALE", false),
		WebhookRateLimit:      GetInt("WEBHOOK_RATE_LIMIT", 100),
		WebhookRateWindow:     Seconds("WEBHOOK_RATE_WINDOW_SECONDS", 60),
		HealthRateLimit:       GetInt("HEALTH_RATE_LIMIT", 30),
		HealthRateWindow:      Seconds("HEALTH_RATE_WINDOW_SECONDS", 60),
		SMSRateLimit:          GetInt("SMS_RATE_LIMIT", 10),
		SMSRateWindow:         Seconds("SMS_RATE_WINDOW_SECONDS", 300),
		RateLimitRedisAddr:    GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:    GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:      GetInt("RATE_LIMIT_REDIS_DB", 0),
		RateLimitRedisTimeout: Millis("RATE_LIMIT_REDIS_TIMEOUT_MS", 250),

		PoolMinConnections:  GetInt("POOL_MIN_CONNECTIONS", 2),
		PoolMaxConnections:  GetInt("POOL_MAX_CONNECTIONS", 10),
		PoolAcquireTimeout:  Millis("POOL_ACQUIRE_TIMEOUT_MS", 5000),
		PoolIdleTimeout:     Millis("POOL_IDLE_TIMEOUT_MS", 300000),
		PoolHealthInterval:  Millis("POOL_HEALTH_INTERVAL_MS", 30000),
		PoolQueryTimeout:    Millis("POOL_QUERY_TIMEOUT_MS", 10000),
		PoolRetries:         GetInt("POOL_RETRIES", 3),
		PoolRetryBaseDelay:  Millis("POOL_RETRY_BASE_DELAY_MS", 100),
		CacheMaxBytes:       GetInt64("CACHE_MAX_BYTES", 50<<20),
		CacheDefaultTTL:     Seconds("CACHE_DEFAULT_TTL_SECONDS", 60),
		QueryMaxConcurrency: GetInt("QUERY_MAX_CONCURRENCY", 5),

		SMSBaseURL:        GetString("SMS_API_BASE_URL", "https://api.twilio.com"),
		SMSAccountSID:     GetString("TWILIO_ACCOUNT_SID", ""),
		SMSAuthToken:      GetString("TWILIO_AUTH_TOKEN", ""),
		SMSFromNumber:     GetString("TWILIO_PHONE_NUMBER", ""),
		SMSOnCallNumbers:  GetStrings("SMS_ONCALL_NUMBERS", nil),
		SMSRetries:        GetInt("SMS_RETRIES", 3),
		SMSRetryBaseDelay: Millis("SMS_RETRY_BASE_DELAY_MS", 500),
		SMSTimeout:        Seconds("SMS_TIMEOUT_SECONDS", 10),
		BreakerThreshold:  GetInt("SMS_BREAKER_THRESHOLD", 5),
		BreakerCooldown:   Seconds("SMS_BREAKER_COOLDOWN_SECONDS", 60),
		PricingRulesPath:  GetString("PRICING_RULES_PATH", ""),
	}
}
