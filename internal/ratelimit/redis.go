package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 250 * time.Millisecond

// incrScript counts the hit, arms the window on the first hit and reports the
// remaining TTL in a single round trip.
var incrScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

var refundScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// RedisOptions configures a RedisLimiter.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds every round trip, dial included.
	Timeout time.Duration
	Prefix  string
}

// RedisLimiter shares windows across replicas through Redis.
type RedisLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// NewRedisLimiter constructs a Redis backed limiter. It does not dial; use
// Ping to check reachability.
func NewRedisLimiter(opts RedisOptions, logger *slog.Logger) *RedisLimiter {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRedisTimeout
	}
	if opts.Prefix == "" {
		opts.Prefix = "drain:ratelimit:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
		MaxRetries:   -1,
	})
	return &RedisLimiter{
		client:  client,
		logger:  logger,
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
		now:     time.Now,
	}
}

// Ping checks the store is reachable.
func (rl *RedisLimiter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()
	return rl.client.Ping(ctx).Err()
}

func (rl *RedisLimiter) CheckAndIncrement(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := rl.now()
	if max <= 0 {
		return unlimited(max, now), nil
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	res, err := incrScript.Run(ctx, rl.client, []string{rl.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		rl.logRedisError("incr", err)
		return Decision{}, fmt.Errorf("redis incr: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis incr: unexpected reply length %d", len(res))
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = window
	}
	return decide(int(res[0]), max, now.Add(ttl), now), nil
}

func (rl *RedisLimiter) Refund(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()
	if err := refundScript.Run(ctx, rl.client, []string{rl.prefix + key}).Err(); err != nil {
		rl.logRedisError("refund", err)
		return fmt.Errorf("redis refund: %w", err)
	}
	return nil
}

func (rl *RedisLimiter) Close() error {
	if rl.client == nil {
		return nil
	}
	return rl.client.Close()
}

func (rl *RedisLimiter) logRedisError(op string, err error) {
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
