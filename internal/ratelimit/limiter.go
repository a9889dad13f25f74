package ratelimit

import (
	"context"
	"time"
)

// Limiter is a fixed-window counter store. CheckAndIncrement must count the
// request and report the outcome in one atomic step.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, key string, window time.Duration, max int) (Decision, error)
	// Refund gives back one unit previously counted against key.
	Refund(ctx context.Context, key string) error
	Close() error
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is only set on denied decisions.
	RetryAfter time.Duration
	// Degraded marks a decision taken without consulting the store.
	Degraded bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum one.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func decide(count, max int, resetAt, now time.Time) Decision {
	d := Decision{
		Allowed: count <= max,
		Count:   count,
		Limit:   max,
		ResetAt: resetAt,
	}
	if remaining := max - count; remaining > 0 {
		d.Remaining = remaining
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
	}
	return d
}

func unlimited(max int, now time.Time) Decision {
	return Decision{Allowed: true, Limit: max, ResetAt: now}
}
