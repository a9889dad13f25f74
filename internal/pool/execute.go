package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
)

// ErrQueryTimeout is returned when fn outlives ExecOptions.Timeout.
var ErrQueryTimeout = errors.New("pool: query timeout")

var tracer = otel.Tracer("github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/pool")

type ExecOptions struct {
	// Retries is the number of attempts after the first.
	Retries   int
	Timeout   time.Duration
	BaseDelay time.Duration
	// Name labels the span and log lines.
	Name string
}

// DefaultExecOptions are used by Execute when opts is the zero value.
func DefaultExecOptions() ExecOptions {
	return ExecOptions{Retries: 3, Timeout: 10 * time.Second, BaseDelay: 100 * time.Millisecond}
}

type outcome[T any] struct {
	value T
	err   error
}

// Execute runs fn on a pooled handle. Connection-class and unclassified
// failures are retried with exponential backoff on a fresh connection;
// non-retryable failures and acquire timeouts are returned at once.
// Errors come back as *domain.Error.
func Execute[H Handle, T any](ctx context.Context, m *Manager[H], fn func(ctx context.Context, h H) (T, error), opts ExecOptions) (T, error) {
	if opts == (ExecOptions{Name: opts.Name}) {
		name := opts.Name
		opts = DefaultExecOptions()
		opts.Name = name
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Name == "" {
		opts.Name = "query"
	}

	ctx, span := tracer.Start(ctx, "pool.execute")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", opts.Name))

	var (
		result  T
		lastErr error
		class   errorClass
		attempt int
	)
	backoff := retry.WithMaxRetries(uint64(opts.Retries), retry.NewExponential(opts.BaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		v, err := attemptOnce(ctx, m, fn, opts.Timeout)
		if err == nil {
			result = v
			return nil
		}
		lastErr = err
		class = classify(err)
		switch class {
		case classNonRetryable, classPoolTimeout, classCanceled:
			return err
		}
		if attempt <= opts.Retries {
			m.logger.Warn("query failed, retrying",
				"operation", opts.Name,
				"attempt", attempt,
				"class", class.String(),
				"error", err,
			)
		}
		return retry.RetryableError(err)
	})
	span.SetAttributes(attribute.Int("db.attempts", attempt))
	if err == nil {
		return result, nil
	}
	if lastErr == nil {
		lastErr = err
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, class.String())

	var zero T
	if class == classPoolTimeout {
		m.logger.Error("pool exhausted", "operation", opts.Name, "error", lastErr)
		return zero, domain.NewPoolTimeoutError(lastErr)
	}
	m.logger.Error("query failed",
		"operation", opts.Name,
		"attempts", attempt,
		"class", class.String(),
		"error", lastErr,
	)
	return zero, domain.NewDatabaseError(fmt.Errorf("%s: %w", opts.Name, lastErr))
}

func attemptOnce[H Handle, T any](ctx context.Context, m *Manager[H], fn func(ctx context.Context, h H) (T, error), timeout time.Duration) (T, error) {
	var zero T
	conn, err := m.Acquire(ctx)
	if err != nil {
		return zero, err
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan outcome[T], 1)
	start := time.Now()
	go func() {
		v, err := fn(callCtx, conn.Handle)
		done <- outcome[T]{value: v, err: err}
	}()

	select {
	case out := <-done:
		defer m.Release(conn)
		if out.err != nil {
			m.recordFailure(conn)
			if classify(out.err) == classConnection {
				m.MarkUnhealthy(conn)
			}
			return zero, out.err
		}
		m.recordSuccess(conn, time.Since(start))
		return out.value, nil
	case <-callCtx.Done():
		// The handle stays checked out until fn returns.
		m.recordFailure(conn)
		m.MarkUnhealthy(conn)
		go func() {
			<-done
			m.Release(conn)
		}()
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrQueryTimeout, timeout)
	}
}
