package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	retry "github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
)

var tracer = otel.Tracer("github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/notify")

type DispatcherConfig struct {
	// Retries is the number of attempts after the first.
	Retries   int
	BaseDelay time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	return c
}

// Delivery is the outcome of one SendTo call.
type Delivery struct {
	Recipient string
	MessageID string
	Attempts  int
}

// Dispatcher sends single messages through a breaker-guarded gateway.
type Dispatcher struct {
	gateway Gateway
	breaker *Breaker
	cfg     DispatcherConfig
	logger  *slog.Logger
}

func NewDispatcher(gateway Gateway, breaker *Breaker, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if breaker == nil {
		breaker = NewBreaker("sms", BreakerConfig{})
	}
	return &Dispatcher{gateway: gateway, breaker: breaker, cfg: cfg.withDefaults(), logger: logger}
}

// Breaker exposes the breaker guarding the gateway.
func (d *Dispatcher) Breaker() *Breaker { return d.breaker }

// SendTo delivers message to one recipient and returns the gateway message id.
func (d *Dispatcher) SendTo(ctx context.Context, recipient, message string) (string, error) {
	res, err := d.Deliver(ctx, recipient, message)
	return res.MessageID, err
}

// Deliver is SendTo with the attempt count. Retries happen inside a single
// breaker admission and the breaker sees one outcome per call.
func (d *Dispatcher) Deliver(ctx context.Context, recipient, message string) (Delivery, error) {
	phone, err := NormalizePhone(recipient)
	if err != nil {
		return Delivery{Recipient: recipient}, err
	}
	job := domain.NotificationJob{Recipient: phone, Message: message}
	res := Delivery{Recipient: phone}

	ctx, span := tracer.Start(ctx, "notify.send")
	defer span.End()

	err = d.breaker.Execute(ctx, func(ctx context.Context) error {
		var lastErr error
		backoff := retry.WithMaxRetries(uint64(d.cfg.Retries), retry.NewExponential(d.cfg.BaseDelay))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			job.Attempt++
			id, err := d.gateway.Send(ctx, job.Recipient, job.Message)
			if err == nil {
				res.MessageID = id
				return nil
			}
			lastErr = err
			if !retryable(err) {
				return err
			}
			if job.Attempt <= d.cfg.Retries {
				d.logger.Warn("sms send failed, retrying",
					"recipient", maskPhone(phone),
					"attempt", job.Attempt,
					"error", err,
				)
			}
			return retry.RetryableError(err)
		})
		if err != nil && lastErr != nil {
			return lastErr
		}
		return err
	})
	res.Attempts = job.Attempt
	span.SetAttributes(attribute.Int("sms.attempts", res.Attempts))

	switch {
	case err == nil:
		d.logger.Info("sms sent", "recipient", maskPhone(phone), "message_id", res.MessageID, "attempts", res.Attempts)
		return res, nil
	case errors.Is(err, ErrCircuitOpen):
		span.SetStatus(codes.Error, "circuit open")
		d.logger.Warn("sms skipped, circuit open", "recipient", maskPhone(phone))
		return res, err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "sms send failed")
	d.logger.Error("sms send failed",
		"recipient", maskPhone(phone),
		"attempts", res.Attempts,
		"error", err,
	)
	return res, fmt.Errorf("send sms to %s: %w", maskPhone(phone), err)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable()
	}
	return true
}
