package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/ratelimit"
)

// LogWriter persists dispatch outcomes.
type LogWriter interface {
	SaveNotification(ctx context.Context, rec domain.NotificationLog) error
}

type ServiceConfig struct {
	// Concurrency bounds simultaneous sends within one Alert.
	Concurrency int
	Policy      ratelimit.Policy
	// OnOutcome is called once per recipient with "sent", "failed",
	// "rate_limited" or "circuit_open".
	OnOutcome func(outcome string)
}

// Service fans an alert out to several recipients. Each recipient is
// admitted, sent and logged independently of the others.
type Service struct {
	dispatcher *Dispatcher
	admission  *ratelimit.Controller
	logs       LogWriter
	cfg        ServiceConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(dispatcher *Dispatcher, admission *ratelimit.Controller, logs LogWriter, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Policy.Name == "" {
		cfg.Policy = ratelimit.DefaultPolicies().SMSTrigger
	}
	return &Service{
		dispatcher: dispatcher,
		admission:  admission,
		logs:       logs,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Alert sends message to every distinct recipient. A failure for one
// recipient never prevents delivery to the others.
func (s *Service) Alert(ctx context.Context, recipients []string, message string) domain.DispatchSummary {
	targets := dedupe(recipients)
	outcomes := make([]domain.DispatchOutcome, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, recipient := range targets {
		g.Go(func() error {
			outcomes[i] = s.sendOne(gctx, recipient, message)
			return nil
		})
	}
	_ = g.Wait()

	var summary domain.DispatchSummary
	summary.Results = make([]domain.DispatchOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		summary.Add(o)
	}
	s.logger.Info("alert dispatched", "sent", summary.Sent, "failed", summary.Failed)
	return summary
}

func (s *Service) sendOne(ctx context.Context, recipient, message string) domain.DispatchOutcome {
	phone, err := NormalizePhone(recipient)
	if err != nil {
		s.report("failed")
		return domain.DispatchOutcome{Recipient: recipient, Error: err.Error()}
	}
	out := domain.DispatchOutcome{Recipient: phone}

	decision := s.admission.Admit(ctx, s.cfg.Policy, phone)
	if !decision.Allowed {
		s.report("rate_limited")
		out.Error = "rate limited"
		s.save(ctx, phone, message, Delivery{Recipient: phone}, out.Error)
		return out
	}

	res, err := s.dispatcher.Deliver(ctx, phone, message)
	switch {
	case err == nil:
		s.report("sent")
		out.MessageID = res.MessageID
	case errors.Is(err, ErrCircuitOpen):
		s.report("circuit_open")
		out.Error = err.Error()
	default:
		s.report("failed")
		out.Error = err.Error()
	}
	s.save(ctx, phone, message, res, out.Error)
	return out
}

func (s *Service) save(ctx context.Context, phone, message string, res Delivery, errMsg string) {
	if s.logs == nil {
		return
	}
	rec := domain.NotificationLog{
		ID:        uuid.NewString(),
		Recipient: phone,
		Message:   message,
		MessageID: res.MessageID,
		Status:    domain.NotificationSent,
		Error:     errMsg,
		Attempts:  res.Attempts,
		CreatedAt: s.now().UTC(),
	}
	if errMsg != "" {
		rec.Status = domain.NotificationFailed
	}
	// The send already happened; a lost log row is only reported.
	if err := s.logs.SaveNotification(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("notification log write failed", "recipient", maskPhone(phone), "error", err)
	}
}

func (s *Service) report(outcome string) {
	if s.cfg.OnOutcome != nil {
		s.cfg.OnOutcome(outcome)
	}
}

func dedupe(recipients []string) []string {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		key := strings.TrimSpace(r)
		if key == "" {
			continue
		}
		if phone, err := NormalizePhone(key); err == nil {
			key = phone
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
