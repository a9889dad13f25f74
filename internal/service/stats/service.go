// Package stats serves the aggregate counters behind the summary endpoint.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/cache"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/repository"
)

// Summary is the dashboard-facing rollup for a time window.
type Summary struct {
	Since           time.Time               `json:"since"`
	Calls           int                     `json:"calls"`
	CallsByPriority map[domain.Priority]int `json:"callsByPriority"`
	Notifications   map[string]int          `json:"notifications"`
	ToolCalls       int                     `json:"toolCalls"`
	// Unavailable lists the counters that could not be computed.
	Unavailable []string             `json:"unavailable,omitempty"`
	Cache       cache.Stats          `json:"cache"`
	Queries     cache.OptimizerStats `json:"-"`
}

type Options struct {
	TTL            time.Duration
	MaxConcurrency int
	QueryTimeout   time.Duration
}

type Service struct {
	repo      repository.StatsRepository
	optimizer *cache.Optimizer
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

func New(repo repository.StatsRepository, optimizer *cache.Optimizer, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if optimizer == nil {
		optimizer = cache.NewOptimizer(nil, opts.TTL, logger)
	}
	return &Service{repo: repo, optimizer: optimizer, opts: opts, logger: logger, now: time.Now}
}

type slot struct {
	name string
	run  func(ctx context.Context) (any, error)
}

// Summary counts activity over the trailing window. The window start is
// truncated to the minute so concurrent callers share cache entries. Slots
// that fail are reported in Unavailable; an error is returned only when
// nothing could be computed.
func (s *Service) Summary(ctx context.Context, window time.Duration) (Summary, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := s.now().UTC().Add(-window).Truncate(time.Minute)
	suffix := fmt.Sprintf(":%d", since.Unix())
	ttl := s.opts.TTL

	out := Summary{
		Since:           since,
		CallsByPriority: map[domain.Priority]int{},
		Notifications:   map[string]int{},
	}
	slots := []slot{
		{name: "calls", run: func(ctx context.Context) (any, error) {
			n, err := cache.CachedQuery(ctx, s.optimizer, "stats:calls"+suffix, ttl, func(ctx context.Context) (int, error) {
				return s.repo.CountCalls(ctx, since)
			})
			return n, err
		}},
		{name: "callsByPriority", run: func(ctx context.Context) (any, error) {
			m, err := cache.CachedQuery(ctx, s.optimizer, "stats:priority"+suffix, ttl, func(ctx context.Context) (map[domain.Priority]int, error) {
				return s.repo.CountCallsByPriority(ctx, since)
			})
			return m, err
		}},
		{name: "notifications", run: func(ctx context.Context) (any, error) {
			m, err := cache.CachedQuery(ctx, s.optimizer, "stats:notifications"+suffix, ttl, func(ctx context.Context) (map[string]int, error) {
				return s.repo.CountNotificationsByStatus(ctx, since)
			})
			return m, err
		}},
		{name: "toolCalls", run: func(ctx context.Context) (any, error) {
			n, err := cache.CachedQuery(ctx, s.optimizer, "stats:toolcalls"+suffix, ttl, func(ctx context.Context) (int, error) {
				return s.repo.CountToolCalls(ctx, since)
			})
			return n, err
		}},
	}

	fns := make([]func(ctx context.Context) (any, error), len(slots))
	for i, sl := range slots {
		fns[i] = sl.run
	}
	results, _ := cache.Parallel(ctx, fns, cache.ParallelOptions{
		MaxConcurrency: s.opts.MaxConcurrency,
		Timeout:        s.opts.QueryTimeout,
	})

	var errs []error
	for i, res := range results {
		if res.Err != nil {
			out.Unavailable = append(out.Unavailable, slots[i].name)
			errs = append(errs, fmt.Errorf("%s: %w", slots[i].name, res.Err))
			continue
		}
		switch v := res.Value.(type) {
		case int:
			if slots[i].name == "calls" {
				out.Calls = v
			} else {
				out.ToolCalls = v
			}
		case map[domain.Priority]int:
			if v != nil {
				out.CallsByPriority = v
			}
		case map[string]int:
			if v != nil {
				out.Notifications = v
			}
		}
	}
	out.Cache = s.optimizer.Cache().Stats()
	out.Queries = s.optimizer.Stats()
	if len(errs) == len(slots) {
		err := errors.Join(errs...)
		if _, ok := domain.AsError(err); ok {
			return Summary{}, err
		}
		return Summary{}, domain.NewDatabaseError(err)
	}
	if len(errs) > 0 {
		s.logger.Warn("stats summary partially unavailable", "error", errors.Join(errs...))
	}
	return out, nil
}
