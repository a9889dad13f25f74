package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// QueryStats tracks one cache key's read path.
type QueryStats struct {
	Hits         int64
	Misses       int64
	Errors       int64
	TotalLatency time.Duration
	LastLatency  time.Duration
}

// AvgLatency is the mean latency of misses that ran the query.
func (s QueryStats) AvgLatency() time.Duration {
	if s.Misses == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Misses)
}

// OptimizerStats pairs cache occupancy with per-key query stats.
type OptimizerStats struct {
	Cache   Stats
	Queries map[string]QueryStats
}

// Optimizer is a read-through layer over Cache. Concurrent misses on the
// same key share one query.
type Optimizer struct {
	cache      *Cache
	defaultTTL time.Duration
	logger     *slog.Logger
	group      singleflight.Group

	mu    sync.Mutex
	stats map[string]*QueryStats
}

func NewOptimizer(c *Cache, defaultTTL time.Duration, logger *slog.Logger) *Optimizer {
	if c == nil {
		c = New(0)
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		cache:      c,
		defaultTTL: defaultTTL,
		logger:     logger,
		stats:      make(map[string]*QueryStats),
	}
}

// CachedQuery returns the cached value for key or runs fn, caching its JSON
// encoding for ttl (the optimizer default when ttl is zero). Errors are not
// cached.
func CachedQuery[T any](ctx context.Context, o *Optimizer, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if ttl <= 0 {
		ttl = o.defaultTTL
	}
	if raw, ok := o.cache.Get(key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			o.record(key, func(s *QueryStats) { s.Hits++ })
			return v, nil
		}
		o.logger.Warn("dropping undecodable cache entry", "key", key)
		o.cache.Delete(key)
	}

	res, err, _ := o.group.Do(key, func() (any, error) {
		start := time.Now()
		v, err := fn(ctx)
		latency := time.Since(start)
		if err != nil {
			o.record(key, func(s *QueryStats) { s.Errors++ })
			return nil, err
		}
		o.record(key, func(s *QueryStats) {
			s.Misses++
			s.TotalLatency += latency
			s.LastLatency = latency
		})
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cache: encode %q: %w", key, err)
		}
		if !o.cache.Set(key, raw, ttl) {
			o.logger.Debug("value exceeds cache budget", "key", key, "bytes", len(raw))
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("cache: key %q shared by different result types", key)
	}
	return v, nil
}

// Invalidate drops key so the next CachedQuery runs its query.
func (o *Optimizer) Invalidate(key string) {
	o.cache.Delete(key)
}

func (o *Optimizer) record(key string, update func(*QueryStats)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.stats[key]
	if !ok {
		s = &QueryStats{}
		o.stats[key] = s
	}
	update(s)
}

func (o *Optimizer) Stats() OptimizerStats {
	o.mu.Lock()
	queries := make(map[string]QueryStats, len(o.stats))
	for k, s := range o.stats {
		queries[k] = *s
	}
	o.mu.Unlock()
	return OptimizerStats{Cache: o.cache.Stats(), Queries: queries}
}

// Cache exposes the underlying store.
func (o *Optimizer) Cache() *Cache { return o.cache }
