package ratelimit

import (
	"context"
	"sync"
	"time"
)

const memorySweepInterval = 5 * time.Minute

// MemoryLimiter keeps per-key windows in process memory. It is the fallback
// when no Redis address is configured and the store used in tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]windowState
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type windowState struct {
	count     int
	windowEnd time.Time
}

// MemoryOption customises a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(rl *MemoryLimiter) {
		if now != nil {
			rl.now = now
		}
	}
}

// NewMemoryLimiter starts a limiter with a background sweep of expired
// windows. Close stops the sweep.
func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	rl := &MemoryLimiter{
		entries: make(map[string]windowState),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.sweepLoop()
	return rl
}

func (rl *MemoryLimiter) CheckAndIncrement(_ context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := rl.now()
	if max <= 0 {
		return unlimited(max, now), nil
	}
	if window <= 0 {
		window = time.Minute
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.entries[key]
	if !ok || !now.Before(state.windowEnd) {
		state = windowState{windowEnd: now.Add(window)}
	}
	state.count++
	rl.entries[key] = state
	return decide(state.count, max, state.windowEnd, now), nil
}

func (rl *MemoryLimiter) Refund(_ context.Context, key string) error {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	state, ok := rl.entries[key]
	if !ok || !now.Before(state.windowEnd) || state.count == 0 {
		return nil
	}
	state.count--
	rl.entries[key] = state
	return nil
}

func (rl *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *MemoryLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, state := range rl.entries {
		if !now.Before(state.windowEnd) {
			delete(rl.entries, key)
		}
	}
}

func (rl *MemoryLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

func (rl *MemoryLimiter) Close() error {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
	return nil
}
