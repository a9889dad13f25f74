package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the dependency while the
// breaker is open or its half-open probe is in flight.
var ErrCircuitOpen = errors.New("circuit breaker open")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
	Now       func() time.Time
	// OnStateChange is called outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// BreakerState is a point-in-time copy of a breaker.
type BreakerState struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailureAt       time.Time `json:"lastFailureAt,omitzero"`
}

// Breaker guards one downstream dependency. CLOSED counts consecutive
// failures and opens at Threshold. OPEN rejects until Cooldown has passed
// since the last failure, then admits exactly one HALF_OPEN probe whose
// outcome closes or reopens the circuit.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	probing       bool
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), state: StateClosed}
}

// Allow reserves the right to make one call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.cfg.Now().Sub(b.lastFailureAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return nil
	default:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	}
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailureAt = b.cfg.Now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.probing = false
	case StateClosed:
		if b.failures >= b.cfg.Threshold {
			b.state = StateOpen
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// Release gives back a slot taken by Allow without recording an outcome.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Execute runs fn when the breaker admits it and records the outcome. A
// cancelled caller records nothing. A request the gateway rejected as
// malformed counts as success since the provider answered.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	var gwErr *GatewayError
	switch {
	case err == nil:
		b.Success()
	case errors.Is(err, context.Canceled):
		b.Release()
	case errors.As(err, &gwErr) && !gwErr.Retryable():
		b.Success()
	default:
		b.Failure()
	}
	return err
}

func (b *Breaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailureAt:       b.lastFailureAt,
	}
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Registry hands out one breaker per dependency name for the life of the
// process.
type Registry struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Snapshot lists every breaker's state.
func (r *Registry) Snapshot() []BreakerState {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()
	out := make([]BreakerState, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	return out
}
