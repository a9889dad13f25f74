package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrPoolTimeout is returned when no connection frees up within the acquire
// timeout. It is never retried.
var ErrPoolTimeout = errors.New("pool: acquire timeout")

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool: closed")

// Handle is a backing-store client. *pgx.Conn satisfies it.
type Handle interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Factory dials a new handle.
type Factory[H Handle] func(ctx context.Context) (H, error)

type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthChecking  Health = "checking"
)

type Config struct {
	Min            int
	Max            int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	HealthInterval time.Duration
	PollInterval   time.Duration
	PingTimeout    time.Duration
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Max <= 0 {
		c.Max = 10
	}
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Conn is a pooled handle. Bookkeeping fields are guarded by the owning
// Manager and read through Snapshot.
type Conn[H Handle] struct {
	ID        string
	Handle    H
	CreatedAt time.Time

	lastUsed   time.Time
	inUse      bool
	health     Health
	queryCount int64
	errorCount int64
}

// ConnInfo is a point-in-time copy of a connection's bookkeeping.
type ConnInfo struct {
	ID         string
	CreatedAt  time.Time
	LastUsed   time.Time
	InUse      bool
	Health     Health
	QueryCount int64
	ErrorCount int64
}

// Stats summarises the pool.
type Stats struct {
	Total           int
	InUse           int
	Idle            int
	Healthy         int
	Unhealthy       int
	Pending         int
	Min             int
	Max             int
	Queries         int64
	Errors          int64
	AcquireTimeouts int64
	AvgLatency      time.Duration
}

// Manager keeps between Min and Max handles open. The inUse flip happens
// under mu; dialing and pinging happen outside it.
type Manager[H Handle] struct {
	mu      sync.Mutex
	conns   []*Conn[H]
	pending int
	closed  bool

	factory Factory[H]
	cfg     Config
	logger  *slog.Logger

	queries   atomic.Int64
	errors    atomic.Int64
	timeouts  atomic.Int64
	latencyNS atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
}

// New builds a manager and eagerly opens cfg.Min handles.
func New[H Handle](ctx context.Context, factory Factory[H], cfg Config, logger *slog.Logger) (*Manager[H], error) {
	if factory == nil {
		return nil, errors.New("pool: factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager[H]{
		factory: factory,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := 0; i < m.cfg.Min; i++ {
		h, err := factory(ctx)
		if err != nil {
			_ = m.Close(ctx)
			return nil, fmt.Errorf("pool: open initial connection %d: %w", i+1, err)
		}
		m.mu.Lock()
		m.conns = append(m.conns, m.newConn(h, false))
		m.mu.Unlock()
	}
	m.logger.Info("connection pool ready", "min", m.cfg.Min, "max", m.cfg.Max)
	return m, nil
}

func (m *Manager[H]) newConn(h H, inUse bool) *Conn[H] {
	now := m.cfg.Now()
	return &Conn[H]{
		ID:        uuid.NewString(),
		Handle:    h,
		CreatedAt: now,
		lastUsed:  now,
		inUse:     inUse,
		health:    HealthHealthy,
	}
}

// Acquire hands out an idle healthy connection, dials a new one while below
// Max, or polls until AcquireTimeout elapses.
func (m *Manager[H]) Acquire(ctx context.Context) (*Conn[H], error) {
	timer := time.NewTimer(m.cfg.AcquireTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		conn, reserved, stale, err := m.tryAcquire()
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return conn, nil
		}
		if stale != nil {
			m.closeHandle(stale)
		}
		if reserved {
			return m.dial(ctx)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			m.timeouts.Add(1)
			return nil, fmt.Errorf("%w after %s (max %d connections)", ErrPoolTimeout, m.cfg.AcquireTimeout, m.cfg.Max)
		case <-ticker.C:
		}
	}
}

// tryAcquire returns a connection, or reserves a dial slot, or neither. When
// the pool is full but holds an idle unhealthy connection, that connection
// is dropped to make room and returned as stale for closing.
func (m *Manager[H]) tryAcquire() (conn *Conn[H], reserved bool, stale *Conn[H], err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, nil, ErrClosed
	}
	var unhealthyIdx = -1
	for i, c := range m.conns {
		if c.inUse {
			continue
		}
		if c.health == HealthHealthy {
			c.inUse = true
			c.lastUsed = m.cfg.Now()
			return c, false, nil, nil
		}
		if c.health == HealthUnhealthy && unhealthyIdx < 0 {
			unhealthyIdx = i
		}
	}
	if len(m.conns)+m.pending < m.cfg.Max {
		m.pending++
		return nil, true, nil, nil
	}
	if unhealthyIdx >= 0 {
		stale = m.conns[unhealthyIdx]
		m.conns = append(m.conns[:unhealthyIdx], m.conns[unhealthyIdx+1:]...)
		m.pending++
		return nil, true, stale, nil
	}
	return nil, false, nil, nil
}

func (m *Manager[H]) dial(ctx context.Context) (*Conn[H], error) {
	h, err := m.factory(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending--
	if err != nil {
		return nil, fmt.Errorf("pool: open connection: %w", err)
	}
	if m.closed {
		go func() { _ = h.Close(context.Background()) }()
		return nil, ErrClosed
	}
	c := m.newConn(h, true)
	m.conns = append(m.conns, c)
	return c, nil
}

// Release returns c to the pool. Releasing twice is a no-op.
func (m *Manager[H]) Release(c *Conn[H]) {
	if c == nil {
		return
	}
	m.mu.Lock()
	if !c.inUse {
		m.mu.Unlock()
		return
	}
	c.inUse = false
	c.lastUsed = m.cfg.Now()
	closed := m.closed
	if closed {
		m.removeLocked(c)
	}
	m.mu.Unlock()
	if closed {
		m.closeHandle(c)
	}
}

// MarkUnhealthy excludes c from Acquire until a health check passes.
func (m *Manager[H]) MarkUnhealthy(c *Conn[H]) {
	m.mu.Lock()
	c.health = HealthUnhealthy
	m.mu.Unlock()
}

func (m *Manager[H]) recordSuccess(c *Conn[H], latency time.Duration) {
	m.queries.Add(1)
	m.latencyNS.Add(int64(latency))
	m.mu.Lock()
	c.queryCount++
	m.mu.Unlock()
}

func (m *Manager[H]) recordFailure(c *Conn[H]) {
	m.errors.Add(1)
	m.mu.Lock()
	c.errorCount++
	m.mu.Unlock()
}

func (m *Manager[H]) removeLocked(target *Conn[H]) bool {
	for i, c := range m.conns {
		if c == target {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager[H]) closeHandle(c *Conn[H]) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PingTimeout)
	defer cancel()
	if err := c.Handle.Close(ctx); err != nil {
		m.logger.Debug("close pooled connection", "conn_id", c.ID, "error", err)
	}
}

// Ping borrows a connection and pings it.
func (m *Manager[H]) Ping(ctx context.Context) error {
	c, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer m.Release(c)
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	if err := c.Handle.Ping(pingCtx); err != nil {
		m.MarkUnhealthy(c)
		return err
	}
	return nil
}

// Stats returns a snapshot of pool occupancy and counters.
func (m *Manager[H]) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Total:   len(m.conns),
		Pending: m.pending,
		Min:     m.cfg.Min,
		Max:     m.cfg.Max,
	}
	for _, c := range m.conns {
		if c.inUse {
			s.InUse++
		} else {
			s.Idle++
		}
		switch c.health {
		case HealthHealthy:
			s.Healthy++
		case HealthUnhealthy:
			s.Unhealthy++
		}
	}
	m.mu.Unlock()
	s.Queries = m.queries.Load()
	s.Errors = m.errors.Load()
	s.AcquireTimeouts = m.timeouts.Load()
	if s.Queries > 0 {
		s.AvgLatency = time.Duration(m.latencyNS.Load() / s.Queries)
	}
	return s
}

// Snapshot copies every connection's bookkeeping.
func (m *Manager[H]) Snapshot() []ConnInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnInfo, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, ConnInfo{
			ID:         c.ID,
			CreatedAt:  c.CreatedAt,
			LastUsed:   c.lastUsed,
			InUse:      c.inUse,
			Health:     c.health,
			QueryCount: c.queryCount,
			ErrorCount: c.errorCount,
		})
	}
	return out
}

// Close stops maintenance and closes idle handles. Handles still in use are
// closed when released.
func (m *Manager[H]) Close(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		select {
		case <-m.done:
		case <-ctx.Done():
		}
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var idle []*Conn[H]
	kept := m.conns[:0]
	for _, c := range m.conns {
		if c.inUse {
			kept = append(kept, c)
			continue
		}
		idle = append(idle, c)
	}
	m.conns = kept
	m.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.Handle.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("connection pool closed", "closed", len(idle), "in_use", len(kept))
	return errors.Join(errs...)
}
