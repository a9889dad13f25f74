package pool

import (
	"context"
	"time"
)

// Start runs the health-check and eviction loop until ctx is done or Close
// is called.
func (m *Manager[H]) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.maintain(ctx)
			}
		}
	}()
}

func (m *Manager[H]) maintain(ctx context.Context) {
	m.healthCheck(ctx)
	m.evict(ctx)
}

// healthCheck probes every idle connection not already being probed.
func (m *Manager[H]) healthCheck(ctx context.Context) {
	m.mu.Lock()
	var probe []*Conn[H]
	for _, c := range m.conns {
		if c.inUse || c.health == HealthChecking {
			continue
		}
		c.health = HealthChecking
		probe = append(probe, c)
	}
	m.mu.Unlock()

	for _, c := range probe {
		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
		err := c.Handle.Ping(pingCtx)
		cancel()

		m.mu.Lock()
		if err != nil {
			c.health = HealthUnhealthy
		} else {
			c.health = HealthHealthy
		}
		m.mu.Unlock()
		if err != nil {
			m.logger.Warn("pooled connection failed health check", "conn_id", c.ID, "error", err)
		}
	}
}

// evict drops idle connections that are unhealthy or idle past IdleTimeout
// without going below Min. Unhealthy connections kept for the floor are
// replaced with fresh ones.
func (m *Manager[H]) evict(ctx context.Context) {
	now := m.cfg.Now()
	m.mu.Lock()
	var dropped, replace []*Conn[H]
	for _, c := range append([]*Conn[H](nil), m.conns...) {
		if c.inUse || c.health == HealthChecking {
			continue
		}
		unhealthy := c.health == HealthUnhealthy
		expired := now.Sub(c.lastUsed) > m.cfg.IdleTimeout
		if !unhealthy && !expired {
			continue
		}
		if len(m.conns) > m.cfg.Min {
			m.removeLocked(c)
			dropped = append(dropped, c)
			continue
		}
		if unhealthy {
			m.removeLocked(c)
			m.pending++
			replace = append(replace, c)
		}
	}
	m.mu.Unlock()

	for _, c := range dropped {
		m.closeHandle(c)
	}
	for _, c := range replace {
		m.closeHandle(c)
		h, err := m.factory(ctx)
		m.mu.Lock()
		m.pending--
		if err == nil && !m.closed {
			m.conns = append(m.conns, m.newConn(h, false))
		}
		closed := m.closed
		m.mu.Unlock()
		if err != nil {
			m.logger.Warn("replace unhealthy connection", "conn_id", c.ID, "error", err)
			continue
		}
		if closed {
			_ = h.Close(ctx)
		}
	}
	if len(dropped) > 0 || len(replace) > 0 {
		m.logger.Debug("pool maintenance", "evicted", len(dropped), "replaced", len(replace))
	}
}
