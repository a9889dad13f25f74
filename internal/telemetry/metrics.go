package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/cache"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/pool"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/notify"
)

const namespace = "drain"

// Metrics holds the collectors fed by admission, notification and breaker
// hooks. A nil *Metrics is a no-op.
type Metrics struct {
	reg               prometheus.Registerer
	admissionDegraded *prometheus.CounterVec
	admissionDenied   *prometheus.CounterVec
	smsOutcomes       *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	breakerTrips      *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg, or on the default registerer
// when reg is nil. Collectors already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{reg: reg}
	m.admissionDegraded = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "degraded_total",
		Help:      "Requests admitted because the rate limit store was unavailable",
	}, []string{"policy"}))
	m.admissionDenied = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "denied_total",
		Help:      "Requests rejected by a rate limit policy",
	}, []string{"policy"}))
	m.smsOutcomes = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "sms_total",
		Help:      "SMS dispatch outcomes per recipient",
	}, []string{"outcome"}))
	m.breakerTrips = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"breaker", "to"}))
	state := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"breaker"})
	if err := reg.Register(state); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				state = existing
			}
		}
	}
	m.breakerState = state
	return m
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) AdmissionDegraded(policy string) {
	if m == nil {
		return
	}
	m.admissionDegraded.WithLabelValues(policy).Inc()
}

func (m *Metrics) AdmissionDenied(policy string) {
	if m == nil {
		return
	}
	m.admissionDenied.WithLabelValues(policy).Inc()
}

func (m *Metrics) SMSOutcome(outcome string) {
	if m == nil {
		return
	}
	m.smsOutcomes.WithLabelValues(outcome).Inc()
}

// BreakerTransition matches notify.BreakerConfig.OnStateChange.
func (m *Metrics) BreakerTransition(name string, _, to notify.State) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(name, string(to)).Inc()
	m.breakerState.WithLabelValues(name).Set(breakerValue(to))
}

func breakerValue(s notify.State) float64 {
	switch s {
	case notify.StateHalfOpen:
		return 1
	case notify.StateOpen:
		return 2
	default:
		return 0
	}
}

// WatchPool exports pool occupancy as gauges read at scrape time.
func (m *Metrics) WatchPool(stats func() pool.Stats) {
	if m == nil || stats == nil {
		return
	}
	gauges := map[string]func(pool.Stats) float64{
		"connections_total":     func(s pool.Stats) float64 { return float64(s.Total) },
		"connections_in_use":    func(s pool.Stats) float64 { return float64(s.InUse) },
		"connections_healthy":   func(s pool.Stats) float64 { return float64(s.Healthy) },
		"connections_unhealthy": func(s pool.Stats) float64 { return float64(s.Unhealthy) },
		"acquire_timeouts":      func(s pool.Stats) float64 { return float64(s.AcquireTimeouts) },
	}
	for name, read := range gauges {
		read := read
		m.registerGaugeFunc("pool", name, "Resource pool "+name, func() float64 { return read(stats()) })
	}
}

// WatchCache exports cache occupancy and hit counters.
func (m *Metrics) WatchCache(stats func() cache.Stats) {
	if m == nil || stats == nil {
		return
	}
	gauges := map[string]func(cache.Stats) float64{
		"bytes":   func(s cache.Stats) float64 { return float64(s.Bytes) },
		"entries": func(s cache.Stats) float64 { return float64(s.Entries) },
		"hits":    func(s cache.Stats) float64 { return float64(s.Hits) },
		"misses":  func(s cache.Stats) float64 { return float64(s.Misses) },
	}
	for name, read := range gauges {
		read := read
		m.registerGaugeFunc("cache", name, "Query cache "+name, func() float64 { return read(stats()) })
	}
}

func (m *Metrics) registerGaugeFunc(subsystem, name, help string, fn func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
	// a second watcher on the same registry keeps the first function
	_ = m.reg.Register(g)
}
