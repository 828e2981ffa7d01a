package cache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts cache outcomes. A nil *Metrics records nothing.
type Metrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	degraded      *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// NewMetrics creates the casegrid_cache_* counters and registers them with reg.
// Collectors already registered under the same names are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casegrid", Subsystem: "cache", Name: "hits_total",
			Help: "View requests answered from the cache.",
		}, []string{"table"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casegrid", Subsystem: "cache", Name: "misses_total",
			Help: "View requests computed against the database.",
		}, []string{"table"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casegrid", Subsystem: "cache", Name: "degraded_total",
			Help: "Cache backend operations that failed and were bypassed.",
		}, []string{"operation"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casegrid", Subsystem: "cache", Name: "invalidations_total",
			Help: "Table-wide cache invalidations.",
		}, []string{"table"}),
	}
	if reg != nil {
		m.hits = register(reg, m.hits)
		m.misses = register(reg, m.misses)
		m.degraded = register(reg, m.degraded)
		m.invalidations = register(reg, m.invalidations)
	}
	return m
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
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

func (m *Metrics) hit(table string) {
	if m != nil {
		m.hits.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) miss(table string) {
	if m != nil {
		m.misses.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) degrade(op string) {
	if m != nil {
		m.degraded.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) invalidated(table string) {
	if m != nil {
		m.invalidations.WithLabelValues(table).Inc()
	}
}
