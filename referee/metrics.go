package referee

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the referee's Prometheus instruments, exposed over
// cmd/lockref-referee's /metrics endpoint.
type Metrics struct {
	Registry *prometheus.Registry

	Sessions       prometheus.Gauge
	SessionsClosed prometheus.Counter
	Locks          prometheus.Gauge
	Requests       *prometheus.CounterVec
}

// NewMetrics builds a fresh Metrics set on its own registry, so multiple
// Core instances (as in tests) never collide over default-registry names.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lockref_sessions",
			Help: "Number of client sessions currently connected to the referee.",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "lockref_sessions_closed_total",
			Help: "Total number of client sessions torn down since startup.",
		}),
		Locks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lockref_locks",
			Help: "Number of locks currently tracked in the Lock Table.",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lockref_requests_total",
			Help: "Total number of requests handled, by opcode.",
		}, []string{"opcode"}),
	}
}
