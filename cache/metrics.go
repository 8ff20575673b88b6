package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by every Cache built with
// WithMetrics. Each cache reports under its namespace label.
type Metrics struct {
	hits         *prometheus.CounterVec
	misses       *prometheus.CounterVec
	loads        *prometheus.CounterVec
	loadErrors   *prometheus.CounterVec
	loadDuration *prometheus.HistogramVec
}

// NewMetrics creates the cache collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		hits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasetauth",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of fresh cache reads.",
		}, []string{"cache"}),
		misses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasetauth",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of absent or stale cache reads.",
		}, []string{"cache"}),
		loads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasetauth",
			Subsystem: "cache",
			Name:      "loads_total",
			Help:      "Total number of loader invocations.",
		}, []string{"cache"}),
		loadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasetauth",
			Subsystem: "cache",
			Name:      "load_errors_total",
			Help:      "Total number of failed loader invocations.",
		}, []string{"cache"}),
		loadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "datasetauth",
			Subsystem: "cache",
			Name:      "load_duration_seconds",
			Help:      "Loader latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cache"}),
	}
}

// Nil-safe recorders so caches without metrics skip the bookkeeping.

func (m *Metrics) hit(name string) {
	if m != nil {
		m.hits.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) miss(name string) {
	if m != nil {
		m.misses.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) load(name string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(name).Inc()
	m.loadDuration.WithLabelValues(name).Observe(seconds)
	if failed {
		m.loadErrors.WithLabelValues(name).Inc()
	}
}
