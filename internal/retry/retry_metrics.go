package retry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for outbound retries.
type Metrics struct {
	RetriesTotal   *prometheus.CounterVec
	RetryWait      prometheus.Histogram
	ExhaustedTotal *prometheus.CounterVec
}

// NewMetrics registers and returns retry metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muster_outbound_retries_total",
			Help: "Total retried outbound calls by operation.",
		}, []string{"operation"}),
		RetryWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "muster_outbound_retry_wait_seconds",
			Help:    "Backoff wait before each retry in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 7), // 0.5s .. 32s
		}),
		ExhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muster_outbound_retries_exhausted_total",
			Help: "Outbound calls that failed after every retry, by operation.",
		}, []string{"operation"}),
	}

	reg.MustRegister(m.RetriesTotal, m.RetryWait, m.ExhaustedTotal)
	return m
}

// Hooks returns Hooks that update the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnRetry: func(name string, _ int, wait time.Duration) {
			m.RetriesTotal.WithLabelValues(name).Inc()
			m.RetryWait.Observe(wait.Seconds())
		},
		OnExhausted: func(name string) {
			m.ExhaustedTotal.WithLabelValues(name).Inc()
		},
	}
}
