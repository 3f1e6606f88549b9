package llm

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for model calls.
type Metrics struct {
	CallsTotal *prometheus.CounterVec
	TokensIn   *prometheus.CounterVec
	TokensOut  *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewMetrics registers and returns llm metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muster_llm_calls_total",
			Help: "Total language model calls by provider and status.",
		}, []string{"provider", "status"}),
		TokensIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muster_llm_tokens_input_total",
			Help: "Total language model input tokens consumed.",
		}, []string{"provider"}),
		TokensOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muster_llm_tokens_output_total",
			Help: "Total language model output tokens consumed.",
		}, []string{"provider"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "muster_llm_call_duration_seconds",
			Help:    "Duration of individual language model calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}, []string{"provider"}),
	}

	reg.MustRegister(m.CallsTotal, m.TokensIn, m.TokensOut, m.Duration)
	return m
}

// Hooks returns Hooks that update the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnCall: func(provider string, inputTokens, outputTokens int, duration float64, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.CallsTotal.WithLabelValues(provider, status).Inc()
			m.TokensIn.WithLabelValues(provider).Add(float64(inputTokens))
			m.TokensOut.WithLabelValues(provider).Add(float64(outputTokens))
			m.Duration.WithLabelValues(provider).Observe(duration)
		},
	}
}
