package workflow

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the orchestrator. A nil *Metrics
// records nothing.
type Metrics struct {
	WorkflowsTotal     *prometheus.CounterVec
	WorkflowDuration   *prometheus.HistogramVec
	StepFailures       *prometheus.CounterVec
	RequestsRouted     *prometheus.CounterVec
	BackgroundTasks    *prometheus.CounterVec
	ParallelTasksTotal prometheus.Counter
}

// NewMetrics registers and returns workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muster_workflows_total",
			Help: "Total workflow runs by workflow and final status.",
		}, []string{"workflow", "status"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "muster_workflow_duration_seconds",
			Help:    "Duration of workflow runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"workflow"}),
		StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muster_workflow_step_failures_total",
			Help: "Total alert-to-meeting step failures by step.",
		}, []string{"step"}),
		RequestsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muster_requests_routed_total",
			Help: "Total requests routed to an agent by request kind.",
		}, []string{"kind"}),
		BackgroundTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muster_background_tasks_total",
			Help: "Total fire-and-forget tasks by task and result.",
		}, []string{"task", "result"}),
		ParallelTasksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "muster_parallel_tasks_total",
			Help: "Total tasks submitted through parallel execution.",
		}),
	}

	reg.MustRegister(
		m.WorkflowsTotal,
		m.WorkflowDuration,
		m.StepFailures,
		m.RequestsRouted,
		m.BackgroundTasks,
		m.ParallelTasksTotal,
	)

	return m
}

func (m *Metrics) workflowDone(name, status string, seconds float64) {
	if m == nil {
		return
	}
	m.WorkflowsTotal.WithLabelValues(name, status).Inc()
	m.WorkflowDuration.WithLabelValues(name).Observe(seconds)
}

func (m *Metrics) stepFailed(step string) {
	if m == nil {
		return
	}
	m.StepFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) routed(kind RequestKind) {
	if m == nil {
		return
	}
	m.RequestsRouted.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) background(task, result string) {
	if m == nil {
		return
	}
	m.BackgroundTasks.WithLabelValues(task, result).Inc()
}

func (m *Metrics) parallel(n int) {
	if m == nil {
		return
	}
	m.ParallelTasksTotal.Add(float64(n))
}
