// Package metrics exposes Prometheus counters for task generation, the stop
// protocol and the background loops. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry setup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	tasksGenerated   *prometheus.CounterVec
	generationErrors *prometheus.CounterVec
	tasksRolledBack  prometheus.Counter
	stopOutcomes     *prometheus.CounterVec
	loopRuns         *prometheus.CounterVec
	remindersSent    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careorders",
			Name:      "tasks_generated_total",
			Help:      "Execution tasks persisted by generation, by timing strategy.",
		}, []string{"strategy"}),
		generationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careorders",
			Name:      "generation_failures_total",
			Help:      "Failed generation attempts, by error kind.",
		}, []string{"kind"}),
		tasksRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "careorders",
			Name:      "tasks_rolled_back_total",
			Help:      "Pending tasks stopped by an order-level rollback.",
		}),
		stopOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careorders",
			Name:      "stop_requests_total",
			Help:      "Stop protocol events, by outcome (requested, cancelled, confirmed, rejected).",
		}, []string{"outcome"}),
		loopRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careorders",
			Name:      "worker_runs_total",
			Help:      "Background loop iterations, by loop and outcome.",
		}, []string{"loop", "outcome"}),
		remindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "careorders",
			Name:      "overdue_reminders_total",
			Help:      "Overdue task reminders published.",
		}),
	}
	reg.MustRegister(m.tasksGenerated, m.generationErrors, m.tasksRolledBack,
		m.stopOutcomes, m.loopRuns, m.remindersSent)
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) TasksGenerated(strategy string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.tasksGenerated.WithLabelValues(strategy).Add(float64(n))
}

func (m *Metrics) GenerationFailed(kind string) {
	if m == nil {
		return
	}
	m.generationErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) TasksRolledBack(n int) {
	if m == nil || n == 0 {
		return
	}
	m.tasksRolledBack.Add(float64(n))
}

func (m *Metrics) StopOutcome(outcome string) {
	if m == nil {
		return
	}
	m.stopOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LoopRun(loop string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.loopRuns.WithLabelValues(loop, outcome).Inc()
}

func (m *Metrics) ReminderSent() {
	if m == nil {
		return
	}
	m.remindersSent.Inc()
}
