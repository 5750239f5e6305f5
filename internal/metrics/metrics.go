package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks agent lifecycle counters. Every increment is mirrored into a
// private prometheus registry served by the operator API.
type Metrics struct {
	mu sync.RWMutex

	eventsReceived   int64
	eventsDuplicate  int64
	eventsDropped    int64
	actionsCompleted int64
	actionsFailed    int64
	actionsSkipped   int64
	jobsInitiated    int64
	reconcileRuns    int64

	registry *prometheus.Registry
	events   *prometheus.CounterVec
	actions  *prometheus.CounterVec
	jobs     prometheus.Counter
	runs     prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acp",
			Name:      "events_total",
			Help:      "Push events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acp",
			Name:      "actions_total",
			Help:      "Ledger actions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		jobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acp",
			Name:      "jobs_initiated_total",
			Help:      "Jobs opened by this agent as buyer.",
		}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acp",
			Name:      "reconcile_runs_total",
			Help:      "Completed reconciler passes.",
		}),
	}
	m.registry.MustRegister(m.events, m.actions, m.jobs, m.runs)
	return m
}

// Registry exposes the prometheus registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncrementEventsReceived(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsReceived++
	m.events.WithLabelValues(kind, "received").Inc()
}

func (m *Metrics) IncrementEventsDuplicate(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsDuplicate++
	m.events.WithLabelValues(kind, "duplicate").Inc()
}

// IncrementEventsDropped counts malformed or unhandled events.
func (m *Metrics) IncrementEventsDropped(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsDropped++
	m.events.WithLabelValues(kind, "dropped").Inc()
}

func (m *Metrics) IncrementActionsCompleted(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionsCompleted++
	m.actions.WithLabelValues(kind, "completed").Inc()
}

func (m *Metrics) IncrementActionsFailed(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionsFailed++
	m.actions.WithLabelValues(kind, "failed").Inc()
}

// IncrementActionsSkipped counts actions another handler already claimed or
// the ledger reported as already done.
func (m *Metrics) IncrementActionsSkipped(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionsSkipped++
	m.actions.WithLabelValues(kind, "skipped").Inc()
}

func (m *Metrics) IncrementJobsInitiated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsInitiated++
	m.jobs.Inc()
}

func (m *Metrics) IncrementReconcileRuns() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileRuns++
	m.runs.Inc()
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"events_received":   m.eventsReceived,
		"events_duplicate":  m.eventsDuplicate,
		"events_dropped":    m.eventsDropped,
		"actions_completed": m.actionsCompleted,
		"actions_failed":    m.actionsFailed,
		"actions_skipped":   m.actionsSkipped,
		"jobs_initiated":    m.jobsInitiated,
		"reconcile_runs":    m.reconcileRuns,
	}
}
