package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_IncrementEventsReceived(t *testing.T) {
	m := NewMetrics()
	m.IncrementEventsReceived("onNewTask")

	snapshot := m.GetSnapshot()
	if snapshot["events_received"] != 1 {
		t.Errorf("expected events_received 1, got %d", snapshot["events_received"])
	}
}

func TestMetrics_IncrementActionsFailed(t *testing.T) {
	m := NewMetrics()
	m.IncrementActionsFailed("sign")

	snapshot := m.GetSnapshot()
	if snapshot["actions_failed"] != 1 {
		t.Errorf("expected actions_failed 1, got %d", snapshot["actions_failed"])
	}
}

func TestMetrics_PrometheusMirror(t *testing.T) {
	m := NewMetrics()
	m.IncrementActionsCompleted("deliver")
	m.IncrementActionsCompleted("deliver")
	m.IncrementActionsSkipped("sign")
	m.IncrementJobsInitiated()

	if got := testutil.ToFloat64(m.actions.WithLabelValues("deliver", "completed")); got != 2 {
		t.Errorf("expected 2 completed deliver actions, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobs); got != 1 {
		t.Errorf("expected 1 initiated job, got %v", got)
	}
	if n, err := testutil.GatherAndCount(m.Registry()); err != nil || n != 4 {
		t.Errorf("expected 4 series, got %d (%v)", n, err)
	}
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementEventsReceived("onNewTask")
			m.IncrementEventsDuplicate("onNewTask")
			m.IncrementActionsCompleted("sign")
			m.IncrementReconcileRuns()
		}()
	}

	wg.Wait()

	snapshot := m.GetSnapshot()
	if snapshot["events_received"] != 100 {
		t.Errorf("expected events_received 100, got %d", snapshot["events_received"])
	}
	if snapshot["reconcile_runs"] != 100 {
		t.Errorf("expected reconcile_runs 100, got %d", snapshot["reconcile_runs"])
	}
}

func TestMetrics_GetSnapshot(t *testing.T) {
	m := NewMetrics()
	m.IncrementEventsReceived("onEvaluate")
	m.IncrementEventsReceived("onNewTask")
	m.IncrementEventsDropped("onNewTask")
	m.IncrementActionsSkipped("pay")
	m.IncrementJobsInitiated()

	snapshot := m.GetSnapshot()

	expected := map[string]int64{
		"events_received":   2,
		"events_duplicate":  0,
		"events_dropped":    1,
		"actions_completed": 0,
		"actions_skipped":   1,
		"jobs_initiated":    1,
	}

	for key, expectedValue := range expected {
		if snapshot[key] != expectedValue {
			t.Errorf("expected %s %d, got %d", key, expectedValue, snapshot[key])
		}
	}
}
