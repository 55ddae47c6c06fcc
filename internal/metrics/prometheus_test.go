package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/supercheck-io/supercheck-sub010/internal/testutil"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, testutil.DiscardLogger())
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil && (labels == nil || matchLabels(m.GetLabel(), labels)) {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, testutil.DiscardLogger())
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_AdmissionDecision(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.AdmissionDecision("monitor-check", true, "")
	sink.AdmissionDecision("monitor-check", true, "")
	sink.AdmissionDecision("browser-test", false, "queue_capacity_exceeded")

	admitted := getCounterVecValue(t, reg, "supercheck_admission_decisions_total",
		map[string]string{"kind": "monitor-check", "decision": "admitted"})
	if admitted != 2 {
		t.Errorf("admitted decisions = %v, want 2", admitted)
	}

	rejected := getCounterVecValue(t, reg, "supercheck_admission_decisions_total",
		map[string]string{"kind": "browser-test", "decision": "rejected"})
	if rejected != 1 {
		t.Errorf("rejected decisions = %v, want 1", rejected)
	}

	reason := getCounterVecValue(t, reg, "supercheck_admission_rejections_total",
		map[string]string{"reason": "queue_capacity_exceeded"})
	if reason != 1 {
		t.Errorf("rejections by reason = %v, want 1", reason)
	}
}

func TestPrometheusSink_AdmittedDecision_NoRejectionCount(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.AdmissionDecision("load-test", true, "")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "supercheck_admission_rejections_total" && len(mf.GetMetric()) > 0 {
			t.Error("admitted decision must not increment the rejection counter")
		}
	}
}

func TestPrometheusSink_EnqueueOutcomes(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EnqueueCompleted("monitor-check-execution", OutcomeEnqueued)
	sink.EnqueueCompleted("monitor-check-execution", OutcomeEnqueued)
	sink.EnqueueCompleted("monitor-check-execution", OutcomeDeduplicated)

	enq := getCounterVecValue(t, reg, "supercheck_queue_enqueues_total",
		map[string]string{"queue": "monitor-check-execution", "outcome": "enqueued"})
	if enq != 2 {
		t.Errorf("enqueued = %v, want 2", enq)
	}

	dedup := getCounterVecValue(t, reg, "supercheck_queue_enqueues_total",
		map[string]string{"queue": "monitor-check-execution", "outcome": "deduplicated"})
	if dedup != 1 {
		t.Errorf("deduplicated = %v, want 1", dedup)
	}
}

func TestPrometheusSink_QueueDepth(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.QueueDepthUpdate("browser-test-execution", 7, 2, 1)

	waiting := getGaugeValue(t, reg, "supercheck_queue_depth",
		map[string]string{"queue": "browser-test-execution", "state": "waiting"})
	if waiting != 7 {
		t.Errorf("waiting depth = %v, want 7", waiting)
	}

	active := getGaugeValue(t, reg, "supercheck_queue_depth",
		map[string]string{"queue": "browser-test-execution", "state": "active"})
	if active != 2 {
		t.Errorf("active depth = %v, want 2", active)
	}
}

func TestPrometheusSink_ScheduleOps(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ScheduleOp(OpCreate, nil)
	sink.ScheduleOp(OpDelete, nil)
	sink.ScheduleOp(OpReschedule, errors.New("redis down"))

	created := getCounterVecValue(t, reg, "supercheck_schedule_ops_total",
		map[string]string{"op": "create", "result": "ok"})
	if created != 1 {
		t.Errorf("create ok = %v, want 1", created)
	}

	failed := getCounterVecValue(t, reg, "supercheck_schedule_ops_total",
		map[string]string{"op": "reschedule", "result": "error"})
	if failed != 1 {
		t.Errorf("reschedule error = %v, want 1", failed)
	}
}

func TestPrometheusSink_HubMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventDispatched("completed")
	sink.EventDispatched("completed")
	sink.EventDropped()
	sink.SubscriberCountUpdate(3)

	dispatched := getCounterVecValue(t, reg, "supercheck_hub_events_total",
		map[string]string{"event": "completed"})
	if dispatched != 2 {
		t.Errorf("dispatched = %v, want 2", dispatched)
	}

	dropped := getCounterValue(t, reg, "supercheck_hub_dropped_events_total")
	if dropped != 1 {
		t.Errorf("dropped = %v, want 1", dropped)
	}

	subs := getGaugeValue(t, reg, "supercheck_hub_subscribers", nil)
	if subs != 3 {
		t.Errorf("subscribers = %v, want 3", subs)
	}
}

func TestPrometheusSink_RunMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RunStarted("monitor-check")
	sink.RunFinished("passed", 30*time.Second)
	sink.RunFinished("failed", 5*time.Second)
	sink.SweptRuns(3)

	started := getCounterVecValue(t, reg, "supercheck_runs_started_total",
		map[string]string{"kind": "monitor-check"})
	if started != 1 {
		t.Errorf("started = %v, want 1", started)
	}

	passed := getCounterVecValue(t, reg, "supercheck_runs_finished_total",
		map[string]string{"status": "passed"})
	if passed != 1 {
		t.Errorf("finished passed = %v, want 1", passed)
	}

	swept := getCounterValue(t, reg, "supercheck_swept_runs_total")
	if swept != 3 {
		t.Errorf("swept = %v, want 3", swept)
	}
}

func TestPrometheusSink_LeaderMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()

	status := getGaugeValue(t, reg, "supercheck_leader_status", nil)
	if status != 1 {
		t.Errorf("leader status = %v, want 1", status)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost("conn_lost")

	status = getGaugeValue(t, reg, "supercheck_leader_status", nil)
	if status != 0 {
		t.Errorf("leader status after loss = %v, want 0", status)
	}

	acquired := getCounterValue(t, reg, "supercheck_leader_acquisitions_total")
	if acquired != 1 {
		t.Errorf("acquisitions = %v, want 1", acquired)
	}

	lost := getCounterVecValue(t, reg, "supercheck_leader_losses_total",
		map[string]string{"reason": "conn_lost"})
	if lost != 1 {
		t.Errorf("losses = %v, want 1", lost)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Registering metrics twice with the same registry should not panic.
	// The second registration will fail, but should be handled gracefully.
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg, testutil.DiscardLogger())
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	sink2 := NewPrometheusSink(reg, testutil.DiscardLogger())
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
