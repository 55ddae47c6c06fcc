package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *logrus.Logger

	// Capacity gate metrics
	admissionDecisionsTotal *prometheus.CounterVec
	admissionRejectionsTotal *prometheus.CounterVec
	capacityCheckErrorsTotal prometheus.Counter

	// Queue metrics
	enqueuesTotal   *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	promotionsTotal *prometheus.CounterVec
	stalledTotal    *prometheus.CounterVec

	// Scheduler metrics
	scheduleOpsTotal *prometheus.CounterVec

	// Event hub metrics
	hubEventsTotal  *prometheus.CounterVec
	hubDroppedTotal prometheus.Counter
	hubSubscribers  prometheus.Gauge

	// Run metrics
	runsStartedTotal  *prometheus.CounterVec
	runsFinishedTotal *prometheus.CounterVec
	runDuration       prometheus.Histogram
	sweptRunsTotal    prometheus.Counter

	// Leader election metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
// Metrics that fail to register will be replaced with no-op collectors.
func NewPrometheusSink(reg prometheus.Registerer, logger *logrus.Logger) *PrometheusSink {
	s := &PrometheusSink{logger: logger}
	s.initCapacityMetrics(reg)
	s.initQueueMetrics(reg)
	s.initSchedulerMetrics(reg)
	s.initHubMetrics(reg)
	s.initRunMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initCapacityMetrics(reg prometheus.Registerer) {
	s.admissionDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supercheck_admission_decisions_total",
		Help: "Total number of capacity gate decisions.",
	}, []string{"kind", "decision"})
	s.admissionRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supercheck_admission_rejections_total",
		Help: "Total number of rejected admissions by reason code.",
	}, []string{"reason"})
	s.capacityCheckErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supercheck_capacity_check_errors_total",
		Help: "Total number of failed queue introspection calls during admission.",
	})

	s.register(reg, s.admissionDecisionsTotal, "supercheck_admission_decisions_total")
	s.register(reg, s.admissionRejectionsTotal, "supercheck_admission_rejections_total")
	s.register(reg, s.capacityCheckErrorsTotal, "supercheck_capacity_check_errors_total")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.enqueuesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supercheck_queue_enqueues_total",
		Help: "Total number of enqueue attempts per queue and outcome.",
	}, []string{"queue", "outcome"})
	s.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "supercheck_queue_depth",
		Help: "Current number of queue entries per queue and state.",
	}, []string{"queue", "state"})
	s.promotionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supercheck_queue_promotions_total",
		Help: "Total number of delayed or recurring entries promoted to waiting.",
	}, []string{"queue"})
	s.stalledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supercheck_queue_stalled_total",
		Help: "Total number of active entries reclaimed after missing heartbeats.",
	}, []string{"queue"})

	s.register(reg, s.enqueuesTotal, "supercheck_queue_enqueues_total")
	s.register(reg, s.queueDepth, "supercheck_queue_depth")
	s.register(reg, s.promotionsTotal, "supercheck_queue_promotions_total")
	s.register(reg, s.stalledTotal, "supercheck_queue_stalled_total")
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.scheduleOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supercheck_schedule_ops_total",
		Help: "Total number of monitor schedule operations per op and result.",
	}, []string{"op", "result"})

	s.register(reg, s.scheduleOpsTotal, "supercheck_schedule_ops_total")
}

func (s *PrometheusSink) initHubMetrics(reg prometheus.Registerer) {
	s.hubEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supercheck_hub_events_total",
		Help: "Total number of queue events dispatched to subscribers.",
	}, []string{"event"})
	s.hubDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supercheck_hub_dropped_events_total",
		Help: "Total number of events dropped on saturated subscriber buffers.",
	})
	s.hubSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supercheck_hub_subscribers",
		Help: "Current number of attached event subscribers.",
	})

	s.register(reg, s.hubEventsTotal, "supercheck_hub_events_total")
	s.register(reg, s.hubDroppedTotal, "supercheck_hub_dropped_events_total")
	s.register(reg, s.hubSubscribers, "supercheck_hub_subscribers")
}

func (s *PrometheusSink) initRunMetrics(reg prometheus.Registerer) {
	s.runsStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supercheck_runs_started_total",
		Help: "Total number of runs admitted and enqueued per task kind.",
	}, []string{"kind"})
	s.runsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supercheck_runs_finished_total",
		Help: "Total number of runs reaching a terminal status.",
	}, []string{"status"})
	s.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "supercheck_run_duration_seconds",
		Help:    "Wall-clock run duration from start to terminal status in seconds.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
	s.sweptRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supercheck_swept_runs_total",
		Help: "Total number of stuck runs force-failed by the sweeper.",
	})

	s.register(reg, s.runsStartedTotal, "supercheck_runs_started_total")
	s.register(reg, s.runsFinishedTotal, "supercheck_runs_finished_total")
	s.register(reg, s.runDuration, "supercheck_run_duration_seconds")
	s.register(reg, s.sweptRunsTotal, "supercheck_swept_runs_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supercheck_leader_status",
		Help: "Whether this instance currently holds the leader lock (1) or not (0).",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supercheck_leader_acquisitions_total",
		Help: "Total number of times this instance acquired the leader lock.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supercheck_leader_losses_total",
		Help: "Total number of times this instance lost leadership by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "supercheck_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "supercheck_leader_acquisitions_total")
	s.register(reg, s.leaderLostTotal, "supercheck_leader_losses_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.WithError(err).WithField("metric", name).Warn("metrics: registration failed")
	}
}

// Capacity gate metrics implementation

func (s *PrometheusSink) AdmissionDecision(kind string, admitted bool, reason string) {
	decision := "rejected"
	if admitted {
		decision = "admitted"
	}
	s.admissionDecisionsTotal.WithLabelValues(kind, decision).Inc()
	if !admitted && reason != "" {
		s.admissionRejectionsTotal.WithLabelValues(reason).Inc()
	}
}

func (s *PrometheusSink) CapacityCheckError() {
	s.capacityCheckErrorsTotal.Inc()
}

// Queue metrics implementation

func (s *PrometheusSink) EnqueueCompleted(queue string, outcome string) {
	s.enqueuesTotal.WithLabelValues(queue, outcome).Inc()
}

func (s *PrometheusSink) QueueDepthUpdate(queue string, waiting, active, delayed int64) {
	s.queueDepth.WithLabelValues(queue, "waiting").Set(float64(waiting))
	s.queueDepth.WithLabelValues(queue, "active").Set(float64(active))
	s.queueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
}

func (s *PrometheusSink) JobPromoted(queue string) {
	s.promotionsTotal.WithLabelValues(queue).Inc()
}

func (s *PrometheusSink) JobStalled(queue string) {
	s.stalledTotal.WithLabelValues(queue).Inc()
}

// Scheduler metrics implementation

func (s *PrometheusSink) ScheduleOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.scheduleOpsTotal.WithLabelValues(op, result).Inc()
}

// Event hub metrics implementation

func (s *PrometheusSink) EventDispatched(event string) {
	s.hubEventsTotal.WithLabelValues(event).Inc()
}

func (s *PrometheusSink) EventDropped() {
	s.hubDroppedTotal.Inc()
}

func (s *PrometheusSink) SubscriberCountUpdate(count int) {
	s.hubSubscribers.Set(float64(count))
}

// Run metrics implementation

func (s *PrometheusSink) RunStarted(kind string) {
	s.runsStartedTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) RunFinished(status string, duration time.Duration) {
	s.runsFinishedTotal.WithLabelValues(status).Inc()
	s.runDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) SweptRuns(count int) {
	s.sweptRunsTotal.Add(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
