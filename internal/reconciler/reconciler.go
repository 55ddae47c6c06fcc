// Package reconciler keeps the run ledger and the work queue telling the
// same story.
//
// On the way in it admits executions: classify the script, check plan
// capacity, charge billing credits, create the run row, enqueue. On the way
// back it applies terminal lifecycle events onto run rows and backfills
// rows for scheduled fires the promoter enqueued without one. A sweeper
// closes the remaining gap: runs stuck in running whose queue entry
// finished silently or vanished are forced to a terminal state, so a lost
// event can delay a run's outcome but never leave it open forever.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/capacity"
	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/metrics"
	"github.com/supercheck-io/supercheck-sub010/internal/platform"
	"github.com/supercheck-io/supercheck-sub010/internal/queue"
)

// ErrRunFinished is returned when an operation needs a live run but the run
// already reached a terminal state. Handlers map it to 409.
var ErrRunFinished = errors.New("run already finished")

// Store is the run-ledger slice the reconciler needs.
//
// FinishRun and AdoptRun report whether they changed anything: lifecycle
// events are delivered at least once, so both must be idempotent. FinishRun
// applies only while the run is still running; AdoptRun inserts only when
// no run holds the queue entry id yet.
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	DeleteRun(ctx context.Context, id uuid.UUID) error
	AdoptRun(ctx context.Context, run *domain.Run) (bool, error)
	RunByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	RunByQueueJobID(ctx context.Context, queueJobID string) (*domain.Run, error)
	FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, completedAt time.Time, note string) (bool, error)
	MarkCancelRequested(ctx context.Context, id uuid.UUID) error
	RunningRunsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Run, error)
}

// Queue is the work-queue slice the reconciler needs.
type Queue interface {
	Enqueue(ctx context.Context, job queue.Job, opts queue.Options) (string, bool, error)
	Cancel(ctx context.Context, kind domain.TaskKind, jobID string) (bool, error)
	Lookup(ctx context.Context, kind domain.TaskKind, jobID string) (queue.EntryInfo, error)
}

// AdmissionGate decides whether a tenant may start one more execution.
type AdmissionGate interface {
	CanAdmit(ctx context.Context, orgID uuid.UUID, kind domain.TaskKind) (capacity.Decision, error)
}

// Credits charges one billing credit per admitted test execution.
type Credits interface {
	Consume(ctx context.Context, orgID uuid.UUID, kind domain.TaskKind) (platform.CreditDecision, error)
}

// Variables resolves a project's stored variables, merged under the
// request's own.
type Variables interface {
	Resolve(ctx context.Context, projectID uuid.UUID) (map[string]string, error)
}

// OutcomeRecorder feeds terminal run outcomes into the analytics store.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, projectID uuid.UUID, kind domain.TaskKind, status domain.RunStatus) error
}

// Config tunes the stuck-run sweeper.
type Config struct {
	// SweepInterval is how often the sweeper scans for stuck runs.
	// Default 5 minutes.
	SweepInterval time.Duration

	// SweepThreshold is how long a run may sit in running before the
	// sweeper reconciles it against the queue. It must comfortably exceed
	// the queue's stalled grace so redeliveries are not swept mid-flight.
	// Default 15 minutes.
	SweepThreshold time.Duration

	// SweepBatch bounds how many stuck runs one cycle processes.
	// Default 100.
	SweepBatch int

	// DrainTimeout bounds how long Run keeps applying already-buffered
	// events after its context is cancelled. Default 30 seconds.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.SweepThreshold <= 0 {
		c.SweepThreshold = 15 * time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Reconciler admits runs, applies lifecycle events to them, and sweeps the
// stuck ones.
type Reconciler struct {
	config    Config
	store     Store
	queue     Queue
	gate      AdmissionGate
	credits   Credits
	variables Variables
	log       *logrus.Entry
	metrics   metrics.Sink    // optional, nil = disabled
	outcomes  OutcomeRecorder // optional, nil = disabled

	clock func() time.Time
}

func New(config Config, store Store, q Queue, gate AdmissionGate, credits Credits, variables Variables, logger *logrus.Logger) *Reconciler {
	config.applyDefaults()
	return &Reconciler{
		config:    config,
		store:     store,
		queue:     q,
		gate:      gate,
		credits:   credits,
		variables: variables,
		log:       logger.WithField("component", "reconciler"),
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink metrics.Sink) *Reconciler {
	r.metrics = sink
	return r
}

// WithOutcomes attaches an analytics recorder fed on every terminal run.
func (r *Reconciler) WithOutcomes(rec OutcomeRecorder) *Reconciler {
	r.outcomes = rec
	return r
}

// StartRequest describes one test execution to admit and enqueue.
type StartRequest struct {
	OrgID     uuid.UUID
	ProjectID uuid.UUID

	Script    string
	Name      string
	Trigger   domain.RunTrigger
	Location  string
	Variables map[string]string
	TimeoutS  int

	Metadata domain.RunMetadata
}

// Rejection explains a refused start. Reason is a stable machine code
// (capacity codes map to 429, credit codes to 402); Guidance is for humans.
type Rejection struct {
	Reason   string `json:"reason"`
	Guidance string `json:"guidance"`
}

// StartResult is the outcome of a start request. Exactly one of Run and
// Rejection is set when the error is nil.
type StartResult struct {
	Run       *domain.Run
	Rejection *Rejection
}

// StartRun admits and enqueues one test execution. Admission rejections
// come back as a Rejection, not an error: errors are reserved for invalid
// input and infrastructure failures. Credit transport failures reject
// rather than admit, mirroring the capacity gate's fail-closed posture.
//
// The run row is created before the queue entry, with the entry id assigned
// up front. If the enqueue then fails the row is rolled back, so a run row
// either has a live queue entry or is on its way to deletion.
func (r *Reconciler) StartRun(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.OrgID == uuid.Nil || req.ProjectID == uuid.Nil {
		return StartResult{}, errors.New("org and project ids are required")
	}
	if !req.Trigger.Valid() {
		return StartResult{}, fmt.Errorf("unknown run trigger %q", req.Trigger)
	}
	kind, err := ClassifyScript(req.Script)
	if err != nil {
		return StartResult{}, err
	}

	decision, err := r.gate.CanAdmit(ctx, req.OrgID, kind)
	if err != nil {
		return StartResult{}, fmt.Errorf("admission check: %w", err)
	}
	if !decision.Admit {
		r.log.WithFields(logrus.Fields{
			"org_id": req.OrgID,
			"kind":   string(kind),
			"reason": decision.Reason,
		}).Info("start rejected")
		return StartResult{Rejection: &Rejection{Reason: decision.Reason, Guidance: decision.Guidance}}, nil
	}

	variables, err := r.mergedVariables(ctx, req)
	if err != nil {
		return StartResult{}, fmt.Errorf("resolve project variables: %w", err)
	}

	credit, err := r.credits.Consume(ctx, req.OrgID, kind)
	if err != nil {
		r.log.WithError(err).WithField("org_id", req.OrgID).Warn("credit charge failed, rejecting")
		return StartResult{Rejection: &Rejection{
			Reason:   platform.ReasonCreditCheckFailed,
			Guidance: "Credits could not be verified; please retry shortly.",
		}}, nil
	}
	if !credit.Allowed {
		r.log.WithFields(logrus.Fields{
			"org_id": req.OrgID,
			"kind":   string(kind),
			"reason": credit.Reason,
		}).Info("start rejected, credits refused")
		return StartResult{Rejection: &Rejection{Reason: credit.Reason, Guidance: credit.Guidance}}, nil
	}

	now := r.clock().UTC()
	run := &domain.Run{
		ID:         uuid.New(),
		OrgID:      req.OrgID,
		ProjectID:  req.ProjectID,
		Status:     domain.RunStatusRunning,
		Trigger:    req.Trigger,
		Kind:       kind,
		Location:   req.Location,
		Metadata:   req.Metadata,
		QueueJobID: uuid.NewString(),
		StartedAt:  now,
		CreatedAt:  now,
	}

	payload, err := domain.EncodeTask(kind, r.buildTask(kind, run, req, variables))
	if err != nil {
		return StartResult{}, fmt.Errorf("encode task: %w", err)
	}

	if err := r.store.CreateRun(ctx, run); err != nil {
		return StartResult{}, fmt.Errorf("create run: %w", err)
	}

	_, _, err = r.queue.Enqueue(ctx, queue.Job{
		ID:        run.QueueJobID,
		Kind:      kind,
		Name:      req.Name,
		Payload:   payload,
		RunID:     run.ID,
		OrgID:     req.OrgID,
		ProjectID: req.ProjectID,
	}, queue.Options{Priority: priorityFor(req.Trigger)})
	if err != nil {
		if derr := r.store.DeleteRun(ctx, run.ID); derr != nil {
			r.log.WithError(derr).WithField("run_id", run.ID).Warn("rollback of unenqueued run failed")
		}
		return StartResult{}, fmt.Errorf("enqueue run: %w", err)
	}

	r.recordStart(kind)
	r.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"org_id":  req.OrgID,
		"kind":    string(kind),
		"trigger": string(req.Trigger),
	}).Info("run started")
	return StartResult{Run: run}, nil
}

// StartMonitorCheck admits and enqueues one ad hoc check of a monitor,
// outside its schedule. Checks are covered by the plan's monitor
// allowance, so no credit is charged; capacity still applies.
func (r *Reconciler) StartMonitorCheck(ctx context.Context, monitor *domain.Monitor) (StartResult, error) {
	decision, err := r.gate.CanAdmit(ctx, monitor.OrgID, domain.TaskKindMonitorCheck)
	if err != nil {
		return StartResult{}, fmt.Errorf("admission check: %w", err)
	}
	if !decision.Admit {
		r.log.WithFields(logrus.Fields{
			"org_id":     monitor.OrgID,
			"monitor_id": monitor.ID,
			"reason":     decision.Reason,
		}).Info("monitor check rejected")
		return StartResult{Rejection: &Rejection{Reason: decision.Reason, Guidance: decision.Guidance}}, nil
	}

	now := r.clock().UTC()
	run := &domain.Run{
		ID:         uuid.New(),
		OrgID:      monitor.OrgID,
		ProjectID:  monitor.ProjectID,
		Status:     domain.RunStatusRunning,
		Trigger:    domain.TriggerManual,
		Kind:       domain.TaskKindMonitorCheck,
		QueueJobID: uuid.NewString(),
		StartedAt:  now,
		CreatedAt:  now,
	}

	payload, err := domain.EncodeTask(domain.TaskKindMonitorCheck, &domain.MonitorCheckTask{
		MonitorID: monitor.ID,
		ProjectID: monitor.ProjectID,
		RunID:     run.ID,
		Name:      monitor.Name,
		Type:      monitor.Type,
		Target:    monitor.Target,
		Check:     monitor.Check,
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("encode task: %w", err)
	}

	if err := r.store.CreateRun(ctx, run); err != nil {
		return StartResult{}, fmt.Errorf("create run: %w", err)
	}

	_, _, err = r.queue.Enqueue(ctx, queue.Job{
		ID:        run.QueueJobID,
		Kind:      domain.TaskKindMonitorCheck,
		Name:      monitor.Name,
		Payload:   payload,
		RunID:     run.ID,
		OrgID:     monitor.OrgID,
		ProjectID: monitor.ProjectID,
	}, queue.Options{Priority: queue.PriorityInteractive})
	if err != nil {
		if derr := r.store.DeleteRun(ctx, run.ID); derr != nil {
			r.log.WithError(derr).WithField("run_id", run.ID).Warn("rollback of unenqueued run failed")
		}
		return StartResult{}, fmt.Errorf("enqueue run: %w", err)
	}

	r.recordStart(domain.TaskKindMonitorCheck)
	r.log.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"monitor_id": monitor.ID,
	}).Info("monitor check started")
	return StartResult{Run: run}, nil
}

// CancelOutcome reports what a cancellation achieved. Canceled means the
// run reached its terminal state now; Requested means the entry was already
// claimed and the flag was left for the executing worker to honor.
type CancelOutcome struct {
	Canceled  bool `json:"canceled"`
	Requested bool `json:"requested"`
}

// RequestCancel cancels a run. Entries not yet claimed are removed and the
// run finishes as canceled immediately; claimed entries cannot be
// un-claimed, so the run is flagged and the worker stops it at the next
// heartbeat boundary. Terminal runs return ErrRunFinished.
func (r *Reconciler) RequestCancel(ctx context.Context, runID uuid.UUID) (CancelOutcome, error) {
	run, err := r.store.RunByID(ctx, runID)
	if err != nil {
		return CancelOutcome{}, err
	}
	if run.Status.Terminal() {
		return CancelOutcome{}, ErrRunFinished
	}

	removed, err := r.queue.Cancel(ctx, run.Kind, run.QueueJobID)
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("cancel queue entry: %w", err)
	}

	if removed {
		now := r.clock().UTC()
		applied, err := r.store.FinishRun(ctx, run.ID, domain.RunStatusCanceled, now, "canceled before execution")
		if err != nil {
			return CancelOutcome{}, fmt.Errorf("finish canceled run: %w", err)
		}
		if applied {
			r.recordFinish(domain.RunStatusCanceled, now.Sub(run.StartedAt))
			r.recordOutcome(ctx, run, domain.RunStatusCanceled)
		}
		r.log.WithField("run_id", run.ID).Info("run canceled")
		return CancelOutcome{Canceled: true}, nil
	}

	if err := r.store.MarkCancelRequested(ctx, run.ID); err != nil {
		return CancelOutcome{}, fmt.Errorf("mark cancel requested: %w", err)
	}
	r.log.WithField("run_id", run.ID).Info("cancel requested for claimed run")
	return CancelOutcome{Requested: true}, nil
}

// Run consumes queue lifecycle events and applies them to run rows. It
// blocks until ctx is cancelled or events closes. On cancellation it keeps
// applying events already buffered on the channel, bounded by the drain
// timeout. Events are best-effort delivery: anything missed here is caught
// up by the sweeper.
func (r *Reconciler) Run(ctx context.Context, events <-chan domain.QueueEvent) {
	r.log.Info("run reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.drain(events)
			r.log.Info("run reconciler stopped")
			return
		case event, ok := <-events:
			if !ok {
				r.log.Info("run reconciler stopped, event stream closed")
				return
			}
			r.apply(ctx, event)
		}
	}
}

// drain applies whatever is already buffered at shutdown under a fresh
// bounded context. Events still racing in afterwards are left to the
// sweeper.
func (r *Reconciler) drain(events <-chan domain.QueueEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), r.config.DrainTimeout)
	defer cancel()

	drained := 0
	for {
		select {
		case <-drainCtx.Done():
			r.log.WithField("drained", drained).Warn("event drain timed out")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			r.apply(drainCtx, event)
			drained++
		default:
			if drained > 0 {
				r.log.WithField("drained", drained).Info("buffered events drained")
			}
			return
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, event domain.QueueEvent) {
	switch {
	case event.Event.Terminal():
		r.applyTerminal(ctx, event)
	case event.Event == domain.EventActive && event.RunID == uuid.Nil:
		// An entry with no run id can only be a scheduled fire: every
		// API-started run carries its run id on the entry.
		r.adoptScheduledFire(ctx, event)
	}
}

func (r *Reconciler) applyTerminal(ctx context.Context, event domain.QueueEvent) {
	run, err := r.lookupRun(ctx, event)
	if errors.Is(err, domain.ErrNotFound) && event.RunID == uuid.Nil {
		// A scheduled fire whose active event was lost reaches us with no
		// row at all. Adopt it now so the terminal state still lands in
		// the ledger.
		run = r.adoptScheduledFire(ctx, event)
		if run == nil {
			return
		}
		err = nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		r.log.WithFields(logrus.Fields{
			"queue":  string(event.Queue),
			"job_id": event.JobID,
		}).Debug("terminal event without run row")
		return
	}
	if err != nil {
		r.log.WithError(err).WithField("job_id", event.JobID).Warn("run lookup failed")
		return
	}

	status := terminalStatus(event)
	note := ""
	if status == domain.RunStatusFailed {
		note = r.failureNote(ctx, event)
	}

	applied, err := r.store.FinishRun(ctx, run.ID, status, event.Timestamp, note)
	if err != nil {
		r.log.WithError(err).WithField("run_id", run.ID).Warn("finish run failed")
		return
	}
	if !applied {
		r.log.WithField("run_id", run.ID).Debug("terminal event for finished run ignored")
		return
	}

	r.recordFinish(status, event.Timestamp.Sub(run.StartedAt))
	r.recordOutcome(ctx, run, status)
	r.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"status": string(status),
	}).Info("run finished")
}

// adoptScheduledFire backfills the run row for a scheduled fire. The
// promoter enqueues those entries with no caller around to create one, so
// the first event that sees the entry does it. AdoptRun keyed on the entry
// id makes replayed events (stall redeliveries) no-ops; when the row
// already exists the existing one is returned.
func (r *Reconciler) adoptScheduledFire(ctx context.Context, event domain.QueueEvent) *domain.Run {
	entry, err := r.queue.Lookup(ctx, event.Queue, event.JobID)
	if err != nil {
		r.log.WithError(err).WithField("job_id", event.JobID).Warn("scheduled fire lookup failed")
		return nil
	}

	startedAt := event.Timestamp
	if event.StartedAt != nil {
		startedAt = *event.StartedAt
	}
	run := &domain.Run{
		ID:         uuid.New(),
		OrgID:      entry.OrgID,
		ProjectID:  entry.ProjectID,
		Status:     domain.RunStatusRunning,
		Trigger:    domain.TriggerScheduled,
		Kind:       event.Queue,
		Metadata:   domain.RunMetadata{Source: "schedule"},
		QueueJobID: event.JobID,
		StartedAt:  startedAt,
		CreatedAt:  event.Timestamp,
	}
	r.linkScheduledJob(run, event.Queue, entry.Payload)

	adopted, err := r.store.AdoptRun(ctx, run)
	if err != nil {
		r.log.WithError(err).WithField("job_id", event.JobID).Warn("scheduled fire adoption failed")
		return nil
	}
	if !adopted {
		existing, err := r.store.RunByQueueJobID(ctx, event.JobID)
		if err != nil {
			r.log.WithError(err).WithField("job_id", event.JobID).Warn("adopted run lookup failed")
			return nil
		}
		return existing
	}

	r.recordStart(event.Queue)
	r.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"job_id": event.JobID,
		"kind":   string(event.Queue),
	}).Info("scheduled fire adopted")
	return run
}

// linkScheduledJob ties an adopted run back to the test job that fired it,
// best-effort: an undecodable payload still gets a run row, just unlinked.
func (r *Reconciler) linkScheduledJob(run *domain.Run, kind domain.TaskKind, payload []byte) {
	task, err := domain.DecodeTask(kind, payload)
	if err != nil {
		r.log.WithError(err).WithField("job_id", run.QueueJobID).Warn("scheduled fire payload undecodable")
		return
	}
	switch t := task.(type) {
	case *domain.BrowserTestTask:
		run.Metadata.TestID = t.TestID
		run.Metadata.TestType = string(domain.TaskKindBrowserTest)
		if id, err := uuid.Parse(t.TestID); err == nil {
			run.JobID = &id
		}
	case *domain.LoadTestTask:
		run.Metadata.TestID = t.TestID
		run.Metadata.TestType = string(domain.TaskKindLoadTest)
		run.Location = t.Location
		if id, err := uuid.Parse(t.TestID); err == nil {
			run.JobID = &id
		}
	case *domain.MonitorCheckTask:
		run.Metadata.MonitorID = t.MonitorID.String()
	}
}

func (r *Reconciler) lookupRun(ctx context.Context, event domain.QueueEvent) (*domain.Run, error) {
	if event.RunID != uuid.Nil {
		return r.store.RunByID(ctx, event.RunID)
	}
	return r.store.RunByQueueJobID(ctx, event.JobID)
}

// failureNote recovers the worker-reported failure reason from the queue
// entry. Best-effort: the entry may already be gone.
func (r *Reconciler) failureNote(ctx context.Context, event domain.QueueEvent) string {
	entry, err := r.queue.Lookup(ctx, event.Queue, event.JobID)
	if err != nil {
		return ""
	}
	return entry.Error
}

// terminalStatus maps a terminal event onto the run status it proves.
// Completed events carry the measured outcome (a run can complete with
// failing assertions); failed events are infrastructure failures.
func terminalStatus(event domain.QueueEvent) domain.RunStatus {
	if event.Event == domain.EventFailed {
		return domain.RunStatusFailed
	}
	if s := domain.RunStatus(event.Status); s.Terminal() {
		return s
	}
	return domain.RunStatusPassed
}

// mergedVariables resolves the project's stored variables and overlays the
// request's own on top, so ad hoc overrides win.
func (r *Reconciler) mergedVariables(ctx context.Context, req StartRequest) (map[string]string, error) {
	stored, err := r.variables.Resolve(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return req.Variables, nil
	}
	merged := make(map[string]string, len(stored)+len(req.Variables))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range req.Variables {
		merged[k] = v
	}
	return merged, nil
}

func (r *Reconciler) buildTask(kind domain.TaskKind, run *domain.Run, req StartRequest, variables map[string]string) any {
	if kind == domain.TaskKindLoadTest {
		return &domain.LoadTestTask{
			RunID:     run.ID,
			ProjectID: req.ProjectID,
			TestID:    req.Metadata.TestID,
			Name:      req.Name,
			Script:    req.Script,
			Location:  req.Location,
			Variables: variables,
			TimeoutS:  req.TimeoutS,
		}
	}
	return &domain.BrowserTestTask{
		RunID:     run.ID,
		ProjectID: req.ProjectID,
		TestID:    req.Metadata.TestID,
		Name:      req.Name,
		Script:    req.Script,
		Variables: variables,
		TimeoutS:  req.TimeoutS,
	}
}

// priorityFor places interactive work ahead of scheduled ticks: a person
// is watching manual and webhook runs.
func priorityFor(trigger domain.RunTrigger) int {
	if trigger == domain.TriggerScheduled {
		return queue.PriorityScheduled
	}
	return queue.PriorityInteractive
}

func (r *Reconciler) recordStart(kind domain.TaskKind) {
	if r.metrics != nil {
		r.metrics.RunStarted(string(kind))
	}
}

func (r *Reconciler) recordFinish(status domain.RunStatus, duration time.Duration) {
	if r.metrics != nil {
		r.metrics.RunFinished(string(status), duration)
	}
}

func (r *Reconciler) recordOutcome(ctx context.Context, run *domain.Run, status domain.RunStatus) {
	if r.outcomes == nil {
		return
	}
	if err := r.outcomes.RecordOutcome(ctx, run.ProjectID, run.Kind, status); err != nil {
		r.log.WithError(err).WithField("run_id", run.ID).Warn("outcome stats update failed")
	}
}
