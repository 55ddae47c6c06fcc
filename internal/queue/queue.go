// Package queue adapts Redis into the work queue backing all executions:
// one physical queue per task kind, at-least-once delivery, best-effort
// dedup keys, delayed and recurring entries, and normalized lifecycle
// events published for the event hub.
//
// Entries move waiting -> active -> completed/failed. A claimed entry must
// heartbeat; the reaper requeues entries whose worker vanished (or fails
// them once the redelivery budget is spent), which is what makes delivery
// at-least-once rather than at-most-once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/metrics"
)

var (
	// ErrUnknownKind is returned for task kinds without a backing queue.
	ErrUnknownKind = errors.New("unknown task kind")
	// ErrUnknownJob is returned when an entry id has no backing hash,
	// typically because it already finished or was reaped.
	ErrUnknownJob = errors.New("unknown queue entry")
)

// Entry states stored on the job hash.
const (
	stateWaiting   = "waiting"
	stateDelayed   = "delayed"
	stateActive    = "active"
	stateCompleted = "completed"
	stateFailed    = "failed"
)

// Claim-order priorities: lower claims first. Interactive work (a person
// is watching) jumps ahead of scheduled ticks.
const (
	PriorityInteractive = 1
	PriorityDefault     = 2
	PriorityScheduled   = 3
)

const (
	// priorityBand separates priority classes in the waiting set score.
	// Sequence numbers stay far below it, so ordering is priority-major,
	// FIFO-minor, and the combined value fits a float64 mantissa.
	priorityBand = int64(1) << 40
	maxPriority  = 4095

	// maxStalledRetries bounds how often a stalled entry is redelivered
	// before it is failed outright.
	maxStalledRetries = 1

	// finishedRetention controls how long terminal job hashes stay around
	// for inspection, and historyLimit bounds the terminal id sets.
	finishedRetention = 24 * time.Hour
	historyLimit      = 1000
)

// Job is the unit of work handed to Enqueue.
type Job struct {
	ID        string // assigned when empty
	Kind      domain.TaskKind
	Name      string
	Payload   []byte // encoded task envelope, see domain.EncodeTask
	RunID     uuid.UUID
	OrgID     uuid.UUID
	ProjectID uuid.UUID
}

// Options tune a single enqueue.
type Options struct {
	// DedupKey suppresses duplicate live entries: while an entry holding
	// the key is waiting, delayed or active, enqueues with the same key
	// return the existing entry instead of adding one. Best-effort.
	DedupKey string
	// Priority orders claims: 0 is most urgent, larger values later.
	Priority int
	// Delay holds the entry in the delayed set until it becomes ready.
	Delay time.Duration
}

// Counts is a point-in-time snapshot of one queue's depth by state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// TenantCounts is one organization's share of a queue's occupancy.
type TenantCounts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
}

// Config tunes the adapter's background loops.
type Config struct {
	Prefix          string
	PromoteInterval time.Duration
	StalledInterval time.Duration
	StalledGrace    time.Duration
	PromoteBatch    int
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "sq"
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = 5 * time.Second
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = 30 * time.Second
	}
	if c.StalledGrace <= 0 {
		c.StalledGrace = 60 * time.Second
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = 100
	}
}

// AdmissionFunc decides whether one more execution of kind may start for
// the tenant right now. The promoter consults it before firing a recurring
// registration, so scheduled work obeys the same plan ceilings as a manual
// trigger would.
type AdmissionFunc func(ctx context.Context, orgID uuid.UUID, kind domain.TaskKind) (admit bool, reason string, err error)

// Adapter is the Redis-backed work queue. One Adapter serves all task
// kinds; per-kind keys are derived from the configured prefix.
type Adapter struct {
	client    *redis.Client
	config    Config
	log       *logrus.Entry
	metrics   metrics.Sink  // optional, nil = disabled
	admission AdmissionFunc // optional, nil = fires admit unconditionally

	clock func() time.Time
}

func New(client *redis.Client, config Config, logger *logrus.Logger) *Adapter {
	config.applyDefaults()
	return &Adapter{
		client: client,
		config: config,
		log:    logger.WithField("component", "queue"),
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the adapter.
func (a *Adapter) WithMetrics(sink metrics.Sink) *Adapter {
	a.metrics = sink
	return a
}

// WithAdmission attaches the admission check consulted on recurring fires.
func (a *Adapter) WithAdmission(fn AdmissionFunc) *Adapter {
	a.admission = fn
	return a
}

// Kinds lists the task kinds this adapter serves.
func (a *Adapter) Kinds() []domain.TaskKind {
	return domain.AllTaskKinds
}

// Ping verifies the Redis connection.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// Enqueue adds an entry to the queue for job.Kind. It returns the entry id
// and whether an existing live entry was returned instead of adding one
// (dedup hit). Delivery is at-least-once; consumers must tolerate replays.
func (a *Adapter) Enqueue(ctx context.Context, job Job, opts Options) (string, bool, error) {
	if !job.Kind.Valid() {
		return "", false, fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	k := keysFor(a.config.Prefix, job.Kind)
	queueName := job.Kind.QueueName()

	if opts.DedupKey != "" {
		existing, took, err := a.claimDedupKey(ctx, k, opts.DedupKey, job.ID)
		if err != nil {
			a.recordEnqueue(queueName, metrics.OutcomeError)
			return "", false, err
		}
		if !took {
			a.recordEnqueue(queueName, metrics.OutcomeDeduplicated)
			return existing, true, nil
		}
	}

	seq, err := a.client.Incr(ctx, k.seq()).Result()
	if err != nil {
		a.recordEnqueue(queueName, metrics.OutcomeError)
		return "", false, fmt.Errorf("enqueue %s: sequence: %w", queueName, err)
	}

	now := a.clock().UTC()
	state := stateWaiting
	readyAt := now
	if opts.Delay > 0 {
		state = stateDelayed
		readyAt = now.Add(opts.Delay)
	}
	score := encodeScore(opts.Priority, seq)

	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, k.job(job.ID), jobFields(job, opts, state, score, now, readyAt))
	if state == stateDelayed {
		pipe.ZAdd(ctx, k.delayed(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, k.waiting(), redis.Z{Score: float64(score), Member: job.ID})
	}
	// Delayed entries count toward waiting occupancy: they hold plan
	// capacity from the moment they are accepted.
	pipe.HIncrBy(ctx, k.tenant(), tenantField(job.OrgID.String(), stateWaiting), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		a.recordEnqueue(queueName, metrics.OutcomeError)
		return "", false, fmt.Errorf("enqueue %s: %w", queueName, err)
	}

	if state == stateWaiting {
		a.publish(ctx, job.Kind, domain.QueueEvent{
			Category:  job.Kind.Category(),
			Queue:     job.Kind,
			JobID:     job.ID,
			RunID:     job.RunID,
			JobName:   job.Name,
			OrgID:     job.OrgID,
			Event:     domain.EventWaiting,
			Status:    stateWaiting,
			ProjectID: job.ProjectID,
			Timestamp: now,
		})
	}
	a.recordEnqueue(queueName, metrics.OutcomeEnqueued)
	return job.ID, false, nil
}

// claimDedupKey tries to bind key to id. When the key is already bound to
// a live entry it returns that entry's id with took=false. Bindings left
// behind by finished entries are replaced.
func (a *Adapter) claimDedupKey(ctx context.Context, k queueKeys, key, id string) (string, bool, error) {
	took, err := a.client.HSetNX(ctx, k.dedup(), key, id).Result()
	if err != nil {
		return "", false, fmt.Errorf("dedup claim: %w", err)
	}
	if took {
		return id, true, nil
	}

	existing, err := a.client.HGet(ctx, k.dedup(), key).Result()
	if err == redis.Nil || existing == "" {
		// Holder finished between the two calls; take the key.
		if err := a.client.HSet(ctx, k.dedup(), key, id).Err(); err != nil {
			return "", false, fmt.Errorf("dedup claim: %w", err)
		}
		return id, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}

	// A binding can outlive its entry if a terminal cleanup was lost.
	alive, err := a.client.Exists(ctx, k.job(existing)).Result()
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	if alive == 0 {
		if err := a.client.HSet(ctx, k.dedup(), key, id).Err(); err != nil {
			return "", false, fmt.Errorf("dedup claim: %w", err)
		}
		return id, true, nil
	}
	return existing, false, nil
}

// Cancel removes a not-yet-claimed entry. It reports whether the entry was
// removed: active entries cannot be un-claimed and return false with no
// error, matching the best-effort cancellation contract.
func (a *Adapter) Cancel(ctx context.Context, kind domain.TaskKind, jobID string) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	k := keysFor(a.config.Prefix, kind)

	fields, err := a.client.HGetAll(ctx, k.job(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return false, nil
	}

	switch fields["state"] {
	case stateWaiting, stateDelayed:
	default:
		return false, nil
	}

	pipe := a.client.TxPipeline()
	pipe.ZRem(ctx, k.waiting(), jobID)
	pipe.ZRem(ctx, k.delayed(), jobID)
	if dedup := fields["dedup"]; dedup != "" {
		pipe.HDel(ctx, k.dedup(), dedup)
	}
	if org := fields["org_id"]; org != "" {
		pipe.HIncrBy(ctx, k.tenant(), tenantField(org, stateWaiting), -1)
	}
	pipe.Del(ctx, k.job(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	return true, nil
}

// EntryInfo is an introspection view of one queue entry. Outcome and Error
// are set only on terminal entries: Outcome is the run result the worker
// reported, Error the failure reason if any.
type EntryInfo struct {
	ID        string
	Kind      domain.TaskKind
	Name      string
	Payload   []byte
	RunID     uuid.UUID
	OrgID     uuid.UUID
	ProjectID uuid.UUID
	State     string
	Outcome   string
	Error     string
	Attempts  int
	StartedAt time.Time
}

// Finished reports whether the entry reached a terminal state.
func (e EntryInfo) Finished() bool {
	return e.State == stateCompleted || e.State == stateFailed
}

// Lookup fetches one entry's stored record. It returns ErrUnknownJob when no
// hash exists: the entry finished past its retention window, was canceled,
// or never existed.
func (a *Adapter) Lookup(ctx context.Context, kind domain.TaskKind, jobID string) (EntryInfo, error) {
	if !kind.Valid() {
		return EntryInfo{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	k := keysFor(a.config.Prefix, kind)

	fields, err := a.client.HGetAll(ctx, k.job(jobID)).Result()
	if err != nil {
		return EntryInfo{}, fmt.Errorf("lookup %s: %w", jobID, err)
	}
	rec, err := parseJobHash(jobID, fields)
	if err != nil {
		return EntryInfo{}, err
	}
	return EntryInfo{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Name:      rec.Name,
		Payload:   rec.Payload,
		RunID:     rec.RunID,
		OrgID:     rec.OrgID,
		ProjectID: rec.ProjectID,
		State:     rec.State,
		Outcome:   rec.Outcome,
		Error:     rec.Error,
		Attempts:  rec.Attempts,
		StartedAt: rec.StartedAt,
	}, nil
}

// Counts reports the queue's depth by state.
func (a *Adapter) Counts(ctx context.Context, kind domain.TaskKind) (Counts, error) {
	if !kind.Valid() {
		return Counts{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	k := keysFor(a.config.Prefix, kind)

	pipe := a.client.Pipeline()
	waiting := pipe.ZCard(ctx, k.waiting())
	active := pipe.LLen(ctx, k.active())
	delayed := pipe.ZCard(ctx, k.delayed())
	completed := pipe.ZCard(ctx, k.completed())
	failed := pipe.ZCard(ctx, k.failed())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("counts %s: %w", kind.QueueName(), err)
	}

	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// TenantCountsFor reports one organization's occupancy on a queue. Counter
// drift from crashed processes is tolerated: values clamp at zero and the
// capacity model treats limits as soft.
func (a *Adapter) TenantCountsFor(ctx context.Context, kind domain.TaskKind, orgID uuid.UUID) (TenantCounts, error) {
	if !kind.Valid() {
		return TenantCounts{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	k := keysFor(a.config.Prefix, kind)

	vals, err := a.client.HMGet(ctx, k.tenant(),
		tenantField(orgID.String(), stateWaiting),
		tenantField(orgID.String(), stateActive),
	).Result()
	if err != nil {
		return TenantCounts{}, fmt.Errorf("tenant counts %s: %w", kind.QueueName(), err)
	}

	return TenantCounts{
		Waiting: clampCounter(vals[0]),
		Active:  clampCounter(vals[1]),
	}, nil
}

func clampCounter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// encodeScore folds priority and enqueue sequence into one waiting-set
// score. Claims pop the lowest score first.
func encodeScore(priority int, seq int64) int64 {
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	return int64(priority)*priorityBand + seq%priorityBand
}

// jobFields flattens an entry into its Redis hash representation.
func jobFields(job Job, opts Options, state string, score int64, now, readyAt time.Time) map[string]any {
	fields := map[string]any{
		"kind":       string(job.Kind),
		"name":       job.Name,
		"payload":    string(job.Payload),
		"org_id":     job.OrgID.String(),
		"project_id": job.ProjectID.String(),
		"dedup":      opts.DedupKey,
		"priority":   opts.Priority,
		"score":      score,
		"state":      state,
		"attempts":   0,
		"created_at": now.UnixMilli(),
		"ready_at":   readyAt.UnixMilli(),
	}
	if job.RunID != uuid.Nil {
		fields["run_id"] = job.RunID.String()
	}
	return fields
}

// jobRecord is a parsed job hash.
type jobRecord struct {
	ID        string
	Kind      domain.TaskKind
	Name      string
	Payload   []byte
	RunID     uuid.UUID
	OrgID     uuid.UUID
	ProjectID uuid.UUID
	Dedup     string
	Score     int64
	State     string
	Outcome   string
	Error     string
	Attempts  int
	Heartbeat time.Time
	StartedAt time.Time
}

func parseJobHash(id string, fields map[string]string) (jobRecord, error) {
	if len(fields) == 0 {
		return jobRecord{}, ErrUnknownJob
	}
	rec := jobRecord{
		ID:      id,
		Kind:    domain.TaskKind(fields["kind"]),
		Name:    fields["name"],
		Payload: []byte(fields["payload"]),
		Dedup:   fields["dedup"],
		State:   fields["state"],
		Outcome: fields["outcome"],
		Error:   fields["error"],
	}
	if v := fields["run_id"]; v != "" {
		runID, err := uuid.Parse(v)
		if err != nil {
			return jobRecord{}, fmt.Errorf("entry %s: bad run_id: %w", id, err)
		}
		rec.RunID = runID
	}
	if v := fields["org_id"]; v != "" {
		orgID, err := uuid.Parse(v)
		if err != nil {
			return jobRecord{}, fmt.Errorf("entry %s: bad org_id: %w", id, err)
		}
		rec.OrgID = orgID
	}
	if v := fields["project_id"]; v != "" {
		projectID, err := uuid.Parse(v)
		if err != nil {
			return jobRecord{}, fmt.Errorf("entry %s: bad project_id: %w", id, err)
		}
		rec.ProjectID = projectID
	}
	if v := fields["score"]; v != "" {
		score, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return jobRecord{}, fmt.Errorf("entry %s: bad score: %w", id, err)
		}
		rec.Score = score
	}
	if v := fields["attempts"]; v != "" {
		attempts, err := strconv.Atoi(v)
		if err != nil {
			return jobRecord{}, fmt.Errorf("entry %s: bad attempts: %w", id, err)
		}
		rec.Attempts = attempts
	}
	if v := fields["heartbeat_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return jobRecord{}, fmt.Errorf("entry %s: bad heartbeat_at: %w", id, err)
		}
		rec.Heartbeat = time.UnixMilli(ms).UTC()
	}
	if v := fields["started_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return jobRecord{}, fmt.Errorf("entry %s: bad started_at: %w", id, err)
		}
		rec.StartedAt = time.UnixMilli(ms).UTC()
	}
	return rec, nil
}

// publish emits a normalized lifecycle event. Publication is best-effort:
// failures are logged, never propagated, and never affect queue state.
func (a *Adapter) publish(ctx context.Context, kind domain.TaskKind, event domain.QueueEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		a.log.WithError(err).Warn("event marshal failed")
		return
	}
	k := keysFor(a.config.Prefix, kind)
	if err := a.client.Publish(ctx, k.events(), data).Err(); err != nil {
		a.log.WithError(err).WithField("event", string(event.Event)).Warn("event publish failed")
	}
}

// EventChannels lists the pub/sub channels carrying this adapter's events,
// one per task kind. The event hub subscribes to all of them.
func (a *Adapter) EventChannels() []string {
	channels := make([]string, 0, len(domain.AllTaskKinds))
	for _, kind := range domain.AllTaskKinds {
		channels = append(channels, keysFor(a.config.Prefix, kind).events())
	}
	return channels
}

func (a *Adapter) recordEnqueue(queue, outcome string) {
	if a.metrics != nil {
		a.metrics.EnqueueCompleted(queue, outcome)
	}
}
