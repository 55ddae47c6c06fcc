package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

// claimScript atomically moves the most urgent waiting entry to active and
// stamps the claim. Doing it in one script closes the gap where a popped
// entry could be lost between commands if the claimer died mid-claim.
//
// KEYS: waiting zset, active list, tenant hash.
// ARGV: now unix ms, worker id, job key prefix.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local jobKey = ARGV[3] .. id
redis.call('LPUSH', KEYS[2], id)
redis.call('HSET', jobKey, 'state', 'active', 'claimed_by', ARGV[2], 'heartbeat_at', ARGV[1], 'started_at', ARGV[1])
redis.call('HINCRBY', jobKey, 'attempts', 1)
local org = redis.call('HGET', jobKey, 'org_id')
if org then
  redis.call('HINCRBY', KEYS[3], org .. ':waiting', -1)
  redis.call('HINCRBY', KEYS[3], org .. ':active', 1)
end
return id
`)

// ClaimedJob is a queue entry handed to a worker.
type ClaimedJob struct {
	ID        string
	Kind      domain.TaskKind
	Name      string
	Payload   []byte
	RunID     uuid.UUID
	OrgID     uuid.UUID
	ProjectID uuid.UUID
	Attempts  int
	StartedAt time.Time
}

// Claim pops the most urgent waiting entry, or returns nil when the queue
// is empty. The claimed entry must heartbeat within the stalled grace or it
// will be redelivered to another worker.
func (a *Adapter) Claim(ctx context.Context, kind domain.TaskKind, workerID string) (*ClaimedJob, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	k := keysFor(a.config.Prefix, kind)
	now := a.clock().UTC()

	res, err := claimScript.Run(ctx, a.client,
		[]string{k.waiting(), k.active(), k.tenant()},
		now.UnixMilli(), workerID, k.jobPrefix(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", kind.QueueName(), err)
	}

	jobID, ok := res.(string)
	if !ok || jobID == "" {
		return nil, nil
	}

	fields, err := a.client.HGetAll(ctx, k.job(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s: load %s: %w", kind.QueueName(), jobID, err)
	}
	rec, err := parseJobHash(jobID, fields)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", kind.QueueName(), err)
	}

	a.publish(ctx, kind, domain.QueueEvent{
		Category:  kind.Category(),
		Queue:     kind,
		JobID:     jobID,
		RunID:     rec.RunID,
		JobName:   rec.Name,
		OrgID:     rec.OrgID,
		Event:     domain.EventActive,
		Status:    stateActive,
		ProjectID: rec.ProjectID,
		StartedAt: &now,
		Timestamp: now,
	})

	return &ClaimedJob{
		ID:        jobID,
		Kind:      kind,
		Name:      rec.Name,
		Payload:   rec.Payload,
		RunID:     rec.RunID,
		OrgID:     rec.OrgID,
		ProjectID: rec.ProjectID,
		Attempts:  rec.Attempts,
		StartedAt: now,
	}, nil
}

// Heartbeat extends a claimed entry's lease. Workers call it periodically
// while executing; a missing entry means the claim was reaped and the
// worker should abandon the work.
func (a *Adapter) Heartbeat(ctx context.Context, kind domain.TaskKind, jobID string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	k := keysFor(a.config.Prefix, kind)

	exists, err := a.client.Exists(ctx, k.job(jobID)).Result()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", jobID, err)
	}
	if exists == 0 {
		return fmt.Errorf("heartbeat %s: %w", jobID, ErrUnknownJob)
	}
	if err := a.client.HSet(ctx, k.job(jobID), "heartbeat_at", a.clock().UTC().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", jobID, err)
	}
	return nil
}

// Complete finishes a claimed entry with the run's outcome. Outcome is the
// run result the worker measured (passed or failed); infrastructure
// failures go through Fail instead.
func (a *Adapter) Complete(ctx context.Context, kind domain.TaskKind, jobID string, outcome domain.RunStatus) error {
	return a.finish(ctx, kind, jobID, domain.EventCompleted, string(outcome), "")
}

// Fail finishes a claimed entry that could not be executed.
func (a *Adapter) Fail(ctx context.Context, kind domain.TaskKind, jobID string, reason string) error {
	return a.finish(ctx, kind, jobID, domain.EventFailed, string(domain.RunStatusFailed), reason)
}

func (a *Adapter) finish(ctx context.Context, kind domain.TaskKind, jobID string, event domain.EventName, status, reason string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	k := keysFor(a.config.Prefix, kind)

	fields, err := a.client.HGetAll(ctx, k.job(jobID)).Result()
	if err != nil {
		return fmt.Errorf("finish %s: %w", jobID, err)
	}
	rec, err := parseJobHash(jobID, fields)
	if err != nil {
		return fmt.Errorf("finish %s: %w", jobID, err)
	}

	now := a.clock().UTC()
	terminalSet := k.completed()
	terminalState := stateCompleted
	if event == domain.EventFailed {
		terminalSet = k.failed()
		terminalState = stateFailed
	}

	pipe := a.client.TxPipeline()
	pipe.LRem(ctx, k.active(), 0, jobID)
	pipe.HSet(ctx, k.job(jobID), "state", terminalState, "outcome", status, "finished_at", now.UnixMilli(), "error", reason)
	pipe.Expire(ctx, k.job(jobID), finishedRetention)
	pipe.ZAdd(ctx, terminalSet, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	pipe.ZRemRangeByRank(ctx, terminalSet, 0, -(historyLimit + 1))
	if rec.Dedup != "" {
		pipe.HDel(ctx, k.dedup(), rec.Dedup)
	}
	if rec.OrgID != uuid.Nil {
		pipe.HIncrBy(ctx, k.tenant(), tenantField(rec.OrgID.String(), stateActive), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish %s: %w", jobID, err)
	}

	var startedAt *time.Time
	if !rec.StartedAt.IsZero() {
		t := rec.StartedAt
		startedAt = &t
	}
	a.publish(ctx, kind, domain.QueueEvent{
		Category:  kind.Category(),
		Queue:     kind,
		JobID:     jobID,
		RunID:     rec.RunID,
		JobName:   rec.Name,
		OrgID:     rec.OrgID,
		Event:     event,
		Status:    status,
		ProjectID: rec.ProjectID,
		StartedAt: startedAt,
		Timestamp: now,
	})
	return nil
}
