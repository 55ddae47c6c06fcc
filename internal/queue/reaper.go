package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

// RunReaper watches active entries for missed heartbeats until ctx is
// cancelled. A stalled entry is redelivered (back to waiting) while it has
// redelivery budget left, and failed outright once it doesn't. Run it on
// exactly one instance (leader-gated).
func (a *Adapter) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(a.config.StalledInterval)
	defer ticker.Stop()

	a.log.WithFields(logrus.Fields{
		"interval": a.config.StalledInterval.String(),
		"grace":    a.config.StalledGrace.String(),
	}).Info("reaper started")

	for {
		select {
		case <-ctx.Done():
			a.log.Info("reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			for _, kind := range domain.AllTaskKinds {
				if err := a.reapStalled(ctx, kind); err != nil {
					a.log.WithError(err).WithField("queue", kind.QueueName()).Warn("stalled sweep failed")
				}
			}
		}
	}
}

func (a *Adapter) reapStalled(ctx context.Context, kind domain.TaskKind) error {
	k := keysFor(a.config.Prefix, kind)

	ids, err := a.client.LRange(ctx, k.active(), 0, -1).Result()
	if err != nil {
		return err
	}

	now := a.clock().UTC()
	for _, id := range ids {
		fields, err := a.client.HGetAll(ctx, k.job(id)).Result()
		if err != nil {
			a.log.WithError(err).WithField("job", id).Warn("active entry load failed")
			continue
		}
		if len(fields) == 0 {
			// Hash expired out from under the active list.
			a.client.LRem(ctx, k.active(), 0, id)
			continue
		}
		rec, err := parseJobHash(id, fields)
		if err != nil {
			a.log.WithError(err).WithField("job", id).Warn("active entry parse failed")
			continue
		}
		if rec.State != stateActive {
			a.client.LRem(ctx, k.active(), 0, id)
			continue
		}
		if rec.Heartbeat.IsZero() || now.Sub(rec.Heartbeat) < a.config.StalledGrace {
			continue
		}

		if rec.Attempts <= maxStalledRetries {
			a.requeueStalled(ctx, kind, k, rec, now)
		} else {
			a.failStalled(ctx, kind, k, rec, now)
		}
	}
	return nil
}

// requeueStalled moves a stalled entry back to waiting for redelivery.
func (a *Adapter) requeueStalled(ctx context.Context, kind domain.TaskKind, k queueKeys, rec jobRecord, now time.Time) {
	pipe := a.client.TxPipeline()
	pipe.LRem(ctx, k.active(), 0, rec.ID)
	pipe.ZAdd(ctx, k.waiting(), redis.Z{Score: float64(rec.Score), Member: rec.ID})
	pipe.HSet(ctx, k.job(rec.ID), "state", stateWaiting, "claimed_by", "", "heartbeat_at", "")
	if rec.OrgID != uuid.Nil {
		pipe.HIncrBy(ctx, k.tenant(), tenantField(rec.OrgID.String(), stateActive), -1)
		pipe.HIncrBy(ctx, k.tenant(), tenantField(rec.OrgID.String(), stateWaiting), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		a.log.WithError(err).WithField("job", rec.ID).Warn("stalled requeue failed")
		return
	}

	a.log.WithFields(logrus.Fields{
		"queue":    kind.QueueName(),
		"job":      rec.ID,
		"attempts": rec.Attempts,
	}).Warn("stalled entry requeued")
	if a.metrics != nil {
		a.metrics.JobStalled(kind.QueueName())
	}

	a.publishStalled(ctx, kind, rec, now)
	a.publish(ctx, kind, domain.QueueEvent{
		Category:  kind.Category(),
		Queue:     kind,
		JobID:     rec.ID,
		RunID:     rec.RunID,
		JobName:   rec.Name,
		OrgID:     rec.OrgID,
		Event:     domain.EventWaiting,
		Status:    stateWaiting,
		ProjectID: rec.ProjectID,
		Timestamp: now,
	})
}

// failStalled terminates a stalled entry whose redelivery budget is spent.
func (a *Adapter) failStalled(ctx context.Context, kind domain.TaskKind, k queueKeys, rec jobRecord, now time.Time) {
	a.log.WithFields(logrus.Fields{
		"queue":    kind.QueueName(),
		"job":      rec.ID,
		"attempts": rec.Attempts,
	}).Error("stalled entry failed, redelivery budget exhausted")
	if a.metrics != nil {
		a.metrics.JobStalled(kind.QueueName())
	}

	a.publishStalled(ctx, kind, rec, now)
	if err := a.Fail(ctx, kind, rec.ID, "stalled: worker heartbeat lost"); err != nil {
		a.log.WithError(err).WithField("job", rec.ID).Warn("stalled fail write failed")
	}
}

func (a *Adapter) publishStalled(ctx context.Context, kind domain.TaskKind, rec jobRecord, now time.Time) {
	var startedAt *time.Time
	if !rec.StartedAt.IsZero() {
		t := rec.StartedAt
		startedAt = &t
	}
	a.publish(ctx, kind, domain.QueueEvent{
		Category:  kind.Category(),
		Queue:     kind,
		JobID:     rec.ID,
		RunID:     rec.RunID,
		JobName:   rec.Name,
		OrgID:     rec.OrgID,
		Event:     domain.EventStalled,
		Status:    string(domain.EventStalled),
		ProjectID: rec.ProjectID,
		StartedAt: startedAt,
		Timestamp: now,
	})
}
