package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

// promoteScript moves every due delayed entry back onto the waiting set
// with its original priority score.
//
// KEYS: delayed zset, waiting zset.
// ARGV: now unix ms, batch limit, job key prefix.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local score = redis.call('HGET', ARGV[3] .. id, 'score')
  if score then
    redis.call('ZADD', KEYS[2], tonumber(score), id)
    redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
  end
end
return due
`)

// RunPromoter drives time-based transitions until ctx is cancelled: due
// delayed entries move to waiting, due recurring registrations fire, and
// depth gauges refresh. Run it on exactly one instance (leader-gated) so
// recurring registrations fire once per due time.
func (a *Adapter) RunPromoter(ctx context.Context) error {
	ticker := time.NewTicker(a.config.PromoteInterval)
	defer ticker.Stop()

	a.log.WithField("interval", a.config.PromoteInterval.String()).Info("promoter started")

	for {
		select {
		case <-ctx.Done():
			a.log.Info("promoter stopped")
			return ctx.Err()
		case <-ticker.C:
			for _, kind := range domain.AllTaskKinds {
				a.promoteTick(ctx, kind)
			}
		}
	}
}

func (a *Adapter) promoteTick(ctx context.Context, kind domain.TaskKind) {
	if promoted, err := a.promoteDelayed(ctx, kind); err != nil {
		a.log.WithError(err).WithField("queue", kind.QueueName()).Warn("delayed promotion failed")
	} else {
		for range promoted {
			if a.metrics != nil {
				a.metrics.JobPromoted(kind.QueueName())
			}
		}
	}

	if _, err := a.fireDueRecurring(ctx, kind); err != nil {
		a.log.WithError(err).WithField("queue", kind.QueueName()).Warn("recurring fire sweep failed")
	}

	a.updateDepthGauges(ctx, kind)
}

// promoteDelayed returns the ids of entries promoted to waiting, publishing
// a waiting event for each.
func (a *Adapter) promoteDelayed(ctx context.Context, kind domain.TaskKind) ([]string, error) {
	k := keysFor(a.config.Prefix, kind)
	now := a.clock().UTC()

	res, err := promoteScript.Run(ctx, a.client,
		[]string{k.delayed(), k.waiting()},
		now.UnixMilli(), a.config.PromoteBatch, k.jobPrefix(),
	).Result()
	if err != nil {
		return nil, err
	}

	raw, ok := res.([]any)
	if !ok {
		return nil, nil
	}
	promoted := make([]string, 0, len(raw))
	for _, v := range raw {
		id, ok := v.(string)
		if !ok {
			continue
		}
		promoted = append(promoted, id)

		fields, err := a.client.HGetAll(ctx, k.job(id)).Result()
		if err != nil {
			a.log.WithError(err).WithField("job", id).Warn("promoted entry load failed")
			continue
		}
		rec, err := parseJobHash(id, fields)
		if err != nil {
			a.log.WithError(err).WithField("job", id).Warn("promoted entry parse failed")
			continue
		}
		a.publish(ctx, kind, domain.QueueEvent{
			Category:  kind.Category(),
			Queue:     kind,
			JobID:     id,
			RunID:     rec.RunID,
			JobName:   rec.Name,
			OrgID:     rec.OrgID,
			Event:     domain.EventWaiting,
			Status:    stateWaiting,
			ProjectID: rec.ProjectID,
			Timestamp: now,
		})
	}
	return promoted, nil
}

func (a *Adapter) updateDepthGauges(ctx context.Context, kind domain.TaskKind) {
	if a.metrics == nil {
		return
	}
	counts, err := a.Counts(ctx, kind)
	if err != nil {
		a.log.WithError(err).WithField("queue", kind.QueueName()).Debug("depth gauge refresh failed")
		return
	}
	a.metrics.QueueDepthUpdate(kind.QueueName(), counts.Waiting, counts.Active, counts.Delayed)
}
