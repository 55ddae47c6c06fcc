package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/cron"
	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/metrics"
)

// Registration describes a recurring queue entry: every fire enqueues a
// fresh instance of the payload.
type Registration struct {
	// Key identifies the registration for removal-by-key (for monitors,
	// "monitor:<id>"). Fired instances reuse it as their dedup key so a
	// slow fire cannot pile up behind itself.
	Key       string
	Kind      domain.TaskKind
	Name      string
	Payload   []byte
	Spec      cron.Spec
	Priority  int
	OrgID     uuid.UUID
	ProjectID uuid.UUID
}

// recurringHandle derives the registration's opaque handle. The handle is
// deterministic over key and recurrence, so re-registering an identical
// registration overwrites rather than duplicates, while a changed
// recurrence yields a new handle (callers must delete the old one first).
func recurringHandle(key string, spec cron.Spec) string {
	data := fmt.Sprintf("%s|%d|%s|%s", key, spec.EveryMinutes, spec.Expression, spec.Timezone)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])[:16]
}

// RegisterRecurring stores a recurring registration and schedules its first
// fire. It returns the opaque handle callers must persist for later removal.
func (a *Adapter) RegisterRecurring(ctx context.Context, reg Registration) (string, error) {
	if !reg.Kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, reg.Kind)
	}
	if reg.Key == "" {
		return "", fmt.Errorf("register recurring: empty key")
	}
	if err := reg.Spec.Validate(); err != nil {
		return "", fmt.Errorf("register recurring %s: %w", reg.Key, err)
	}

	now := a.clock().UTC()
	next, err := reg.Spec.NextAfter(now)
	if err != nil {
		return "", fmt.Errorf("register recurring %s: %w", reg.Key, err)
	}

	handle := recurringHandle(reg.Key, reg.Spec)
	k := keysFor(a.config.Prefix, reg.Kind)
	specJSON, err := reg.Spec.MarshalText()
	if err != nil {
		return "", fmt.Errorf("register recurring %s: %w", reg.Key, err)
	}

	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, k.repeatMeta(handle), map[string]any{
		"key":        reg.Key,
		"kind":       string(reg.Kind),
		"name":       reg.Name,
		"payload":    string(reg.Payload),
		"spec":       string(specJSON),
		"priority":   reg.Priority,
		"org_id":     reg.OrgID.String(),
		"project_id": reg.ProjectID.String(),
		"created_at": now.UnixMilli(),
	})
	pipe.ZAdd(ctx, k.repeat(), redis.Z{Score: float64(next.UnixMilli()), Member: handle})
	pipe.HSet(ctx, k.repeatIndex(), reg.Key, handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("register recurring %s: %w", reg.Key, err)
	}

	a.log.WithFields(logrus.Fields{
		"queue":  reg.Kind.QueueName(),
		"key":    reg.Key,
		"handle": handle,
		"next":   next.Format(time.RFC3339),
	}).Info("recurring registration stored")
	return handle, nil
}

// RemoveRecurring removes a registration by its handle. Removing a handle
// that no longer exists reports false with no error, so removal is
// idempotent and safe to retry.
func (a *Adapter) RemoveRecurring(ctx context.Context, kind domain.TaskKind, handle string) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	k := keysFor(a.config.Prefix, kind)

	key, err := a.client.HGet(ctx, k.repeatMeta(handle), "key").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove recurring %s: %w", handle, err)
	}

	pipe := a.client.TxPipeline()
	pipe.ZRem(ctx, k.repeat(), handle)
	pipe.Del(ctx, k.repeatMeta(handle))
	if key != "" {
		// Only clear the index when it still points at this handle: a
		// newer registration for the same key must keep its mapping.
		current, err := a.client.HGet(ctx, k.repeatIndex(), key).Result()
		if err != nil && err != redis.Nil {
			return false, fmt.Errorf("remove recurring %s: %w", handle, err)
		}
		if current == handle {
			pipe.HDel(ctx, k.repeatIndex(), key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("remove recurring %s: %w", handle, err)
	}
	return true, nil
}

// RemoveRecurringByKey removes whatever registration currently holds key.
// Used as the fallback removal path when the stored handle is missing or
// stale; a key with no registration reports false with no error.
func (a *Adapter) RemoveRecurringByKey(ctx context.Context, kind domain.TaskKind, key string) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	k := keysFor(a.config.Prefix, kind)

	handle, err := a.client.HGet(ctx, k.repeatIndex(), key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove recurring by key %s: %w", key, err)
	}
	return a.RemoveRecurring(ctx, kind, handle)
}

// fireDueRecurring enqueues an instance for every registration whose next
// fire time has passed, then advances its schedule. Returns the number of
// instances enqueued.
func (a *Adapter) fireDueRecurring(ctx context.Context, kind domain.TaskKind) (int, error) {
	k := keysFor(a.config.Prefix, kind)
	now := a.clock().UTC()

	due, err := a.client.ZRangeByScore(ctx, k.repeat(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(a.config.PromoteBatch),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("due recurring %s: %w", kind.QueueName(), err)
	}

	fired := 0
	for _, handle := range due {
		if err := a.fireRecurring(ctx, kind, k, handle, now); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{
				"queue":  kind.QueueName(),
				"handle": handle,
			}).Warn("recurring fire failed")
			continue
		}
		fired++
	}
	return fired, nil
}

func (a *Adapter) fireRecurring(ctx context.Context, kind domain.TaskKind, k queueKeys, handle string, now time.Time) error {
	fields, err := a.client.HGetAll(ctx, k.repeatMeta(handle)).Result()
	if err != nil {
		return fmt.Errorf("load registration: %w", err)
	}
	if len(fields) == 0 {
		// Orphaned schedule entry; registration hash is gone.
		a.client.ZRem(ctx, k.repeat(), handle)
		return nil
	}

	var spec cron.Spec
	if err := spec.UnmarshalText([]byte(fields["spec"])); err != nil {
		// A registration that cannot fire must not spin the promoter:
		// push it out and keep the error visible in logs.
		a.client.ZAdd(ctx, k.repeat(), redis.Z{Score: float64(now.Add(time.Minute).UnixMilli()), Member: handle})
		return fmt.Errorf("bad recurrence spec: %w", err)
	}

	orgID, _ := uuid.Parse(fields["org_id"])
	projectID, _ := uuid.Parse(fields["project_id"])
	priority, _ := strconv.Atoi(fields["priority"])

	if admit, reason := a.fireAdmitted(ctx, orgID, kind, fields["key"]); !admit {
		// A refused fire is skipped, not queued over the ceiling. The
		// registration stays live and gets another admission check at its
		// next fire time.
		a.log.WithFields(logrus.Fields{
			"queue":  kind.QueueName(),
			"key":    fields["key"],
			"reason": reason,
		}).Info("recurring fire rejected")
		a.recordEnqueue(kind.QueueName(), metrics.OutcomeRejected)
		return a.advanceRecurring(ctx, k, handle, spec, now)
	}

	_, deduped, err := a.Enqueue(ctx, Job{
		Kind:      kind,
		Name:      fields["name"],
		Payload:   []byte(fields["payload"]),
		OrgID:     orgID,
		ProjectID: projectID,
	}, Options{
		DedupKey: fields["key"],
		Priority: priority,
	})
	if err != nil {
		return fmt.Errorf("enqueue instance: %w", err)
	}
	if deduped {
		a.log.WithFields(logrus.Fields{
			"queue": kind.QueueName(),
			"key":   fields["key"],
		}).Debug("recurring fire skipped, previous instance still live")
	}

	if err := a.advanceRecurring(ctx, k, handle, spec, now); err != nil {
		return err
	}
	if a.metrics != nil {
		a.metrics.JobPromoted(kind.QueueName())
	}
	return nil
}

// fireAdmitted runs the attached admission check for one recurring fire.
// An unverifiable check refuses the fire: scheduled work fails closed the
// same way manual admission does.
func (a *Adapter) fireAdmitted(ctx context.Context, orgID uuid.UUID, kind domain.TaskKind, key string) (bool, string) {
	if a.admission == nil {
		return true, ""
	}
	admit, reason, err := a.admission(ctx, orgID, kind)
	if err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{
			"queue": kind.QueueName(),
			"key":   key,
		}).Warn("recurring fire admission check failed, refusing")
		return false, "admission_check_failed"
	}
	return admit, reason
}

// advanceRecurring moves the registration's schedule entry to its next fire
// time. An uncomputable next fire is pushed out a minute so the promoter
// does not spin on it.
func (a *Adapter) advanceRecurring(ctx context.Context, k queueKeys, handle string, spec cron.Spec, now time.Time) error {
	next, err := spec.NextAfter(now)
	if err != nil {
		a.client.ZAdd(ctx, k.repeat(), redis.Z{Score: float64(now.Add(time.Minute).UnixMilli()), Member: handle})
		return fmt.Errorf("advance schedule: %w", err)
	}
	if err := a.client.ZAdd(ctx, k.repeat(), redis.Z{Score: float64(next.UnixMilli()), Member: handle}).Err(); err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	return nil
}
