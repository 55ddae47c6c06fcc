// Package scheduler owns the monitor-to-recurring-queue-entry lifecycle:
// schedule, delete, hard reschedule, pause, resume, plus cron-expression
// registrations for scheduled test jobs. Actual firing happens in the
// queue adapter's promoter; this package only manages registrations and
// keeps the stored schedule handle consistent with the queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/cron"
	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/metrics"
	"github.com/supercheck-io/supercheck-sub010/internal/queue"
)

var (
	// ErrNotSchedulable is returned when a monitor cannot hold a
	// recurring registration (paused, or frequency out of range).
	ErrNotSchedulable = errors.New("monitor is not schedulable")
)

// Registry is the recurring-registration side of the queue adapter.
type Registry interface {
	RegisterRecurring(ctx context.Context, reg queue.Registration) (string, error)
	RemoveRecurring(ctx context.Context, kind domain.TaskKind, handle string) (bool, error)
	RemoveRecurringByKey(ctx context.Context, kind domain.TaskKind, key string) (bool, error)
}

// Store persists the schedule state on the monitor row. The handle is
// written only after the queue registration succeeded: a monitor must
// never look scheduled in storage while actually unscheduled.
type Store interface {
	UpdateMonitorSchedule(ctx context.Context, id uuid.UUID, status domain.MonitorStatus, handle *string) error
}

type Scheduler struct {
	registry Registry
	store    Store
	log      *logrus.Entry
	metrics  metrics.Sink // optional, nil = disabled
}

func New(registry Registry, store Store, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		registry: registry,
		store:    store,
		log:      logger.WithField("component", "scheduler"),
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink metrics.Sink) *Scheduler {
	s.metrics = sink
	return s
}

// monitorKey is the deterministic registration key for a monitor. It doubles
// as the dedup key on fired check instances, so a slow check cannot pile up
// behind itself.
func monitorKey(id uuid.UUID) string {
	return "monitor:" + id.String()
}

// testJobKey is the registration key for a scheduled test job.
func testJobKey(id uuid.UUID) string {
	return "testjob:" + id.String()
}

// ScheduleMonitor registers the monitor for recurring execution and
// persists the returned handle. Queue failures propagate hard: the caller
// must not report the monitor as scheduled.
func (s *Scheduler) ScheduleMonitor(ctx context.Context, monitor domain.Monitor) (string, error) {
	handle, err := s.register(ctx, monitor)
	s.recordOp(metrics.OpCreate, err)
	if err != nil {
		return "", err
	}

	if err := s.store.UpdateMonitorSchedule(ctx, monitor.ID, domain.MonitorStatusActive, &handle); err != nil {
		// The registration exists but the row doesn't know; remove it so
		// the monitor is consistently unscheduled rather than silently
		// double-registered on retry.
		if _, rmErr := s.registry.RemoveRecurring(ctx, domain.TaskKindMonitorCheck, handle); rmErr != nil {
			s.log.WithError(rmErr).WithField("monitor_id", monitor.ID).Warn("orphaned registration cleanup failed")
		}
		return "", fmt.Errorf("persist schedule handle: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"monitor_id": monitor.ID,
		"frequency":  monitor.FrequencyMinutes,
		"handle":     handle,
	}).Info("monitor scheduled")
	return handle, nil
}

// DeleteScheduledMonitor removes the monitor's recurring registration.
// It tries the stored handle first and falls back to the monitor key,
// because handles can go stale across deploys or manual edits. Not found
// on both paths reports false with no error: the goal is "no longer
// scheduled", not "a row existed to delete".
func (s *Scheduler) DeleteScheduledMonitor(ctx context.Context, monitor domain.Monitor) (bool, error) {
	removed, err := s.unregisterMonitor(ctx, monitor)
	s.recordOp(metrics.OpDelete, err)
	return removed, err
}

func (s *Scheduler) unregisterMonitor(ctx context.Context, monitor domain.Monitor) (bool, error) {
	log := s.log.WithField("monitor_id", monitor.ID)

	if monitor.ScheduledJobID != nil && *monitor.ScheduledJobID != "" {
		removed, err := s.registry.RemoveRecurring(ctx, domain.TaskKindMonitorCheck, *monitor.ScheduledJobID)
		if err != nil {
			return false, fmt.Errorf("remove by handle: %w", err)
		}
		if removed {
			log.WithField("handle", *monitor.ScheduledJobID).Info("schedule removed by handle")
			return true, nil
		}
		log.WithField("handle", *monitor.ScheduledJobID).Debug("stored handle stale, trying monitor key")
	}

	removed, err := s.registry.RemoveRecurringByKey(ctx, domain.TaskKindMonitorCheck, monitorKey(monitor.ID))
	if err != nil {
		return false, fmt.Errorf("remove by key: %w", err)
	}
	if removed {
		log.Info("schedule removed by monitor key")
	} else {
		log.Debug("no schedule found to remove")
	}
	return removed, nil
}

// RescheduleMonitor applies a monitor change as a hard reschedule: the old
// registration is deleted unconditionally, then a new one is created only
// if the monitor remains schedulable. Delete-then-create ordering is
// mandatory; the queue has no atomic recurrence update that is safe under
// concurrent ticks.
func (s *Scheduler) RescheduleMonitor(ctx context.Context, monitor domain.Monitor) (*string, error) {
	if _, err := s.unregisterMonitor(ctx, monitor); err != nil {
		s.recordOp(metrics.OpReschedule, err)
		return nil, err
	}

	if !monitor.Schedulable() {
		err := s.store.UpdateMonitorSchedule(ctx, monitor.ID, monitor.Status, nil)
		s.recordOp(metrics.OpReschedule, err)
		if err != nil {
			return nil, fmt.Errorf("persist schedule handle: %w", err)
		}
		s.log.WithField("monitor_id", monitor.ID).Info("monitor left unscheduled after change")
		return nil, nil
	}

	handle, err := s.register(ctx, monitor)
	if err != nil {
		s.recordOp(metrics.OpReschedule, err)
		return nil, err
	}
	if err := s.store.UpdateMonitorSchedule(ctx, monitor.ID, domain.MonitorStatusActive, &handle); err != nil {
		s.recordOp(metrics.OpReschedule, err)
		if _, rmErr := s.registry.RemoveRecurring(ctx, domain.TaskKindMonitorCheck, handle); rmErr != nil {
			s.log.WithError(rmErr).WithField("monitor_id", monitor.ID).Warn("orphaned registration cleanup failed")
		}
		return nil, fmt.Errorf("persist schedule handle: %w", err)
	}

	s.recordOp(metrics.OpReschedule, nil)
	s.log.WithFields(logrus.Fields{
		"monitor_id": monitor.ID,
		"handle":     handle,
	}).Info("monitor rescheduled")
	return &handle, nil
}

// PauseMonitor clears the schedule and the stored handle.
func (s *Scheduler) PauseMonitor(ctx context.Context, monitor domain.Monitor) error {
	if _, err := s.unregisterMonitor(ctx, monitor); err != nil {
		s.recordOp(metrics.OpPause, err)
		return err
	}
	err := s.store.UpdateMonitorSchedule(ctx, monitor.ID, domain.MonitorStatusPaused, nil)
	s.recordOp(metrics.OpPause, err)
	if err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	s.log.WithField("monitor_id", monitor.ID).Info("monitor paused")
	return nil
}

// ResumeMonitor re-registers the monitor if its frequency is valid. A
// monitor resumed with an invalid frequency becomes active but stays
// unscheduled; that is a known edge case, not an error.
func (s *Scheduler) ResumeMonitor(ctx context.Context, monitor domain.Monitor) (bool, error) {
	if !monitor.ValidFrequency() {
		err := s.store.UpdateMonitorSchedule(ctx, monitor.ID, domain.MonitorStatusActive, nil)
		s.recordOp(metrics.OpResume, err)
		if err != nil {
			return false, fmt.Errorf("persist resume: %w", err)
		}
		s.log.WithFields(logrus.Fields{
			"monitor_id": monitor.ID,
			"frequency":  monitor.FrequencyMinutes,
		}).Info("monitor resumed unscheduled, frequency invalid")
		return false, nil
	}

	handle, err := s.register(ctx, monitor)
	if err != nil {
		s.recordOp(metrics.OpResume, err)
		return false, err
	}
	if err := s.store.UpdateMonitorSchedule(ctx, monitor.ID, domain.MonitorStatusActive, &handle); err != nil {
		s.recordOp(metrics.OpResume, err)
		if _, rmErr := s.registry.RemoveRecurring(ctx, domain.TaskKindMonitorCheck, handle); rmErr != nil {
			s.log.WithError(rmErr).WithField("monitor_id", monitor.ID).Warn("orphaned registration cleanup failed")
		}
		return false, fmt.Errorf("persist schedule handle: %w", err)
	}

	s.recordOp(metrics.OpResume, nil)
	s.log.WithFields(logrus.Fields{
		"monitor_id": monitor.ID,
		"handle":     handle,
	}).Info("monitor resumed")
	return true, nil
}

// TestJobSchedule registers a stored test for recurring execution on a cron
// expression. Kind selects the execution queue; monitor checks go through the
// monitor operations instead.
type TestJobSchedule struct {
	JobID      uuid.UUID
	OrgID      uuid.UUID
	ProjectID  uuid.UUID
	Kind       domain.TaskKind
	Name       string
	Task       any
	Expression string
	Timezone   string
}

// ScheduleTestJob registers a cron-expression recurrence for a test job and
// returns the queue handle. Test jobs have no stored handle column; removal
// goes through the deterministic key, so the handle is informational.
func (s *Scheduler) ScheduleTestJob(ctx context.Context, job TestJobSchedule) (string, error) {
	handle, err := s.registerTestJob(ctx, job)
	s.recordOp(metrics.OpCreate, err)
	if err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{
		"job_id":     job.JobID,
		"kind":       job.Kind,
		"expression": job.Expression,
		"handle":     handle,
	}).Info("test job scheduled")
	return handle, nil
}

func (s *Scheduler) registerTestJob(ctx context.Context, job TestJobSchedule) (string, error) {
	if job.Kind != domain.TaskKindBrowserTest && job.Kind != domain.TaskKindLoadTest {
		return "", fmt.Errorf("kind %q cannot be scheduled as a test job", job.Kind)
	}
	payload, err := domain.EncodeTask(job.Kind, job.Task)
	if err != nil {
		return "", fmt.Errorf("encode test payload: %w", err)
	}
	handle, err := s.registry.RegisterRecurring(ctx, queue.Registration{
		Key:       testJobKey(job.JobID),
		Kind:      job.Kind,
		Name:      job.Name,
		Payload:   payload,
		Spec:      cron.ExpressionSpec(job.Expression, job.Timezone),
		Priority:  queue.PriorityScheduled,
		OrgID:     job.OrgID,
		ProjectID: job.ProjectID,
	})
	if err != nil {
		return "", fmt.Errorf("register test job %s: %w", job.JobID, err)
	}
	return handle, nil
}

// DeleteScheduledTestJob removes a test job's recurrence by its deterministic
// key. Not found is success from the caller's point of view.
func (s *Scheduler) DeleteScheduledTestJob(ctx context.Context, kind domain.TaskKind, jobID uuid.UUID) (bool, error) {
	removed, err := s.registry.RemoveRecurringByKey(ctx, kind, testJobKey(jobID))
	s.recordOp(metrics.OpDelete, err)
	if err != nil {
		return false, fmt.Errorf("remove test job %s: %w", jobID, err)
	}
	if removed {
		s.log.WithField("job_id", jobID).Info("test job schedule removed")
	} else {
		s.log.WithField("job_id", jobID).Debug("no test job schedule found to remove")
	}
	return removed, nil
}

// register builds and stores the recurring registration for a monitor.
func (s *Scheduler) register(ctx context.Context, monitor domain.Monitor) (string, error) {
	if !monitor.Schedulable() {
		return "", fmt.Errorf("%w: status=%s frequency=%d", ErrNotSchedulable, monitor.Status, monitor.FrequencyMinutes)
	}

	payload, err := domain.EncodeTask(domain.TaskKindMonitorCheck, domain.MonitorCheckTask{
		MonitorID: monitor.ID,
		ProjectID: monitor.ProjectID,
		Name:      monitor.Name,
		Type:      monitor.Type,
		Target:    monitor.Target,
		Check:     monitor.Check,
	})
	if err != nil {
		return "", fmt.Errorf("encode check payload: %w", err)
	}

	handle, err := s.registry.RegisterRecurring(ctx, queue.Registration{
		Key:       monitorKey(monitor.ID),
		Kind:      domain.TaskKindMonitorCheck,
		Name:      monitor.Name,
		Payload:   payload,
		Spec:      cron.EverySpec(monitor.FrequencyMinutes),
		Priority:  queue.PriorityScheduled,
		OrgID:     monitor.OrgID,
		ProjectID: monitor.ProjectID,
	})
	if err != nil {
		return "", fmt.Errorf("register monitor %s: %w", monitor.ID, err)
	}
	return handle, nil
}

func (s *Scheduler) recordOp(op string, err error) {
	if s.metrics != nil {
		s.metrics.ScheduleOp(op, err)
	}
}
