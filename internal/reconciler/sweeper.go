package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/queue"
)

// RunSweeper periodically reconciles runs stuck in running against the
// queue. It blocks until ctx is cancelled.
//
// A cycle touches only runs older than the sweep threshold. Each one is
// checked against its queue entry: a vanished entry forces the run to
// failed, a silently finished entry gets the outcome the worker stored on
// it, and a live entry is left alone.
func (r *Reconciler) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{
		"interval":  r.config.SweepInterval.String(),
		"threshold": r.config.SweepThreshold.String(),
		"batch":     r.config.SweepBatch,
	}).Info("run sweeper started")

	r.sweepCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("run sweeper stopped")
			return
		case <-ticker.C:
			r.sweepCycle(ctx)
		}
	}
}

func (r *Reconciler) sweepCycle(ctx context.Context) {
	cutoff := r.clock().UTC().Add(-r.config.SweepThreshold)
	runs, err := r.store.RunningRunsBefore(ctx, cutoff, r.config.SweepBatch)
	if err != nil {
		r.log.WithError(err).Warn("stuck run scan failed")
		return
	}
	if len(runs) == 0 {
		return
	}

	swept := 0
	for i := range runs {
		if ctx.Err() != nil {
			r.log.WithFields(logrus.Fields{
				"processed": i,
				"found":     len(runs),
			}).Info("sweep interrupted")
			return
		}
		if r.sweepRun(ctx, &runs[i]) {
			swept++
		}
	}

	if swept > 0 {
		if r.metrics != nil {
			r.metrics.SweptRuns(swept)
		}
		r.log.WithFields(logrus.Fields{
			"swept":   swept,
			"scanned": len(runs),
		}).Info("stuck runs swept")
	}
}

// sweepRun reconciles one stuck run, reporting whether it was forced to a
// terminal state.
func (r *Reconciler) sweepRun(ctx context.Context, run *domain.Run) bool {
	entry, err := r.queue.Lookup(ctx, run.Kind, run.QueueJobID)
	if errors.Is(err, queue.ErrUnknownJob) {
		return r.forceFinish(ctx, run, domain.RunStatusFailed,
			"timed out: queue entry disappeared without a terminal event")
	}
	if err != nil {
		r.log.WithError(err).WithField("run_id", run.ID).Warn("queue lookup failed, leaving run for next sweep")
		return false
	}

	if entry.Finished() {
		// The terminal event was lost; the entry still holds the outcome
		// the worker reported.
		status := domain.RunStatus(entry.Outcome)
		if !status.Terminal() {
			status = domain.RunStatusFailed
		}
		return r.forceFinish(ctx, run, status, entry.Error)
	}

	// Waiting, delayed or active: still in flight. Long executions are
	// bounded by the queue's stalled handling, not the sweeper.
	return false
}

func (r *Reconciler) forceFinish(ctx context.Context, run *domain.Run, status domain.RunStatus, note string) bool {
	now := r.clock().UTC()
	applied, err := r.store.FinishRun(ctx, run.ID, status, now, note)
	if err != nil {
		r.log.WithError(err).WithField("run_id", run.ID).Warn("sweep finish failed")
		return false
	}
	if !applied {
		return false
	}

	r.recordFinish(status, now.Sub(run.StartedAt))
	r.recordOutcome(ctx, run, status)
	r.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"status": string(status),
		"age":    now.Sub(run.StartedAt).Round(time.Second).String(),
	}).Info("stuck run reconciled")
	return true
}
