package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusPassed   RunStatus = "passed"
	RunStatusFailed   RunStatus = "failed"
	RunStatusCanceled RunStatus = "canceled"
)

// Terminal reports whether the status ends a run's lifecycle. A run reaches
// a terminal status at most once.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusPassed, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

type RunTrigger string

const (
	TriggerManual    RunTrigger = "manual"
	TriggerScheduled RunTrigger = "scheduled"
	TriggerWebhook   RunTrigger = "webhook"
)

func (t RunTrigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerWebhook:
		return true
	}
	return false
}

// RunMetadata is stored as a JSON column on the run row.
type RunMetadata struct {
	Source    string `json:"source,omitempty"`
	TestID    string `json:"testId,omitempty"`
	TestType  string `json:"testType,omitempty"`
	MonitorID string `json:"monitorId,omitempty"`
}

// Run records one execution instance from admission to terminal state.
//
// JobID is nil for ad hoc/playground executions and set when the run was
// spawned by a scheduled test job. QueueJobID ties the run to the queue entry
// the workers execute; lifecycle events are matched back through it.
type Run struct {
	ID    uuid.UUID
	JobID *uuid.UUID

	OrgID     uuid.UUID
	ProjectID uuid.UUID

	Status  RunStatus
	Trigger RunTrigger
	Kind    TaskKind

	Location string
	Metadata RunMetadata

	// Note carries a short human-readable annotation on failed runs
	// (worker failure reason, sweep note). Empty otherwise.
	Note string

	QueueJobID      string
	CancelRequested bool

	StartedAt   time.Time
	CompletedAt *time.Time
	Duration    time.Duration

	CreatedAt time.Time
}
