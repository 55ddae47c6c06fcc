package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventName is the normalized queue lifecycle event name.
type EventName string

const (
	EventWaiting   EventName = "waiting"
	EventActive    EventName = "active"
	EventCompleted EventName = "completed"
	EventFailed    EventName = "failed"
	EventStalled   EventName = "stalled"
)

// Terminal reports whether the event ends the queue entry's lifecycle.
// Stalled is not terminal: the entry is redelivered and finishes later.
func (n EventName) Terminal() bool {
	return n == EventCompleted || n == EventFailed
}

type EventCategory string

const (
	CategoryJob     EventCategory = "job"
	CategoryTest    EventCategory = "test"
	CategoryMonitor EventCategory = "monitor"
)

// QueueEvent is the backend-agnostic form of a queue lifecycle notification.
// Events are ephemeral: consumed by live subscribers or dropped, never stored.
// OrgID scopes the event to its tenant; stream endpoints filter on it.
type QueueEvent struct {
	Category EventCategory `json:"jobType"`
	Queue    TaskKind      `json:"queue"`

	JobID   string    `json:"jobId"`
	RunID   uuid.UUID `json:"runId,omitempty"`
	JobName string    `json:"jobName,omitempty"`
	OrgID   uuid.UUID `json:"orgId,omitempty"`

	Event  EventName `json:"event"`
	Status string    `json:"status,omitempty"`

	ProjectID uuid.UUID  `json:"projectId,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Key identifies an event occurrence for duplicate suppression across
// backing-queue listeners.
func (e QueueEvent) Key() string {
	return string(e.Queue) + "|" + e.JobID + "|" + string(e.Event)
}
