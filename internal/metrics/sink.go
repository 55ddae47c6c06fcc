package metrics

import (
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Capacity gate metrics
	AdmissionDecision(kind string, admitted bool, reason string)
	CapacityCheckError()

	// Queue metrics
	EnqueueCompleted(queue string, outcome string)
	QueueDepthUpdate(queue string, waiting, active, delayed int64)
	JobPromoted(queue string)
	JobStalled(queue string)

	// Scheduler metrics
	ScheduleOp(op string, err error)

	// Event hub metrics
	EventDispatched(event string)
	EventDropped()
	SubscriberCountUpdate(count int)

	// Run metrics
	RunStarted(kind string)
	RunFinished(status string, duration time.Duration)
	SweptRuns(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

// Outcome constants for EnqueueCompleted.
const (
	OutcomeEnqueued     = "enqueued"
	OutcomeDeduplicated = "deduplicated"
	OutcomeRejected     = "rejected"
	OutcomeError        = "error"
)

// Op constants for ScheduleOp.
const (
	OpCreate     = "create"
	OpDelete     = "delete"
	OpReschedule = "reschedule"
	OpPause      = "pause"
	OpResume     = "resume"
)

// StatusClass constants for classified check outcomes.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		errStr := strings.ToLower(err.Error())
		if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
			return StatusClassTimeout
		}
		if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") ||
			strings.Contains(errStr, "network is unreachable") || strings.Contains(errStr, "dial") {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
