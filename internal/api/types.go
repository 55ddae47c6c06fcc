package api

import (
	"time"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/queue"
)

// Pagination bounds for list endpoints.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBody caps request bodies at 1 MiB.
const maxRequestBody = 1 << 20

// ErrorResponse is the uniform error body. Reason and Guidance are set on
// admission rejections so clients can branch on the code and show the text.
type ErrorResponse struct {
	Error    string `json:"error"`
	Reason   string `json:"reason,omitempty"`
	Guidance string `json:"guidance,omitempty"`
}

type CreateMonitorRequest struct {
	ProjectID        string             `json:"projectId"`
	Name             string             `json:"name"`
	Type             string             `json:"type"`
	Target           string             `json:"target"`
	FrequencyMinutes int                `json:"frequencyMinutes"`
	Check            domain.CheckConfig `json:"check"`
	Alerts           domain.AlertConfig `json:"alerts"`
}

type UpdateMonitorRequest struct {
	Name             string             `json:"name"`
	Type             string             `json:"type"`
	Target           string             `json:"target"`
	FrequencyMinutes int                `json:"frequencyMinutes"`
	Check            domain.CheckConfig `json:"check"`
	Alerts           domain.AlertConfig `json:"alerts"`
}

type MonitorResponse struct {
	ID               string             `json:"id"`
	ProjectID        string             `json:"projectId"`
	Name             string             `json:"name"`
	Type             string             `json:"type"`
	Target           string             `json:"target"`
	FrequencyMinutes int                `json:"frequencyMinutes"`
	Status           string             `json:"status"`
	Check            domain.CheckConfig `json:"check"`
	Alerts           domain.AlertConfig `json:"alerts"`
	ScheduledJobID   *string            `json:"scheduledJobId,omitempty"`
	CreatedAt        string             `json:"createdAt"`
	UpdatedAt        string             `json:"updatedAt"`
}

type ListMonitorsResponse struct {
	Monitors []MonitorResponse `json:"monitors"`
}

type StartRunRequest struct {
	ProjectID      string            `json:"projectId"`
	Script         string            `json:"script"`
	Name           string            `json:"name"`
	Location       string            `json:"location"`
	Variables      map[string]string `json:"variables"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
}

// WebhookTriggerRequest is the signed payload of the hooks endpoint. OrgID
// is taken at face value: holding the signing secret is what authorizes
// naming a tenant.
type WebhookTriggerRequest struct {
	OrgID          string            `json:"orgId"`
	Script         string            `json:"script"`
	Name           string            `json:"name"`
	Location       string            `json:"location"`
	Variables      map[string]string `json:"variables"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
}

type RunResponse struct {
	ID              string             `json:"id"`
	JobID           *string            `json:"jobId,omitempty"`
	ProjectID       string             `json:"projectId"`
	Status          string             `json:"status"`
	Trigger         string             `json:"trigger"`
	Kind            string             `json:"kind"`
	Location        string             `json:"location,omitempty"`
	Note            string             `json:"note,omitempty"`
	QueueJobID      string             `json:"queueJobId"`
	CancelRequested bool               `json:"cancelRequested"`
	Metadata        domain.RunMetadata `json:"metadata"`
	StartedAt       string             `json:"startedAt"`
	CompletedAt     *string            `json:"completedAt,omitempty"`
	DurationMS      int64              `json:"durationMs"`
	CreatedAt       string             `json:"createdAt"`
}

type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type CancelRunResponse struct {
	Canceled  bool `json:"canceled"`
	Requested bool `json:"requested"`
}

type QueueStatsResponse struct {
	Queues map[string]queue.Counts `json:"queues"`
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func monitorResponse(m domain.Monitor) MonitorResponse {
	return MonitorResponse{
		ID:               m.ID.String(),
		ProjectID:        m.ProjectID.String(),
		Name:             m.Name,
		Type:             string(m.Type),
		Target:           m.Target,
		FrequencyMinutes: m.FrequencyMinutes,
		Status:           string(m.Status),
		Check:            m.Check,
		Alerts:           m.Alerts,
		ScheduledJobID:   m.ScheduledJobID,
		CreatedAt:        formatTime(m.CreatedAt),
		UpdatedAt:        formatTime(m.UpdatedAt),
	}
}

func runResponse(run domain.Run) RunResponse {
	resp := RunResponse{
		ID:              run.ID.String(),
		ProjectID:       run.ProjectID.String(),
		Status:          string(run.Status),
		Trigger:         string(run.Trigger),
		Kind:            string(run.Kind),
		Location:        run.Location,
		Note:            run.Note,
		QueueJobID:      run.QueueJobID,
		CancelRequested: run.CancelRequested,
		Metadata:        run.Metadata,
		StartedAt:       formatTime(run.StartedAt),
		CompletedAt:     formatTimePtr(run.CompletedAt),
		DurationMS:      run.Duration.Milliseconds(),
		CreatedAt:       formatTime(run.CreatedAt),
	}
	if run.JobID != nil {
		id := run.JobID.String()
		resp.JobID = &id
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
