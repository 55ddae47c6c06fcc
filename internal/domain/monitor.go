package domain

import (
	"time"

	"github.com/google/uuid"
)

// Frequency bounds for recurring monitors, in minutes.
const (
	MinFrequencyMinutes = 1
	MaxFrequencyMinutes = 1440
)

type MonitorType string

const (
	MonitorTypeHTTP MonitorType = "http"
	MonitorTypeTCP  MonitorType = "tcp"
	MonitorTypeSSL  MonitorType = "ssl"
	MonitorTypeDNS  MonitorType = "dns"
)

func (t MonitorType) Valid() bool {
	switch t {
	case MonitorTypeHTTP, MonitorTypeTCP, MonitorTypeSSL, MonitorTypeDNS:
		return true
	}
	return false
}

type MonitorStatus string

const (
	MonitorStatusActive MonitorStatus = "active"
	MonitorStatusPaused MonitorStatus = "paused"
)

// CheckConfig carries the protocol-specific check settings. Only the fields
// for the monitor's type are meaningful; the rest stay zero.
type CheckConfig struct {
	// HTTP
	Method          string            `json:"method,omitempty"`
	ExpectedStatus  []int             `json:"expectedStatus,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	BodyContains    string            `json:"bodyContains,omitempty"`
	FollowRedirects bool              `json:"followRedirects,omitempty"`

	// TCP / DNS
	Port       int    `json:"port,omitempty"`
	RecordType string `json:"recordType,omitempty"`
	Expected   string `json:"expected,omitempty"`

	// SSL
	ExpiryThresholdDays int `json:"expiryThresholdDays,omitempty"`

	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// AlertConfig controls when failures escalate to notifications. Delivery
// itself happens outside this service; only channel ids are stored.
type AlertConfig struct {
	FailureThreshold  int         `json:"failureThreshold,omitempty"`
	RecoveryThreshold int         `json:"recoveryThreshold,omitempty"`
	ChannelIDs        []uuid.UUID `json:"channelIds,omitempty"`
}

// Monitor is a recurring check definition.
//
// ScheduledJobID is the opaque handle returned by the queue backend when the
// monitor is registered for recurring execution. It is non-nil exactly when
// the monitor is active with a valid frequency; pausing clears it. Its format
// belongs to the queue adapter and must never be parsed elsewhere.
type Monitor struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	ProjectID uuid.UUID

	Name   string
	Type   MonitorType
	Target string
	Check  CheckConfig

	FrequencyMinutes int
	Status           MonitorStatus
	Alerts           AlertConfig

	ScheduledJobID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidFrequency reports whether the monitor's frequency is inside the
// allowed [1, 1440] minute window.
func (m Monitor) ValidFrequency() bool {
	return m.FrequencyMinutes >= MinFrequencyMinutes && m.FrequencyMinutes <= MaxFrequencyMinutes
}

// Schedulable reports whether the monitor should hold a recurring queue
// registration right now.
func (m Monitor) Schedulable() bool {
	return m.Status == MonitorStatusActive && m.ValidFrequency()
}
