package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptySpec     = errors.New("recurrence spec is empty")
	ErrAmbiguousSpec = errors.New("recurrence spec sets both frequency and expression")
)

// Spec describes one recurrence: exactly one of EveryMinutes or Expression is
// set. Specs are serialized onto recurring queue registrations; keep fields
// stable.
type Spec struct {
	EveryMinutes int    `json:"everyMinutes,omitempty"`
	Expression   string `json:"expression,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// EverySpec builds a fixed-frequency spec.
func EverySpec(minutes int) Spec {
	return Spec{EveryMinutes: minutes}
}

// ExpressionSpec builds a cron-expression spec. An empty timezone means UTC.
func ExpressionSpec(expr, timezone string) Spec {
	return Spec{Expression: expr, Timezone: timezone}
}

func (s Spec) Validate() error {
	switch {
	case s.EveryMinutes == 0 && s.Expression == "":
		return ErrEmptySpec
	case s.EveryMinutes != 0 && s.Expression != "":
		return ErrAmbiguousSpec
	case s.EveryMinutes < 0:
		return fmt.Errorf("frequency must be positive, got %d", s.EveryMinutes)
	}
	if s.Expression != "" {
		if _, err := s.Schedule(); err != nil {
			return err
		}
	}
	return nil
}

// Schedule materializes the spec into something that can compute fire times.
func (s Spec) Schedule() (Schedule, error) {
	if s.EveryMinutes > 0 {
		return Every(s.EveryMinutes), nil
	}
	if s.Expression == "" {
		return nil, ErrEmptySpec
	}
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return NewParser().Parse(s.Expression, tz)
}

// NextAfter is a convenience that validates and evaluates in one step.
func (s Spec) NextAfter(after time.Time) (time.Time, error) {
	sched, err := s.Schedule()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

func (s Spec) String() string {
	if s.EveryMinutes > 0 {
		return fmt.Sprintf("every %dm", s.EveryMinutes)
	}
	if s.Timezone != "" {
		return fmt.Sprintf("cron(%s @ %s)", s.Expression, s.Timezone)
	}
	return fmt.Sprintf("cron(%s)", s.Expression)
}

// MarshalText serializes the spec for storage on a registration.
func (s Spec) MarshalText() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalText restores a stored spec.
func (s *Spec) UnmarshalText(data []byte) error {
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse recurrence spec: %w", err)
	}
	return s.Validate()
}
