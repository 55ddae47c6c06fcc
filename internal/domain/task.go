package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TaskKind selects the physical queue a task is executed on.
type TaskKind string

const (
	TaskKindBrowserTest  TaskKind = "browser-test"
	TaskKindLoadTest     TaskKind = "load-test"
	TaskKindMonitorCheck TaskKind = "monitor-check"
)

// AllTaskKinds lists every queue kind in a stable order.
var AllTaskKinds = []TaskKind{TaskKindBrowserTest, TaskKindLoadTest, TaskKindMonitorCheck}

func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindBrowserTest, TaskKindLoadTest, TaskKindMonitorCheck:
		return true
	}
	return false
}

// QueueName returns the name of the physical queue backing this kind.
func (k TaskKind) QueueName() string {
	return string(k) + "-execution"
}

// Category returns the event category reported for work of this kind.
func (k TaskKind) Category() EventCategory {
	if k == TaskKindMonitorCheck {
		return CategoryMonitor
	}
	return CategoryTest
}

// BrowserTestTask executes a Playwright-style test script.
type BrowserTestTask struct {
	RunID     uuid.UUID         `json:"runId"`
	ProjectID uuid.UUID         `json:"projectId"`
	TestID    string            `json:"testId,omitempty"`
	Name      string            `json:"name,omitempty"`
	Script    string            `json:"script"`
	Variables map[string]string `json:"variables,omitempty"`
	TimeoutS  int               `json:"timeoutSeconds,omitempty"`
}

// LoadTestTask executes a k6 load-test script in a specific region.
type LoadTestTask struct {
	RunID     uuid.UUID         `json:"runId"`
	ProjectID uuid.UUID         `json:"projectId"`
	TestID    string            `json:"testId,omitempty"`
	Name      string            `json:"name,omitempty"`
	Script    string            `json:"script"`
	Location  string            `json:"location,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	TimeoutS  int               `json:"timeoutSeconds,omitempty"`
}

// MonitorCheckTask executes one check of a recurring monitor. RunID is set
// only for ad hoc "run now" checks; scheduled ticks carry the zero value.
type MonitorCheckTask struct {
	MonitorID uuid.UUID   `json:"monitorId"`
	ProjectID uuid.UUID   `json:"projectId"`
	RunID     uuid.UUID   `json:"runId,omitempty"`
	Name      string      `json:"name,omitempty"`
	Type      MonitorType `json:"type"`
	Target    string      `json:"target"`
	Check     CheckConfig `json:"check"`
}

// taskEnvelope is the wire form stored on queue entries. The kind tag is
// redundant with the queue itself and exists so a payload routed to the wrong
// queue is rejected at decode time rather than executed.
type taskEnvelope struct {
	Kind TaskKind        `json:"kind"`
	Task json.RawMessage `json:"task"`
}

// EncodeTask serializes a task payload for the queue. The payload's concrete
// type must match kind.
func EncodeTask(kind TaskKind, task any) ([]byte, error) {
	if err := checkTaskType(kind, task); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return json.Marshal(taskEnvelope{Kind: kind, Task: raw})
}

// DecodeTask parses a queue payload into the concrete task type for kind.
// Unknown fields and kind mismatches are errors: payloads are decoded
// strictly at the queue boundary, never trusted as loose JSON.
func DecodeTask(kind TaskKind, data []byte) (any, error) {
	var env taskEnvelope
	if err := strictUnmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode task envelope: %w", err)
	}
	if env.Kind != kind {
		return nil, fmt.Errorf("task kind %q does not match queue kind %q", env.Kind, kind)
	}

	switch kind {
	case TaskKindBrowserTest:
		var t BrowserTestTask
		if err := strictUnmarshal(env.Task, &t); err != nil {
			return nil, fmt.Errorf("decode browser-test task: %w", err)
		}
		return &t, nil
	case TaskKindLoadTest:
		var t LoadTestTask
		if err := strictUnmarshal(env.Task, &t); err != nil {
			return nil, fmt.Errorf("decode load-test task: %w", err)
		}
		return &t, nil
	case TaskKindMonitorCheck:
		var t MonitorCheckTask
		if err := strictUnmarshal(env.Task, &t); err != nil {
			return nil, fmt.Errorf("decode monitor-check task: %w", err)
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
}

func checkTaskType(kind TaskKind, task any) error {
	ok := false
	switch kind {
	case TaskKindBrowserTest:
		_, ok = task.(*BrowserTestTask)
		if !ok {
			_, ok = task.(BrowserTestTask)
		}
	case TaskKindLoadTest:
		_, ok = task.(*LoadTestTask)
		if !ok {
			_, ok = task.(LoadTestTask)
		}
	case TaskKindMonitorCheck:
		_, ok = task.(*MonitorCheckTask)
		if !ok {
			_, ok = task.(MonitorCheckTask)
		}
	default:
		return fmt.Errorf("unknown task kind %q", kind)
	}
	if !ok {
		return fmt.Errorf("task type %T does not match kind %q", task, kind)
	}
	return nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
