package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestTaskKind_QueueName(t *testing.T) {
	tests := []struct {
		kind TaskKind
		want string
	}{
		{TaskKindBrowserTest, "browser-test-execution"},
		{TaskKindLoadTest, "load-test-execution"},
		{TaskKindMonitorCheck, "monitor-check-execution"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.QueueName(); got != tt.want {
				t.Errorf("QueueName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTaskKind_Category(t *testing.T) {
	if got := TaskKindMonitorCheck.Category(); got != CategoryMonitor {
		t.Errorf("monitor-check category = %q, want %q", got, CategoryMonitor)
	}
	if got := TaskKindBrowserTest.Category(); got != CategoryTest {
		t.Errorf("browser-test category = %q, want %q", got, CategoryTest)
	}
	if got := TaskKindLoadTest.Category(); got != CategoryTest {
		t.Errorf("load-test category = %q, want %q", got, CategoryTest)
	}
}

func TestEncodeDecodeTask_RoundTrip(t *testing.T) {
	task := &BrowserTestTask{
		RunID:     uuid.New(),
		ProjectID: uuid.New(),
		Script:    `import { test } from "@playwright/test";`,
		Variables: map[string]string{"BASE_URL": "https://example.com"},
	}

	data, err := EncodeTask(TaskKindBrowserTest, task)
	if err != nil {
		t.Fatalf("EncodeTask failed: %v", err)
	}

	decoded, err := DecodeTask(TaskKindBrowserTest, data)
	if err != nil {
		t.Fatalf("DecodeTask failed: %v", err)
	}

	got, ok := decoded.(*BrowserTestTask)
	if !ok {
		t.Fatalf("decoded type = %T, want *BrowserTestTask", decoded)
	}
	if got.RunID != task.RunID {
		t.Errorf("RunID = %v, want %v", got.RunID, task.RunID)
	}
	if got.Variables["BASE_URL"] != "https://example.com" {
		t.Errorf("Variables not preserved: %v", got.Variables)
	}
}

func TestEncodeTask_KindMismatch(t *testing.T) {
	_, err := EncodeTask(TaskKindLoadTest, &BrowserTestTask{RunID: uuid.New()})
	if err == nil {
		t.Fatal("expected error encoding browser task under load-test kind")
	}
}

func TestDecodeTask_WrongQueue(t *testing.T) {
	data, err := EncodeTask(TaskKindLoadTest, &LoadTestTask{RunID: uuid.New(), Script: "export default function() {}"})
	if err != nil {
		t.Fatalf("EncodeTask failed: %v", err)
	}

	_, err = DecodeTask(TaskKindBrowserTest, data)
	if err == nil {
		t.Fatal("expected error decoding load-test payload on browser-test queue")
	}
	if !strings.Contains(err.Error(), "does not match queue kind") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDecodeTask_UnknownFieldRejected(t *testing.T) {
	data := []byte(`{"kind":"monitor-check","task":{"monitorId":"` + uuid.NewString() + `","projectId":"` + uuid.NewString() + `","type":"http","target":"https://example.com","check":{},"bogus":true}}`)

	_, err := DecodeTask(TaskKindMonitorCheck, data)
	if err == nil {
		t.Fatal("expected strict decode to reject unknown field")
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	terminal := []RunStatus{RunStatusPassed, RunStatusFailed, RunStatusCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if RunStatusRunning.Terminal() {
		t.Error("running should not be terminal")
	}
}

func TestEventName_Terminal(t *testing.T) {
	if !EventCompleted.Terminal() || !EventFailed.Terminal() {
		t.Error("completed/failed should be terminal")
	}
	for _, n := range []EventName{EventWaiting, EventActive, EventStalled} {
		if n.Terminal() {
			t.Errorf("%s should not be terminal", n)
		}
	}
}

func TestMonitor_Schedulable(t *testing.T) {
	tests := []struct {
		name    string
		status  MonitorStatus
		freq    int
		want    bool
	}{
		{"active valid frequency", MonitorStatusActive, 5, true},
		{"active minimum frequency", MonitorStatusActive, 1, true},
		{"active maximum frequency", MonitorStatusActive, 1440, true},
		{"paused", MonitorStatusPaused, 5, false},
		{"zero frequency", MonitorStatusActive, 0, false},
		{"over maximum", MonitorStatusActive, 1441, false},
		{"negative", MonitorStatusActive, -5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Monitor{Status: tt.status, FrequencyMinutes: tt.freq}
			if got := m.Schedulable(); got != tt.want {
				t.Errorf("Schedulable() = %v, want %v", got, tt.want)
			}
		})
	}
}
