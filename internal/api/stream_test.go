package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

func TestStreamVisible(t *testing.T) {
	event := domain.QueueEvent{OrgID: testOrg, ProjectID: testProject}

	tests := []struct {
		name      string
		orgID     uuid.UUID
		projectID uuid.UUID
		want      bool
	}{
		{"same org no project filter", testOrg, uuid.Nil, true},
		{"same org matching project", testOrg, testProject, true},
		{"same org different project", testOrg, uuid.New(), false},
		{"different org", otherOrg, uuid.Nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := streamVisible(event, tt.orgID, tt.projectID); got != tt.want {
				t.Errorf("streamVisible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStream_SSEDeliversTenantEvents(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	// A foreign-org event first; it must never reach this subscriber.
	env.events.ch <- domain.QueueEvent{
		Category:  domain.CategoryTest,
		Queue:     domain.TaskKindBrowserTest,
		JobID:     "foreign",
		OrgID:     otherOrg,
		Event:     domain.EventActive,
		Timestamp: time.Now(),
	}
	env.events.ch <- domain.QueueEvent{
		Category:  domain.CategoryTest,
		Queue:     domain.TaskKindBrowserTest,
		JobID:     "mine",
		OrgID:     testOrg,
		ProjectID: testProject,
		Event:     domain.EventCompleted,
		Status:    "passed",
		Timestamp: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	var data string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if data == "" {
		t.Fatal("no event frame arrived")
	}

	var got domain.QueueEvent
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	if got.JobID != "mine" {
		t.Errorf("JobID = %q, the foreign-org event must be filtered out", got.JobID)
	}
	if got.Status != "passed" || got.Event != domain.EventCompleted {
		t.Errorf("frame = %+v, want the completed event", got)
	}

	// Disconnecting must release the hub subscription.
	cancel()
	deadline := time.After(2 * time.Second)
	for !env.events.unsubscribed() {
		select {
		case <-deadline:
			t.Fatal("subscription not released after disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStream_SSEKeepAlivePing(t *testing.T) {
	env := newTestEnv(t, func(c *Config, d *Deps) {
		c.SSEPingInterval = 20 * time.Millisecond
	})
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), ": ping") {
			return
		}
	}
	t.Fatal("no keep-alive comment arrived on an idle stream")
}

func TestStream_UnavailableHub(t *testing.T) {
	env := newTestEnv(t)
	env.events.readyErr = errors.New("subscriber not attached")

	rec := env.do(t, http.MethodGet, "/api/events", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestStream_RejectsBadProjectFilter(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/events?project=not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStream_WebSocketMirrorsEvents(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer test-token")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	env.events.ch <- domain.QueueEvent{
		Category:  domain.CategoryJob,
		Queue:     domain.TaskKindLoadTest,
		JobID:     "ws-1",
		OrgID:     testOrg,
		Event:     domain.EventActive,
		Timestamp: time.Now(),
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got domain.QueueEvent
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.JobID != "ws-1" || got.Event != domain.EventActive {
		t.Errorf("event = %+v, want the active ws-1 event", got)
	}
}
