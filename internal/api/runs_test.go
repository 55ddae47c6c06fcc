package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/supercheck-io/supercheck-sub010/internal/capacity"
	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/platform"
	"github.com/supercheck-io/supercheck-sub010/internal/reconciler"
)

func validStartRunRequest() StartRunRequest {
	return StartRunRequest{
		ProjectID:      testProject.String(),
		Script:         "import { test } from '@playwright/test';",
		Name:           "smoke",
		TimeoutSeconds: 120,
	}
}

func seedRun(env *testEnv, orgID uuid.UUID, status domain.RunStatus) domain.Run {
	run := domain.Run{
		ID:         uuid.New(),
		OrgID:      orgID,
		ProjectID:  testProject,
		Status:     status,
		Trigger:    domain.TriggerManual,
		Kind:       domain.TaskKindBrowserTest,
		QueueJobID: "qj-" + uuid.NewString(),
		StartedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		CreatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.store.seedRun(run)
	return run
}

func TestRuns_StartAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.runs.result = startResultWithRun(uuid.New(), domain.TriggerManual)

	rec := env.do(t, http.MethodPost, "/api/runs", validStartRunRequest())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	req := env.runs.lastStart(t)
	if req.OrgID != testOrg {
		t.Errorf("OrgID = %s, must come from the authenticated caller", req.OrgID)
	}
	if req.ProjectID != testProject {
		t.Errorf("ProjectID = %s, want %s", req.ProjectID, testProject)
	}
	if req.Trigger != domain.TriggerManual {
		t.Errorf("Trigger = %q, want manual", req.Trigger)
	}
	if req.Metadata.Source != "api" {
		t.Errorf("Metadata.Source = %q, want api", req.Metadata.Source)
	}
	if req.TimeoutS != 120 {
		t.Errorf("TimeoutS = %d, want 120", req.TimeoutS)
	}

	var resp RunResponse
	decodeInto(t, rec, &resp)
	if resp.Status != string(domain.RunStatusRunning) {
		t.Errorf("Status = %q, want running", resp.Status)
	}
	if resp.QueueJobID == "" {
		t.Error("response must expose the queue entry id")
	}
}

func TestRuns_StartValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(*StartRunRequest)
	}{
		{"missing project", func(r *StartRunRequest) { r.ProjectID = "" }},
		{"bad project id", func(r *StartRunRequest) { r.ProjectID = "nope" }},
		{"missing script", func(r *StartRunRequest) { r.Script = "   " }},
		{"negative timeout", func(r *StartRunRequest) { r.TimeoutSeconds = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validStartRunRequest()
			tt.mutate(&req)
			rec := env.do(t, http.MethodPost, "/api/runs", req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
	if env.runs.startCount() != 0 {
		t.Error("invalid requests must never reach the starter")
	}
}

func TestRuns_StartAmbiguousScript(t *testing.T) {
	env := newTestEnv(t)
	env.runs.err = reconciler.ErrScriptAmbiguous

	rec := env.do(t, http.MethodPost, "/api/runs", validStartRunRequest())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, classifier problems are the caller's fault", rec.Code)
	}
}

func TestRuns_StartCapacityRejected(t *testing.T) {
	env := newTestEnv(t)
	env.runs.result = reconciler.StartResult{Rejection: &reconciler.Rejection{
		Reason:   capacity.ReasonQueuedCapacity,
		Guidance: "Wait for the queue to drain or upgrade.",
	}}

	rec := env.do(t, http.MethodPost, "/api/runs", validStartRunRequest())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var resp ErrorResponse
	decodeInto(t, rec, &resp)
	if resp.Reason != capacity.ReasonQueuedCapacity {
		t.Errorf("Reason = %q, want %q", resp.Reason, capacity.ReasonQueuedCapacity)
	}
	if resp.Guidance == "" {
		t.Error("rejection guidance must reach the client")
	}
}

func TestRuns_StartCreditRejected(t *testing.T) {
	env := newTestEnv(t)
	env.runs.result = reconciler.StartResult{Rejection: &reconciler.Rejection{
		Reason:   platform.ReasonCreditExhausted,
		Guidance: "Add credits to keep running tests.",
	}}

	rec := env.do(t, http.MethodPost, "/api/runs", validStartRunRequest())
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestRuns_ListScopedAndFiltered(t *testing.T) {
	env := newTestEnv(t)
	seedRun(env, testOrg, domain.RunStatusRunning)
	seedRun(env, testOrg, domain.RunStatusPassed)
	seedRun(env, otherOrg, domain.RunStatusRunning)

	rec := env.do(t, http.MethodGet, "/api/runs?status=running&limit=10&offset=0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp ListRunsResponse
	decodeInto(t, rec, &resp)
	if len(resp.Runs) != 1 {
		t.Fatalf("got %d runs, want 1 after org+status filtering", len(resp.Runs))
	}
	if env.store.lastList.limit != 10 || env.store.lastList.status != domain.RunStatusRunning {
		t.Errorf("filters passed = %+v, want limit 10 status running", env.store.lastList)
	}
}

func TestRuns_ListRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/runs?status=exploded", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRuns_ListPaginationBounds(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if env.store.lastList.limit != DefaultLimit {
		t.Errorf("default limit = %d, want %d", env.store.lastList.limit, DefaultLimit)
	}

	rec = env.do(t, http.MethodGet, "/api/runs?limit=99999", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if env.store.lastList.limit != MaxLimit {
		t.Errorf("oversized limit = %d, want clamp to %d", env.store.lastList.limit, MaxLimit)
	}

	for _, q := range []string{"limit=0", "limit=-5", "limit=ten", "offset=-1"} {
		rec = env.do(t, http.MethodGet, "/api/runs?"+q, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestRuns_GetScopedToTenant(t *testing.T) {
	env := newTestEnv(t)
	mine := seedRun(env, testOrg, domain.RunStatusPassed)
	foreign := seedRun(env, otherOrg, domain.RunStatusPassed)

	rec := env.do(t, http.MethodGet, "/api/runs/"+mine.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("own run: status = %d, want 200", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/runs/"+foreign.ID.String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign run: status = %d, want 404 not 403", rec.Code)
	}
}

func TestRuns_CancelImmediate(t *testing.T) {
	env := newTestEnv(t)
	run := seedRun(env, testOrg, domain.RunStatusRunning)
	env.runs.outcome = reconciler.CancelOutcome{Canceled: true}

	rec := env.do(t, http.MethodPost, "/api/runs/"+run.ID.String()+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp CancelRunResponse
	decodeInto(t, rec, &resp)
	if !resp.Canceled || resp.Requested {
		t.Errorf("response = %+v, want canceled now", resp)
	}
}

func TestRuns_CancelDeferredToWorker(t *testing.T) {
	env := newTestEnv(t)
	run := seedRun(env, testOrg, domain.RunStatusRunning)
	env.runs.outcome = reconciler.CancelOutcome{Requested: true}

	rec := env.do(t, http.MethodPost, "/api/runs/"+run.ID.String()+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp CancelRunResponse
	decodeInto(t, rec, &resp)
	if resp.Canceled || !resp.Requested {
		t.Errorf("response = %+v, want cancel requested", resp)
	}
}

func TestRuns_CancelFinishedConflicts(t *testing.T) {
	env := newTestEnv(t)
	run := seedRun(env, testOrg, domain.RunStatusPassed)
	env.runs.cancelErr = reconciler.ErrRunFinished

	rec := env.do(t, http.MethodPost, "/api/runs/"+run.ID.String()+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestRuns_CancelForeignRunNeverReachesReconciler(t *testing.T) {
	env := newTestEnv(t)
	foreign := seedRun(env, otherOrg, domain.RunStatusRunning)

	rec := env.do(t, http.MethodPost, "/api/runs/"+foreign.ID.String()+"/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if len(env.runs.cancels) != 0 {
		t.Error("tenancy check must run before the cancel path")
	}
}
