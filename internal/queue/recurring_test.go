package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/supercheck-io/supercheck-sub010/internal/cron"
	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/testutil"
)

func TestRecurringHandle_Deterministic(t *testing.T) {
	spec := cron.EverySpec(5)
	a := recurringHandle("monitor:42", spec)
	b := recurringHandle("monitor:42", spec)
	if a != b {
		t.Errorf("identical registrations produced different handles: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("handle length = %d, want 16", len(a))
	}
}

func TestRecurringHandle_DivergesWithRecurrence(t *testing.T) {
	base := recurringHandle("monitor:42", cron.EverySpec(5))
	tests := []struct {
		name string
		key  string
		spec cron.Spec
	}{
		{"different key", "monitor:43", cron.EverySpec(5)},
		{"different frequency", "monitor:42", cron.EverySpec(10)},
		{"expression instead of frequency", "monitor:42", cron.ExpressionSpec("*/5 * * * *", "")},
		{"different timezone", "monitor:42", cron.ExpressionSpec("*/5 * * * *", "America/New_York")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recurringHandle(tt.key, tt.spec); got == base {
				t.Errorf("handle %q collides with base registration", got)
			}
		})
	}
}

func TestFireAdmitted_NoCheckAdmits(t *testing.T) {
	a := New(nil, Config{}, testutil.DiscardLogger())

	admit, reason := a.fireAdmitted(context.Background(), uuid.New(), domain.TaskKindMonitorCheck, "monitor:42")
	if !admit {
		t.Error("with no admission check attached every fire must proceed")
	}
	if reason != "" {
		t.Errorf("reason = %q, want empty", reason)
	}
}

func TestFireAdmitted_RejectionRefusesFire(t *testing.T) {
	orgID := uuid.New()
	var askedOrg uuid.UUID
	var askedKind domain.TaskKind
	a := New(nil, Config{}, testutil.DiscardLogger()).WithAdmission(
		func(ctx context.Context, org uuid.UUID, kind domain.TaskKind) (bool, string, error) {
			askedOrg, askedKind = org, kind
			return false, "running_capacity_exceeded", nil
		})

	admit, reason := a.fireAdmitted(context.Background(), orgID, domain.TaskKindMonitorCheck, "monitor:42")
	if admit {
		t.Error("a rejected fire must not proceed")
	}
	if reason != "running_capacity_exceeded" {
		t.Errorf("reason = %q, want the gate's code", reason)
	}
	if askedOrg != orgID || askedKind != domain.TaskKindMonitorCheck {
		t.Errorf("check asked for %s/%s, want the registration's tenant and kind", askedOrg, askedKind)
	}
}

func TestFireAdmitted_CheckErrorRefusesFire(t *testing.T) {
	a := New(nil, Config{}, testutil.DiscardLogger()).WithAdmission(
		func(ctx context.Context, org uuid.UUID, kind domain.TaskKind) (bool, string, error) {
			return false, "", errors.New("redis down")
		})

	admit, reason := a.fireAdmitted(context.Background(), uuid.New(), domain.TaskKindBrowserTest, "testjob:7")
	if admit {
		t.Error("an unverifiable fire must fail closed")
	}
	if reason != "admission_check_failed" {
		t.Errorf("reason = %q, want admission_check_failed", reason)
	}
}
