package platform

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

func TestDevAuthResolver_FixedIdentity(t *testing.T) {
	resolver := NewDevAuthResolver("")

	first, err := resolver.Resolve(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	second, err := resolver.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first.OrgID != second.OrgID || first.UserID != second.UserID {
		t.Error("dev identity is not stable across calls")
	}
	if first.OrgID != DevOrgID {
		t.Errorf("OrgID = %v, want %v", first.OrgID, DevOrgID)
	}
	if first.Plan != "team" {
		t.Errorf("default plan = %q, want team", first.Plan)
	}
}

func TestStaticPlans_FallbackAndAssign(t *testing.T) {
	plans := NewStaticPlans("developer")
	orgID := uuid.New()

	plan, err := plans.PlanFor(context.Background(), orgID)
	if err != nil {
		t.Fatalf("PlanFor() error = %v", err)
	}
	if plan != "developer" {
		t.Errorf("fallback plan = %q, want developer", plan)
	}

	plans.Assign(orgID, "scale")
	plan, err = plans.PlanFor(context.Background(), orgID)
	if err != nil {
		t.Fatalf("PlanFor() error = %v", err)
	}
	if plan != "scale" {
		t.Errorf("assigned plan = %q, want scale", plan)
	}
}

func TestStaticVariables_CopiesOnResolve(t *testing.T) {
	vars := NewStaticVariables(map[string]string{"API_URL": "https://api.example.com"})

	got, err := vars.Resolve(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	got["API_URL"] = "mutated"

	again, err := vars.Resolve(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if again["API_URL"] != "https://api.example.com" {
		t.Error("resolver handed out its internal map instead of a copy")
	}
}

func TestUnlimitedCredits_Admits(t *testing.T) {
	decision, err := UnlimitedCredits{}.Consume(context.Background(), uuid.New(), domain.TaskKindBrowserTest)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if !decision.Allowed {
		t.Error("Allowed = false, want true")
	}
}
