package capacity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/supercheck-io/supercheck-sub010/internal/circuitbreaker"
	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/queue"
	"github.com/supercheck-io/supercheck-sub010/internal/testutil"
)

type mockIntrospector struct {
	mu          sync.Mutex
	counts      queue.Counts
	tenant      queue.TenantCounts
	err         error
	countsCalls int
	tenantCalls int
}

func (m *mockIntrospector) Counts(ctx context.Context, kind domain.TaskKind) (queue.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countsCalls++
	if m.err != nil {
		return queue.Counts{}, m.err
	}
	return m.counts, nil
}

func (m *mockIntrospector) TenantCountsFor(ctx context.Context, kind domain.TaskKind, orgID uuid.UUID) (queue.TenantCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantCalls++
	if m.err != nil {
		return queue.TenantCounts{}, m.err
	}
	return m.tenant, nil
}

func (m *mockIntrospector) calls() (counts, tenant int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countsCalls, m.tenantCalls
}

type staticResolver struct {
	plan string
	err  error
}

func (r *staticResolver) PlanFor(ctx context.Context, orgID uuid.UUID) (string, error) {
	return r.plan, r.err
}

var testOrg = testutil.MustParseUUID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func newTestGate(introspector QueueIntrospector, resolver PlanResolver, config Config) *Gate {
	catalog := NewCatalog("", testutil.DiscardLogger())
	return NewGate(introspector, catalog, resolver, config, testutil.DiscardLogger())
}

func TestGate_AdmitsUnderCeilings(t *testing.T) {
	introspector := &mockIntrospector{tenant: queue.TenantCounts{Waiting: 2, Active: 1}}
	gate := newTestGate(introspector, &staticResolver{plan: PlanTeam}, Config{})

	decision, err := gate.CanAdmit(context.Background(), testOrg, domain.TaskKindBrowserTest)
	if err != nil {
		t.Fatalf("CanAdmit: %v", err)
	}
	if !decision.Admit {
		t.Errorf("expected admission, got rejection %q", decision.Reason)
	}
	if decision.Reason != "" || decision.Guidance != "" {
		t.Errorf("admitted decision must carry no reason/guidance, got %+v", decision)
	}
}

func TestGate_RejectsAtRunningCeiling(t *testing.T) {
	// Team plan allows 10 running; the tenant already has 10.
	introspector := &mockIntrospector{tenant: queue.TenantCounts{Waiting: 0, Active: 10}}
	gate := newTestGate(introspector, &staticResolver{plan: PlanTeam}, Config{})

	decision, err := gate.CanAdmit(context.Background(), testOrg, domain.TaskKindBrowserTest)
	if err != nil {
		t.Fatalf("CanAdmit: %v", err)
	}
	if decision.Admit {
		t.Fatal("expected rejection at the running ceiling")
	}
	if decision.Reason != ReasonRunningCapacity {
		t.Errorf("Reason = %q, want %q", decision.Reason, ReasonRunningCapacity)
	}
	if decision.Guidance == "" {
		t.Error("rejection must carry human guidance")
	}
}

func TestGate_RejectsAtQueuedCeiling(t *testing.T) {
	introspector := &mockIntrospector{tenant: queue.TenantCounts{Waiting: 100, Active: 1}}
	gate := newTestGate(introspector, &staticResolver{plan: PlanTeam}, Config{})

	decision, err := gate.CanAdmit(context.Background(), testOrg, domain.TaskKindLoadTest)
	if err != nil {
		t.Fatalf("CanAdmit: %v", err)
	}
	if decision.Admit {
		t.Fatal("expected rejection at the queued ceiling")
	}
	if decision.Reason != ReasonQueuedCapacity {
		t.Errorf("Reason = %q, want %q", decision.Reason, ReasonQueuedCapacity)
	}
}

func TestGate_FailsClosedOnIntrospectionError(t *testing.T) {
	introspector := &mockIntrospector{err: errors.New("connection refused")}
	gate := newTestGate(introspector, &staticResolver{plan: PlanFree}, Config{})

	decision, err := gate.CanAdmit(context.Background(), testOrg, domain.TaskKindMonitorCheck)
	if err != nil {
		t.Fatalf("introspection failure must not surface as an error, got: %v", err)
	}
	if decision.Admit {
		t.Fatal("unreachable queue must reject, never silently admit")
	}
	if decision.Reason != ReasonCheckFailed {
		t.Errorf("Reason = %q, want %q", decision.Reason, ReasonCheckFailed)
	}
}

func TestGate_FailsClosedOnPlanResolutionError(t *testing.T) {
	introspector := &mockIntrospector{}
	gate := newTestGate(introspector, &staticResolver{err: errors.New("billing unavailable")}, Config{})

	decision, err := gate.CanAdmit(context.Background(), testOrg, domain.TaskKindBrowserTest)
	if err != nil {
		t.Fatalf("CanAdmit: %v", err)
	}
	if decision.Admit || decision.Reason != ReasonCheckFailed {
		t.Errorf("decision = %+v, want fail-closed rejection", decision)
	}
}

func TestGate_BreakerShortCircuitsAfterRepeatedFailures(t *testing.T) {
	introspector := &mockIntrospector{err: errors.New("connection refused")}
	gate := newTestGate(introspector, &staticResolver{plan: PlanFree}, Config{}).
		WithBreaker(circuitbreaker.New(3, time.Minute))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		decision, err := gate.CanAdmit(ctx, testOrg, domain.TaskKindBrowserTest)
		if err != nil || decision.Admit {
			t.Fatalf("check %d: decision = %+v, err = %v", i+1, decision, err)
		}
	}
	_, before := introspector.calls()

	// Breaker is open now: the next check rejects without touching the queue.
	decision, err := gate.CanAdmit(ctx, testOrg, domain.TaskKindBrowserTest)
	if err != nil {
		t.Fatalf("CanAdmit with open breaker: %v", err)
	}
	if decision.Admit || decision.Reason != ReasonCheckFailed {
		t.Errorf("decision = %+v, want fail-closed rejection", decision)
	}
	if _, after := introspector.calls(); after != before {
		t.Errorf("introspector called %d times after breaker opened, want %d", after, before)
	}
}

func TestGate_GlobalIsolationUsesGlobalCounts(t *testing.T) {
	introspector := &mockIntrospector{counts: queue.Counts{Waiting: 5, Active: 25, Delayed: 1}}
	gate := newTestGate(introspector, &staticResolver{plan: PlanScale}, Config{Isolation: IsolationGlobal})

	decision, err := gate.CanAdmit(context.Background(), testOrg, domain.TaskKindBrowserTest)
	if err != nil {
		t.Fatalf("CanAdmit: %v", err)
	}
	// Scale allows 25 running; global active is already 25.
	if decision.Admit || decision.Reason != ReasonRunningCapacity {
		t.Errorf("decision = %+v, want running rejection from global counts", decision)
	}
	if counts, tenant := introspector.calls(); counts != 1 || tenant != 0 {
		t.Errorf("calls = (counts %d, tenant %d), want global path only", counts, tenant)
	}
}

func TestGate_DeploymentCeiling(t *testing.T) {
	introspector := &mockIntrospector{
		tenant: queue.TenantCounts{Waiting: 0, Active: 0},
		counts: queue.Counts{Active: 50},
	}
	gate := newTestGate(introspector, &staticResolver{plan: PlanTeam}, Config{GlobalRunningCapacity: 50})

	decision, err := gate.CanAdmit(context.Background(), testOrg, domain.TaskKindLoadTest)
	if err != nil {
		t.Fatalf("CanAdmit: %v", err)
	}
	if decision.Admit || decision.Reason != ReasonGlobalCapacity {
		t.Errorf("decision = %+v, want deployment-ceiling rejection", decision)
	}
}

func TestGate_UnknownPlanGetsFreeTierLimits(t *testing.T) {
	// Free allows 1 running; one active execution blocks the next.
	introspector := &mockIntrospector{tenant: queue.TenantCounts{Active: 1}}
	gate := newTestGate(introspector, &staticResolver{plan: "enterprise-trial"}, Config{})

	decision, err := gate.CanAdmit(context.Background(), testOrg, domain.TaskKindBrowserTest)
	if err != nil {
		t.Fatalf("CanAdmit: %v", err)
	}
	if decision.Admit || decision.Reason != ReasonRunningCapacity {
		t.Errorf("decision = %+v, want free-tier running rejection", decision)
	}
}

func TestGate_InvalidKind(t *testing.T) {
	gate := newTestGate(&mockIntrospector{}, &staticResolver{plan: PlanFree}, Config{})
	if _, err := gate.CanAdmit(context.Background(), testOrg, domain.TaskKind("video-test")); err == nil {
		t.Error("expected error for unknown task kind")
	}
}

func TestGate_ZeroCapacityPlanAdmitsNothing(t *testing.T) {
	introspector := &mockIntrospector{}
	catalog := NewCatalog("", testutil.DiscardLogger())
	gate := NewGate(introspector, catalog, &staticResolver{plan: "suspended"}, Config{}, testutil.DiscardLogger())
	// Point the lookup at a tier that admits nothing by draining free.
	catalog.mu.Lock()
	catalog.plans = map[string]domain.Plan{"suspended": {Name: "suspended"}}
	catalog.mu.Unlock()

	decision, err := gate.CanAdmit(context.Background(), testOrg, domain.TaskKindBrowserTest)
	if err != nil {
		t.Fatalf("CanAdmit: %v", err)
	}
	if decision.Admit {
		t.Error("zero-capacity plan must admit nothing")
	}
}

func TestGate_MonitorLimitFor(t *testing.T) {
	gate := newTestGate(&mockIntrospector{}, &staticResolver{plan: PlanTeam}, Config{})

	limit, err := gate.MonitorLimitFor(context.Background(), testOrg)
	if err != nil {
		t.Fatalf("MonitorLimitFor: %v", err)
	}
	if limit != 100 {
		t.Errorf("limit = %d, want the team allowance of 100", limit)
	}
}

func TestGate_MonitorLimitForResolverFailure(t *testing.T) {
	gate := newTestGate(&mockIntrospector{}, &staticResolver{err: errors.New("billing down")}, Config{})

	if _, err := gate.MonitorLimitFor(context.Background(), testOrg); err == nil {
		t.Error("expected error when the plan cannot be resolved")
	}
}
