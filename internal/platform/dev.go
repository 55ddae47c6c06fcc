package platform

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

// Well-known identities injected when auth is disabled. Stable across
// restarts so local data stays attached to the same tenant.
var (
	DevUserID = uuid.MustParse("10000000-0000-4000-8000-000000000001")
	DevOrgID  = uuid.MustParse("10000000-0000-4000-8000-000000000002")
)

// DevAuthResolver trusts every request and answers with a fixed identity.
// Local development only; never wire it behind a public listener.
type DevAuthResolver struct {
	plan string
}

func NewDevAuthResolver(plan string) *DevAuthResolver {
	if plan == "" {
		plan = "team"
	}
	return &DevAuthResolver{plan: plan}
}

func (r *DevAuthResolver) Resolve(ctx context.Context, token string) (AuthContext, error) {
	return AuthContext{
		UserID: DevUserID,
		OrgID:  DevOrgID,
		Email:  "dev@supercheck.local",
		Plan:   r.plan,
	}, nil
}

// AllowAllPermissions grants every permission check.
type AllowAllPermissions struct{}

func (AllowAllPermissions) Check(ctx context.Context, auth AuthContext, resource, action string) (bool, error) {
	return true, nil
}

// UnlimitedCredits admits every metered operation.
type UnlimitedCredits struct{}

func (UnlimitedCredits) Consume(ctx context.Context, orgID uuid.UUID, kind domain.TaskKind) (CreditDecision, error) {
	return CreditDecision{Allowed: true}, nil
}

// LogAuditRecorder writes audit entries to the service log. Stands in for
// the external audit pipeline.
type LogAuditRecorder struct {
	log *logrus.Entry
}

func NewLogAuditRecorder(logger *logrus.Logger) *LogAuditRecorder {
	return &LogAuditRecorder{log: logger.WithField("component", "audit")}
}

func (r *LogAuditRecorder) Record(ctx context.Context, entry AuditEntry) {
	r.log.WithFields(logrus.Fields{
		"actor":    entry.Actor,
		"org_id":   entry.OrgID,
		"action":   entry.Action,
		"resource": entry.Resource,
		"detail":   entry.Detail,
	}).Info("audit")
}

// StaticVariables returns the same variable set for every project.
type StaticVariables struct {
	vars map[string]string
}

func NewStaticVariables(vars map[string]string) *StaticVariables {
	if vars == nil {
		vars = map[string]string{}
	}
	return &StaticVariables{vars: vars}
}

func (v *StaticVariables) Resolve(ctx context.Context, projectID uuid.UUID) (map[string]string, error) {
	out := make(map[string]string, len(v.vars))
	for k, val := range v.vars {
		out[k] = val
	}
	return out, nil
}

// StaticPlans resolves organization plans from an in-memory assignment,
// falling back to a default tier. Satisfies the capacity gate's resolver.
type StaticPlans struct {
	mu       sync.RWMutex
	plans    map[uuid.UUID]string
	fallback string
}

func NewStaticPlans(fallback string) *StaticPlans {
	if fallback == "" {
		fallback = "free"
	}
	return &StaticPlans{
		plans:    make(map[uuid.UUID]string),
		fallback: fallback,
	}
}

// Assign binds an organization to a plan tier.
func (p *StaticPlans) Assign(orgID uuid.UUID, plan string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[orgID] = plan
}

func (p *StaticPlans) PlanFor(ctx context.Context, orgID uuid.UUID) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if plan, ok := p.plans[orgID]; ok {
		return plan, nil
	}
	return p.fallback, nil
}
