// Package platform declares the narrow contracts to the surrounding SaaS:
// identity, permission checks, billing credits, audit recording, and
// project variable resolution. The scheduler core talks to those systems
// only through these interfaces; the implementations here are for
// development and tests, production wires the real services in cmd.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

// ErrUnauthenticated is returned when no valid caller identity can be
// established. Handlers map it to 401.
var ErrUnauthenticated = errors.New("authentication required")

// AuthContext identifies the authenticated caller of a request.
type AuthContext struct {
	UserID uuid.UUID
	OrgID  uuid.UUID
	Email  string
	Plan   string
}

// AuthResolver turns a bearer token into a caller identity.
type AuthResolver interface {
	Resolve(ctx context.Context, token string) (AuthContext, error)
}

// PermissionChecker answers "may this caller do action on resource". A
// denial short-circuits a request before any admission decision.
type PermissionChecker interface {
	Check(ctx context.Context, auth AuthContext, resource, action string) (bool, error)
}

// Credit rejection reason codes. API handlers map both to 402.
const (
	ReasonCreditExhausted   = "credit_exhausted"
	ReasonCreditCheckFailed = "credit_check_failed"
)

// CreditDecision is the outcome of a metered-operation charge.
type CreditDecision struct {
	Allowed  bool
	Reason   string
	Guidance string
}

// CreditGate consumes one billing credit for a metered operation, or
// refuses. Refusals surface as 402 to the trigger origin and are never
// bypassed.
type CreditGate interface {
	Consume(ctx context.Context, orgID uuid.UUID, kind domain.TaskKind) (CreditDecision, error)
}

// AuditEntry is one recorded user-visible action.
type AuditEntry struct {
	Actor    uuid.UUID
	OrgID    uuid.UUID
	Action   string
	Resource string
	Detail   string
	At       time.Time
}

// AuditRecorder hands an action to the audit pipeline. Recording is
// fire-and-forget: persistence lives outside this service and must never
// block or fail a request.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// VariableResolver resolves the variables/secrets attached to a project,
// merged into test payloads at admission.
type VariableResolver interface {
	Resolve(ctx context.Context, projectID uuid.UUID) (map[string]string, error)
}
