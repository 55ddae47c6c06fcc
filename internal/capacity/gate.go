package capacity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/circuitbreaker"
	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/metrics"
	"github.com/supercheck-io/supercheck-sub010/internal/queue"
)

// Machine-readable rejection reason codes. API handlers map all of them to
// 429; Guidance carries the human-facing text.
const (
	ReasonRunningCapacity = "running_capacity_exceeded"
	ReasonQueuedCapacity  = "queued_capacity_exceeded"
	ReasonGlobalCapacity  = "global_capacity_exceeded"
	ReasonMonitorLimit    = "monitor_limit_exceeded"
	ReasonCheckFailed     = "capacity_check_failed"
)

// Isolation modes.
const (
	IsolationTenant = "tenant"
	IsolationGlobal = "global"
)

// BreakerKey names the queue-introspection dependency on the breaker.
// Health surfaces report the breaker state under this key.
const BreakerKey = "queue-introspection"

// Decision is an admission verdict. Reason and Guidance are set only on
// rejection; Reason is a stable code, Guidance is for humans.
type Decision struct {
	Admit    bool   `json:"admit"`
	Reason   string `json:"reason,omitempty"`
	Guidance string `json:"guidance,omitempty"`
}

// QueueIntrospector is the read-only slice of the queue adapter the gate
// consults.
type QueueIntrospector interface {
	Counts(ctx context.Context, kind domain.TaskKind) (queue.Counts, error)
	TenantCountsFor(ctx context.Context, kind domain.TaskKind, orgID uuid.UUID) (queue.TenantCounts, error)
}

// PlanResolver yields the plan name a tenant currently subscribes to.
type PlanResolver interface {
	PlanFor(ctx context.Context, orgID uuid.UUID) (string, error)
}

// Config tunes the gate.
type Config struct {
	// Isolation selects whose occupancy counts against the plan ceilings:
	// IsolationTenant compares the tenant's own counts, IsolationGlobal
	// compares deployment-wide counts.
	Isolation string

	// GlobalRunningCapacity additionally caps running work across all
	// tenants regardless of plan, 0 = disabled.
	GlobalRunningCapacity int
}

// Gate makes admission decisions. It is a pure read over queue occupancy:
// no reservation is taken, so two concurrent checks can both admit. The
// ceilings are soft limits with brief overshoot tolerance.
type Gate struct {
	queues   QueueIntrospector
	plans    *Catalog
	resolver PlanResolver
	config   Config
	log      *logrus.Entry
	breaker  *circuitbreaker.CircuitBreaker // optional, nil = disabled
	metrics  metrics.Sink                   // optional, nil = disabled
}

func NewGate(queues QueueIntrospector, plans *Catalog, resolver PlanResolver, config Config, logger *logrus.Logger) *Gate {
	if config.Isolation == "" {
		config.Isolation = IsolationTenant
	}
	return &Gate{
		queues:   queues,
		plans:    plans,
		resolver: resolver,
		config:   config,
		log:      logger.WithField("component", "capacity"),
	}
}

// WithBreaker shields queue introspection behind a circuit breaker: while
// the breaker is open, checks fail closed without touching the queue.
func (g *Gate) WithBreaker(breaker *circuitbreaker.CircuitBreaker) *Gate {
	g.breaker = breaker
	return g
}

// WithMetrics attaches a metrics sink to the gate.
func (g *Gate) WithMetrics(sink metrics.Sink) *Gate {
	g.metrics = sink
	return g
}

// CanAdmit decides whether one more execution of kind may be admitted for
// the tenant right now. The decision embeds every runtime failure as a
// rejection (fail closed); the returned error is non-nil only for invalid
// input.
func (g *Gate) CanAdmit(ctx context.Context, orgID uuid.UUID, kind domain.TaskKind) (Decision, error) {
	if !kind.Valid() {
		return Decision{}, fmt.Errorf("unknown task kind %q", kind)
	}

	if g.breaker != nil {
		if err := g.breaker.Allow(BreakerKey); err != nil {
			g.log.WithField("kind", string(kind)).Debug("admission rejected, introspection breaker open")
			return g.reject(kind, ReasonCheckFailed, "Capacity could not be verified; please retry shortly."), nil
		}
	}

	planName, err := g.resolver.PlanFor(ctx, orgID)
	if err != nil {
		g.log.WithError(err).WithField("org_id", orgID).Warn("plan resolution failed")
		return g.reject(kind, ReasonCheckFailed, "Capacity could not be verified; please retry shortly."), nil
	}
	plan := g.plans.Plan(planName)

	running, queued, err := g.occupancy(ctx, orgID, kind)
	if err != nil {
		if g.breaker != nil {
			g.breaker.RecordFailure(BreakerKey)
		}
		if g.metrics != nil {
			g.metrics.CapacityCheckError()
		}
		g.log.WithError(err).WithField("kind", string(kind)).Warn("queue introspection failed, rejecting")
		return g.reject(kind, ReasonCheckFailed, "Capacity could not be verified; please retry shortly."), nil
	}
	if g.breaker != nil {
		g.breaker.RecordSuccess(BreakerKey)
	}

	if running >= int64(plan.RunningCapacity) {
		g.log.WithFields(logrus.Fields{
			"org_id":  orgID,
			"kind":    string(kind),
			"plan":    plan.Name,
			"running": running,
		}).Info("admission rejected, running ceiling reached")
		return g.reject(kind, ReasonRunningCapacity,
			fmt.Sprintf("Your %s plan allows %d concurrent executions; wait for running work to finish or upgrade.", plan.Name, plan.RunningCapacity)), nil
	}
	if queued >= int64(plan.QueuedCapacity) {
		g.log.WithFields(logrus.Fields{
			"org_id": orgID,
			"kind":   string(kind),
			"plan":   plan.Name,
			"queued": queued,
		}).Info("admission rejected, queued ceiling reached")
		return g.reject(kind, ReasonQueuedCapacity,
			fmt.Sprintf("Your %s plan allows %d queued executions; wait for the queue to drain or upgrade.", plan.Name, plan.QueuedCapacity)), nil
	}

	if g.config.GlobalRunningCapacity > 0 {
		admitted, err := g.underGlobalCeiling(ctx, kind)
		if err != nil {
			if g.metrics != nil {
				g.metrics.CapacityCheckError()
			}
			g.log.WithError(err).WithField("kind", string(kind)).Warn("global ceiling check failed, rejecting")
			return g.reject(kind, ReasonCheckFailed, "Capacity could not be verified; please retry shortly."), nil
		}
		if !admitted {
			g.log.WithField("kind", string(kind)).Info("admission rejected, deployment ceiling reached")
			return g.reject(kind, ReasonGlobalCapacity, "The platform is at peak load; please retry shortly."), nil
		}
	}

	if g.metrics != nil {
		g.metrics.AdmissionDecision(string(kind), true, "")
	}
	return Decision{Admit: true}, nil
}

// MonitorLimitFor resolves how many monitors the tenant's plan allows.
// Zero means unlimited.
func (g *Gate) MonitorLimitFor(ctx context.Context, orgID uuid.UUID) (int, error) {
	planName, err := g.resolver.PlanFor(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("resolve plan: %w", err)
	}
	return g.plans.Plan(planName).MonitorLimit, nil
}

// occupancy reads the counts the configured isolation mode charges against
// the plan ceilings.
func (g *Gate) occupancy(ctx context.Context, orgID uuid.UUID, kind domain.TaskKind) (running, queued int64, err error) {
	if g.config.Isolation == IsolationGlobal {
		counts, err := g.queues.Counts(ctx, kind)
		if err != nil {
			return 0, 0, err
		}
		return counts.Active, counts.Waiting + counts.Delayed, nil
	}

	counts, err := g.queues.TenantCountsFor(ctx, kind, orgID)
	if err != nil {
		return 0, 0, err
	}
	// Tenant waiting occupancy already includes delayed entries.
	return counts.Active, counts.Waiting, nil
}

func (g *Gate) underGlobalCeiling(ctx context.Context, kind domain.TaskKind) (bool, error) {
	counts, err := g.queues.Counts(ctx, kind)
	if err != nil {
		return false, err
	}
	return counts.Active < int64(g.config.GlobalRunningCapacity), nil
}

func (g *Gate) reject(kind domain.TaskKind, reason, guidance string) Decision {
	if g.metrics != nil {
		g.metrics.AdmissionDecision(string(kind), false, reason)
	}
	return Decision{Admit: false, Reason: reason, Guidance: guidance}
}
