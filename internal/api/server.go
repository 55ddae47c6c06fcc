package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/analytics"
	"github.com/supercheck-io/supercheck-sub010/internal/capacity"
	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/platform"
	"github.com/supercheck-io/supercheck-sub010/internal/queue"
	"github.com/supercheck-io/supercheck-sub010/internal/reconciler"
)

// Store is the slice of the persistence layer the HTTP surface reads and
// writes. Schedule-state columns are deliberately absent: they belong to
// the scheduler.
type Store interface {
	CreateMonitor(ctx context.Context, monitor *domain.Monitor) error
	MonitorByID(ctx context.Context, orgID, id uuid.UUID) (*domain.Monitor, error)
	ListMonitors(ctx context.Context, orgID, projectID uuid.UUID, limit, offset int) ([]domain.Monitor, error)
	UpdateMonitor(ctx context.Context, monitor *domain.Monitor) error
	DeleteMonitor(ctx context.Context, orgID, id uuid.UUID) error
	CountMonitors(ctx context.Context, orgID uuid.UUID) (int, error)
	RunOwnedBy(ctx context.Context, orgID, id uuid.UUID) (*domain.Run, error)
	ListRuns(ctx context.Context, orgID, projectID uuid.UUID, status domain.RunStatus, limit, offset int) ([]domain.Run, error)
}

// MonitorQuota resolves the plan's monitor allowance for a tenant. Zero
// means unlimited.
type MonitorQuota interface {
	MonitorLimitFor(ctx context.Context, orgID uuid.UUID) (int, error)
}

// MonitorScheduler manages the recurring registrations behind monitors.
type MonitorScheduler interface {
	ScheduleMonitor(ctx context.Context, monitor domain.Monitor) (string, error)
	RescheduleMonitor(ctx context.Context, monitor domain.Monitor) (*string, error)
	DeleteScheduledMonitor(ctx context.Context, monitor domain.Monitor) (bool, error)
	PauseMonitor(ctx context.Context, monitor domain.Monitor) error
	ResumeMonitor(ctx context.Context, monitor domain.Monitor) (bool, error)
}

// RunStarter admits, enqueues and cancels executions.
type RunStarter interface {
	StartRun(ctx context.Context, req reconciler.StartRequest) (reconciler.StartResult, error)
	StartMonitorCheck(ctx context.Context, monitor *domain.Monitor) (reconciler.StartResult, error)
	RequestCancel(ctx context.Context, runID uuid.UUID) (reconciler.CancelOutcome, error)
}

// QueueStats exposes per-queue occupancy snapshots.
type QueueStats interface {
	Kinds() []domain.TaskKind
	Counts(ctx context.Context, kind domain.TaskKind) (queue.Counts, error)
}

// StatsReader serves aggregated run outcome history.
type StatsReader interface {
	ProjectStats(ctx context.Context, projectID uuid.UUID, days int) (analytics.ProjectStats, error)
}

// EventSource is the live lifecycle event feed behind the stream endpoints.
type EventSource interface {
	Ready(ctx context.Context) error
	Subscribe() (<-chan domain.QueueEvent, func())
}

// HealthChecker is anything the verbose health endpoint can probe.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// BreakerStatus reports a circuit breaker's state for health output.
type BreakerStatus interface {
	State(key string) string
}

// Config tunes the HTTP server.
type Config struct {
	Addr            string
	SSEPingInterval time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
	WebhookSecret   string
	MetricsPath     string

	// Development switches gin to debug mode and puts raw error strings in
	// 500 bodies instead of a generic message.
	Development bool
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.SSEPingInterval <= 0 {
		c.SSEPingInterval = 30 * time.Second
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 50
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 100
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
}

// Deps collects everything the handlers call into. Audit, Quota, Stats,
// DB, Redis, Breaker and Metrics may be nil; the rest are required. A nil
// Quota leaves the plan's monitor allowance unenforced.
type Deps struct {
	Auth      platform.AuthResolver
	Perms     platform.PermissionChecker
	Audit     platform.AuditRecorder
	Store     Store
	Scheduler MonitorScheduler
	Runs      RunStarter
	Quota     MonitorQuota
	Queues    QueueStats
	Stats     StatsReader
	Events    EventSource

	DB      HealthChecker
	Redis   HealthChecker
	Breaker BreakerStatus

	// Metrics, when set, is mounted at Config.MetricsPath without auth.
	Metrics http.Handler
}

// Server is the HTTP surface: monitor CRUD, run triggers, the event stream
// and operational introspection.
type Server struct {
	config  Config
	deps    Deps
	log     *logrus.Entry
	router  *gin.Engine
	limiter *tenantLimiter
	http    *http.Server
}

func New(config Config, deps Deps, logger *logrus.Logger) *Server {
	config.applyDefaults()
	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:  config,
		deps:    deps,
		log:     logger.WithField("component", "api"),
		limiter: newTenantLimiter(config.RateLimitRPS, config.RateLimitBurst),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog(), corsMiddleware())
	s.router = router
	s.routes()

	s.http = &http.Server{
		Addr:              config.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	if s.deps.Metrics != nil {
		s.router.GET(s.config.MetricsPath, gin.WrapH(s.deps.Metrics))
	}

	// Webhook triggers authenticate by signature, not bearer token.
	s.router.POST("/api/hooks/:id", s.webhookTrigger)

	authed := s.router.Group("/api", s.requireAuth())
	{
		authed.GET("/monitors", s.listMonitors)
		authed.POST("/monitors", s.createMonitor)
		authed.GET("/monitors/:id", s.getMonitor)
		authed.PUT("/monitors/:id", s.updateMonitor)
		authed.DELETE("/monitors/:id", s.deleteMonitor)
		authed.POST("/monitors/:id/pause", s.pauseMonitor)
		authed.POST("/monitors/:id/resume", s.resumeMonitor)
		authed.POST("/monitors/:id/run", s.rateLimit(), s.runMonitorNow)

		authed.POST("/runs", s.rateLimit(), s.startRun)
		authed.GET("/runs", s.listRuns)
		authed.GET("/runs/:id", s.getRun)
		authed.POST("/runs/:id/cancel", s.cancelRun)

		authed.GET("/queues", s.queueStats)
		authed.GET("/projects/:id/stats", s.projectStats)

		authed.GET("/events", s.streamEvents)
		authed.GET("/events/ws", s.streamEventsWS)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.config.Addr).Info("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Rejection reason codes minted by the HTTP layer itself. The remaining
// codes come from the capacity gate and the credit checker.
const (
	reasonRateLimited           = "rate_limited"
	reasonPermissionDenied      = "permission_denied"
	reasonPermissionCheckFailed = "permission_check_failed"
)

// rejectionStatus maps stable rejection reason codes onto HTTP statuses:
// credit exhaustion to 402, everything capacity- or throttle-shaped to 429.
func rejectionStatus(reason string) int {
	switch reason {
	case platform.ReasonCreditExhausted, platform.ReasonCreditCheckFailed:
		return http.StatusPaymentRequired
	case capacity.ReasonRunningCapacity, capacity.ReasonQueuedCapacity,
		capacity.ReasonGlobalCapacity, capacity.ReasonMonitorLimit,
		capacity.ReasonCheckFailed, reasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusTooManyRequests
	}
}

func (s *Server) rejected(c *gin.Context, reason, guidance string) {
	c.JSON(rejectionStatus(reason), ErrorResponse{
		Error:    "request rejected",
		Reason:   reason,
		Guidance: guidance,
	})
}

// allowed runs a permission check and writes the 403 on denial. A checker
// failure also denies: authorization fails closed like admission does.
func (s *Server) allowed(c *gin.Context, auth platform.AuthContext, resource, action string) bool {
	ok, err := s.deps.Perms.Check(c.Request.Context(), auth, resource, action)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"resource": resource,
			"action":   action,
		}).Warn("permission check failed, denying")
		c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
			Error:    "permission could not be verified",
			Reason:   reasonPermissionCheckFailed,
			Guidance: "Permission could not be verified; please retry shortly.",
		})
		return false
	}
	if !ok {
		s.log.WithFields(logrus.Fields{
			"org_id":   auth.OrgID,
			"resource": resource,
			"action":   action,
		}).Info("permission denied")
		c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
			Error:    "permission denied",
			Reason:   reasonPermissionDenied,
			Guidance: "You do not have permission for this action; ask an organization admin.",
		})
		return false
	}
	return true
}

// internalError logs the failure and answers with a body that leaks detail
// only in development mode.
func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.WithError(err).Error(op + " failed")
	msg := "internal error"
	if s.config.Development {
		msg = err.Error()
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: msg})
}

func (s *Server) notFoundOr500(c *gin.Context, op string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
		return
	}
	s.internalError(c, op, err)
}

func (s *Server) recordAudit(c *gin.Context, auth platform.AuthContext, action, resource string) {
	if s.deps.Audit == nil {
		return
	}
	s.deps.Audit.Record(c.Request.Context(), platform.AuditEntry{
		Actor:    auth.UserID,
		OrgID:    auth.OrgID,
		Action:   action,
		Resource: resource,
		At:       time.Now().UTC(),
	})
}

// bindJSON decodes the request body into dst, capped at maxRequestBody.
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBody)
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// uuidParam parses a path parameter as a UUID, answering 400 on failure.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// uuidQuery parses an optional query parameter as a UUID. Absent means
// uuid.Nil with ok=true.
func uuidQuery(c *gin.Context, name string) (uuid.UUID, bool) {
	raw := c.Query(name)
	if raw == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}
