package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/supercheck-io/supercheck-sub010/internal/capacity"
	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

func (s *Server) createMonitor(c *gin.Context) {
	auth := currentAuth(c)
	if !s.allowed(c, auth, "monitors", "write") {
		return
	}

	var req CreateMonitorRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := validateCreateMonitor(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid projectId"})
		return
	}

	if !s.underMonitorLimit(c, auth.OrgID) {
		return
	}

	now := time.Now().UTC()
	monitor := &domain.Monitor{
		ID:               uuid.New(),
		OrgID:            auth.OrgID,
		ProjectID:        projectID,
		Name:             req.Name,
		Type:             domain.MonitorType(req.Type),
		Target:           req.Target,
		Check:            req.Check,
		FrequencyMinutes: req.FrequencyMinutes,
		Status:           domain.MonitorStatusActive,
		Alerts:           req.Alerts,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	ctx := c.Request.Context()
	if err := s.deps.Store.CreateMonitor(ctx, monitor); err != nil {
		s.internalError(c, "create monitor", err)
		return
	}

	handle, err := s.deps.Scheduler.ScheduleMonitor(ctx, *monitor)
	if err != nil {
		// A monitor must not exist unscheduled; roll the row back so the
		// client can simply retry the create.
		if delErr := s.deps.Store.DeleteMonitor(ctx, auth.OrgID, monitor.ID); delErr != nil {
			s.log.WithError(delErr).WithField("monitor_id", monitor.ID).Warn("rollback of unscheduled monitor failed")
		}
		s.internalError(c, "schedule monitor", err)
		return
	}
	monitor.ScheduledJobID = &handle

	s.recordAudit(c, auth, "monitor.create", monitor.ID.String())
	c.JSON(http.StatusCreated, monitorResponse(*monitor))
}

// underMonitorLimit enforces the plan's monitor allowance at create time.
// The count is a plain read, so two concurrent creates can both pass at the
// boundary; the allowance is a soft limit the same way admission is.
func (s *Server) underMonitorLimit(c *gin.Context, orgID uuid.UUID) bool {
	if s.deps.Quota == nil {
		return true
	}
	ctx := c.Request.Context()
	limit, err := s.deps.Quota.MonitorLimitFor(ctx, orgID)
	if err != nil {
		s.internalError(c, "resolve monitor limit", err)
		return false
	}
	if limit <= 0 {
		return true
	}
	count, err := s.deps.Store.CountMonitors(ctx, orgID)
	if err != nil {
		s.internalError(c, "count monitors", err)
		return false
	}
	if count >= limit {
		s.rejected(c, capacity.ReasonMonitorLimit,
			fmt.Sprintf("Your plan allows %d monitors; delete one or upgrade.", limit))
		return false
	}
	return true
}

func (s *Server) listMonitors(c *gin.Context) {
	auth := currentAuth(c)
	projectID, ok := uuidQuery(c, "project")
	if !ok {
		return
	}
	limit, offset, err := parsePagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	monitors, err := s.deps.Store.ListMonitors(c.Request.Context(), auth.OrgID, projectID, limit, offset)
	if err != nil {
		s.internalError(c, "list monitors", err)
		return
	}
	resp := ListMonitorsResponse{Monitors: make([]MonitorResponse, 0, len(monitors))}
	for _, m := range monitors {
		resp.Monitors = append(resp.Monitors, monitorResponse(m))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getMonitor(c *gin.Context) {
	auth := currentAuth(c)
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	monitor, err := s.deps.Store.MonitorByID(c.Request.Context(), auth.OrgID, id)
	if err != nil {
		s.notFoundOr500(c, "load monitor", err)
		return
	}
	c.JSON(http.StatusOK, monitorResponse(*monitor))
}

func (s *Server) updateMonitor(c *gin.Context) {
	auth := currentAuth(c)
	if !s.allowed(c, auth, "monitors", "write") {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req UpdateMonitorRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := validateUpdateMonitor(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	monitor, err := s.deps.Store.MonitorByID(ctx, auth.OrgID, id)
	if err != nil {
		s.notFoundOr500(c, "load monitor", err)
		return
	}

	monitor.Name = req.Name
	monitor.Type = domain.MonitorType(req.Type)
	monitor.Target = req.Target
	monitor.Check = req.Check
	monitor.Alerts = req.Alerts
	monitor.FrequencyMinutes = req.FrequencyMinutes
	monitor.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.UpdateMonitor(ctx, monitor); err != nil {
		s.notFoundOr500(c, "update monitor", err)
		return
	}
	// Hard reschedule: the cadence may have changed.
	handle, err := s.deps.Scheduler.RescheduleMonitor(ctx, *monitor)
	if err != nil {
		s.internalError(c, "reschedule monitor", err)
		return
	}
	monitor.ScheduledJobID = handle

	s.recordAudit(c, auth, "monitor.update", monitor.ID.String())
	c.JSON(http.StatusOK, monitorResponse(*monitor))
}

func (s *Server) deleteMonitor(c *gin.Context) {
	auth := currentAuth(c)
	if !s.allowed(c, auth, "monitors", "write") {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	monitor, err := s.deps.Store.MonitorByID(ctx, auth.OrgID, id)
	if err != nil {
		s.notFoundOr500(c, "load monitor", err)
		return
	}
	// Remove the recurring registration first: a half-finished delete then
	// leaves a retryable row rather than an orphaned schedule.
	if _, err := s.deps.Scheduler.DeleteScheduledMonitor(ctx, *monitor); err != nil {
		s.internalError(c, "unschedule monitor", err)
		return
	}
	if err := s.deps.Store.DeleteMonitor(ctx, auth.OrgID, id); err != nil {
		s.notFoundOr500(c, "delete monitor", err)
		return
	}

	s.recordAudit(c, auth, "monitor.delete", id.String())
	c.Status(http.StatusNoContent)
}

func (s *Server) pauseMonitor(c *gin.Context) {
	auth := currentAuth(c)
	if !s.allowed(c, auth, "monitors", "write") {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	monitor, err := s.deps.Store.MonitorByID(ctx, auth.OrgID, id)
	if err != nil {
		s.notFoundOr500(c, "load monitor", err)
		return
	}
	if err := s.deps.Scheduler.PauseMonitor(ctx, *monitor); err != nil {
		s.internalError(c, "pause monitor", err)
		return
	}
	updated, err := s.deps.Store.MonitorByID(ctx, auth.OrgID, id)
	if err != nil {
		s.notFoundOr500(c, "load monitor", err)
		return
	}

	s.recordAudit(c, auth, "monitor.pause", id.String())
	c.JSON(http.StatusOK, monitorResponse(*updated))
}

func (s *Server) resumeMonitor(c *gin.Context) {
	auth := currentAuth(c)
	if !s.allowed(c, auth, "monitors", "write") {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	monitor, err := s.deps.Store.MonitorByID(ctx, auth.OrgID, id)
	if err != nil {
		s.notFoundOr500(c, "load monitor", err)
		return
	}
	if _, err := s.deps.Scheduler.ResumeMonitor(ctx, *monitor); err != nil {
		s.internalError(c, "resume monitor", err)
		return
	}
	updated, err := s.deps.Store.MonitorByID(ctx, auth.OrgID, id)
	if err != nil {
		s.notFoundOr500(c, "load monitor", err)
		return
	}

	s.recordAudit(c, auth, "monitor.resume", id.String())
	c.JSON(http.StatusOK, monitorResponse(*updated))
}

// runMonitorNow admits one ad hoc check of the monitor, outside its
// recurring cadence.
func (s *Server) runMonitorNow(c *gin.Context) {
	auth := currentAuth(c)
	if !s.allowed(c, auth, "runs", "execute") {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	monitor, err := s.deps.Store.MonitorByID(ctx, auth.OrgID, id)
	if err != nil {
		s.notFoundOr500(c, "load monitor", err)
		return
	}
	result, err := s.deps.Runs.StartMonitorCheck(ctx, monitor)
	if err != nil {
		s.internalError(c, "start monitor check", err)
		return
	}
	if result.Rejection != nil {
		s.rejected(c, result.Rejection.Reason, result.Rejection.Guidance)
		return
	}

	s.recordAudit(c, auth, "monitor.run", id.String())
	c.JSON(http.StatusAccepted, runResponse(*result.Run))
}
