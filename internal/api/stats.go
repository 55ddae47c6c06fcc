package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/supercheck-io/supercheck-sub010/internal/capacity"
	"github.com/supercheck-io/supercheck-sub010/internal/queue"
)

// healthCheckTimeout bounds each dependency probe on the verbose health
// endpoint.
const healthCheckTimeout = 3 * time.Second

func (s *Server) queueStats(c *gin.Context) {
	ctx := c.Request.Context()
	resp := QueueStatsResponse{Queues: make(map[string]queue.Counts)}
	for _, kind := range s.deps.Queues.Kinds() {
		counts, err := s.deps.Queues.Counts(ctx, kind)
		if err != nil {
			s.internalError(c, "queue counts", err)
			return
		}
		resp.Queues[string(kind)] = counts
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) projectStats(c *gin.Context) {
	auth := currentAuth(c)
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	if !s.allowed(c, auth, "project:"+id.String(), "read") {
		return
	}

	days := 0
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid days"})
			return
		}
		days = parsed
	}

	stats, err := s.deps.Stats.ProjectStats(c.Request.Context(), id, days)
	if err != nil {
		s.internalError(c, "project stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// health answers liveness; with ?verbose=true it probes the backing stores
// and reports per-component state, degrading to 503.
func (s *Server) health(c *gin.Context) {
	if c.Query("verbose") != "true" {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Components: map[string]string{}}
	probe := func(name string, dep HealthChecker) {
		if dep == nil {
			return
		}
		if err := dep.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
			return
		}
		resp.Components[name] = "healthy"
	}
	probe("database", s.deps.DB)
	probe("redis", s.deps.Redis)

	if s.deps.Breaker != nil {
		state := s.deps.Breaker.State(capacity.BreakerKey)
		resp.Components["capacity_breaker"] = state
		if state == "open" {
			resp.Status = "degraded"
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
