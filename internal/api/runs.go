package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/reconciler"
)

func (s *Server) startRun(c *gin.Context) {
	auth := currentAuth(c)
	if !s.allowed(c, auth, "runs", "execute") {
		return
	}

	var req StartRunRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := validateStartRun(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid projectId"})
		return
	}

	result, err := s.deps.Runs.StartRun(c.Request.Context(), reconciler.StartRequest{
		OrgID:     auth.OrgID,
		ProjectID: projectID,
		Script:    req.Script,
		Name:      req.Name,
		Trigger:   domain.TriggerManual,
		Location:  req.Location,
		Variables: req.Variables,
		TimeoutS:  req.TimeoutSeconds,
		Metadata:  domain.RunMetadata{Source: "api"},
	})
	if err != nil {
		s.startRunError(c, err)
		return
	}
	if result.Rejection != nil {
		s.rejected(c, result.Rejection.Reason, result.Rejection.Guidance)
		return
	}

	s.recordAudit(c, auth, "run.start", result.Run.ID.String())
	c.JSON(http.StatusAccepted, runResponse(*result.Run))
}

// startRunError splits script classification problems (the caller's fault)
// from infrastructure failures.
func (s *Server) startRunError(c *gin.Context, err error) {
	if errors.Is(err, reconciler.ErrScriptEmpty) || errors.Is(err, reconciler.ErrScriptAmbiguous) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	s.internalError(c, "start run", err)
}

func (s *Server) listRuns(c *gin.Context) {
	auth := currentAuth(c)
	projectID, ok := uuidQuery(c, "project")
	if !ok {
		return
	}
	status := domain.RunStatus(c.Query("status"))
	if status != "" && !validRunStatus(status) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid status filter"})
		return
	}
	limit, offset, err := parsePagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	runs, err := s.deps.Store.ListRuns(c.Request.Context(), auth.OrgID, projectID, status, limit, offset)
	if err != nil {
		s.internalError(c, "list runs", err)
		return
	}
	resp := ListRunsResponse{Runs: make([]RunResponse, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runResponse(run))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getRun(c *gin.Context) {
	auth := currentAuth(c)
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	run, err := s.deps.Store.RunOwnedBy(c.Request.Context(), auth.OrgID, id)
	if err != nil {
		s.notFoundOr500(c, "load run", err)
		return
	}
	c.JSON(http.StatusOK, runResponse(*run))
}

func (s *Server) cancelRun(c *gin.Context) {
	auth := currentAuth(c)
	if !s.allowed(c, auth, "runs", "cancel") {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	// Ownership first: the cancel path itself is tenant-blind.
	if _, err := s.deps.Store.RunOwnedBy(ctx, auth.OrgID, id); err != nil {
		s.notFoundOr500(c, "load run", err)
		return
	}

	outcome, err := s.deps.Runs.RequestCancel(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, reconciler.ErrRunFinished):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "run already finished"})
		case errors.Is(err, domain.ErrNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
		default:
			s.internalError(c, "cancel run", err)
		}
		return
	}

	s.recordAudit(c, auth, "run.cancel", id.String())
	c.JSON(http.StatusOK, CancelRunResponse{Canceled: outcome.Canceled, Requested: outcome.Requested})
}
