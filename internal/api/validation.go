package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

func validateCreateMonitor(req CreateMonitorRequest) error {
	if strings.TrimSpace(req.ProjectID) == "" {
		return fmt.Errorf("projectId is required")
	}
	return validateMonitorDefinition(req.Name, req.Type, req.Target, req.FrequencyMinutes)
}

func validateUpdateMonitor(req UpdateMonitorRequest) error {
	return validateMonitorDefinition(req.Name, req.Type, req.Target, req.FrequencyMinutes)
}

func validateMonitorDefinition(name, kind, target string, frequency int) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required")
	}
	monitorType := domain.MonitorType(kind)
	if !monitorType.Valid() {
		return fmt.Errorf("unknown monitor type %q", kind)
	}
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("target is required")
	}
	if monitorType == domain.MonitorTypeHTTP {
		if err := validateTargetURL(target); err != nil {
			return err
		}
	}
	if frequency < domain.MinFrequencyMinutes || frequency > domain.MaxFrequencyMinutes {
		return fmt.Errorf("frequencyMinutes must be between %d and %d",
			domain.MinFrequencyMinutes, domain.MaxFrequencyMinutes)
	}
	return nil
}

// validateTargetURL requires an absolute http(s) URL for http monitors.
func validateTargetURL(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("target is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("target is missing a host")
	}
	return nil
}

func validateStartRun(req StartRunRequest) error {
	if strings.TrimSpace(req.ProjectID) == "" {
		return fmt.Errorf("projectId is required")
	}
	if strings.TrimSpace(req.Script) == "" {
		return fmt.Errorf("script is required")
	}
	if req.TimeoutSeconds < 0 {
		return fmt.Errorf("timeoutSeconds must not be negative")
	}
	return nil
}

func validateWebhookTrigger(req WebhookTriggerRequest) error {
	if strings.TrimSpace(req.OrgID) == "" {
		return fmt.Errorf("orgId is required")
	}
	if strings.TrimSpace(req.Script) == "" {
		return fmt.Errorf("script is required")
	}
	if req.TimeoutSeconds < 0 {
		return fmt.Errorf("timeoutSeconds must not be negative")
	}
	return nil
}

func validRunStatus(status domain.RunStatus) bool {
	switch status {
	case domain.RunStatusRunning, domain.RunStatusPassed, domain.RunStatusFailed, domain.RunStatusCanceled:
		return true
	}
	return false
}

// parsePagination reads limit/offset query parameters. Limit defaults to
// DefaultLimit and is clamped to MaxLimit.
func parsePagination(c *gin.Context) (limit, offset int, err error) {
	limit = DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("invalid limit")
		}
		if limit > MaxLimit {
			limit = MaxLimit
		}
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset")
		}
	}
	return limit, offset, nil
}
