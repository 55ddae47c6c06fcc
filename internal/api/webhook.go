package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/reconciler"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// keyed with the shared webhook secret.
const SignatureHeader = "X-Supercheck-Signature"

// webhookTrigger starts a run on behalf of an external system (CI, chat
// bots). The :id path segment names the target project; the caller proves
// itself by signing the body, not by bearer token.
func (s *Server) webhookTrigger(c *gin.Context) {
	if s.config.WebhookSecret == "" {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "webhook triggers are not configured"})
		return
	}
	projectID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBody)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unreadable request body"})
		return
	}
	if !VerifySignature(s.config.WebhookSecret, body, c.GetHeader(SignatureHeader)) {
		s.log.WithField("project_id", projectID).Info("webhook rejected on signature")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid signature"})
		return
	}

	var req WebhookTriggerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := validateWebhookTrigger(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid orgId"})
		return
	}

	if !s.limiter.allow(orgID) {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error:    "rate limit exceeded",
			Reason:   reasonRateLimited,
			Guidance: "Too many trigger requests; slow down and retry shortly.",
		})
		return
	}

	result, err := s.deps.Runs.StartRun(c.Request.Context(), reconciler.StartRequest{
		OrgID:     orgID,
		ProjectID: projectID,
		Script:    req.Script,
		Name:      req.Name,
		Trigger:   domain.TriggerWebhook,
		Location:  req.Location,
		Variables: req.Variables,
		TimeoutS:  req.TimeoutSeconds,
		Metadata:  domain.RunMetadata{Source: "webhook"},
	})
	if err != nil {
		s.startRunError(c, err)
		return
	}
	if result.Rejection != nil {
		s.rejected(c, result.Rejection.Reason, result.Rejection.Guidance)
		return
	}
	c.JSON(http.StatusAccepted, runResponse(*result.Run))
}

// ComputeSignature returns the hex HMAC-SHA256 of body under secret.
// Webhook senders sign with this; the handler verifies against it.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. An absent signature never
// matches.
func VerifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
