package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/supercheck-io/supercheck-sub010/internal/platform"
)

// authKey is the gin context key the resolved caller identity lives under.
const authKey = "supercheck.auth"

// requireAuth resolves the bearer token and aborts unauthenticated requests
// with a 401.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		auth, err := s.deps.Auth.Resolve(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, platform.ErrUnauthenticated) {
				s.log.WithError(err).Warn("auth resolution failed")
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
			return
		}
		c.Set(authKey, auth)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// currentAuth returns the identity stored by requireAuth. Handlers behind
// the middleware can rely on it being set.
func currentAuth(c *gin.Context) platform.AuthContext {
	v, _ := c.Get(authKey)
	auth, _ := v.(platform.AuthContext)
	return auth
}

// maxTrackedTenants bounds the limiter map. On overflow the whole map is
// dropped; losing refill state is cheaper than unbounded growth.
const maxTrackedTenants = 10000

// tenantLimiter keeps one token bucket per organization.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newTenantLimiter(rps, burst int) *tenantLimiter {
	return &tenantLimiter{
		limiters: make(map[uuid.UUID]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *tenantLimiter) allow(orgID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[orgID]
	if !ok {
		if len(l.limiters) >= maxTrackedTenants {
			l.limiters = make(map[uuid.UUID]*rate.Limiter)
		}
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[orgID] = limiter
	}
	return limiter.Allow()
}

// rateLimit throttles trigger endpoints per organization.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := currentAuth(c)
		if !s.limiter.allow(auth.OrgID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:    "rate limit exceeded",
				Reason:   reasonRateLimited,
				Guidance: "Too many trigger requests; slow down and retry shortly.",
			})
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+SignatureHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLog emits one debug line per request.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}
