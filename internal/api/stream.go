package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

// wsWriteWait bounds a single websocket write.
const wsWriteWait = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamEvents serves the lifecycle event feed as server-sent events,
// filtered to the caller's organization and optionally to one project. A
// comment ping keeps idle connections alive through proxies.
func (s *Server) streamEvents(c *gin.Context) {
	auth := currentAuth(c)
	projectID, ok := uuidQuery(c, "project")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.deps.Events.Ready(ctx); err != nil {
		s.log.WithError(err).Error("event stream attach failed")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "event stream unavailable"})
		return
	}
	events, unsubscribe := s.deps.Events.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	ping := time.NewTicker(s.config.SSEPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if !streamVisible(event, auth.OrgID, projectID) {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
			c.Writer.Flush()
		case <-ping.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		}
	}
}

// streamVisible applies tenant isolation plus the optional project filter.
func streamVisible(event domain.QueueEvent, orgID, projectID uuid.UUID) bool {
	if event.OrgID != orgID {
		return false
	}
	return projectID == uuid.Nil || event.ProjectID == projectID
}

// streamEventsWS mirrors the SSE feed over a websocket for clients that
// prefer that transport.
func (s *Server) streamEventsWS(c *gin.Context) {
	auth := currentAuth(c)
	projectID, ok := uuidQuery(c, "project")
	if !ok {
		return
	}
	if err := s.deps.Events.Ready(c.Request.Context()); err != nil {
		s.log.WithError(err).Error("event stream attach failed")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "event stream unavailable"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	events, unsubscribe := s.deps.Events.Subscribe()

	// Read pump: the client sends nothing meaningful, but reading is what
	// surfaces close frames and dead peers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer unsubscribe()
		defer conn.Close()
		ping := time.NewTicker(s.config.SSEPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case event := <-events:
				if !streamVisible(event, auth.OrgID, projectID) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
