// Package http exposes the session transport over HTTP: POST bootstraps or
// delivers messages, GET opens the SSE push stream, DELETE terminates.
package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/infrastructure/monitoring"
	"github.com/toolframe/toolframe/internal/protocol"
	"github.com/toolframe/toolframe/internal/session"
)

// SessionHeader carries the opaque session capability token.
const SessionHeader = "Mcp-Session-Id"

// maxBodyBytes bounds inbound message bodies.
const maxBodyBytes = 4 << 20

// Handlers serves the /mcp surface.
type Handlers struct {
	registry *session.Registry
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewHandlers creates the /mcp handler set.
func NewHandlers(registry *session.Registry, logger *logging.Logger, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{registry: registry, logger: logger, metrics: metrics}
}

// Routes registers the protocol endpoints.
func (h *Handlers) Routes(r *gin.Engine) {
	r.POST("/mcp", h.Post)
	r.GET("/mcp", h.Stream)
	r.DELETE("/mcp", h.Delete)
	r.GET("/health", h.Health)
}

// Post bootstraps a session on an initialize body with no session header,
// or forwards a message to an existing session's transport.
func (h *Handlers) Post(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writeError(c, nil, protocol.CodeParseError, "unreadable body")
		return
	}

	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" {
		sid, resp := h.registry.HandleInitialize(c.Request.Context(), body)
		if resp != nil && resp.Error != nil {
			c.JSON(http.StatusBadRequest, resp)
			return
		}
		c.Header(SessionHeader, sid)
		c.JSON(http.StatusOK, resp)
		return
	}

	resp, err := h.registry.HandlePost(c.Request.Context(), sessionID, body)
	if err != nil {
		h.writeInvalidSession(c, body)
		return
	}
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}
	if resp.Error != nil {
		c.JSON(http.StatusBadRequest, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Stream opens the long-lived SSE notification stream for a session.
func (h *Handlers) Stream(c *gin.Context) {
	sessionID := c.GetHeader(SessionHeader)
	transport, err := h.registry.Stream(sessionID)
	if err != nil {
		h.writeInvalidSession(c, nil)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	if h.metrics != nil {
		h.metrics.StreamsActive.Inc()
		defer h.metrics.StreamsActive.Dec()
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case n, ok := <-transport.Events():
			if !ok {
				return
			}
			note := protocol.NewNotification(protocol.MethodNotification, protocol.NotificationParams{
				Level: n.Level,
				Data:  n.Data,
			})
			data, err := json.Marshal(note)
			if err != nil {
				continue
			}
			if _, err := c.Writer.WriteString("event: message\ndata: " + string(data) + "\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Delete explicitly terminates a session.
func (h *Handlers) Delete(c *gin.Context) {
	sessionID := c.GetHeader(SessionHeader)
	if err := h.registry.HandleDelete(sessionID); err != nil {
		h.writeInvalidSession(c, nil)
		return
	}
	c.Status(http.StatusOK)
}

// Health reports liveness and the live session count.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.registry.Len(),
	})
}

func (h *Handlers) writeInvalidSession(c *gin.Context, body []byte) {
	var id json.RawMessage
	if len(body) > 0 {
		var req protocol.Request
		if err := json.Unmarshal(body, &req); err == nil {
			id = req.ID
		}
	}
	h.logger.Debug("invalid session",
		zap.String("method", c.Request.Method),
		zap.String("session_id", c.GetHeader(SessionHeader)),
	)
	writeError(c, id, protocol.CodeInvalidSession, "Bad Request: invalid session")
}

func writeError(c *gin.Context, id json.RawMessage, code int, message string) {
	c.JSON(http.StatusBadRequest, protocol.NewErrorResponse(id, code, message))
}
