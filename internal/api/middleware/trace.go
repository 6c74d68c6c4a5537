package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/shared/id"
)

// RequestIDHeader carries the per-request correlation id. Inbound values are
// honored so a host application can stitch its own traces through; absent
// ones are minted server-side.
const RequestIDHeader = "X-Request-Id"

// Trace assigns each request a correlation id and logs its outcome with
// latency. Streaming requests log on disconnect, which is their natural end.
func Trace(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = id.NewRequestID().String()
		}
		c.Header(RequestIDHeader, requestID)
		c.Set("request_id", requestID)

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			logger.Warn("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		logger.Debug("request handled", fields...)
	}
}
