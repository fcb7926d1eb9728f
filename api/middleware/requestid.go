package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the HTTP header used to propagate the request ID.
	RequestIDHeader = "X-Request-Id"
	// ContextKeyRequestID is the gin context key for the request ID.
	ContextKeyRequestID = "request_id"
	// ContextKeyErrorKind is the gin context key a handler sets to the
	// errs.Kind string of a failed request (see api/handler.writeError), so
	// this middleware can log which balancer error kind a request surfaced.
	ContextKeyErrorKind = "error_kind"
)

// RequestID generates a unique request ID for every request, sets it in the
// gin context and the response header, and logs the request with timing. If
// the request handler recorded an errs.Kind (a failed /prompt submit, a
// rejected admin mutation, …) it is folded into the log line so a QueueFull
// or NameConflict can be grepped straight out of the request log
// instead of cross-referencing the JSON response body.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse incoming request ID if provided (e.g. from a load balancer).
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(ContextKeyRequestID, id)
		c.Writer.Header().Set(RequestIDHeader, id)

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		fields := []any{
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", latency.Milliseconds(),
			"ip", c.ClientIP(),
		}
		if kind, ok := c.Get(ContextKeyErrorKind); ok {
			fields = append(fields, "error_kind", kind)
		}
		slog.Info("request", fields...)
	}
}
