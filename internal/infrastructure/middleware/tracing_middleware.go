package middleware

import (
	"time"

	"github.com/Parr-Marketing/Dicksword/pkg/logger"
	"github.com/Parr-Marketing/Dicksword/pkg/tracing"
	"github.com/Parr-Marketing/Dicksword/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Tracing wraps each request in a span and threads a request ID through
// the context so handler logs correlate with the trace.
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		// A caller-supplied request ID is kept for cross-service correlation.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Writer.Header().Set("X-Request-ID", requestID)
		ctx = logger.WithRequestID(ctx, requestID)

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
			attribute.String("http.request_id", requestID),
		)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.response_size", int64(c.Writer.Size())),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
