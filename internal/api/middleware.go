package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggingMiddleware logs HTTP requests using structured logging.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// ErrorHandlerMiddleware turns errors attached with c.Error into a JSON
// response when the handler did not write one.
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status := statusOf(err)
		if status >= 500 {
			slog.Error("Request error", "error", err, "path", c.Request.URL.Path, "method", c.Request.Method)
		}
		if !c.Writer.Written() {
			c.JSON(status, newErrorResponse(err))
		}
	}
}
