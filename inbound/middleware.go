package inbound

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-helpdesk-bridge/core"
)

// Recovery turns a handler panic into a 500 envelope and an error log entry.
func Recovery(logger core.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			core.LogEvent(context.WithoutCancel(c.Request.Context()), logger, "error", "panic while handling request", map[string]any{
				"event":  "http_panic_recovered",
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
				"panic":  fmt.Sprint(recovered),
			})
			abortWithError(c, inboundInternal("internal server error", nil))
		}()
		c.Next()
	}
}

// RequestLogger writes one entry per request after the handler returns.
func RequestLogger(logger core.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := "info"
		switch {
		case status >= http.StatusInternalServerError:
			level = "error"
		case status >= http.StatusBadRequest:
			level = "warn"
		}
		fields := map[string]any{
			"event":       "http_request",
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}
		core.LogEvent(c.Request.Context(), logger, level, "http request", fields)
	}
}
