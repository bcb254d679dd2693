// Package httpmw provides shared gin middleware for the Loom HTTP surfaces.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/logger"
)

// skipTelemetry excludes endpoints where per-request telemetry is noise: the
// health probe fires every few seconds, and the runner WebSocket is a single
// request that lives for hours.
func skipTelemetry(path string) bool {
	switch path {
	case "/health", "/ws/runner":
		return true
	}
	return false
}

// RequestLogger logs one line per API request after the handler completes.
// Server errors log at error, client errors at warn, the rest at debug.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if skipTelemetry(path) {
			c.Next()
			return
		}

		c.Next()

		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", size),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("http", fields...)
		case status >= 400:
			log.Warn("http", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}
