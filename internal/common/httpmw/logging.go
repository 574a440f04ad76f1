// Package httpmw provides gin middleware shared by the daemon's HTTP
// surfaces.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
)

// RequestLogger logs each request once the handler chain finishes.
// Server errors log at error level; everything else stays at debug so
// websocket upgrades and MCP polling do not flood the output.
func RequestLogger(log *logger.Logger, server string) gin.HandlerFunc {
	hlog := log.WithFields(
		zap.String("component", "http"),
		zap.String("server", server))

	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client", c.ClientIP()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if size := c.Writer.Size(); size > 0 {
			fields = append(fields, zap.Int("response_bytes", size))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if status >= 500 {
			hlog.Error("request failed", fields...)
			return
		}
		hlog.Debug("request served", fields...)
	}
}
