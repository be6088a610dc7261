package log

import (
	"time"

	"github.com/gin-gonic/gin"
)

// ContextKeyHijacked marks a request whose connection was taken over by a WebSocket upgrade.
const ContextKeyHijacked = "connection_hijacked"

// MarkHijacked must be called by WebSocket handlers before websocket.Accept so the
// request logger never touches the hijacked writer.
func MarkHijacked(c *gin.Context) {
	c.Set(ContextKeyHijacked, true)
}

// IsHijacked checks if the connection has been marked as hijacked.
func IsHijacked(c *gin.Context) bool {
	hijacked, exists := c.Get(ContextKeyHijacked)
	return exists && hijacked.(bool)
}

// GinLogger returns a Gin middleware that logs requests using zerolog
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		// Reading c.Writer.Status() on a hijacked connection makes gin write headers.
		if IsHijacked(c) {
			return
		}

		status := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}

		event := Info()
		if status >= 500 {
			event = Error()
		} else if status >= 400 {
			event = Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP())

		if tenantID := c.Param("id"); tenantID != "" {
			event.Str("tenantId", tenantID)
		}
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			event.Str("error", errorMessage)
		}

		event.Msg("request")
	}
}
