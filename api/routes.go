package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *Handlers) {
	// API group
	api := r.Group("/api")

	tenants := api.Group("/tenants/:id", requireTenantID)

	// Tenant session lifecycle
	tenants.POST("/session", h.InitializeSession)
	tenants.GET("/session", h.GetSessionStatus)
	tenants.POST("/session/reauth", h.Reauthenticate)
	tenants.GET("/session/challenge", h.GetChallenge)

	// Messaging
	tenants.POST("/messages", h.SendMessage)
	tenants.POST("/messages/queue", h.EnqueueMessage)
	tenants.GET("/messages/incoming", h.ListIncomingMessages)
	tenants.GET("/metrics", h.GetDeliveryMetrics)
	tenants.GET("/notifications", h.ListNotifications)

	// Fleet
	api.GET("/fleet", h.GetFleetStatus)
	api.GET("/fleet/monitor", h.GetFleetMonitor)
	api.GET("/fleet/ws", h.FleetWebSocket)

	// Notifications (SSE)
	api.GET("/notifications/stream", h.NotificationStream)

	// Upload (TUS)
	api.Any("/media/tus/*path", h.TUSHandler)

	// Prometheus
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.server.MetricsRegistry(), promhttp.HandlerOpts{
		ErrorLog: log.StdErrorLogger(),
	})))

	// Ignore .well-known requests
	r.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})
}
