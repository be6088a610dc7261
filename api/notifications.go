package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
	"github.com/xiaoyuanzhu-com/session-fleet/notifications"
)

// NotificationStream handles GET /api/notifications/stream (SSE)
func (h *Handlers) NotificationStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering

	// Subscribe to notifications
	events, unsubscribe := h.server.Notifications().Subscribe()
	defer unsubscribe()

	// Send initial connected event
	sendSSEEvent(c.Writer, notifications.Event{
		Type:      notifications.EventConnected,
		Timestamp: time.Now().UnixMilli(),
	})
	c.Writer.Flush()

	log.Debug().Msg("client connected to notification stream")

	// Heartbeat ticker
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	shutdown := h.server.ShutdownContext()

	// Stream events
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			sendSSEEvent(c.Writer, event)
			c.Writer.Flush()

		case <-ticker.C:
			// Send heartbeat comment
			fmt.Fprintf(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()

		case <-shutdown.Done():
			return

		case <-c.Request.Context().Done():
			log.Debug().Msg("client disconnected from notification stream")
			return
		}
	}
}

func sendSSEEvent(w io.Writer, event notifications.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// ListNotifications handles GET /api/tenants/:id/notifications
func (h *Handlers) ListNotifications(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	notices, err := h.server.DB().Notifications().ListByTenant(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list notifications")
		RespondInternalError(c, "Failed to list notifications")
		return
	}
	RespondList(c, notices)
}
