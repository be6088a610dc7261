package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
	"github.com/xiaoyuanzhu-com/session-fleet/notifications"
)

// fleetEventSnapshot is the first frame on a fleet socket
const fleetEventSnapshot = "fleet-status"

// GetFleetStatus handles GET /api/fleet
func (h *Handlers) GetFleetStatus(c *gin.Context) {
	RespondData(c, h.server.Sessions().GetFleetStatus())
}

// GetFleetMonitor handles GET /api/fleet/monitor
func (h *Handlers) GetFleetMonitor(c *gin.Context) {
	RespondData(c, h.server.Sessions().Monitor())
}

// FleetWebSocket handles GET /api/fleet/ws
// Sends a fleet snapshot, then every notification event as a JSON text frame.
func (h *Handlers) FleetWebSocket(c *gin.Context) {
	// Gin wraps the response writer to track state, but WebSocket needs the raw writer
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	log.MarkHijacked(c)
	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Skip origin check - auth is handled at higher layer
	})
	if err != nil {
		log.Error().Err(err).Msg("fleet WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Abort Gin context to prevent middleware from writing headers on hijacked connection
	c.Abort()

	// The request context does not end when the socket closes; CloseRead does
	ctx, cancel := context.WithCancel(conn.CloseRead(c.Request.Context()))
	defer cancel()

	events, unsubscribe := h.server.Notifications().Subscribe()
	defer unsubscribe()

	snapshot := notifications.Event{
		Type:      fleetEventSnapshot,
		Timestamp: time.Now().UnixMilli(),
		Data:      h.server.Sessions().GetFleetStatus(),
	}
	if err := writeJSON(ctx, conn, snapshot); err != nil {
		log.Debug().Err(err).Msg("fleet WebSocket initial write failed")
		return
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	shutdown := h.server.ShutdownContext()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeJSON(ctx, conn, event); err != nil {
				if ctx.Err() == nil {
					log.Info().Err(err).Msg("fleet WebSocket write failed")
				}
				return
			}

		case <-pingTicker.C:
			if err := conn.Ping(ctx); err != nil {
				log.Debug().Err(err).Msg("fleet WebSocket ping failed")
				return
			}

		case <-shutdown.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case <-ctx.Done():
			log.Debug().Msg("fleet WebSocket closed")
			return
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
