package api

import (
	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// InitializeSession handles POST /api/tenants/:id/session
// Starts the tenant's client in the background; progress is visible through
// the status endpoint and the notification stream.
func (h *Handlers) InitializeSession(c *gin.Context) {
	tenantID := c.Param("id")

	var body struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	// Body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondBadRequest(c, "Invalid request body")
			return
		}
	}

	if body.PhoneNumber != "" {
		if err := h.server.DB().Tenants().Ensure(c.Request.Context(), tenantID, body.PhoneNumber); err != nil {
			log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to register tenant")
			RespondInternalError(c, "Failed to register tenant")
			return
		}
	}

	manager := h.server.Sessions()
	if err := manager.StartSession(tenantID); err != nil {
		RespondSessionError(c, err)
		return
	}

	RespondAccepted(c, manager.Status(tenantID))
}

// GetSessionStatus handles GET /api/tenants/:id/session
func (h *Handlers) GetSessionStatus(c *gin.Context) {
	RespondData(c, h.server.Sessions().Status(c.Param("id")))
}

// Reauthenticate handles POST /api/tenants/:id/session/reauth
func (h *Handlers) Reauthenticate(c *gin.Context) {
	tenantID := c.Param("id")
	manager := h.server.Sessions()

	if err := manager.Reauthenticate(c.Request.Context(), tenantID); err != nil {
		RespondSessionError(c, err)
		return
	}
	RespondAccepted(c, manager.Status(tenantID))
}

// GetChallenge handles GET /api/tenants/:id/session/challenge
func (h *Handlers) GetChallenge(c *gin.Context) {
	challenge, err := h.server.Sessions().RequestChallenge(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondSessionError(c, err)
		return
	}
	RespondData(c, gin.H{"challenge": challenge})
}
