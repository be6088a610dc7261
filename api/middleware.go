package api

import (
	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/session-fleet/session"
)

// requireTenantID rejects tenant routes whose :id is not a safe tenant id
func requireTenantID(c *gin.Context) {
	if err := session.ValidateTenantID(c.Param("id")); err != nil {
		RespondBadRequest(c, err.Error())
		c.Abort()
		return
	}
	c.Next()
}
