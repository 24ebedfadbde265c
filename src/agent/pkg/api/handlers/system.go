package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// SystemHandler handles agent-wide operations
type SystemHandler struct {
	rules policy.RuleManager
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(rm policy.RuleManager) *SystemHandler {
	return &SystemHandler{rules: rm}
}

// Reset handles POST /system/reset
// Enforcement points stop blocking until they or the agent restart; stored rules are kept.
func (h *SystemHandler) Reset(c *gin.Context) {
	if err := h.rules.ResetEnforcement(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, models.NewErrorResponse(
			http.StatusServiceUnavailable,
			models.ErrCodeEnforcementUnavailable,
			"Reset did not reach every enforcement point",
			err.Error(),
		))
		return
	}

	c.JSON(http.StatusOK, models.MessageResponse{
		Message: "Enforcement reset; rules re-apply on the next synchronization",
	})
}
