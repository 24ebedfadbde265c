package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/audit"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/dataplane"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// Version is reported by the status endpoint.
var Version = "1.0.0"

// EnforcementHealth reports enforcement point reachability.
type EnforcementHealth interface {
	Health() dataplane.Health
	Degraded() bool
}

// AuditState reports the audit queue state.
type AuditState interface {
	State() audit.State
}

// HealthHandler handles health check requests
type HealthHandler struct {
	rules       policy.RuleManager
	enforcement EnforcementHealth
	audit       AuditState
}

// NewHealthHandler creates a new health handler. enforcement and auditState may be nil.
func NewHealthHandler(rm policy.RuleManager, enforcement EnforcementHealth, auditState AuditState) *HealthHandler {
	return &HealthHandler{
		rules:       rm,
		enforcement: enforcement,
		audit:       auditState,
	}
}

func (h *HealthHandler) degraded() bool {
	return h.enforcement != nil && h.enforcement.Degraded()
}

// GetHealth handles GET /health
func (h *HealthHandler) GetHealth(c *gin.Context) {
	response := models.HealthResponse{
		Status:  "ok",
		Message: "Agent is healthy",
	}
	if h.degraded() {
		response.Status = "degraded"
		response.Message = "One or more enforcement points are unreachable"
	}

	c.JSON(http.StatusOK, response)
}

// GetStatus handles GET /status
func (h *HealthHandler) GetStatus(c *gin.Context) {
	st := h.rules.Status()

	response := models.StatusResponse{
		Status:      "ok",
		Version:     Version,
		RulesCount:  st.RulesCount,
		ActiveRules: st.ActiveRules,
		Uptime:      int64(st.Uptime.Seconds()),
	}
	if h.enforcement != nil {
		health := h.enforcement.Health()
		response.Enforcement = models.EnforcementStatus{
			NetworkPointUp: health.NetworkPointUp,
			DevicePointUp:  health.DevicePointUp,
		}
	}
	if h.degraded() {
		response.Status = "degraded"
	}
	if h.audit != nil {
		response.Audit = &models.AuditStatus{State: h.audit.State().String()}
	}

	c.JSON(http.StatusOK, response)
}
