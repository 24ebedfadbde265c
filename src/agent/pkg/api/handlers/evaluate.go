package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// EvaluateHandler runs ad-hoc evaluations against the live rule set.
// Decisions are audited like any other.
type EvaluateHandler struct {
	evaluator policy.Evaluator
}

// NewEvaluateHandler creates a new evaluation handler
func NewEvaluateHandler(ev policy.Evaluator) *EvaluateHandler {
	return &EvaluateHandler{evaluator: ev}
}

// EvaluateNetwork handles POST /evaluate/network
func (h *EvaluateHandler) EvaluateNetwork(c *gin.Context) {
	var req models.NetworkEvaluationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	proto, err := policy.ParseProtocol(req.Protocol)
	if err != nil {
		bindError(c, err)
		return
	}

	d := h.evaluator.EvaluateNetwork(c.Request.Context(), policy.NetworkEvent{
		ProcessID:     req.ProcessID,
		ProcessName:   req.ProcessName,
		Protocol:      proto,
		LocalPort:     req.LocalPort,
		RemotePort:    req.RemotePort,
		RemoteAddress: req.RemoteAddress,
		UserSID:       req.UserSID,
	})

	c.JSON(http.StatusOK, decisionResponse(d))
}

// EvaluateDevice handles POST /evaluate/device
func (h *EvaluateHandler) EvaluateDevice(c *gin.Context) {
	var req models.DeviceEvaluationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	deviceType, err := policy.ParseDeviceType(req.DeviceType)
	if err != nil {
		bindError(c, err)
		return
	}

	d := h.evaluator.EvaluateDevice(c.Request.Context(), policy.DeviceEvent{
		ProcessID:   req.ProcessID,
		ProcessName: req.ProcessName,
		DeviceType:  deviceType,
		HardwareID:  req.HardwareID,
		UserSID:     req.UserSID,
	})

	c.JSON(http.StatusOK, decisionResponse(d))
}
