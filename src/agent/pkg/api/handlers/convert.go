package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// ruleFromRequest converts an API request into a policy rule. Enumeration
// errors are returned as validation errors.
func ruleFromRequest(req *models.RuleRequest) (policy.Rule, error) {
	kind, err := policy.ParseKind(req.Type)
	if err != nil {
		return policy.Rule{}, &policy.ValidationError{Field: "type", Message: err.Error()}
	}
	action, err := policy.ParseAction(req.Action)
	if err != nil {
		return policy.Rule{}, &policy.ValidationError{Field: "action", Message: err.Error()}
	}
	proto, err := policy.ParseProtocol(req.Protocol)
	if err != nil {
		return policy.Rule{}, &policy.ValidationError{Field: "protocol", Message: err.Error()}
	}
	deviceType, err := policy.ParseDeviceType(req.DeviceType)
	if err != nil {
		return policy.Rule{}, &policy.ValidationError{Field: "deviceType", Message: err.Error()}
	}
	level, err := policy.ParseAuditLevel(req.AuditLevel)
	if err != nil {
		return policy.Rule{}, &policy.ValidationError{Field: "auditLevel", Message: err.Error()}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	return policy.Rule{
		Name:          req.Name,
		Description:   req.Description,
		Kind:          kind,
		Action:        action,
		Priority:      req.Priority,
		Enabled:       enabled,
		ValidFrom:     utc(req.ValidFrom),
		ValidUntil:    utc(req.ValidUntil),
		ProcessID:     req.ProcessID,
		ProcessName:   req.ProcessName,
		Protocol:      proto,
		LocalPort:     req.LocalPort,
		RemotePort:    req.RemotePort,
		RemoteAddress: req.RemoteAddress,
		DeviceType:    deviceType,
		HardwareID:    req.HardwareID,
		UserSID:       req.UserSID,
		AuditLevel:    level,
	}, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func ruleResponse(r policy.Rule, now time.Time) models.RuleResponse {
	resp := models.RuleResponse{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Type:          r.Kind.String(),
		Action:        r.Action.String(),
		Priority:      r.Priority,
		Enabled:       r.Enabled,
		Active:        policy.IsActive(&r, now),
		ValidFrom:     r.ValidFrom,
		ValidUntil:    r.ValidUntil,
		ProcessID:     r.ProcessID,
		ProcessName:   r.ProcessName,
		RemoteAddress: r.RemoteAddress,
		HardwareID:    r.HardwareID,
		UserSID:       r.UserSID,
		AuditLevel:    r.AuditLevel.String(),
		CreatedAt:     r.CreatedAt,
		ModifiedAt:    r.ModifiedAt,
	}
	switch r.Kind {
	case policy.KindNetwork:
		resp.Protocol = r.Protocol.String()
		resp.LocalPort = r.LocalPort
		resp.RemotePort = r.RemotePort
	case policy.KindDevice:
		resp.DeviceType = r.DeviceType.String()
	}
	return resp
}

func decisionResponse(d policy.Decision) models.DecisionResponse {
	return models.DecisionResponse{
		Action:        d.Action.String(),
		MatchedRuleID: d.MatchedRuleID,
		Reason:        d.Reason,
		AuditLevel:    d.AuditLevel.String(),
	}
}

// parseRuleID reads the :id path parameter, writing a 400 response on failure.
func parseRuleID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		msg := "rule id must be a positive integer"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			models.ErrCodeValidation,
			"Invalid rule ID",
			msg,
		))
		return 0, false
	}
	return id, true
}

// bindError writes the 400 response for a request body that failed to bind.
func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.NewErrorResponse(
		http.StatusBadRequest,
		models.ErrCodeValidation,
		"Invalid request body",
		err.Error(),
	))
}
