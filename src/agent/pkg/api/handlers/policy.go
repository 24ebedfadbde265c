package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// PolicyHandler handles rule management requests
type PolicyHandler struct {
	rules policy.RuleManager
	now   func() time.Time

	// Fatal is called when the rule store can no longer assign IDs.
	Fatal func(err error)
}

// NewPolicyHandler creates a new policy handler
func NewPolicyHandler(rm policy.RuleManager) *PolicyHandler {
	return &PolicyHandler{
		rules: rm,
		now:   time.Now,
		Fatal: func(err error) {
			log.WithField("severity", "critical").Fatalf("Rule store unusable: %v", err)
		},
	}
}

// CreateRule handles POST /rules
func (h *PolicyHandler) CreateRule(c *gin.Context) {
	var req models.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	r, err := ruleFromRequest(&req)
	if err != nil {
		h.ruleError(c, err, "Invalid rule")
		return
	}

	stored, err := h.rules.AddRule(c.Request.Context(), r)
	if err != nil {
		h.ruleError(c, err, "Failed to add rule")
		return
	}

	c.JSON(http.StatusCreated, ruleResponse(stored, h.now()))
}

// ListRules handles GET /rules
func (h *PolicyHandler) ListRules(c *gin.Context) {
	rules := h.rules.ListRules()
	now := h.now()

	resp := models.RuleListResponse{
		Rules: make([]models.RuleResponse, 0, len(rules)),
		Count: len(rules),
	}
	for _, r := range rules {
		resp.Rules = append(resp.Rules, ruleResponse(r, now))
	}

	c.JSON(http.StatusOK, resp)
}

// GetRule handles GET /rules/:id
func (h *PolicyHandler) GetRule(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}

	r, found := h.rules.GetRule(id)
	if !found {
		notFound(c, id)
		return
	}

	c.JSON(http.StatusOK, ruleResponse(r, h.now()))
}

// UpdateRule handles PUT /rules/:id
func (h *PolicyHandler) UpdateRule(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}

	var req models.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	r, err := ruleFromRequest(&req)
	if err != nil {
		h.ruleError(c, err, "Invalid rule")
		return
	}

	stored, found, err := h.rules.UpdateRule(c.Request.Context(), id, r)
	if err != nil {
		h.ruleError(c, err, "Failed to update rule")
		return
	}
	if !found {
		notFound(c, id)
		return
	}

	c.JSON(http.StatusOK, ruleResponse(stored, h.now()))
}

// DeleteRule handles DELETE /rules/:id
func (h *PolicyHandler) DeleteRule(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}

	if !h.rules.DeleteRule(c.Request.Context(), id) {
		notFound(c, id)
		return
	}

	c.JSON(http.StatusOK, models.MessageResponse{
		Message: fmt.Sprintf("Rule %d deleted successfully", id),
	})
}

// ToggleRule handles POST /rules/:id/toggle
func (h *PolicyHandler) ToggleRule(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}

	r, found := h.rules.ToggleRule(c.Request.Context(), id)
	if !found {
		notFound(c, id)
		return
	}

	c.JSON(http.StatusOK, ruleResponse(r, h.now()))
}

// ruleError maps a rule operation error to a response.
func (h *PolicyHandler) ruleError(c *gin.Context, err error, message string) {
	var ve *policy.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse(message, ve.Field, ve.Message))
	case errors.Is(err, policy.ErrIDExhausted):
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(
			http.StatusInternalServerError,
			models.ErrCodePolicy,
			message,
			err.Error(),
		))
		h.Fatal(err)
	default:
		log.Errorf("%s: %v", message, err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(
			http.StatusInternalServerError,
			models.ErrCodePolicy,
			message,
			err.Error(),
		))
	}
}

func notFound(c *gin.Context, id uint64) {
	c.JSON(http.StatusNotFound, models.NewErrorResponse(
		http.StatusNotFound,
		models.ErrCodeNotFound,
		fmt.Sprintf("Rule with ID %d not found", id),
		nil,
	))
}
