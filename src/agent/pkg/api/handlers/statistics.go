package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// StatisticsHandler handles decision counter requests
type StatisticsHandler struct {
	evaluator policy.Evaluator
}

// NewStatisticsHandler creates a new statistics handler
func NewStatisticsHandler(ev policy.Evaluator) *StatisticsHandler {
	return &StatisticsHandler{evaluator: ev}
}

// GetStats handles GET /stats
func (h *StatisticsHandler) GetStats(c *gin.Context) {
	stats := h.evaluator.Statistics()

	response := models.StatisticsResponse{
		NetworkEvaluations: stats.NetworkEvaluations,
		DeviceEvaluations:  stats.DeviceEvaluations,
		Allowed:            stats.Allowed,
		Blocked:            stats.Blocked,
		Audited:            stats.Audited,
		DefaultApplied:     stats.DefaultApplied,
	}

	// Calculate rates, guarding against an idle engine
	total := stats.NetworkEvaluations + stats.DeviceEvaluations
	if total > 0 {
		response.BlockRate = float64(stats.Blocked) / float64(total) * 100
		response.DefaultRate = float64(stats.DefaultApplied) / float64(total) * 100
	}

	c.JSON(http.StatusOK, response)
}
