package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
)

// AuditExporter renders audit records in a time range as CEF lines.
type AuditExporter interface {
	ExportRange(ctx context.Context, start, end time.Time) ([]byte, error)
}

// AuditHandler handles audit export requests
type AuditHandler struct {
	exporter AuditExporter
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(exp AuditExporter) *AuditHandler {
	return &AuditHandler{exporter: exp}
}

// ExportAudit handles GET /audit/export?startTime=&endTime=
// Both bounds are RFC3339 timestamps and inclusive.
func (h *AuditHandler) ExportAudit(c *gin.Context) {
	start, ok := parseTimeParam(c, "startTime")
	if !ok {
		return
	}
	end, ok := parseTimeParam(c, "endTime")
	if !ok {
		return
	}
	if end.Before(start) {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			models.ErrCodeValidation,
			"endTime is before startTime",
			nil,
		))
		return
	}

	data, err := h.exporter.ExportRange(c.Request.Context(), start, end)
	if err != nil {
		log.Errorf("Audit export failed: %v", err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(
			http.StatusInternalServerError,
			models.ErrCodeAudit,
			"Failed to export audit records",
			err.Error(),
		))
		return
	}

	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

func parseTimeParam(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			models.ErrCodeValidation,
			"Missing "+name,
			nil,
		))
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			models.ErrCodeValidation,
			"Invalid "+name,
			err.Error(),
		))
		return time.Time{}, false
	}
	return t.UTC(), true
}
