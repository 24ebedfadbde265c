package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
)

// ConfigHandler exposes the running configuration. Only the log level can
// be changed at runtime.
type ConfigHandler struct {
	mu       sync.Mutex
	current  models.ConfigResponse
	setLevel func(log.Level)
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(current models.ConfigResponse) *ConfigHandler {
	return &ConfigHandler{current: current, setLevel: log.SetLevel}
}

// GetConfig handles GET /config
func (h *ConfigHandler) GetConfig(c *gin.Context) {
	h.mu.Lock()
	resp := h.current
	h.mu.Unlock()

	c.JSON(http.StatusOK, resp)
}

// UpdateConfig handles PUT /config
func (h *ConfigHandler) UpdateConfig(c *gin.Context) {
	var req models.ConfigUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if req.LogLevel != nil {
		level, err := log.ParseLevel(*req.LogLevel)
		if err != nil {
			bindError(c, err)
			return
		}
		h.setLevel(level)
		h.current.LogLevel = level.String()
		log.Infof("Log level changed to %s", level)
	}

	c.JSON(http.StatusOK, h.current)
}
