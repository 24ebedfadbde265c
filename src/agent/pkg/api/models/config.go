package models

// ConfigResponse represents the running agent configuration
type ConfigResponse struct {
	LogLevel           string `json:"logLevel"`
	APIHost            string `json:"apiHost"`
	APIPort            int    `json:"apiPort"`
	AuditDir           string `json:"auditDir"`
	StorageBackend     string `json:"storageBackend"`
	NetworkPoint       string `json:"networkPoint"`
	DevicePoint        string `json:"devicePoint"`
	HealthIntervalSecs int    `json:"healthIntervalSeconds"`
}

// ConfigUpdateRequest represents a runtime configuration update
type ConfigUpdateRequest struct {
	LogLevel *string `json:"logLevel,omitempty" binding:"omitempty,oneof=debug info warn error"`
}
