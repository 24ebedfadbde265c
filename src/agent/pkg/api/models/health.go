package models

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"` // "ok", "degraded"
	Message string `json:"message"`
}

// StatusResponse represents detailed agent status
type StatusResponse struct {
	Status      string            `json:"status"` // "ok", "degraded"
	Version     string            `json:"version"`
	RulesCount  int               `json:"rulesCount"`
	ActiveRules int               `json:"activeRules"`
	Uptime      int64             `json:"uptime"` // seconds
	Enforcement EnforcementStatus `json:"enforcement"`
	Audit       *AuditStatus      `json:"audit,omitempty"`
}

// EnforcementStatus reports enforcement point reachability
type EnforcementStatus struct {
	NetworkPointUp bool `json:"networkPointUp"`
	DevicePointUp  bool `json:"devicePointUp"`
}

// AuditStatus reports the audit queue
type AuditStatus struct {
	State string `json:"state"`
}
